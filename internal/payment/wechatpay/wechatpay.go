package wechatpay

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dujiao-next/paygate/internal/constants"
	"github.com/dujiao-next/paygate/internal/logger"
	"github.com/dujiao-next/paygate/internal/payment"

	"github.com/wechatpay-apiv3/wechatpay-go/core"
	"github.com/wechatpay-apiv3/wechatpay-go/core/auth/verifiers"
	"github.com/wechatpay-apiv3/wechatpay-go/core/option"
	"github.com/wechatpay-apiv3/wechatpay-go/utils"
)

const (
	defaultBaseURL  = "https://api.mch.weixin.qq.com"
	defaultTimeout  = 12 * time.Second
	defaultCurrency = "CNY"
	// 回调时间戳允许的最大偏差
	notifyReplayWindow = 300 * time.Second
)

// 微信支付接口时间统一使用北京时间
var beijing = time.FixedZone("CST", 8*3600)

// Config 微信支付配置档。
type Config struct {
	MchID                     string `json:"mch_id"`
	APIV2Key                  string `json:"api_v2_key"`
	APIV3Key                  string `json:"api_v3_key"`
	MerchantPrivateKeyPath    string `json:"merchant_private_key_path"`
	MerchantCertificateSerial string `json:"merchant_certificate_serial"`
	PlatformCertificatePath   string `json:"platform_certificate_path"`
	NotifyURL                 string `json:"notify_url"`
	MPAppID                   string `json:"mp_app_id"`
	MiniAppID                 string `json:"mini_app_id"`
	AppID                     string `json:"app_id"`
	BaseURL                   string `json:"base_url"`
	H5Type                    string `json:"h5_type"`
	H5RedirectURL             string `json:"h5_redirect_url"`
	Currency                  string `json:"currency"`
}

// ParseConfig 解析配置。
func ParseConfig(raw map[string]interface{}) (*Config, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: empty config", payment.ErrConfigInvalid)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal config failed", payment.ErrConfigInvalid)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: unmarshal config failed", payment.ErrConfigInvalid)
	}
	cfg.normalize()
	return &cfg, nil
}

// ValidateConfig 校验配置。
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", payment.ErrConfigInvalid)
	}
	if cfg.MchID == "" {
		return fmt.Errorf("%w: mch_id is required", payment.ErrConfigInvalid)
	}
	if cfg.MerchantPrivateKeyPath == "" {
		return fmt.Errorf("%w: merchant_private_key_path is required", payment.ErrConfigInvalid)
	}
	if cfg.MerchantCertificateSerial == "" {
		return fmt.Errorf("%w: merchant_certificate_serial is required", payment.ErrConfigInvalid)
	}
	if cfg.PlatformCertificatePath == "" {
		return fmt.Errorf("%w: platform_certificate_path is required", payment.ErrConfigInvalid)
	}
	if len(cfg.APIV3Key) != 32 {
		return fmt.Errorf("%w: api_v3_key must be 32 chars", payment.ErrConfigInvalid)
	}
	if cfg.MPAppID == "" && cfg.MiniAppID == "" && cfg.AppID == "" {
		return fmt.Errorf("%w: at least one of mp_app_id/mini_app_id/app_id is required", payment.ErrConfigInvalid)
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return fmt.Errorf("%w: base_url is invalid", payment.ErrConfigInvalid)
	}
	for name, value := range map[string]string{"notify_url": cfg.NotifyURL, "h5_redirect_url": cfg.H5RedirectURL} {
		if value == "" {
			continue
		}
		if _, err := url.ParseRequestURI(value); err != nil {
			return fmt.Errorf("%w: %s is invalid", payment.ErrConfigInvalid, name)
		}
	}
	switch cfg.H5Type {
	case "Wap", "iOS", "Android":
	default:
		return fmt.Errorf("%w: h5_type is invalid", payment.ErrConfigInvalid)
	}
	return nil
}

func (c *Config) normalize() {
	c.MchID = strings.TrimSpace(c.MchID)
	c.APIV2Key = strings.TrimSpace(c.APIV2Key)
	c.APIV3Key = strings.TrimSpace(c.APIV3Key)
	c.MerchantPrivateKeyPath = strings.TrimSpace(c.MerchantPrivateKeyPath)
	c.MerchantCertificateSerial = strings.TrimSpace(c.MerchantCertificateSerial)
	c.PlatformCertificatePath = strings.TrimSpace(c.PlatformCertificatePath)
	c.NotifyURL = strings.TrimSpace(c.NotifyURL)
	c.MPAppID = strings.TrimSpace(c.MPAppID)
	c.MiniAppID = strings.TrimSpace(c.MiniAppID)
	c.AppID = strings.TrimSpace(c.AppID)
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	c.H5RedirectURL = strings.TrimSpace(c.H5RedirectURL)
	c.Currency = strings.ToUpper(strings.TrimSpace(c.Currency))
	switch strings.ToLower(strings.TrimSpace(c.H5Type)) {
	case "", "wap":
		c.H5Type = "Wap"
	case "ios":
		c.H5Type = "iOS"
	case "android":
		c.H5Type = "Android"
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.Currency == "" {
		c.Currency = defaultCurrency
	}
}

// appIDFor 各渠道使用的 appid，未配置专用 appid 时依次回退。
func (c *Config) appIDFor(method string) string {
	var primary string
	switch method {
	case constants.PayMethodApp:
		primary = c.AppID
	case constants.PayMethodMiniProgram:
		primary = c.MiniAppID
	default:
		primary = c.MPAppID
	}
	for _, candidate := range []string{primary, c.MPAppID, c.AppID, c.MiniAppID} {
		if candidate != "" {
			return candidate
		}
	}
	return ""
}

// Option 构造选项
type Option func(*options)

type options struct {
	httpClient         *http.Client
	now                func() time.Time
	skipResponseVerify bool
}

// WithHTTPClient 指定出站 HTTP 客户端，v3 与 v2 接口共用。
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		if client != nil {
			o.httpClient = client
		}
	}
}

// WithClock 替换时钟，用于测试。
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithoutResponseValidation 关闭 v3 应答验签，仅用于对接桩服务。
func WithoutResponseValidation() Option {
	return func(o *options) {
		o.skipResponseVerify = true
	}
}

// Gateway 微信支付适配器。
type Gateway struct {
	cfg            *Config
	merchantKey    *rsa.PrivateKey
	platformCerts  []*x509.Certificate
	platformSerial string
	client         *core.Client
	verifier       *verifiers.SHA256WithRSAVerifier
	httpClient     *http.Client
	now            func() time.Time
	methods        *payment.MethodTable
}

// New 根据配置档构造适配器，商户私钥与平台证书只加载一次。
func New(settings payment.Settings, opts ...Option) (*Gateway, error) {
	cfg, err := ParseConfig(settings)
	if err != nil {
		return nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	o := &options{httpClient: &http.Client{Timeout: defaultTimeout}, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	merchantKey, err := loadPrivateKey(cfg.MerchantPrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: load merchant private key failed: %v", payment.ErrConfigInvalid, err)
	}
	platformCert, err := loadCertificate(cfg.PlatformCertificatePath)
	if err != nil {
		return nil, fmt.Errorf("%w: load platform certificate failed: %v", payment.ErrConfigInvalid, err)
	}
	platformCerts := []*x509.Certificate{platformCert}

	clientOpts := []core.ClientOption{
		option.WithMerchantCredential(cfg.MchID, cfg.MerchantCertificateSerial, merchantKey),
		option.WithWechatPayCertificate(platformCerts),
		option.WithHTTPClient(o.httpClient),
	}
	if o.skipResponseVerify {
		clientOpts = append(clientOpts, option.WithoutValidator())
	}
	client, err := core.NewClient(context.Background(), clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: init client failed: %v", payment.ErrConfigInvalid, err)
	}

	g := &Gateway{
		cfg:            cfg,
		merchantKey:    merchantKey,
		platformCerts:  platformCerts,
		platformSerial: utils.GetCertificateSerialNumber(*platformCert),
		client:         client,
		verifier:       verifiers.NewSHA256WithRSAVerifier(core.NewCertificateMapWithList(platformCerts)),
		httpClient:     o.httpClient,
		now:            o.now,
	}
	g.methods = payment.NewMethodTable(constants.DriverWechat).
		Register(constants.PayMethodWap, g.wap).
		Register(constants.PayMethodApp, g.app).
		Register(constants.PayMethodPos, g.micropay).
		Register(constants.PayMethodScan, g.scan).
		Register(constants.PayMethodOfficialAccount, g.officialAccount).
		Register(constants.PayMethodMiniProgram, g.miniProgram).
		Register(constants.PayMethodTransfer, g.transfer)
	return g, nil
}

// Factory 供注册表使用的构造函数。
func Factory(opts ...Option) payment.Factory {
	return func(profile string, settings payment.Settings) (payment.Gateway, error) {
		g, err := New(settings, opts...)
		if err != nil {
			return nil, err
		}
		logger.ForGateway(constants.DriverWechat, profile).Debugw("wechat_gateway_built",
			"mch_id", g.cfg.MchID,
			"merchant_serial", logger.Mask(g.cfg.MerchantCertificateSerial),
			"platform_serial", g.platformSerial,
		)
		return g, nil
	}
}

func (g *Gateway) Provider() string { return constants.DriverWechat }

func (g *Gateway) Methods() []string { return g.methods.Names() }

// PlatformSerial 平台证书序列号，从证书解析得到。
func (g *Gateway) PlatformSerial() string { return g.platformSerial }

// Pay 按支付方式白名单分发。
func (g *Gateway) Pay(ctx context.Context, method string, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	return g.methods.Dispatch(ctx, method, req, extra)
}

// Cancel 微信支付不提供撤销接口，直接返回不支持。
func (g *Gateway) Cancel(ctx context.Context, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	return nil, payment.Unsupported(constants.DriverWechat, payment.OperationCancel)
}

func (g *Gateway) localNow() time.Time {
	return g.now().In(beijing)
}

func (g *Gateway) notifyURL(req *payment.Request) string {
	if value := strings.TrimSpace(req.NotifyURL); value != "" {
		return value
	}
	return g.cfg.NotifyURL
}

// 配置值为存在的文件路径时按路径加载，否则视为内联 PEM。
func loadPrivateKey(value string) (*rsa.PrivateKey, error) {
	if isFile(value) {
		return utils.LoadPrivateKeyWithPath(value)
	}
	return utils.LoadPrivateKey(strings.ReplaceAll(value, "\\n", "\n"))
}

func loadCertificate(value string) (*x509.Certificate, error) {
	if isFile(value) {
		return utils.LoadCertificateWithPath(value)
	}
	return utils.LoadCertificate(strings.ReplaceAll(value, "\\n", "\n"))
}

func isFile(value string) bool {
	if strings.Contains(value, "BEGIN") {
		return false
	}
	info, err := os.Stat(value)
	return err == nil && !info.IsDir()
}
