package alipay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dujiao-next/paygate/internal/constants"
	"github.com/dujiao-next/paygate/internal/logger"
	"github.com/dujiao-next/paygate/internal/payment"
)

const (
	defaultGatewayURL = "https://openapi.alipay.com/gateway.do"
	defaultTimeout    = 12 * time.Second

	signTypeRSA2 = "RSA2"
	signTypeRSA  = "RSA"
)

// Config 支付宝配置档。
// 密钥与证书字段既可以是文件路径，也可以是内联 PEM。
type Config struct {
	AppID                string `json:"app_id"`
	PrivateKey           string `json:"private_key"`
	AlipayPublicKey      string `json:"alipay_public_key"`
	AppCertPath          string `json:"app_cert_path"`
	AlipayPublicCertPath string `json:"alipay_public_cert_path"`
	RootCertPath         string `json:"root_cert_path"`
	ReturnURL            string `json:"return_url"`
	NotifyURL            string `json:"notify_url"`
	GatewayURL           string `json:"gateway_url"`
	SignType             string `json:"sign_type"`
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

// ValidateConfig 校验配置完整性。
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", payment.ErrConfigInvalid)
	}
	if cfg.AppID == "" {
		return fmt.Errorf("%w: app_id is required", payment.ErrConfigInvalid)
	}
	if cfg.PrivateKey == "" {
		return fmt.Errorf("%w: private_key is required", payment.ErrConfigInvalid)
	}
	if !cfg.CertificateMode() && cfg.AlipayPublicKey == "" {
		return fmt.Errorf("%w: alipay_public_key or certificate paths are required", payment.ErrConfigInvalid)
	}
	if _, err := url.ParseRequestURI(cfg.GatewayURL); err != nil {
		return fmt.Errorf("%w: gateway_url is invalid", payment.ErrConfigInvalid)
	}
	for name, value := range map[string]string{"notify_url": cfg.NotifyURL, "return_url": cfg.ReturnURL} {
		if value == "" {
			continue
		}
		if _, err := url.ParseRequestURI(value); err != nil {
			return fmt.Errorf("%w: %s is invalid", payment.ErrConfigInvalid, name)
		}
	}
	if cfg.SignType != signTypeRSA2 && cfg.SignType != signTypeRSA {
		return fmt.Errorf("%w: sign_type is invalid", payment.ErrConfigInvalid)
	}
	return nil
}

// CertificateMode 三个证书路径都配置时启用证书模式，优先于公钥模式。
func (c *Config) CertificateMode() bool {
	return c.AppCertPath != "" && c.AlipayPublicCertPath != "" && c.RootCertPath != ""
}

func (c *Config) normalize() {
	c.AppID = strings.TrimSpace(c.AppID)
	c.PrivateKey = strings.TrimSpace(c.PrivateKey)
	c.AlipayPublicKey = strings.TrimSpace(c.AlipayPublicKey)
	c.AppCertPath = strings.TrimSpace(c.AppCertPath)
	c.AlipayPublicCertPath = strings.TrimSpace(c.AlipayPublicCertPath)
	c.RootCertPath = strings.TrimSpace(c.RootCertPath)
	c.ReturnURL = strings.TrimSpace(c.ReturnURL)
	c.NotifyURL = strings.TrimSpace(c.NotifyURL)
	c.GatewayURL = strings.TrimSpace(c.GatewayURL)
	c.SignType = strings.ToUpper(strings.TrimSpace(c.SignType))
	if c.SignType == "" {
		c.SignType = signTypeRSA2
	}
	if c.GatewayURL == "" {
		c.GatewayURL = defaultGatewayURL
	}
}

// Option 构造选项
type Option func(*Gateway)

// WithHTTPClient 指定出站 HTTP 客户端，超时由客户端或调用方 context 控制。
func WithHTTPClient(client *http.Client) Option {
	return func(g *Gateway) {
		if client != nil {
			g.api.httpClient = client
		}
	}
}

// WithClock 替换时钟，用于测试。
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.api.now = now
		}
	}
}

// Gateway 支付宝适配器。
// 四个子客户端共享同一个签名上下文。
type Gateway struct {
	cfg      *Config
	api      *openAPI
	page     *pageClient
	f2f      *faceToFaceClient
	common   *commonClient
	transfer *transferClient
	methods  *payment.MethodTable
}

// New 根据配置档构造适配器，密钥与证书在此解析一次。
func New(settings payment.Settings, opts ...Option) (*Gateway, error) {
	cfg, err := ParseConfig(settings)
	if err != nil {
		return nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	s, err := newSigner(cfg)
	if err != nil {
		return nil, err
	}
	api := &openAPI{
		cfg:        cfg,
		signer:     s,
		httpClient: &http.Client{Timeout: defaultTimeout},
		now:        time.Now,
	}
	g := &Gateway{
		cfg:      cfg,
		api:      api,
		page:     &pageClient{api: api},
		f2f:      &faceToFaceClient{api: api},
		common:   &commonClient{api: api},
		transfer: &transferClient{api: api},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	g.methods = payment.NewMethodTable(constants.DriverAlipay).
		Register(constants.PayMethodWeb, g.page.web).
		Register(constants.PayMethodWap, g.page.wap).
		Register(constants.PayMethodApp, g.page.app).
		Register(constants.PayMethodPos, g.f2f.pos).
		Register(constants.PayMethodScan, g.f2f.scan).
		Register(constants.PayMethodMiniProgram, g.common.miniProgram).
		Register(constants.PayMethodTransfer, g.transfer.transfer)
	return g, nil
}

// Factory 供注册表使用的构造函数。
func Factory(opts ...Option) payment.Factory {
	return func(profile string, settings payment.Settings) (payment.Gateway, error) {
		g, err := New(settings, opts...)
		if err != nil {
			return nil, err
		}
		logger.ForGateway(constants.DriverAlipay, profile).Debugw("alipay_gateway_built",
			"app_id", g.cfg.AppID,
			"certificate_mode", g.cfg.CertificateMode(),
			"sign_type", g.cfg.SignType,
		)
		return g, nil
	}
}

func (g *Gateway) Provider() string { return constants.DriverAlipay }

func (g *Gateway) Methods() []string { return g.methods.Names() }

// Pay 按支付方式白名单分发。
func (g *Gateway) Pay(ctx context.Context, method string, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	return g.methods.Dispatch(ctx, method, req, extra)
}

// Query 查询交易。
func (g *Gateway) Query(ctx context.Context, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	if err := req.Validate(payment.OperationQuery); err != nil {
		return nil, err
	}
	return g.common.query(ctx, req, extra)
}

// Close 关闭未支付交易。
func (g *Gateway) Close(ctx context.Context, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	if err := req.Validate(payment.OperationClose); err != nil {
		return nil, err
	}
	return g.common.close(ctx, req, extra)
}

// Refund 发起退款。
func (g *Gateway) Refund(ctx context.Context, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	if err := req.Validate(payment.OperationRefund); err != nil {
		return nil, err
	}
	return g.common.refund(ctx, req, extra)
}

// RefundQuery 查询退款。
func (g *Gateway) RefundQuery(ctx context.Context, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	if err := req.Validate(payment.OperationRefundQuery); err != nil {
		return nil, err
	}
	return g.common.refundQuery(ctx, req, extra)
}

// Cancel 撤销交易。
func (g *Gateway) Cancel(ctx context.Context, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	if err := req.Validate(payment.OperationCancel); err != nil {
		return nil, err
	}
	return g.common.cancel(ctx, req, extra)
}
