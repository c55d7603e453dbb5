package provider

import (
	"net/http"

	"github.com/dujiao-next/paygate/internal/cache"
	"github.com/dujiao-next/paygate/internal/config"
	"github.com/dujiao-next/paygate/internal/constants"
	"github.com/dujiao-next/paygate/internal/logger"
	"github.com/dujiao-next/paygate/internal/metrics"
	"github.com/dujiao-next/paygate/internal/notifier"
	"github.com/dujiao-next/paygate/internal/payment"
	"github.com/dujiao-next/paygate/internal/payment/alipay"
	"github.com/dujiao-next/paygate/internal/payment/wechatpay"
	"github.com/dujiao-next/paygate/internal/queue"
)

// Container 依赖注入容器
type Container struct {
	Config      *config.Config
	HTTPClient  *http.Client
	QueueClient *queue.Client
	Metrics     *metrics.Recorder
	Payments    *payment.Manager
	Guard       *cache.NotificationGuard
	Forwarder   *notifier.Forwarder
}

// NewContainer 初始化容器
func NewContainer(cfg *config.Config) *Container {
	// 初始化缓存
	if err := cache.InitRedis(&cfg.Redis); err != nil {
		logger.Warnw("provider_init_redis_failed", "error", err)
	}

	// 初始化队列客户端
	queueClient, err := queue.NewClient(&cfg.Queue, cfg.Notify.MaxRetry)
	if err != nil {
		logger.Errorw("provider_init_queue_client_failed", "error", err)
		queueClient, _ = queue.NewClient(nil, 0)
	}

	c := &Container{
		Config:      cfg,
		HTTPClient:  &http.Client{Timeout: cfg.Gateway.Timeout()},
		QueueClient: queueClient,
		Guard:       cache.NewNotificationGuard(cfg.Notify.DedupeTTL()),
		Forwarder:   notifier.NewForwarder(cfg.Notify),
	}
	if !queueClient.Enabled() && c.Forwarder == nil {
		logger.Warnw("provider_notify_sink_missing", "hint", "enable queue or set notify.forward_url, callbacks will be refused")
	}
	if cfg.Metrics.Enabled {
		c.Metrics = metrics.NewRecorder(cfg.Metrics.Namespace)
	}
	c.Payments = c.buildManager()
	return c
}

// buildManager 注册内置驱动，所有实例共用出站 HTTP 客户端。
func (c *Container) buildManager() *payment.Manager {
	opts := []payment.ManagerOption{
		payment.WithDriver(constants.DriverAlipay, alipay.Factory(alipay.WithHTTPClient(c.HTTPClient))),
		payment.WithDriver(constants.DriverWechat, wechatpay.Factory(wechatpay.WithHTTPClient(c.HTTPClient))),
	}
	if c.Metrics != nil {
		opts = append(opts, payment.WithMiddleware(c.Metrics.Middleware()))
	}
	drivers := c.Config.Drivers()
	for driver := range drivers {
		logger.Infow("provider_payment_driver_configured", "driver", driver, "profiles", len(drivers[driver]))
	}
	return payment.NewManager(drivers, opts...)
}

// Close 释放外部连接
func (c *Container) Close() {
	if c == nil {
		return
	}
	if err := c.QueueClient.Close(); err != nil {
		logger.Warnw("provider_close_queue_client_failed", "error", err)
	}
	if err := cache.Close(); err != nil {
		logger.Warnw("provider_close_redis_failed", "error", err)
	}
}
