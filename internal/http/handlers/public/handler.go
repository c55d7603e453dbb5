package public

import (
	"context"

	"github.com/dujiao-next/paygate/internal/payment"
	"github.com/dujiao-next/paygate/internal/provider"
	"github.com/dujiao-next/paygate/internal/queue"
)

// GatewayResolver 按驱动与配置档解析适配器
type GatewayResolver interface {
	Resolve(driver, profile string) (payment.Gateway, error)
}

// NotificationGuard 回调去重
type NotificationGuard interface {
	Mark(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

// NotificationPublisher 已验签回调的下游投递，返回 nil 才向服务商应答成功。
type NotificationPublisher interface {
	Publish(ctx context.Context, payload queue.NotificationPayload) error
}

// Handler 支付接口处理器入口
type Handler struct {
	Payments  GatewayResolver
	Guard     NotificationGuard
	Publisher NotificationPublisher
}

// New 创建处理器。队列启用时异步投递，否则同步转发到 notify.forward_url；
// 两者都没有时 Publisher 为空，回调一律应答失败。
func New(c *provider.Container) *Handler {
	h := &Handler{
		Payments: c.Payments,
		Guard:    c.Guard,
	}
	switch {
	case c.QueueClient.Enabled():
		h.Publisher = c.QueueClient
	case c.Forwarder != nil:
		h.Publisher = c.Forwarder
	}
	return h
}
