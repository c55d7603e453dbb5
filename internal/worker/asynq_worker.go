package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/dujiao-next/paygate/internal/logger"
	"github.com/dujiao-next/paygate/internal/notifier"
	"github.com/dujiao-next/paygate/internal/provider"
	"github.com/dujiao-next/paygate/internal/queue"

	"github.com/hibiken/asynq"
)

var errForwardNotConfigured = errors.New("notify forward_url is not configured")

// Consumer 异步任务消费者
type Consumer struct {
	*provider.Container
	forwarder *notifier.Forwarder
}

// NewConsumer 创建消费者
func NewConsumer(c *provider.Container) *Consumer {
	consumer := &Consumer{Container: c}
	if c != nil {
		consumer.forwarder = c.Forwarder
	}
	return consumer
}

// Register 注册消费者
func (c *Consumer) Register(mux *asynq.ServeMux) {
	if c == nil || mux == nil {
		logger.Debugw("worker_register_skip_nil", "consumer_nil", c == nil, "mux_nil", mux == nil)
		return
	}
	mux.HandleFunc(queue.TaskPaymentNotification, c.handlePaymentNotification)
}

// handlePaymentNotification 把已验签的通知转发给下游，失败返回 error 交由 asynq 重试。
func (c *Consumer) handlePaymentNotification(ctx context.Context, task *asynq.Task) error {
	if c == nil || task == nil {
		logger.Debugw("worker_payment_notification_skip_nil", "consumer_nil", c == nil, "task_nil", task == nil)
		return nil
	}
	payload, err := queue.ParseNotificationPayload(task)
	if err != nil {
		logger.Warnw("worker_payment_notification_unmarshal_failed", "error", err)
		// 载荷损坏，重试无意义
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if c.forwarder == nil {
		// 无下游时归档任务，保留在 asynq 中待人工处理
		logger.Errorw("worker_payment_notification_no_forward_url",
			"driver", payload.Driver,
			"profile", payload.Profile,
			"id", payload.ID,
			"event_type", payload.EventType,
		)
		return fmt.Errorf("%v: %w", errForwardNotConfigured, asynq.SkipRetry)
	}
	if err := c.forwarder.Publish(ctx, payload); err != nil {
		logger.Warnw("worker_payment_notification_forward_failed",
			"driver", payload.Driver,
			"profile", payload.Profile,
			"id", payload.ID,
			"error", err,
		)
		return err
	}
	logger.Debugw("worker_payment_notification_forwarded", "driver", payload.Driver, "id", payload.ID)
	return nil
}
