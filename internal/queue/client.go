package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dujiao-next/paygate/internal/config"
	"github.com/dujiao-next/paygate/internal/constants"
	"github.com/dujiao-next/paygate/internal/logger"

	"github.com/hibiken/asynq"
)

const (
	// DefaultQueue 默认队列名称
	DefaultQueue = constants.QueueDefault
	// CriticalQueue 回调转发使用的高优先级队列
	CriticalQueue = constants.QueueCritical
)

// ErrQueueDisabled 队列未启用
var ErrQueueDisabled = errors.New("queue is disabled")

// Client 队列客户端封装
type Client struct {
	client   *asynq.Client
	enabled  bool
	maxRetry int
}

// NewClient 创建队列客户端
func NewClient(cfg *config.QueueConfig, maxRetry int) (*Client, error) {
	if cfg == nil || !cfg.Enabled {
		return &Client{enabled: false}, nil
	}
	return &Client{
		client:   asynq.NewClient(buildRedisOpt(cfg)),
		enabled:  true,
		maxRetry: maxRetry,
	}, nil
}

// Enabled 判断是否启用
func (c *Client) Enabled() bool {
	return c != nil && c.enabled && c.client != nil
}

// Close 关闭客户端
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Publish 以默认选项投递回调转发任务
func (c *Client) Publish(ctx context.Context, payload NotificationPayload) error {
	return c.EnqueueNotification(ctx, payload)
}

// EnqueueNotification 推送回调转发任务。
// 有通知 ID 时作为任务 ID，重复投递视为成功；未启用时返回 ErrQueueDisabled。
func (c *Client) EnqueueNotification(ctx context.Context, payload NotificationPayload, opts ...asynq.Option) error {
	if !c.Enabled() {
		return ErrQueueDisabled
	}
	task, err := NewPaymentNotificationTask(payload)
	if err != nil {
		return err
	}
	options := []asynq.Option{asynq.Queue(CriticalQueue)}
	if c.maxRetry > 0 {
		options = append(options, asynq.MaxRetry(c.maxRetry))
	}
	if key := payload.DedupeKey(); key != "" {
		options = append(options, asynq.TaskID(key))
	}
	options = append(options, opts...)
	info, err := c.client.EnqueueContext(ctx, task, options...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		logger.Debugw("queue_notification_duplicate", "key", payload.DedupeKey())
		return nil
	}
	if err != nil {
		return err
	}
	logger.Debugw("queue_notification_enqueued", "task_id", info.ID, "queue", info.Queue)
	return nil
}

// BuildServerConfig 生成队列服务配置
func BuildServerConfig(cfg *config.QueueConfig) (asynq.RedisClientOpt, asynq.Config) {
	opt := buildRedisOpt(cfg)
	concurrency := 10
	if cfg != nil && cfg.Concurrency > 0 {
		concurrency = cfg.Concurrency
	}
	queues := map[string]int{CriticalQueue: 5, DefaultQueue: 1}
	if cfg != nil && len(cfg.Queues) > 0 {
		queues = cfg.Queues
	}
	return opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      queues,
		Logger:      logger.S(),
	}
}

func buildRedisOpt(cfg *config.QueueConfig) asynq.RedisClientOpt {
	host := "127.0.0.1"
	port := 6379
	password := ""
	db := 0
	if cfg != nil {
		if strings.TrimSpace(cfg.Host) != "" {
			host = strings.TrimSpace(cfg.Host)
		}
		if cfg.Port > 0 {
			port = cfg.Port
		}
		password = cfg.Password
		db = cfg.DB
	}
	return asynq.RedisClientOpt{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	}
}
