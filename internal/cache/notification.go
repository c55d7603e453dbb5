package cache

import (
	"context"
	"strings"
	"time"
)

// NotificationGuard 回调去重，同一通知在 TTL 内只放行一次。
// Redis 未启用时所有通知均放行。
type NotificationGuard struct {
	TTL time.Duration
}

// NewNotificationGuard 创建回调去重器
func NewNotificationGuard(ttl time.Duration) *NotificationGuard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &NotificationGuard{TTL: ttl}
}

// Mark 首次出现返回 true。
func (g *NotificationGuard) Mark(ctx context.Context, key string) (bool, error) {
	if !Enabled() || strings.TrimSpace(key) == "" {
		return true, nil
	}
	return redisClient.SetNX(ctx, NotificationKey(key), time.Now().Unix(), g.TTL).Result()
}

// Forget 下游投递失败时撤销标记，允许渠道重试。
func (g *NotificationGuard) Forget(ctx context.Context, key string) error {
	if !Enabled() || strings.TrimSpace(key) == "" {
		return nil
	}
	return redisClient.Del(ctx, NotificationKey(key)).Err()
}

// NotificationKey 去重键
func NotificationKey(key string) string {
	return buildKey("notify:" + strings.TrimSpace(key))
}
