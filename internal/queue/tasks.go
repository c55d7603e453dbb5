package queue

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/dujiao-next/paygate/internal/constants"

	"github.com/hibiken/asynq"
)

const (
	// TaskPaymentNotification 已验签的支付回调转发任务
	TaskPaymentNotification = constants.TaskPaymentNotification
)

// NotificationPayload 回调任务载荷
type NotificationPayload struct {
	Driver     string                 `json:"driver"`
	Profile    string                 `json:"profile"`
	Provider   string                 `json:"provider"`
	ID         string                 `json:"id"`
	EventType  string                 `json:"event_type"`
	Payload    map[string]interface{} `json:"payload"`
	ReceivedAt time.Time              `json:"received_at"`
}

// DedupeKey 同一渠道配置档内的通知唯一键，ID 缺失时返回空串。
func (p NotificationPayload) DedupeKey() string {
	id := strings.TrimSpace(p.ID)
	if id == "" {
		return ""
	}
	return p.Driver + ":" + p.Profile + ":" + id
}

// NewPaymentNotificationTask 创建回调转发任务
func NewPaymentNotificationTask(payload NotificationPayload) (*asynq.Task, error) {
	if strings.TrimSpace(payload.Driver) == "" {
		return nil, errors.New("notification driver is required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPaymentNotification, body), nil
}

// ParseNotificationPayload 解析任务载荷
func ParseNotificationPayload(task *asynq.Task) (NotificationPayload, error) {
	var payload NotificationPayload
	if task == nil {
		return payload, errors.New("task is nil")
	}
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return payload, err
	}
	return payload, nil
}
