package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dujiao-next/paygate/internal/config"
	"github.com/dujiao-next/paygate/internal/logger"
	"github.com/dujiao-next/paygate/internal/queue"
)

// EventHeader 转发请求携带的事件类型
const EventHeader = "X-Paygate-Event"

// Forwarder 把已验签的通知 POST 给下游业务系统
type Forwarder struct {
	url    string
	client *http.Client
}

// NewForwarder 未配置 forward_url 时返回 nil
func NewForwarder(cfg config.NotifyConfig) *Forwarder {
	target := strings.TrimSpace(cfg.ForwardURL)
	if target == "" {
		return nil
	}
	return &Forwarder{
		url:    target,
		client: &http.Client{Timeout: cfg.ForwardTimeout()},
	}
}

// URL 下游地址
func (f *Forwarder) URL() string {
	if f == nil {
		return ""
	}
	return f.url
}

// Publish 同步转发，下游返回非 2xx 视为失败。
func (f *Forwarder) Publish(ctx context.Context, payload queue.NotificationPayload) error {
	if f == nil {
		return fmt.Errorf("notify forward_url is not configured")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, payload.EventType)
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("forward status %d", resp.StatusCode)
	}
	logger.Debugw("notifier_forwarded", "driver", payload.Driver, "id", payload.ID, "status", resp.StatusCode)
	return nil
}
