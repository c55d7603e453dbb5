package public

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dujiao-next/paygate/internal/constants"
	"github.com/dujiao-next/paygate/internal/payment"
	"github.com/dujiao-next/paygate/internal/queue"

	"github.com/gin-gonic/gin"
)

const callbackLogValueLimit = 512

// Notify POST /payments/:driver/:profile/notify
// 验签 → 去重 → 投递 → 应答，应答格式由适配器决定。
func (h *Handler) Notify(c *gin.Context) {
	driver := strings.ToLower(strings.TrimSpace(c.Param("driver")))
	profile := strings.ToLower(strings.TrimSpace(c.Param("profile")))
	gw, ok := h.resolve(c)
	if !ok {
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		requestLog(c).Warnw("payment_callback_read_body_failed", "driver", driver, "error", err)
		writeAck(c, http.StatusBadRequest, gw.NotifyAck(failCode(gw), "read body failed"))
		return
	}
	requestLog(c).Infow("payment_callback_received",
		"driver", driver,
		"profile", profile,
		"client_ip", c.ClientIP(),
		"content_type", strings.TrimSpace(c.GetHeader("Content-Type")),
	)

	in := &payment.NotifyRequest{
		Headers: c.Request.Header.Clone(),
		Body:    body,
		Form:    parseCallbackForm(c, body),
	}
	notification := gw.Notify(c.Request.Context(), in)
	if notification == nil || !notification.Verified {
		var failure error
		if notification != nil {
			failure = notification.Failure
		}
		requestLog(c).Warnw("payment_callback_verify_failed",
			"driver", driver,
			"profile", profile,
			"kind", string(payment.KindOf(failure)),
			"error", failure,
			"raw_body", truncateCallbackLogValue(string(body)),
		)
		writeAck(c, http.StatusBadRequest, gw.NotifyAck(failCode(gw), "verification failed"))
		return
	}

	if h.Publisher == nil {
		// 没有下游时不能应答成功，否则服务商停止重发而通知丢失
		requestLog(c).Errorw("payment_callback_publisher_unavailable", "driver", driver, "profile", profile, "id", notification.ID)
		writeAck(c, http.StatusServiceUnavailable, gw.NotifyAck(failCode(gw), "notification sink unavailable"))
		return
	}

	payload := queue.NotificationPayload{
		Driver:     driver,
		Profile:    profile,
		Provider:   notification.Provider,
		ID:         notification.ID,
		EventType:  notification.EventType,
		Payload:    notification.Payload,
		ReceivedAt: time.Now(),
	}
	key := payload.DedupeKey()
	first, err := h.Guard.Mark(c.Request.Context(), key)
	if err != nil {
		// 去重不可用时仍然投递，由下游保证幂等
		requestLog(c).Warnw("payment_callback_dedupe_failed", "key", key, "error", err)
		first = true
	}
	if !first {
		requestLog(c).Infow("payment_callback_duplicate", "key", key)
		writeAck(c, http.StatusOK, gw.NotifyAck("", ""))
		return
	}

	if err := h.Publisher.Publish(c.Request.Context(), payload); err != nil {
		requestLog(c).Errorw("payment_callback_enqueue_failed", "key", key, "error", err)
		if forgetErr := h.Guard.Forget(c.Request.Context(), key); forgetErr != nil {
			requestLog(c).Warnw("payment_callback_dedupe_forget_failed", "key", key, "error", forgetErr)
		}
		writeAck(c, http.StatusInternalServerError, gw.NotifyAck(failCode(gw), "enqueue failed"))
		return
	}
	requestLog(c).Infow("payment_callback_accepted",
		"driver", driver,
		"profile", profile,
		"id", notification.ID,
		"event_type", notification.EventType,
	)
	writeAck(c, http.StatusOK, gw.NotifyAck("", ""))
}

// failCode 各服务商约定的失败应答码
func failCode(gw payment.Gateway) string {
	switch gw.Provider() {
	case constants.DriverWechat:
		return constants.WechatNotifyFail
	default:
		return constants.AlipayNotifyFail
	}
}

// writeAck JSON 应答原样输出；纯文本应答校验失败时仍返回 200，失败由应答内容表达。
func writeAck(c *gin.Context, status int, ack string) {
	if json.Valid([]byte(ack)) {
		c.Data(status, "application/json; charset=utf-8", []byte(ack))
		return
	}
	if status == http.StatusBadRequest {
		status = http.StatusOK
	}
	c.String(status, ack)
}

// parseCallbackForm GET 回调取 query，其余只取表单 body；回调地址上的 query 不参与验签。
// JSON 回调返回空表单。
func parseCallbackForm(c *gin.Context, body []byte) url.Values {
	var form url.Values
	if c.Request.Method == http.MethodGet {
		form = c.Request.URL.Query()
	} else if strings.Contains(strings.ToLower(c.GetHeader("Content-Type")), "application/x-www-form-urlencoded") {
		parsed, err := url.ParseQuery(string(body))
		if err != nil {
			return nil
		}
		form = parsed
	}
	if len(form) == 0 {
		return nil
	}
	return form
}

func truncateCallbackLogValue(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) <= callbackLogValueLimit {
		return raw
	}
	return raw[:callbackLogValueLimit] + "...(truncated)"
}
