package wechatpay

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dujiao-next/paygate/internal/constants"
	"github.com/dujiao-next/paygate/internal/logger"
	"github.com/dujiao-next/paygate/internal/payment"

	"github.com/wechatpay-apiv3/wechatpay-go/core/notify"
	"github.com/wechatpay-apiv3/wechatpay-go/utils"
)

const (
	headerTimestamp = "Wechatpay-Timestamp"
	headerNonce     = "Wechatpay-Nonce"
	headerSignature = "Wechatpay-Signature"
	headerSerial    = "Wechatpay-Serial"
)

// Notify 依次校验时间戳、平台签名，再解密 resource。
// 只使用构造时加载的平台证书，不发起网络请求。
func (g *Gateway) Notify(ctx context.Context, in *payment.NotifyRequest) *payment.Notification {
	notification, err := g.verifyNotify(ctx, in)
	if err != nil {
		logger.Warnw("wechat_notify_rejected",
			"serial", in.Header(headerSerial),
			"error", err,
		)
		return payment.RejectedNotification(constants.DriverWechat, err)
	}
	return notification
}

func (g *Gateway) verifyNotify(ctx context.Context, in *payment.NotifyRequest) (*payment.Notification, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if in == nil || len(in.Body) == 0 {
		return nil, fmt.Errorf("%w: empty notification body", payment.ErrSignatureInvalid)
	}
	timestampRaw := strings.TrimSpace(in.Header(headerTimestamp))
	timestamp, err := strconv.ParseInt(timestampRaw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid timestamp %q", payment.ErrTimestampExpired, timestampRaw)
	}
	if skew := g.now().Sub(time.Unix(timestamp, 0)); skew > notifyReplayWindow || skew < -notifyReplayWindow {
		return nil, fmt.Errorf("%w: skew %s", payment.ErrTimestampExpired, skew.Truncate(time.Second))
	}

	nonce := strings.TrimSpace(in.Header(headerNonce))
	signature := strings.TrimSpace(in.Header(headerSignature))
	serial := strings.TrimSpace(in.Header(headerSerial))
	if nonce == "" || signature == "" || serial == "" {
		return nil, fmt.Errorf("%w: missing signature headers", payment.ErrSignatureInvalid)
	}
	message := fmt.Sprintf("%s\n%s\n%s\n", timestampRaw, nonce, string(in.Body))
	if err := g.verifier.Verify(ctx, serial, message, signature); err != nil {
		return nil, fmt.Errorf("%w: %v", payment.ErrSignatureInvalid, err)
	}

	var envelope notify.Request
	if err := json.Unmarshal(in.Body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: decode envelope failed", payment.ErrDecryptFailed)
	}
	if envelope.Resource == nil || envelope.Resource.Ciphertext == "" {
		return nil, fmt.Errorf("%w: resource is empty", payment.ErrDecryptFailed)
	}
	plaintext, err := utils.DecryptAES256GCM(
		g.cfg.APIV3Key,
		envelope.Resource.AssociatedData,
		envelope.Resource.Nonce,
		envelope.Resource.Ciphertext,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", payment.ErrDecryptFailed, err)
	}
	payload := map[string]interface{}{}
	if err := json.Unmarshal([]byte(plaintext), &payload); err != nil {
		return nil, fmt.Errorf("%w: decode plaintext failed", payment.ErrDecryptFailed)
	}
	return &payment.Notification{
		Provider:  constants.DriverWechat,
		Verified:  true,
		ID:        envelope.ID,
		EventType: envelope.EventType,
		Payload:   payload,
	}, nil
}

// NotifyAck 返回 {"code":...,"message":...}，code 缺省为 SUCCESS。
func (g *Gateway) NotifyAck(code, message string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		code = constants.WechatNotifySuccess
	}
	encoded, err := json.Marshal(map[string]string{"code": code, "message": strings.TrimSpace(message)})
	if err != nil {
		return `{"code":"` + constants.WechatNotifyFail + `","message":""}`
	}
	return string(encoded)
}
