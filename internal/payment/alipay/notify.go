package alipay

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/dujiao-next/paygate/internal/constants"
	"github.com/dujiao-next/paygate/internal/logger"
	"github.com/dujiao-next/paygate/internal/payment"
)

// Notify 校验异步通知签名，通过时原样返回全部字段。
func (g *Gateway) Notify(ctx context.Context, in *payment.NotifyRequest) *payment.Notification {
	fields, err := notifyFields(in)
	if err == nil {
		err = g.api.signer.verify(fields)
	}
	if err != nil {
		logger.Warnw("alipay_notify_rejected",
			"out_trade_no", fields["out_trade_no"],
			"error", err,
		)
		return payment.RejectedNotification(constants.DriverAlipay, err)
	}
	payload := make(map[string]interface{}, len(fields))
	for key, value := range fields {
		payload[key] = value
	}
	return &payment.Notification{
		Provider:  constants.DriverAlipay,
		Verified:  true,
		ID:        fields["notify_id"],
		EventType: fields["trade_status"],
		Payload:   payload,
	}
}

// NotifyAck 支付宝只认纯文本 success，其余一律视为失败并重试。
func (g *Gateway) NotifyAck(code, message string) string {
	code = strings.TrimSpace(code)
	if code == "" || strings.EqualFold(code, constants.AlipayNotifySuccess) {
		return constants.AlipayNotifySuccess
	}
	return constants.AlipayNotifyFail
}

func notifyFields(in *payment.NotifyRequest) (map[string]string, error) {
	if in == nil {
		return map[string]string{}, fmt.Errorf("%w: empty notification", payment.ErrSignatureInvalid)
	}
	form := in.Form
	if len(form) == 0 && len(in.Body) > 0 {
		parsed, err := url.ParseQuery(string(in.Body))
		if err != nil {
			return map[string]string{}, fmt.Errorf("%w: parse notification body failed", payment.ErrSignatureInvalid)
		}
		form = parsed
	}
	fields := make(map[string]string, len(form))
	for key, values := range form {
		key = strings.TrimSpace(key)
		if key == "" || len(values) == 0 {
			continue
		}
		fields[key] = values[0]
	}
	if len(fields) == 0 {
		return fields, fmt.Errorf("%w: callback form is empty", payment.ErrSignatureInvalid)
	}
	return fields, nil
}
