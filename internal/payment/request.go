package payment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultExpireWindow 未指定 time_expire 时的订单有效期
const DefaultExpireWindow = 45 * time.Hour

const defaultClientIP = "127.0.0.1"

var expireLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Request 与服务商无关的支付请求。
// 由调用方按次构造，适配器内只读。
type Request struct {
	Subject      string                 `json:"subject"`
	OutTradeNo   string                 `json:"out_trade_no"`
	Amount       decimal.Decimal        `json:"amount"`
	OutRefundNo  string                 `json:"out_refund_no"`
	RefundAmount decimal.Decimal        `json:"refund_amount"`
	TotalAmount  decimal.Decimal        `json:"total_amount"`
	Attach       map[string]interface{} `json:"attach"`
	NotifyURL    string                 `json:"notify_url"`
	ReturnURL    string                 `json:"return_url"`
	ClientIP     string                 `json:"client_ip"`
	AuthCode     string                 `json:"auth_code"`
	TimeExpire   string                 `json:"time_expire"`
	BuyerID      string                 `json:"buyer_id"`
}

// ScaledAmount 返回 amount * precision，precision <= 0 时按 1 处理。
func (r *Request) ScaledAmount(precision int64) decimal.Decimal {
	return scale(r.Amount, precision)
}

// ScaledRefundAmount 返回 refund_amount * precision。
func (r *Request) ScaledRefundAmount(precision int64) decimal.Decimal {
	return scale(r.RefundAmount, precision)
}

// ScaledTotalAmount 返回订单总额 * precision。
func (r *Request) ScaledTotalAmount(precision int64) decimal.Decimal {
	return scale(r.EffectiveTotal(), precision)
}

// EffectiveTotal 订单原始总额，未设置时等于 amount。
func (r *Request) EffectiveTotal() decimal.Decimal {
	if r.TotalAmount.IsZero() {
		return r.Amount
	}
	return r.TotalAmount
}

// AmountMinor 以最小货币单位表示的支付金额。
func (r *Request) AmountMinor(precision int64) (int64, error) {
	return MinorUnits(r.Amount, precision)
}

// RefundMinor 以最小货币单位表示的退款金额。
func (r *Request) RefundMinor(precision int64) (int64, error) {
	return MinorUnits(r.RefundAmount, precision)
}

// TotalMinor 以最小货币单位表示的订单总额。
func (r *Request) TotalMinor(precision int64) (int64, error) {
	return MinorUnits(r.EffectiveTotal(), precision)
}

// MinorUnits 将主单位金额换算为整数最小单位，拒绝超出精度的金额。
func MinorUnits(value decimal.Decimal, precision int64) (int64, error) {
	scaled := scale(value, precision)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%w: amount %s exceeds minor unit precision", ErrInvalidRequest, value.String())
	}
	return scaled.IntPart(), nil
}

func scale(value decimal.Decimal, precision int64) decimal.Decimal {
	if precision <= 0 {
		precision = 1
	}
	return value.Mul(decimal.NewFromInt(precision))
}

// ExpireAt 解析 time_expire，未设置时为 now + 45h。
func (r *Request) ExpireAt(now time.Time) (time.Time, error) {
	raw := strings.TrimSpace(r.TimeExpire)
	if raw == "" {
		return now.Add(DefaultExpireWindow), nil
	}
	for _, layout := range expireLayouts {
		if parsed, err := time.ParseInLocation(layout, raw, now.Location()); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: time_expire %q is invalid", ErrInvalidRequest, raw)
}

// AttachJSON 透传数据的 JSON 文本，不转义 HTML，空数据返回空串。
func (r *Request) AttachJSON() (string, error) {
	if len(r.Attach) == 0 {
		return "", nil
	}
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(r.Attach); err != nil {
		return "", fmt.Errorf("%w: encode attach failed", ErrInvalidRequest)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// ClientIPOrDefault 规范化客户端 IP，无法识别时返回 127.0.0.1。
func (r *Request) ClientIPOrDefault() string {
	raw := strings.TrimSpace(r.ClientIP)
	if raw == "" {
		return defaultClientIP
	}
	if parsed := net.ParseIP(raw); parsed != nil {
		return parsed.String()
	}
	host, _, err := net.SplitHostPort(raw)
	if err == nil {
		if parsed := net.ParseIP(strings.TrimSpace(host)); parsed != nil {
			return parsed.String()
		}
	}
	return defaultClientIP
}

// SubjectOrDefault 订单标题，缺省使用商户订单号。
func (r *Request) SubjectOrDefault() string {
	if subject := strings.TrimSpace(r.Subject); subject != "" {
		return subject
	}
	return strings.TrimSpace(r.OutTradeNo)
}

// Validate 校验请求在指定操作下的必填项与金额约束。
func (r *Request) Validate(operation string) error {
	if r == nil {
		return fmt.Errorf("%w: request is nil", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.OutTradeNo) == "" {
		return fmt.Errorf("%w: out_trade_no is required", ErrInvalidRequest)
	}
	if r.Amount.IsNegative() {
		return fmt.Errorf("%w: amount must not be negative", ErrInvalidRequest)
	}
	if r.RefundAmount.IsNegative() || r.TotalAmount.IsNegative() {
		return fmt.Errorf("%w: refund/total amount must not be negative", ErrInvalidRequest)
	}
	if r.RefundAmount.GreaterThan(r.EffectiveTotal()) {
		return fmt.Errorf("%w: refund_amount exceeds total_amount", ErrInvalidRequest)
	}
	switch operation {
	case OperationRefund:
		if !r.RefundAmount.IsPositive() {
			return fmt.Errorf("%w: refund_amount is required", ErrInvalidRequest)
		}
	case OperationRefundQuery:
		if strings.TrimSpace(r.OutRefundNo) == "" {
			return fmt.Errorf("%w: out_refund_no is required", ErrInvalidRequest)
		}
	}
	return nil
}
