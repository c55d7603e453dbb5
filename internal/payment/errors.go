package payment

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConfigInvalid        = errors.New("payment config invalid")
	ErrUnknownDriver        = fmt.Errorf("%w: unknown driver", ErrConfigInvalid)
	ErrUnknownProfile       = fmt.Errorf("%w: unknown profile", ErrConfigInvalid)
	ErrInvalidOperation     = errors.New("payment operation invalid")
	ErrInvalidRequest       = errors.New("payment request invalid")
	ErrTransport            = errors.New("payment transport failed")
	ErrBusinessRejected     = errors.New("payment rejected by provider")
	ErrUnsupportedOperation = errors.New("payment operation unsupported by provider")
	ErrVerificationFailed   = errors.New("payment notification verification failed")
	ErrSignatureInvalid     = fmt.Errorf("%w: signature invalid", ErrVerificationFailed)
	ErrTimestampExpired     = fmt.Errorf("%w: timestamp outside replay window", ErrVerificationFailed)
	ErrDecryptFailed        = fmt.Errorf("%w: resource decrypt failed", ErrVerificationFailed)
)

// Kind 统一错误分类
type Kind string

const (
	KindSuccess              Kind = "success"
	KindConfiguration        Kind = "configuration"
	KindInvalidOperation     Kind = "invalid_operation"
	KindInvalidRequest       Kind = "invalid_request"
	KindTransport            Kind = "transport"
	KindBusinessRejected     Kind = "business_rejected"
	KindUnsupportedOperation Kind = "unsupported_operation"
	KindVerificationFailed   Kind = "verification_failed"
	KindUnknown              Kind = "unknown"
)

var kindRules = []struct {
	target error
	kind   Kind
}{
	{target: ErrConfigInvalid, kind: KindConfiguration},
	{target: ErrInvalidOperation, kind: KindInvalidOperation},
	{target: ErrInvalidRequest, kind: KindInvalidRequest},
	{target: ErrUnsupportedOperation, kind: KindUnsupportedOperation},
	{target: ErrBusinessRejected, kind: KindBusinessRejected},
	{target: ErrVerificationFailed, kind: KindVerificationFailed},
	{target: ErrTransport, kind: KindTransport},
}

// KindOf 返回错误所属分类，nil 视为成功。
func KindOf(err error) Kind {
	if err == nil {
		return KindSuccess
	}
	for _, rule := range kindRules {
		if errors.Is(err, rule.target) {
			return rule.kind
		}
	}
	return KindUnknown
}

// GatewayError 网关调用失败的结构化描述。
// Kind 为上面的哨兵错误之一，errors.Is 可直接按分类匹配。
type GatewayError struct {
	Kind       error
	Provider   string
	Operation  string
	Code       string
	Message    string
	HTTPStatus int
	Err        error
}

func (e *GatewayError) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		if e.Operation != "" {
			b.WriteString(" ")
			b.WriteString(e.Operation)
		}
		b.WriteString(": ")
	}
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	} else {
		b.WriteString("payment gateway error")
	}
	if e.Code != "" {
		b.WriteString(": ")
		b.WriteString(e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.HTTPStatus != 0 {
		fmt.Fprintf(&b, " (status %d)", e.HTTPStatus)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *GatewayError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// AsGatewayError 提取错误链中的 GatewayError。
func AsGatewayError(err error) (*GatewayError, bool) {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr, true
	}
	return nil, false
}

// Rejected 服务商受理但拒绝了请求。
func Rejected(provider, operation, code, message string) *GatewayError {
	return &GatewayError{
		Kind:      ErrBusinessRejected,
		Provider:  provider,
		Operation: operation,
		Code:      strings.TrimSpace(code),
		Message:   strings.TrimSpace(message),
	}
}

// TransportFailure 网络异常、非 2xx 或响应无法解析。
func TransportFailure(provider, operation string, status int, message string, err error) *GatewayError {
	return &GatewayError{
		Kind:       ErrTransport,
		Provider:   provider,
		Operation:  operation,
		Message:    strings.TrimSpace(message),
		HTTPStatus: status,
		Err:        err,
	}
}

// Unsupported 服务商不提供该操作。
func Unsupported(provider, operation string) *GatewayError {
	return &GatewayError{
		Kind:      ErrUnsupportedOperation,
		Provider:  provider,
		Operation: operation,
	}
}

// InvalidOperation 支付方式不在白名单内。
func InvalidOperation(provider, method string) *GatewayError {
	return &GatewayError{
		Kind:      ErrInvalidOperation,
		Provider:  provider,
		Operation: OperationPay,
		Message:   fmt.Sprintf("method %q is not supported", method),
	}
}
