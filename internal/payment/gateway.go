package payment

import (
	"context"
	"net/http"
	"net/url"
	"sort"
)

// 网关操作名称
const (
	OperationPay         = "pay"
	OperationQuery       = "query"
	OperationClose       = "close"
	OperationRefund      = "refund"
	OperationRefundQuery = "refundQuery"
	OperationCancel      = "cancel"
	OperationNotify      = "notify"
)

// Gateway 支付服务商适配器的统一契约。
// 实现持有构造时解析好的密钥与证书，可被并发调用。
type Gateway interface {
	Provider() string
	Methods() []string
	Pay(ctx context.Context, method string, req *Request, extra Payload) (*Result, error)
	Query(ctx context.Context, req *Request, extra Payload) (*Result, error)
	Close(ctx context.Context, req *Request, extra Payload) (*Result, error)
	Refund(ctx context.Context, req *Request, extra Payload) (*Result, error)
	RefundQuery(ctx context.Context, req *Request, extra Payload) (*Result, error)
	Cancel(ctx context.Context, req *Request, extra Payload) (*Result, error)
	// Notify 同步校验回调，不发起网络请求；校验失败体现在返回值而非 error。
	Notify(ctx context.Context, in *NotifyRequest) *Notification
	NotifyAck(code, message string) string
}

// Result 成功调用的规范化结果。
type Result struct {
	Provider  string                 `json:"provider"`
	Operation string                 `json:"operation"`
	Method    string                 `json:"method,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Body      string                 `json:"body,omitempty"`
}

// NotifyRequest 原始回调数据
type NotifyRequest struct {
	Headers http.Header
	Body    []byte
	Form    url.Values
}

// Header 读取回调头，大小写不敏感。
func (in *NotifyRequest) Header(key string) string {
	if in == nil || in.Headers == nil {
		return ""
	}
	return in.Headers.Get(key)
}

// Notification 回调校验结果。
// Verified 为 false 时 Failure 为校验类哨兵错误之一。
type Notification struct {
	Provider  string                 `json:"provider"`
	Verified  bool                   `json:"verified"`
	ID        string                 `json:"id,omitempty"`
	EventType string                 `json:"event_type,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Failure   error                  `json:"-"`
}

// RejectedNotification 构造校验失败的回调结果。
func RejectedNotification(provider string, failure error) *Notification {
	return &Notification{Provider: provider, Verified: false, Failure: failure}
}

// PayFunc 单个支付方式的处理函数
type PayFunc func(ctx context.Context, req *Request, extra Payload) (*Result, error)

// MethodTable 支付方式白名单，按名称查表分发。
type MethodTable struct {
	provider string
	handlers map[string]PayFunc
}

// NewMethodTable 创建空的分发表。
func NewMethodTable(provider string) *MethodTable {
	return &MethodTable{provider: provider, handlers: make(map[string]PayFunc)}
}

// Register 注册支付方式，重复注册覆盖旧值。
func (t *MethodTable) Register(method string, fn PayFunc) *MethodTable {
	t.handlers[method] = fn
	return t
}

// Dispatch 按名称调用，未登记的方式返回 ErrInvalidOperation。
func (t *MethodTable) Dispatch(ctx context.Context, method string, req *Request, extra Payload) (*Result, error) {
	fn, ok := t.handlers[method]
	if !ok || fn == nil {
		return nil, InvalidOperation(t.provider, method)
	}
	if err := req.Validate(OperationPay); err != nil {
		return nil, err
	}
	result, err := fn(ctx, req, extra)
	if err != nil {
		return nil, err
	}
	if result != nil {
		result.Provider = t.provider
		result.Operation = OperationPay
		result.Method = method
	}
	return result, nil
}

// Names 已登记的支付方式，按字典序。
func (t *MethodTable) Names() []string {
	names := make([]string, 0, len(t.handlers))
	for name := range t.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
