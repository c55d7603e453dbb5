package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dujiao-next/paygate/internal/payment"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeGateway struct {
	payErr error
}

func (f *fakeGateway) Provider() string  { return "alipay" }
func (f *fakeGateway) Methods() []string { return []string{"web"} }
func (f *fakeGateway) Pay(ctx context.Context, method string, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	if f.payErr != nil {
		return nil, f.payErr
	}
	return &payment.Result{Provider: "alipay", Operation: payment.OperationPay, Method: method}, nil
}
func (f *fakeGateway) Query(ctx context.Context, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	return &payment.Result{}, nil
}
func (f *fakeGateway) Close(ctx context.Context, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	return &payment.Result{}, nil
}
func (f *fakeGateway) Refund(ctx context.Context, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	return &payment.Result{}, nil
}
func (f *fakeGateway) RefundQuery(ctx context.Context, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	return &payment.Result{}, nil
}
func (f *fakeGateway) Cancel(ctx context.Context, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	return nil, payment.Unsupported("alipay", payment.OperationCancel)
}
func (f *fakeGateway) Notify(ctx context.Context, in *payment.NotifyRequest) *payment.Notification {
	return payment.RejectedNotification("alipay", payment.ErrSignatureInvalid)
}
func (f *fakeGateway) NotifyAck(code, message string) string { return "success" }

func TestMiddlewareCountsResults(t *testing.T) {
	recorder := NewRecorder("test")
	gw := recorder.Middleware()("alipay", "default", &fakeGateway{})

	if _, err := gw.Pay(context.Background(), "web", &payment.Request{OutTradeNo: "T-1"}, nil); err != nil {
		t.Fatalf("pay failed: %v", err)
	}
	if _, err := gw.Cancel(context.Background(), &payment.Request{OutTradeNo: "T-1"}, nil); err == nil {
		t.Fatalf("expected cancel to fail")
	}
	gw.Notify(context.Background(), &payment.NotifyRequest{})

	if got := testutil.ToFloat64(recorder.calls.WithLabelValues("alipay", "default", payment.OperationPay, "ok")); got != 1 {
		t.Fatalf("pay ok count want 1 got %v", got)
	}
	unsupported := string(payment.KindUnsupportedOperation)
	if got := testutil.ToFloat64(recorder.calls.WithLabelValues("alipay", "default", payment.OperationCancel, unsupported)); got != 1 {
		t.Fatalf("cancel unsupported count want 1 got %v", got)
	}
	if got := testutil.ToFloat64(recorder.notifications.WithLabelValues("alipay", "default", "rejected")); got != 1 {
		t.Fatalf("rejected notification count want 1 got %v", got)
	}
	if got := testutil.CollectAndCount(recorder.duration); got != 2 {
		t.Fatalf("duration series want 2 got %d", got)
	}
}

func TestMiddlewareKeepsProvider(t *testing.T) {
	recorder := NewRecorder("")
	gw := recorder.Middleware()("alipay", "default", &fakeGateway{payErr: payment.Rejected("alipay", payment.OperationPay, "40004", "denied")})
	if gw.Provider() != "alipay" || gw.NotifyAck("", "") != "success" {
		t.Fatalf("wrapped gateway should delegate untouched methods")
	}
	if _, err := gw.Pay(context.Background(), "web", &payment.Request{}, nil); err == nil {
		t.Fatalf("expected rejected error")
	}
	rejected := string(payment.KindBusinessRejected)
	if got := testutil.ToFloat64(recorder.calls.WithLabelValues("alipay", "default", payment.OperationPay, rejected)); got != 1 {
		t.Fatalf("rejected count want 1 got %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	recorder := NewRecorder("paygate")
	gw := recorder.Middleware()("alipay", "default", &fakeGateway{})
	_, _ = gw.Query(context.Background(), &payment.Request{}, nil)

	server := httptest.NewServer(recorder.Handler())
	defer server.Close()
	resp, err := server.Client().Get(server.URL)
	if err != nil {
		t.Fatalf("get metrics failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `paygate_gateway_calls_total{driver="alipay",operation="query",profile="default",result="ok"} 1`) {
		t.Fatalf("metrics output missing call counter:\n%s", string(body))
	}
}
