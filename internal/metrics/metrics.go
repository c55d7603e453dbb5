package metrics

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/dujiao-next/paygate/internal/payment"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder 网关调用指标，使用独立 Registry，便于测试。
type Recorder struct {
	registry      *prometheus.Registry
	calls         *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	notifications *prometheus.CounterVec
}

// NewRecorder 创建指标记录器
func NewRecorder(namespace string) *Recorder {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = "paygate"
	}
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_calls_total",
			Help:      "Gateway operations by driver, profile, operation and result kind.",
		}, []string{"driver", "profile", "operation", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_call_duration_seconds",
			Help:      "Gateway operation latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"driver", "operation"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_notifications_total",
			Help:      "Inbound notifications by driver and verification outcome.",
		}, []string{"driver", "profile", "result"}),
	}
	r.registry.MustRegister(
		r.calls,
		r.duration,
		r.notifications,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Handler /metrics 处理器
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Middleware 返回注册表实例包装
func (r *Recorder) Middleware() payment.Middleware {
	return func(driver, profile string, gw payment.Gateway) payment.Gateway {
		return &instrumented{Gateway: gw, recorder: r, driver: driver, profile: profile}
	}
}

func (r *Recorder) observe(driver, profile, operation string, started time.Time, err error) {
	r.calls.WithLabelValues(driver, profile, operation, resultLabel(err)).Inc()
	r.duration.WithLabelValues(driver, operation).Observe(time.Since(started).Seconds())
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return string(payment.KindOf(err))
}

type instrumented struct {
	payment.Gateway
	recorder *Recorder
	driver   string
	profile  string
}

func (i *instrumented) Pay(ctx context.Context, method string, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	started := time.Now()
	result, err := i.Gateway.Pay(ctx, method, req, extra)
	i.recorder.observe(i.driver, i.profile, payment.OperationPay, started, err)
	return result, err
}

func (i *instrumented) Query(ctx context.Context, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	started := time.Now()
	result, err := i.Gateway.Query(ctx, req, extra)
	i.recorder.observe(i.driver, i.profile, payment.OperationQuery, started, err)
	return result, err
}

func (i *instrumented) Close(ctx context.Context, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	started := time.Now()
	result, err := i.Gateway.Close(ctx, req, extra)
	i.recorder.observe(i.driver, i.profile, payment.OperationClose, started, err)
	return result, err
}

func (i *instrumented) Refund(ctx context.Context, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	started := time.Now()
	result, err := i.Gateway.Refund(ctx, req, extra)
	i.recorder.observe(i.driver, i.profile, payment.OperationRefund, started, err)
	return result, err
}

func (i *instrumented) RefundQuery(ctx context.Context, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	started := time.Now()
	result, err := i.Gateway.RefundQuery(ctx, req, extra)
	i.recorder.observe(i.driver, i.profile, payment.OperationRefundQuery, started, err)
	return result, err
}

func (i *instrumented) Cancel(ctx context.Context, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	started := time.Now()
	result, err := i.Gateway.Cancel(ctx, req, extra)
	i.recorder.observe(i.driver, i.profile, payment.OperationCancel, started, err)
	return result, err
}

func (i *instrumented) Notify(ctx context.Context, in *payment.NotifyRequest) *payment.Notification {
	notification := i.Gateway.Notify(ctx, in)
	result := "verified"
	if notification == nil || !notification.Verified {
		result = "rejected"
	}
	i.recorder.notifications.WithLabelValues(i.driver, i.profile, result).Inc()
	return notification
}
