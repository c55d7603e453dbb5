package public

import (
	"context"
	"strings"

	"github.com/dujiao-next/paygate/internal/http/response"
	"github.com/dujiao-next/paygate/internal/payment"

	"github.com/gin-gonic/gin"
)

// operationRequest 请求体，规范化请求字段与 extra 并列。
type operationRequest struct {
	payment.Request
	Extra payment.Payload `json:"extra"`
}

type gatewayCall func(ctx context.Context, gw payment.Gateway, req *payment.Request, extra payment.Payload) (*payment.Result, error)

// Pay POST /payments/:driver/:profile/pay/:method
func (h *Handler) Pay(c *gin.Context) {
	method := strings.TrimSpace(c.Param("method"))
	h.invoke(c, payment.OperationPay, func(ctx context.Context, gw payment.Gateway, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
		return gw.Pay(ctx, method, req, extra)
	})
}

// Query POST /payments/:driver/:profile/query
func (h *Handler) Query(c *gin.Context) {
	h.invoke(c, payment.OperationQuery, func(ctx context.Context, gw payment.Gateway, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
		return gw.Query(ctx, req, extra)
	})
}

// Close POST /payments/:driver/:profile/close
func (h *Handler) Close(c *gin.Context) {
	h.invoke(c, payment.OperationClose, func(ctx context.Context, gw payment.Gateway, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
		return gw.Close(ctx, req, extra)
	})
}

// Refund POST /payments/:driver/:profile/refund
func (h *Handler) Refund(c *gin.Context) {
	h.invoke(c, payment.OperationRefund, func(ctx context.Context, gw payment.Gateway, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
		return gw.Refund(ctx, req, extra)
	})
}

// RefundQuery POST /payments/:driver/:profile/refund-query
func (h *Handler) RefundQuery(c *gin.Context) {
	h.invoke(c, payment.OperationRefundQuery, func(ctx context.Context, gw payment.Gateway, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
		return gw.RefundQuery(ctx, req, extra)
	})
}

// Cancel POST /payments/:driver/:profile/cancel
func (h *Handler) Cancel(c *gin.Context) {
	h.invoke(c, payment.OperationCancel, func(ctx context.Context, gw payment.Gateway, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
		return gw.Cancel(ctx, req, extra)
	})
}

// Methods GET /payments/:driver/:profile/methods
func (h *Handler) Methods(c *gin.Context) {
	gw, ok := h.resolve(c)
	if !ok {
		return
	}
	response.Success(c, gin.H{
		"provider": gw.Provider(),
		"methods":  gw.Methods(),
	})
}

func (h *Handler) invoke(c *gin.Context, operation string, call gatewayCall) {
	gw, ok := h.resolve(c)
	if !ok {
		return
	}
	var body operationRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid request body")
		return
	}
	result, err := call(c.Request.Context(), gw, &body.Request, body.Extra)
	if err != nil {
		respondGatewayError(c, err)
		return
	}
	requestLog(c).Infow("payment_operation_succeeded",
		"driver", c.Param("driver"),
		"profile", c.Param("profile"),
		"operation", operation,
		"out_trade_no", body.OutTradeNo,
	)
	response.Success(c, result)
}

func (h *Handler) resolve(c *gin.Context) (payment.Gateway, bool) {
	gw, err := h.Payments.Resolve(c.Param("driver"), c.Param("profile"))
	if err != nil {
		respondGatewayError(c, err)
		return nil, false
	}
	return gw, true
}
