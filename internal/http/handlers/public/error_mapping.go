package public

import (
	"errors"

	handlershared "github.com/dujiao-next/paygate/internal/http/handlers/shared"
	"github.com/dujiao-next/paygate/internal/http/response"
	"github.com/dujiao-next/paygate/internal/payment"

	"github.com/gin-gonic/gin"
)

// mappedHandlerError 定义网关错误到接口错误响应的映射关系。
type mappedHandlerError struct {
	target  error
	code    int
	message string
}

// 顺序即优先级，未知驱动/配置档需先于其他配置错误匹配
var gatewayErrorRules = []mappedHandlerError{
	{target: payment.ErrUnknownDriver, code: response.CodeNotFound, message: "payment driver not found"},
	{target: payment.ErrUnknownProfile, code: response.CodeNotFound, message: "payment profile not found"},
	{target: payment.ErrConfigInvalid, code: response.CodeInternal, message: "payment profile misconfigured"},
	{target: payment.ErrInvalidOperation, code: response.CodeBadRequest, message: "payment method not supported"},
	{target: payment.ErrInvalidRequest, code: response.CodeBadRequest, message: "payment request invalid"},
	{target: payment.ErrUnsupportedOperation, code: response.CodeNotImplemented, message: "operation not supported by provider"},
	{target: payment.ErrBusinessRejected, code: response.CodeUnprocessableEntity, message: "rejected by provider"},
	{target: payment.ErrTransport, code: response.CodeBadGateway, message: "provider unavailable"},
}

// mapGatewayError 转换为 AppError，业务拒绝时附带服务商错误码。
func mapGatewayError(err error) *response.AppError {
	for _, rule := range gatewayErrorRules {
		if !errors.Is(err, rule.target) {
			continue
		}
		appErr := response.WrapError(rule.code, rule.message, err)
		if gwErr, ok := payment.AsGatewayError(err); ok {
			data := map[string]interface{}{"kind": string(payment.KindOf(err))}
			if gwErr.Code != "" {
				data["code"] = gwErr.Code
			}
			if gwErr.Message != "" {
				data["message"] = gwErr.Message
			}
			appErr.WithData(data)
		}
		return appErr
	}
	return response.WrapError(response.CodeInternal, "internal error", err)
}

func respondGatewayError(c *gin.Context, err error) {
	appErr := mapGatewayError(err)
	if appErr.Code < response.CodeInternal {
		requestLog(c).Infow("payment_request_failed", "code", appErr.Code, "error", err)
	}
	handlershared.RespondAppError(c, appErr)
}
