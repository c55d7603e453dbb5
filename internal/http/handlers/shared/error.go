package shared

import (
	"github.com/dujiao-next/paygate/internal/http/response"
	"github.com/dujiao-next/paygate/internal/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestLog 提供携带 request_id 的日志实例。
func RequestLog(c *gin.Context) *zap.SugaredLogger {
	if c == nil {
		return logger.S()
	}
	if requestID, ok := c.Get("request_id"); ok {
		if id, ok := requestID.(string); ok && id != "" {
			return logger.SW("request_id", id)
		}
	}
	return logger.S()
}

// RespondAppError 输出 AppError，内部错误记录日志。
func RespondAppError(c *gin.Context, appErr *response.AppError) {
	if appErr.Code >= response.CodeInternal && appErr.Err != nil {
		RequestLog(c).Errorw("handler_error",
			"code", appErr.Code,
			"message", appErr.Message,
			"error", appErr.Err,
		)
	}
	response.ErrorWithData(c, appErr.Code, appErr.Message, appErr.Data)
}
