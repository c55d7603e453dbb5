package router

import (
	"strings"

	"github.com/dujiao-next/paygate/internal/auth"
	"github.com/dujiao-next/paygate/internal/http/response"
	"github.com/dujiao-next/paygate/internal/logger"

	"github.com/gin-gonic/gin"
)

const callerKey = "caller"

// CallerAuthMiddleware 业务接口调用方鉴权，未配置 secret 时全部拒绝。
func CallerAuthMiddleware(secretKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secretKey == "" {
			response.Unauthorized(c, "jwt secret is not configured")
			c.Abort()
			return
		}
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			response.Unauthorized(c, "authorization header is required")
			c.Abort()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if !(len(parts) == 2 && parts[0] == "Bearer") {
			response.Unauthorized(c, "authorization header must be Bearer token")
			c.Abort()
			return
		}

		claims, err := auth.ParseToken(secretKey, strings.TrimSpace(parts[1]))
		if err != nil {
			logger.Debugw("caller_token_invalid", "path", c.FullPath(), "client_ip", c.ClientIP(), "error", err)
			response.Unauthorized(c, "token is invalid")
			c.Abort()
			return
		}
		c.Set(callerKey, claims.Caller)
		c.Next()
	}
}
