package router

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/dujiao-next/paygate/internal/cache"
	"github.com/dujiao-next/paygate/internal/config"
	publichandlers "github.com/dujiao-next/paygate/internal/http/handlers/public"
	"github.com/dujiao-next/paygate/internal/http/response"
	"github.com/dujiao-next/paygate/internal/logger"
	"github.com/dujiao-next/paygate/internal/provider"

	"github.com/gin-gonic/gin"
)

// SetupRouter 初始化路由
func SetupRouter(cfg *config.Config, c *provider.Container) *gin.Engine {
	log := logger.L
	if log == nil {
		log = logger.Init(cfg.Server.Mode, cfg.Log.ToLoggerOptions())
	}
	if strings.EqualFold(cfg.Server.Mode, "release") {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	handler := publichandlers.New(c)
	redisPrefix := strings.TrimSpace(cfg.Redis.Prefix)
	if redisPrefix == "" {
		redisPrefix = "paygate"
	}
	paymentRule := RateLimitRule{
		Prefix:        fmt.Sprintf("%s:rate:payment", redisPrefix),
		WindowSeconds: cfg.Security.RateLimit.WindowSeconds,
		MaxRequests:   cfg.Security.RateLimit.MaxRequests,
	}

	// 中间件
	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(log))
	r.Use(LoggerMiddleware(log))

	r.GET("/healthz", func(ctx *gin.Context) {
		if err := cache.Ping(ctx.Request.Context()); err != nil {
			response.Error(ctx, response.CodeInternal, "redis unavailable")
			return
		}
		response.Success(ctx, gin.H{"status": "ok"})
	})
	if c.Metrics != nil {
		r.GET("/metrics", gin.WrapH(c.Metrics.Handler()))
	}

	apiV1 := r.Group("/api/v1")
	{
		// 业务接口需要调用方令牌并限流
		payments := apiV1.Group("/payments/:driver/:profile")
		payments.Use(RateLimitMiddleware(cache.Client(), paymentRule, KeyByRouteAndIP))
		payments.Use(CallerAuthMiddleware(cfg.JWT.SecretKey))
		{
			payments.GET("/methods", handler.Methods)
			payments.POST("/pay/:method", handler.Pay)
			payments.POST("/query", handler.Query)
			payments.POST("/close", handler.Close)
			payments.POST("/refund", handler.Refund)
			payments.POST("/refund-query", handler.RefundQuery)
			payments.POST("/cancel", handler.Cancel)
		}

		// 服务商回调以验签鉴权，不限流，避免重发被拦截后丢通知
		callbacks := apiV1.Group("/payments/:driver/:profile")
		{
			callbacks.POST("/notify", handler.Notify)
			// 部分服务商回调使用 GET 携带参数
			callbacks.GET("/notify", handler.Notify)
		}
	}

	r.NoRoute(func(ctx *gin.Context) {
		ctx.JSON(http.StatusNotFound, response.Response{StatusCode: response.CodeNotFound, Msg: "not found"})
	})
	return r
}
