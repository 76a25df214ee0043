package router

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"LeadFlow/internal/handler"
	"LeadFlow/internal/middleware"
	"LeadFlow/pkg/resilience"
)

type Options struct {
	// Limiter 为空时不限流
	Limiter       *resilience.RateLimiter
	WebhookSecret string
	TickSecret    string
}

func Register(h *server.Hertz, opts Options) {
	h.Use(middleware.RecoverMiddleware())
	h.Use(middleware.HTTPMetricsMiddleware())

	h.GET("/healthz", func(ctx context.Context, c *app.RequestContext) {
		c.String(consts.StatusOK, "ok")
	})

	v1 := h.Group("/v1")

	// 外部回调，先限流再校验密钥
	webhooks := v1.Group("/webhooks")
	webhooks.Use(
		middleware.RateLimitMiddleware(opts.Limiter, "webhooks"),
		middleware.SharedSecretMiddleware(middleware.WebhookSecretHeader, opts.WebhookSecret),
	)
	{
		webhooks.POST("/extraction", handler.ExtractionWebhook)
		webhooks.POST("/enrichment", handler.EnrichmentWebhook)
		webhooks.POST("/provider-status", handler.ProviderStatusWebhook)
	}

	// 退订链接无需鉴权，token 自带签名
	unsubscribe := v1.Group("/unsubscribe", middleware.RateLimitMiddleware(opts.Limiter, "unsubscribe"))
	{
		unsubscribe.GET("", handler.Unsubscribe)
		unsubscribe.POST("", handler.UnsubscribeOneClick)
	}

	internal := v1.Group("/internal")
	internal.Use(middleware.SharedSecretMiddleware(middleware.TickSecretHeader, opts.TickSecret))
	{
		internal.POST("/tick", handler.RunTick)
	}
}
