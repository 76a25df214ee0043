package middleware

import (
	"context"
	"crypto/subtle"

	"github.com/cloudwego/hertz/pkg/app"
	"go.uber.org/zap"

	"LeadFlow/pkg/errors"
	"LeadFlow/pkg/logger"
	"LeadFlow/pkg/response"
)

const (
	WebhookSecretHeader = "X-Webhook-Secret"
	TickSecretHeader    = "X-Tick-Secret"
)

// SharedSecretMiddleware 校验请求头里的共享密钥；密钥未配置时拒绝所有请求
func SharedSecretMiddleware(header, secret string) app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		if secret == "" {
			logger.Logger.Error("Shared secret is not configured",
				zap.String("header", header),
				zap.String("path", string(c.Path())),
			)
			response.AbortWithError(ctx, c, errors.Wrap(errors.Unauthorized, "endpoint is disabled"))
			return
		}

		got := c.GetHeader(header)
		if len(got) == 0 || subtle.ConstantTimeCompare(got, []byte(secret)) != 1 {
			logger.Logger.Warn("Rejected request with invalid shared secret",
				zap.String("path", string(c.Path())),
				zap.String("client_ip", c.ClientIP()),
			)
			response.AbortWithError(ctx, c, errors.Wrap(errors.Unauthorized, "invalid %s", header))
			return
		}

		c.Next(ctx)
	}
}
