package middleware

import (
	"context"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"go.uber.org/zap"

	"LeadFlow/pkg/errors"
	"LeadFlow/pkg/logger"
	"LeadFlow/pkg/resilience"
	"LeadFlow/pkg/response"
)

// RateLimitMiddleware 按 (endpoint, 客户端 IP) 固定窗口限流；redis 不可用时放行
func RateLimitMiddleware(limiter *resilience.RateLimiter, endpoint string) app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		if limiter == nil {
			c.Next(ctx)
			return
		}

		decision, err := limiter.Allow(ctx, endpoint, c.ClientIP())
		if err != nil {
			logger.Logger.Warn("Rate limiter unavailable, allowing request",
				zap.String("endpoint", endpoint),
				zap.Error(err),
			)
			c.Next(ctx)
			return
		}

		c.Response.Header.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		c.Response.Header.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		c.Response.Header.Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

		if !decision.Allowed {
			retryAfter := decision.RetryAfter(time.Now())
			c.Response.Header.Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
			logger.Logger.Warn("Request rate limited",
				zap.String("endpoint", endpoint),
				zap.String("client_ip", c.ClientIP()),
			)
			response.AbortWithError(ctx, c, errors.Wrap(errors.RateLimited, "retry after %s", retryAfter.Round(time.Second)))
			return
		}

		c.Next(ctx)
	}
}
