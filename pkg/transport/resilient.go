package transport

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"LeadFlow/pkg/errors"
	"LeadFlow/pkg/logger"
	"LeadFlow/pkg/metrics"
	"LeadFlow/pkg/resilience"
)

// ResilientOptions 出站保护参数
type ResilientOptions struct {
	// TenantLimiter 为空时不做租户级限流
	TenantLimiter   *resilience.RateLimiter
	Policy          resilience.RetryPolicy
	RatePerMinute   int
	BreakerFailures int
	BreakerReset    time.Duration
}

// ResilientTransport 在服务商调用外面套上限流、熔断和重试
type ResilientTransport struct {
	inner         Transport
	breaker       *resilience.CircuitBreaker
	limiter       *rate.Limiter
	tenantLimiter *resilience.RateLimiter
	policy        resilience.RetryPolicy
	channel       string
}

func NewResilientTransport(channel string, inner Transport, opts ResilientOptions) *ResilientTransport {
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = resilience.DefaultRetryPolicy
	}
	if opts.BreakerFailures <= 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerReset <= 0 {
		opts.BreakerReset = time.Minute
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RatePerMinute)), 1)
	}

	// 服务商明确拒绝（4xx）不代表服务商不可用
	breaker := resilience.NewCircuitBreaker(channel+":"+inner.Provider(), opts.BreakerFailures, opts.BreakerReset,
		resilience.WithFailurePredicate(func(err error) bool {
			return !errors.IsNonRetryable(err)
		}),
	)

	return &ResilientTransport{
		inner:         inner,
		breaker:       breaker,
		limiter:       limiter,
		tenantLimiter: opts.TenantLimiter,
		policy:        opts.Policy,
		channel:       channel,
	}
}

func (t *ResilientTransport) Provider() string {
	return t.inner.Provider()
}

// Breaker 暴露熔断器，便于健康检查
func (t *ResilientTransport) Breaker() *resilience.CircuitBreaker {
	return t.breaker
}

func (t *ResilientTransport) Send(ctx context.Context, env Envelope) (*SendResult, error) {
	if err := t.allowTenant(ctx, env.UserID); err != nil {
		return nil, err
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", resilience.ErrRateLimited, err)
	}

	var (
		result   *SendResult
		attempts int
	)
	err := resilience.Retry(ctx, t.policy, func(ctx context.Context) error {
		attempts++
		if attempts > 1 {
			metrics.RecordSendRetry(ctx, t.channel)
		}
		return t.breaker.Call(ctx, func(ctx context.Context) error {
			res, err := t.inner.Send(ctx, env)
			if err != nil {
				return err
			}
			result = res
			return nil
		})
	})
	if err != nil {
		logger.Logger.Warn("Transport send failed",
			zap.String("channel", t.channel),
			zap.String("provider", t.inner.Provider()),
			zap.Int64("message_id", env.MessageID),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return nil, err
	}
	return result, nil
}

// allowTenant redis 不可用时放行，只记日志
func (t *ResilientTransport) allowTenant(ctx context.Context, userID int64) error {
	if t.tenantLimiter == nil {
		return nil
	}
	decision, err := t.tenantLimiter.Allow(ctx, "send:"+t.channel, strconv.FormatInt(userID, 10))
	if err != nil {
		logger.Logger.Warn("Tenant rate limiter unavailable",
			zap.String("channel", t.channel),
			zap.Int64("user_id", userID),
			zap.Error(err),
		)
		return nil
	}
	if !decision.Allowed {
		return resilience.ErrRateLimited
	}
	return nil
}

// IsDeferred 熔断或限流：消息保持 PENDING，下个 tick 再试
func IsDeferred(err error) bool {
	return stderrors.Is(err, resilience.ErrCircuitOpen) || stderrors.Is(err, resilience.ErrRateLimited)
}
