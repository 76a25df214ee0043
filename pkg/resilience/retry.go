package resilience

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"math"
	"net"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"

	"LeadFlow/pkg/errors"
)

// HTTPStatusError 上游返回了非 2xx 状态码
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

// RetryPolicy 重试策略
type RetryPolicy struct {
	MaxAttempts  int           // 包含第一次调用
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// Retryable 为空时使用 IsTransient
	Retryable func(error) bool
}

// DefaultRetryPolicy 出站调用的默认策略
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:  3,
	InitialDelay: 500 * time.Millisecond,
	Multiplier:   2,
	MaxDelay:     10 * time.Second,
}

const jitterPercent = 25

// BackoffDelay 第 attempt 次失败后（从 1 开始）的等待时间，未加抖动
func (p RetryPolicy) BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

func (p RetryPolicy) backoff() retry.Backoff {
	attempt := 0
	base := retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		return p.BackoffDelay(attempt), false
	})

	maxRetries := p.MaxAttempts - 1
	if maxRetries < 0 {
		maxRetries = 0
	}
	return retry.WithMaxRetries(uint64(maxRetries), retry.WithJitterPercent(jitterPercent, base))
}

// Retry 按策略重试 op，直到成功、遇到不可重试错误、次数耗尽或 ctx 结束，返回最后一次的错误
func Retry(ctx context.Context, policy RetryPolicy, op func(ctx context.Context) error) error {
	retryable := policy.Retryable
	if retryable == nil {
		retryable = IsTransient
	}

	return retry.Do(ctx, policy.backoff(), func(ctx context.Context) error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		// 父 ctx 已结束时不再重试
		if ctx.Err() != nil {
			return err
		}
		if retryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// IsTransient 默认的可重试判断：网络错误、连接重置、单次调用超时和 5xx
func IsTransient(err error) bool {
	if err == nil || errors.IsNonRetryable(err) {
		return false
	}
	if stderrors.Is(err, ErrCircuitOpen) || stderrors.Is(err, ErrRateLimited) {
		return false
	}

	var statusErr *HTTPStatusError
	if stderrors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 || statusErr.StatusCode == 429
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if stderrors.Is(err, io.ErrUnexpectedEOF) || stderrors.Is(err, io.EOF) {
		return true
	}
	if stderrors.Is(err, syscall.ECONNRESET) || stderrors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	var netErr net.Error
	return stderrors.As(err, &netErr)
}
