package resilience

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrRateLimited = stderrors.New("rate limit exceeded")

// Decision 一次限流判断的结果
type Decision struct {
	ResetAt   time.Time
	Remaining int
	Limit     int
	Allowed   bool
}

// RetryAfter 距离窗口重置的时长
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.ResetAt.After(now) {
		return d.ResetAt.Sub(now)
	}
	return 0
}

// RateLimiter 基于 redis 的固定窗口计数器，按 (endpoint, actor) 计数
type RateLimiter struct {
	client redis.UniversalClient
	now    func() time.Time
	prefix string
	limit  int
	window time.Duration
}

func NewRateLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		client: client,
		prefix: prefix,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// WithClock 注入时钟，测试用
func (l *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	l.now = now
	return l
}

func (l *RateLimiter) key(endpoint, actor string, windowStart time.Time) string {
	parts := []string{"rl", endpoint, actor, fmt.Sprintf("%d", windowStart.UnixMilli())}
	if l.prefix != "" {
		parts = append([]string{l.prefix}, parts...)
	}
	return strings.Join(parts, ":")
}

// Allow 计数并判断当前窗口是否超限；redis 出错时返回错误，由调用方决定放行还是拒绝
func (l *RateLimiter) Allow(ctx context.Context, endpoint, actor string) (Decision, error) {
	now := l.now()
	windowStart := now.Truncate(l.window)
	resetAt := windowStart.Add(l.window)
	key := l.key(endpoint, actor, windowStart)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		// 多留一秒，避免窗口边界上 key 提前消失
		pipe.PExpire(ctx, key, l.window+time.Second)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("rate limiter pipeline failed: %w", err)
	}

	count := int(incr.Val())
	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}

	return Decision{
		Allowed:   count <= l.limit,
		Remaining: remaining,
		Limit:     l.limit,
		ResetAt:   resetAt,
	}, nil
}
