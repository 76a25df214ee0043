package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return client, mr
}

func TestRateLimiter_FixedWindow(t *testing.T) {
	client, _ := setupTestRedis(t)
	clock := &fakeClock{now: time.Date(2025, 3, 3, 10, 0, 5, 0, time.UTC)}
	limiter := NewRateLimiter(client, "test", 2, time.Minute).WithClock(clock.Now)
	ctx := context.Background()

	first, err := limiter.Allow(ctx, "webhook", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, first.Allowed)
	assert.Equal(t, 1, first.Remaining)
	assert.Equal(t, time.Date(2025, 3, 3, 10, 1, 0, 0, time.UTC), first.ResetAt)

	second, err := limiter.Allow(ctx, "webhook", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, second.Allowed)
	assert.Equal(t, 0, second.Remaining)

	third, err := limiter.Allow(ctx, "webhook", "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, third.Allowed)
	assert.Equal(t, 55*time.Second, third.RetryAfter(clock.Now()))

	// 不同 actor 独立计数
	other, err := limiter.Allow(ctx, "webhook", "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, other.Allowed)

	// 下一个窗口重新计数
	clock.Advance(time.Minute)
	next, err := limiter.Allow(ctx, "webhook", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, next.Allowed)
	assert.Equal(t, 1, next.Remaining)
}

func TestRateLimiter_RedisUnavailable(t *testing.T) {
	client, mr := setupTestRedis(t)
	limiter := NewRateLimiter(client, "test", 2, time.Minute)
	mr.Close()

	_, err := limiter.Allow(context.Background(), "webhook", "10.0.0.1")
	assert.Error(t, err)
}

func TestRedisLocker_ExclusiveUntilReleased(t *testing.T) {
	client, _ := setupTestRedis(t)
	locker := NewRedisLocker(client, "test")
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "tick:1:email", time.Minute)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "tick:1:email", time.Minute)
	assert.ErrorIs(t, err, ErrLeaseHeld)

	// 其他 key 不受影响
	otherLease, err := locker.Acquire(ctx, "tick:1:whatsapp", time.Minute)
	require.NoError(t, err)
	require.NoError(t, otherLease.Release(ctx))

	require.NoError(t, lease.Release(ctx))
	again, err := locker.Acquire(ctx, "tick:1:email", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestRedisLocker_ExpiredLeaseIsNotStolenBack(t *testing.T) {
	client, mr := setupTestRedis(t)
	locker := NewRedisLocker(client, "test")
	ctx := context.Background()

	stale, err := locker.Acquire(ctx, "reconcile:42", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	fresh, err := locker.Acquire(ctx, "reconcile:42", time.Minute)
	require.NoError(t, err)

	// 旧持有者释放不会删掉新持有者的锁
	require.NoError(t, stale.Release(ctx))
	_, err = locker.Acquire(ctx, "reconcile:42", time.Minute)
	assert.ErrorIs(t, err, ErrLeaseHeld)

	require.NoError(t, fresh.Release(ctx))
}
