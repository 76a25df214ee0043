package resilience

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errUpstream = stderrors.New("upstream down")

func failing(ctx context.Context) error { return errUpstream }
func succeeding(ctx context.Context) error { return nil }

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker("test", 3, time.Minute, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Call(ctx, failing), errUpstream)
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Call(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("test", 2, time.Minute)
	ctx := context.Background()

	_ = cb.Call(ctx, failing)
	require.NoError(t, cb.Call(ctx, succeeding))
	_ = cb.Call(ctx, failing)

	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenTrialSuccessCloses(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker("test", 1, time.Minute, WithClock(clock.Now))
	ctx := context.Background()

	_ = cb.Call(ctx, failing)
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(59 * time.Second)
	assert.ErrorIs(t, cb.Call(ctx, succeeding), ErrCircuitOpen)

	clock.Advance(time.Second)
	require.NoError(t, cb.Call(ctx, succeeding))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenTrialFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker("test", 1, time.Minute, WithClock(clock.Now))
	ctx := context.Background()

	_ = cb.Call(ctx, failing)
	clock.Advance(time.Minute)

	assert.ErrorIs(t, cb.Call(ctx, failing), errUpstream)
	assert.Equal(t, StateOpen, cb.State())

	// 超时重新计时
	clock.Advance(30 * time.Second)
	assert.ErrorIs(t, cb.Call(ctx, succeeding), ErrCircuitOpen)
}

func TestCircuitBreaker_HalfOpenAllowsSingleTrial(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker("test", 1, time.Minute, WithClock(clock.Now))
	ctx := context.Background()

	_ = cb.Call(ctx, failing)
	clock.Advance(time.Minute)

	trialStarted := make(chan struct{})
	releaseTrial := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Call(ctx, func(ctx context.Context) error {
			close(trialStarted)
			<-releaseTrial
			return nil
		})
	}()

	<-trialStarted
	assert.ErrorIs(t, cb.Call(ctx, succeeding), ErrCircuitOpen)

	close(releaseTrial)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_FailurePredicate(t *testing.T) {
	permanent := stderrors.New("bad recipient")
	cb := NewCircuitBreaker("test", 1, time.Minute, WithFailurePredicate(func(err error) bool {
		return !stderrors.Is(err, permanent)
	}))

	assert.ErrorIs(t, cb.Call(context.Background(), func(ctx context.Context) error { return permanent }), permanent)
	assert.Equal(t, StateClosed, cb.State())
}
