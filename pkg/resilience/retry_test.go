package resilience

import (
	"context"
	stderrors "errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LeadFlow/pkg/errors"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		Multiplier:   2,
		MaxDelay:     5 * time.Millisecond,
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &HTTPStatusError{StatusCode: 503}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_SurfacesLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		calls++
		return &HTTPStatusError{StatusCode: 500 + calls}
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)

	var statusErr *HTTPStatusError
	require.True(t, stderrors.As(err, &statusErr))
	assert.Equal(t, 503, statusErr.StatusCode)
}

func TestRetry_DoesNotRetryPermanentErrors(t *testing.T) {
	calls := 0
	permanent := errors.NewNonRetryableError("PROVIDER_REJECTED", "recipient rejected", "400")
	err := Retry(context.Background(), fastPolicy(5), func(ctx context.Context) error {
		calls++
		return permanent
	})

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetry_StopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, fastPolicy(10), func(ctx context.Context) error {
		calls++
		cancel()
		return &HTTPStatusError{StatusCode: 502}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_BackoffDelay(t *testing.T) {
	p := RetryPolicy{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}

	assert.Equal(t, 100*time.Millisecond, p.BackoffDelay(1))
	assert.Equal(t, 200*time.Millisecond, p.BackoffDelay(2))
	assert.Equal(t, 400*time.Millisecond, p.BackoffDelay(3))
	assert.Equal(t, 800*time.Millisecond, p.BackoffDelay(4))
	assert.Equal(t, time.Second, p.BackoffDelay(5))
	assert.Equal(t, time.Second, p.BackoffDelay(12))
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		name string
		want bool
	}{
		{name: "server error", err: &HTTPStatusError{StatusCode: 502}, want: true},
		{name: "too many requests", err: &HTTPStatusError{StatusCode: 429}, want: true},
		{name: "client error", err: &HTTPStatusError{StatusCode: 400}, want: false},
		{name: "net error", err: &net.OpError{Op: "dial", Err: stderrors.New("refused")}, want: true},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "permanent", err: errors.NewNonRetryableError("X", "y", ""), want: false},
		{name: "circuit open", err: ErrCircuitOpen, want: false},
		{name: "plain", err: stderrors.New("boom"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
