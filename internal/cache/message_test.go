package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LeadFlow/storage/redis"
)

func setupTestRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	redis.Use(client)
	return mr
}

func TestMessageMarks(t *testing.T) {
	mr := setupTestRedis(t)
	ctx := context.Background()

	ok, err := TryMarkMessageProcessing(ctx, "ext_1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = TryMarkMessageProcessing(ctx, "ext_1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second delivery must be rejected while processing")

	done, err := IsMessageProcessed(ctx, "ext_1")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, MarkMessageProcessed(ctx, "ext_1", time.Hour))
	done, err = IsMessageProcessed(ctx, "ext_1")
	require.NoError(t, err)
	assert.True(t, done)

	mr.FastForward(2 * time.Hour)
	done, err = IsMessageProcessed(ctx, "ext_1")
	require.NoError(t, err)
	assert.False(t, done)
}

func TestUnmarkAllowsRetry(t *testing.T) {
	setupTestRedis(t)
	ctx := context.Background()

	ok, err := TryMarkMessageProcessing(ctx, "ext_2", 0)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, UnmarkMessageProcessing(ctx, "ext_2"))

	ok, err = TryMarkMessageProcessing(ctx, "ext_2", 0)
	require.NoError(t, err)
	assert.True(t, ok)
}
