package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, buckets map[string]Bucket) *RedisLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, buckets)
}

func TestAllowExhaustsBucket(t *testing.T) {
	l := newTestLimiter(t, map[string]Bucket{"llm": PerMinute(2)})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := l.Allow(ctx, "llm", 1)
		require.NoError(t, err)
		assert.True(t, allowed, "request %d should pass", i)
	}

	allowed, retryAfter, err := l.Allow(ctx, "llm", 1)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Positive(t, retryAfter)
}

func TestAllowUnknownBucketFailsOpen(t *testing.T) {
	l := newTestLimiter(t, nil)
	allowed, retryAfter, err := l.Allow(context.Background(), "nonexistent", 1)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Zero(t, retryAfter)
}

func TestNilLimiterAllowsEverything(t *testing.T) {
	var l *RedisLimiter
	allowed, _, err := l.Allow(context.Background(), "llm", 1)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestPerMinute(t *testing.T) {
	b := PerMinute(120)
	assert.Equal(t, int64(120), b.Capacity)
	assert.InDelta(t, 2.0, b.RefillRate, 1e-9)

	assert.Zero(t, PerMinute(0).Capacity)
}
