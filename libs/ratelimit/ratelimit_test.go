package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/badgeworks/badge-go/libs/cache"
	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLimiter(t *testing.T, limit int64) (*Limiter, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	pool := &redis.Pool{
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", mr.Addr())
		},
	}
	return New(cache.New(pool), limit), mr
}

func TestLimiter_AllowsUnderLimit(t *testing.T) {
	t.Parallel()
	l, _ := testLimiter(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow(ctx, "key1"))
	}
	// fourth request in the same window is rejected
	assert.False(t, l.Allow(ctx, "key1"))

	// a different key has its own window
	assert.True(t, l.Allow(ctx, "key2"))
}

func TestLimiter_WindowRolls(t *testing.T) {
	t.Parallel()
	l, _ := testLimiter(t, 1)
	ctx := context.Background()

	fixed := time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	require.True(t, l.Allow(ctx, "key"))
	require.False(t, l.Allow(ctx, "key"))

	// the next minute is a fresh window
	l.now = func() time.Time { return fixed.Add(time.Minute) }
	assert.True(t, l.Allow(ctx, "key"))
}

func TestLimiter_FailsOpenOnCacheOutage(t *testing.T) {
	t.Parallel()
	l, mr := testLimiter(t, 1)
	ctx := context.Background()

	mr.Close()

	// documented fail open behavior
	assert.True(t, l.Allow(ctx, "key"))
	assert.True(t, l.Allow(ctx, "key"))
}
