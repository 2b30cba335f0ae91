package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	pool := &redis.Pool{
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", mr.Addr())
		},
	}
	return New(pool), mr
}

func TestCache_GetSet(t *testing.T) {
	t.Parallel()
	c, _ := testCache(t)
	ctx := context.Background()

	_, hit, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, c.SetEX(ctx, "k", "v", 60))
	v, hit, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "v", v)

	require.NoError(t, c.Del(ctx, "k"))
	_, hit, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestCache_SetEXExpires(t *testing.T) {
	t.Parallel()
	c, mr := testCache(t)
	ctx := context.Background()

	require.NoError(t, c.SetEX(ctx, "k", "v", 10))
	mr.FastForward(11 * time.Second)

	_, hit, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestCache_Incr(t *testing.T) {
	t.Parallel()
	c, _ := testCache(t)
	ctx := context.Background()

	n, err := c.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = c.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestCache_SetNXPX(t *testing.T) {
	t.Parallel()
	c, _ := testCache(t)
	ctx := context.Background()

	ok, err := c.SetNXPX(ctx, "lock:a", "owner1", 60000)
	require.NoError(t, err)
	assert.True(t, ok)

	// second acquisition fails while held
	ok, err = c.SetNXPX(ctx, "lock:a", "owner2", 60000)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_DelIfEqual(t *testing.T) {
	t.Parallel()
	c, _ := testCache(t)
	ctx := context.Background()

	_, err := c.SetNXPX(ctx, "lock:b", "owner1", 60000)
	require.NoError(t, err)

	// the wrong owner cannot delete
	deleted, err := c.DelIfEqual(ctx, "lock:b", "owner2")
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = c.DelIfEqual(ctx, "lock:b", "owner1")
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestUserBadgeKeys(t *testing.T) {
	t.Parallel()
	keys := UserBadgeKeys("u1")
	assert.Equal(t, []string{"user:badge:u1", "user:badge:wall:u1"}, keys)
}
