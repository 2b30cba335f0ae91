package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/badgeworks/badge-go/libs/cache"
	errorutils "github.com/badgeworks/badge-go/libs/errors"
	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	pool := &redis.Pool{
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", mr.Addr())
		},
	}
	// no db fallback in these tests
	return NewManager(cache.New(pool), nil), mr
}

func TestManager_TryAcquireAndRelease(t *testing.T) {
	t.Parallel()
	m, _ := testManager(t)
	ctx := context.Background()

	guard, err := m.TryAcquire(ctx, "resource", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, guard)

	// held, so a second acquisition conflicts
	_, err = m.TryAcquire(ctx, "resource", time.Minute)
	assert.ErrorIs(t, err, errorutils.ErrLockConflict)

	require.NoError(t, guard.Release(ctx))

	// released, so acquisition succeeds again
	guard2, err := m.TryAcquire(ctx, "resource", time.Minute)
	require.NoError(t, err)
	require.NoError(t, guard2.Release(ctx))
}

func TestManager_ReleaseIsIdempotent(t *testing.T) {
	t.Parallel()
	m, _ := testManager(t)
	ctx := context.Background()

	guard, err := m.TryAcquire(ctx, "resource", time.Minute)
	require.NoError(t, err)

	require.NoError(t, guard.Release(ctx))
	require.NoError(t, guard.Release(ctx))
}

func TestManager_ExpiredLockDoesNotReleaseNewOwner(t *testing.T) {
	t.Parallel()
	m, mr := testManager(t)
	ctx := context.Background()

	stale, err := m.TryAcquire(ctx, "resource", 50*time.Millisecond)
	require.NoError(t, err)

	// the ttl expires and someone else takes the lock
	mr.FastForward(100 * time.Millisecond)
	fresh, err := m.TryAcquire(ctx, "resource", time.Minute)
	require.NoError(t, err)

	// the stale guard's release must not delete the new owner's lock
	require.NoError(t, stale.Release(ctx))
	_, err = m.TryAcquire(ctx, "resource", time.Minute)
	assert.ErrorIs(t, err, errorutils.ErrLockConflict)

	require.NoError(t, fresh.Release(ctx))
}

func TestManager_AcquireRetries(t *testing.T) {
	t.Parallel()
	m, mr := testManager(t)
	ctx := context.Background()

	held, err := m.TryAcquire(ctx, "resource", 150*time.Millisecond)
	require.NoError(t, err)
	defer func() { _ = held.Release(ctx) }()

	go func() {
		// the holder's ttl lapses while Acquire is retrying
		time.Sleep(120 * time.Millisecond)
		mr.FastForward(200 * time.Millisecond)
	}()

	guard, err := m.Acquire(ctx, "resource", time.Minute)
	require.NoError(t, err)
	require.NoError(t, guard.Release(ctx))
}

func TestManager_DistinctOwnersPerAttempt(t *testing.T) {
	t.Parallel()
	m, _ := testManager(t)
	ctx := context.Background()

	guard1, err := m.TryAcquire(ctx, "a", time.Minute)
	require.NoError(t, err)
	guard2, err := m.TryAcquire(ctx, "b", time.Minute)
	require.NoError(t, err)

	assert.NotEqual(t, guard1.owner, guard2.owner)
	require.NoError(t, guard1.Release(ctx))
	require.NoError(t, guard2.Release(ctx))
}
