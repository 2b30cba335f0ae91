// Package lock provides a distributed lock keyed by resource name.
// Redis is the primary implementation; when the cache is unreachable
// acquisition transparently falls back to the distributed_locks table.
package lock

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/badgeworks/badge-go/libs/cache"
	errorutils "github.com/badgeworks/badge-go/libs/errors"
	"github.com/badgeworks/badge-go/libs/logging"
	"github.com/jmoiron/sqlx"
	uuid "github.com/satori/go.uuid"
)

const (
	lockKeyFormat = "lock:%s"

	defaultAttempts   = 3
	defaultRetryDelay = 100 * time.Millisecond
)

// Manager - acquires and releases distributed locks
type Manager struct {
	cache *cache.Cache
	db    *sqlx.DB
	// instanceID distinguishes this process from others holding locks
	instanceID string
}

// NewManager - create a lock manager over the cache with a db fallback
func NewManager(c *cache.Cache, db *sqlx.DB) *Manager {
	return &Manager{
		cache:      c,
		db:         db,
		instanceID: uuid.NewV4().String(),
	}
}

// Guard - an acquired lock. Callers must Release; the ttl cleans up
// eventually if they do not, but that window blocks other acquirers.
type Guard struct {
	m        *Manager
	key      string
	owner    string
	fallback bool
	released bool
}

// newOwner - instance uuid plus a fresh attempt uuid so the same process
// reacquiring after expiry does not collide with its stale value
func (m *Manager) newOwner() string {
	return m.instanceID + ":" + uuid.NewV4().String()
}

// TryAcquire - single non-blocking acquisition attempt
func (m *Manager) TryAcquire(ctx context.Context, resource string, ttl time.Duration) (*Guard, error) {
	logger := logging.Logger(ctx, "lock.TryAcquire")
	key := fmt.Sprintf(lockKeyFormat, resource)
	owner := m.newOwner()

	ok, err := m.cache.SetNXPX(ctx, key, owner, ttl.Milliseconds())
	if err == nil {
		if !ok {
			return nil, errorutils.ErrLockConflict
		}
		g := &Guard{m: m, key: key, owner: owner}
		g.armFinalizer(ctx)
		return g, nil
	}

	// cache unreachable, fall back to the lock table
	logger.Warn().Err(err).Str("resource", resource).Msg("cache unreachable, using db lock fallback")

	res, dbErr := m.db.ExecContext(ctx, `
		insert into distributed_locks (lock_key, owner_id, expires_at)
		values ($1, $2, $3)
		on conflict (lock_key) do nothing`,
		key, owner, time.Now().Add(ttl))
	if dbErr != nil {
		return nil, dbErr
	}
	n, dbErr := res.RowsAffected()
	if dbErr != nil {
		return nil, dbErr
	}
	if n == 0 {
		return nil, errorutils.ErrLockConflict
	}
	g := &Guard{m: m, key: key, owner: owner, fallback: true}
	g.armFinalizer(ctx)
	return g, nil
}

// Acquire - acquisition with retries
func (m *Manager) Acquire(ctx context.Context, resource string, ttl time.Duration) (*Guard, error) {
	var lastErr error
	for i := 0; i < defaultAttempts; i++ {
		g, err := m.TryAcquire(ctx, resource, ttl)
		if err == nil {
			return g, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(defaultRetryDelay):
		}
	}
	return nil, lastErr
}

// CleanupExpired - remove expired rows from the fallback lock table
func (m *Manager) CleanupExpired(ctx context.Context) (int64, error) {
	res, err := m.db.ExecContext(ctx, `delete from distributed_locks where expires_at < now()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (g *Guard) armFinalizer(ctx context.Context) {
	logger := logging.Logger(ctx, "lock.Guard")
	key := g.key
	runtime.SetFinalizer(g, func(g *Guard) {
		if !g.released {
			logger.Warn().Str("key", key).Msg("lock guard dropped without release, waiting on ttl expiry")
		}
	})
}

// Release - give up the lock. Only deletes when this guard still owns it.
func (g *Guard) Release(ctx context.Context) error {
	if g.released {
		return nil
	}
	g.released = true
	runtime.SetFinalizer(g, nil)

	if g.fallback {
		_, err := g.m.db.ExecContext(ctx,
			`delete from distributed_locks where lock_key = $1 and owner_id = $2`,
			g.key, g.owner)
		return err
	}

	_, err := g.m.cache.DelIfEqual(ctx, g.key, g.owner)
	return err
}
