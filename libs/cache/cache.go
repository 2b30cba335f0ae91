// Package cache wraps the shared redis pool. Reads that gate
// processing (idempotency markers, rate limits) are fail-open:
// helpers surface cache errors so callers can log and continue.
package cache

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/badgeworks/badge-go/libs/closers"
	"github.com/gomodule/redigo/redis"
)

const (
	// UserBadgeKeyFormat - cached user badge aggregate, invalidated on any grant/revoke
	UserBadgeKeyFormat = "user:badge:%s"
	// UserBadgeWallKeyFormat - computed badge wall display view
	UserBadgeWallKeyFormat = "user:badge:wall:%s"
	// EventProcessedKeyFormat - idempotency marker for processed events
	EventProcessedKeyFormat = "event:processed:%s"
	// RefundProcessedKeyFormat - idempotency marker for processed refunds
	RefundProcessedKeyFormat = "refund:processed:%s"
)

// Cache - a redis backed cache
type Cache struct {
	pool *redis.Pool
}

// NewPool - build a redis pool from the given url, falling back to BADGE_REDIS_URL
func NewPool(redisURL string) *redis.Pool {
	if len(redisURL) == 0 {
		redisURL = os.Getenv("BADGE_REDIS_URL")
	}
	return &redis.Pool{
		MaxIdle:     10,
		MaxActive:   100,
		IdleTimeout: 4 * time.Minute,
		Dial: func() (redis.Conn, error) {
			return redis.DialURL(redisURL)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// New - create a cache over the given pool
func New(pool *redis.Pool) *Cache {
	return &Cache{pool: pool}
}

// Pool - the underlying redis pool
func (c *Cache) Pool() *redis.Pool {
	return c.pool
}

// Get - fetch a string value, ok is false on miss
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	conn := c.pool.Get()
	defer closers.Log(ctx, conn)

	v, err := redis.String(conn.Do("GET", key))
	if err == redis.ErrNil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// SetEX - set a value with a ttl in seconds
func (c *Cache) SetEX(ctx context.Context, key, value string, ttlSeconds int) error {
	conn := c.pool.Get()
	defer closers.Log(ctx, conn)

	_, err := conn.Do("SET", key, value, "EX", ttlSeconds)
	return err
}

// Del - remove one or more keys
func (c *Cache) Del(ctx context.Context, keys ...string) error {
	conn := c.pool.Get()
	defer closers.Log(ctx, conn)

	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	_, err := conn.Do("DEL", args...)
	return err
}

// Incr - atomically increment, returning the new value
func (c *Cache) Incr(ctx context.Context, key string) (int64, error) {
	conn := c.pool.Get()
	defer closers.Log(ctx, conn)

	return redis.Int64(conn.Do("INCR", key))
}

// Expire - set a ttl in seconds on an existing key
func (c *Cache) Expire(ctx context.Context, key string, ttlSeconds int) error {
	conn := c.pool.Get()
	defer closers.Log(ctx, conn)

	_, err := conn.Do("EXPIRE", key, ttlSeconds)
	return err
}

// SetNXPX - set key to value only if absent, with a millisecond ttl.
// Returns true when the key was set.
func (c *Cache) SetNXPX(ctx context.Context, key, value string, ttlMillis int64) (bool, error) {
	conn := c.pool.Get()
	defer closers.Log(ctx, conn)

	reply, err := redis.String(conn.Do("SET", key, value, "NX", "PX", ttlMillis))
	if err == redis.ErrNil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return reply == "OK", nil
}

// compareAndDelete deletes the key only while it still holds value,
// guarding against releasing a lock that has expired and been retaken
var compareAndDelete = redis.NewScript(1, `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

// DelIfEqual - delete key only if it currently holds value
func (c *Cache) DelIfEqual(ctx context.Context, key, value string) (bool, error) {
	conn := c.pool.Get()
	defer closers.Log(ctx, conn)

	n, err := redis.Int(compareAndDelete.Do(conn, key, value))
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UserBadgeKeys - the cache keys maintained for a user's badge views
func UserBadgeKeys(userID string) []string {
	return []string{
		fmt.Sprintf(UserBadgeKeyFormat, userID),
		fmt.Sprintf(UserBadgeWallKeyFormat, userID),
	}
}
