// Package ratelimit implements a fixed-window counter over the shared
// cache. Cache failures fail open: the request is allowed and the
// failure is logged, never silently swallowed.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/badgeworks/badge-go/libs/cache"
	"github.com/badgeworks/badge-go/libs/logging"
	"github.com/prometheus/client_golang/prometheus"
)

const rateLimitKeyFormat = "rate_limit:%s:%s"

var failOpenTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "rate_limit_fail_open_total",
		Help: "count of rate limit checks allowed due to cache failure",
	},
)

func init() {
	prometheus.MustRegister(failOpenTotal)
}

// Limiter - a fixed window rate limiter
type Limiter struct {
	cache *cache.Cache
	limit int64
	// now is swappable for tests
	now func() time.Time
}

// New - limiter allowing limit requests per minute window per key
func New(c *cache.Cache, limit int64) *Limiter {
	return &Limiter{cache: c, limit: limit, now: time.Now}
}

// Allow - count a request against keyID's current window
func (l *Limiter) Allow(ctx context.Context, keyID string) bool {
	logger := logging.Logger(ctx, "ratelimit.Allow")

	window := l.now().UTC().Format("200601021504")
	key := fmt.Sprintf(rateLimitKeyFormat, keyID, window)

	n, err := l.cache.Incr(ctx, key)
	if err != nil {
		// documented fail open: a cache outage must not take request serving down with it
		logger.Warn().Err(err).Str("key", keyID).Msg("rate limit cache failure, allowing request")
		failOpenTotal.Inc()
		return true
	}
	if n == 1 {
		if err := l.cache.Expire(ctx, key, 60); err != nil {
			logger.Warn().Err(err).Str("key", keyID).Msg("failed to set rate limit window expiry")
		}
	}
	return n <= l.limit
}
