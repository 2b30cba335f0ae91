// Package retrypolicy implements an exponential backoff retry policy.
package retrypolicy

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// Done - sentinel returned by CalculateNextDelay when no retry should be attempted
const Done time.Duration = -1

const (
	defaultInitialInterval     = 50 * time.Millisecond
	defaultBackoffCoefficient  = 2.0
	defaultMaximumInterval     = 10 * time.Second
	defaultExpirationInterval  = time.Minute
	defaultMaximumAttempts     = 10
	defaultJitterPct           = 0.2
	noMaximumAttempts      int = 0
)

var (
	// DefaultRetry - a retry policy with sensible defaults for most operations
	DefaultRetry = &policy{
		initialInterval:    defaultInitialInterval,
		backoffCoefficient: defaultBackoffCoefficient,
		maximumInterval:    defaultMaximumInterval,
		expirationInterval: defaultExpirationInterval,
		maximumAttempt:     defaultMaximumAttempts,
		startTime:          time.Now(),
	}

	// NoRetry - a retry policy which never retries
	NoRetry = &policy{
		maximumAttempt: 1,
		currentAttempt: 1,
		startTime:      time.Now(),
	}
)

// Retry defines the retry policy interface
type Retry interface {
	CalculateNextDelay() time.Duration
}

// Option - an option setter for policy construction
type Option func(*policy) error

type policy struct {
	initialInterval    time.Duration
	backoffCoefficient float64
	maximumInterval    time.Duration
	expirationInterval time.Duration
	maximumAttempt     int
	currentAttempt     int
	startTime          time.Time
}

// New - construct a retry policy from the given options
func New(options ...Option) (Retry, error) {
	p := &policy{
		initialInterval:    defaultInitialInterval,
		backoffCoefficient: defaultBackoffCoefficient,
		maximumInterval:    defaultMaximumInterval,
		expirationInterval: defaultExpirationInterval,
		maximumAttempt:     defaultMaximumAttempts,
		startTime:          time.Now(),
	}
	for _, option := range options {
		if err := option(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// WithInitialInterval - set the initial retry interval
func WithInitialInterval(d time.Duration) Option {
	return func(p *policy) error {
		if d < 0 {
			return errors.New("initial interval must not be negative")
		}
		p.initialInterval = d
		return nil
	}
}

// WithBackoffCoefficient - set the backoff multiplier applied per attempt
func WithBackoffCoefficient(c float64) Option {
	return func(p *policy) error {
		if c < 1 {
			return errors.New("backoff coefficient must be at least 1")
		}
		p.backoffCoefficient = c
		return nil
	}
}

// WithMaximumInterval - cap the per-attempt interval
func WithMaximumInterval(d time.Duration) Option {
	return func(p *policy) error {
		p.maximumInterval = d
		return nil
	}
}

// WithExpirationInterval - cap the total elapsed retry time
func WithExpirationInterval(d time.Duration) Option {
	return func(p *policy) error {
		p.expirationInterval = d
		return nil
	}
}

// WithMaximumAttempts - cap the number of attempts
func WithMaximumAttempts(n int) Option {
	return func(p *policy) error {
		p.maximumAttempt = n
		return nil
	}
}

// CalculateNextDelay - the delay before the next attempt, or Done
func (p *policy) CalculateNextDelay() time.Duration {
	if p.maximumAttempt != noMaximumAttempts && p.currentAttempt >= p.maximumAttempt {
		return Done
	}

	if p.expirationInterval > 0 && time.Since(p.startTime) > p.expirationInterval {
		return Done
	}

	next := float64(p.initialInterval) * math.Pow(p.backoffCoefficient, float64(p.currentAttempt))
	if next <= 0 {
		return Done
	}
	if p.maximumInterval > 0 && next > float64(p.maximumInterval) {
		next = float64(p.maximumInterval)
	}
	p.currentAttempt++

	// full interval minus up to jitterPct to spread concurrent retriers
	jitter := next * defaultJitterPct * rand.Float64()
	return time.Duration(next - jitter)
}
