// Package breaker implements a circuit-breaker around outbound
// dependencies. The closed-state hot path is a single atomic load;
// state transitions and half-open bookkeeping take a mutex.
package breaker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	errorutils "github.com/badgeworks/badge-go/libs/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// State - the breaker state
type State int32

const (
	// Closed - calls flow through normally
	Closed State = iota
	// Open - calls are rejected without invoking the dependency
	Open
	// HalfOpen - a limited number of probe calls are allowed through
	HalfOpen
)

// String - implement Stringer
func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

var (
	stateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_transitions_total",
			Help: "count of circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)
	rejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_rejections_total",
			Help: "count of calls rejected while the breaker is open",
		},
		[]string{"name"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "current circuit breaker state (0 closed, 1 open, 2 half open)",
		},
		[]string{"name"},
	)
)

func init() {
	prometheus.MustRegister(stateTransitionsTotal, rejectionsTotal, currentState)
}

// Config - circuit breaker tunables
type Config struct {
	Name             string
	FailureThreshold int64
	RecoveryTimeout  time.Duration
	HalfOpenPermits  int64
}

// DefaultConfig - breaker defaults for a named dependency
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenPermits:  3,
	}
}

// Breaker - a circuit breaker around one outbound dependency
type Breaker struct {
	cfg Config

	failureCount int64 // atomic, hot path
	state        int32 // atomic State, hot path reads

	mu                sync.Mutex
	lastFailureTime   time.Time
	halfOpenInFlight  int64
	halfOpenSuccesses int64
}

// New - construct a breaker from config
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenPermits <= 0 {
		cfg.HalfOpenPermits = 3
	}
	b := &Breaker{cfg: cfg}
	currentState.WithLabelValues(cfg.Name).Set(float64(Closed))
	return b
}

// State - the current state
func (b *Breaker) State() State {
	return State(atomic.LoadInt32(&b.state))
}

func (b *Breaker) transition(from, to State) {
	atomic.StoreInt32(&b.state, int32(to))
	stateTransitionsTotal.WithLabelValues(b.cfg.Name, from.String(), to.String()).Inc()
	currentState.WithLabelValues(b.cfg.Name).Set(float64(to))
}

// Allow - whether a request may proceed. In the open state, once the
// recovery timeout has elapsed the breaker moves to half open and the
// caller is counted as a probe.
func (b *Breaker) Allow() bool {
	switch b.State() {
	case Closed:
		// hot path: single atomic load
		return atomic.LoadInt64(&b.failureCount) < b.cfg.FailureThreshold
	case Open:
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.State() == Open && time.Since(b.lastFailureTime) >= b.cfg.RecoveryTimeout {
			b.transition(Open, HalfOpen)
			b.halfOpenInFlight = 1
			b.halfOpenSuccesses = 0
			return true
		}
		rejectionsTotal.WithLabelValues(b.cfg.Name).Inc()
		return false
	default: // HalfOpen
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.halfOpenInFlight < b.cfg.HalfOpenPermits {
			b.halfOpenInFlight++
			return true
		}
		rejectionsTotal.WithLabelValues(b.cfg.Name).Inc()
		return false
	}
}

// RecordSuccess - record a successful call
func (b *Breaker) RecordSuccess() {
	switch b.State() {
	case Closed:
		atomic.StoreInt64(&b.failureCount, 0)
	case HalfOpen:
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.State() != HalfOpen {
			return
		}
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.HalfOpenPermits {
			b.transition(HalfOpen, Closed)
			atomic.StoreInt64(&b.failureCount, 0)
			b.halfOpenInFlight = 0
			b.halfOpenSuccesses = 0
		}
	}
}

// RecordFailure - record a failed call
func (b *Breaker) RecordFailure() {
	switch b.State() {
	case Closed:
		n := atomic.AddInt64(&b.failureCount, 1)
		if n >= b.cfg.FailureThreshold {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.State() == Closed {
				b.transition(Closed, Open)
				b.lastFailureTime = time.Now()
			}
		}
	case HalfOpen:
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.State() == HalfOpen {
			// any half open failure reopens immediately
			b.transition(HalfOpen, Open)
			b.lastFailureTime = time.Now()
			b.halfOpenInFlight = 0
			b.halfOpenSuccesses = 0
		}
	case Open:
		b.mu.Lock()
		defer b.mu.Unlock()
		b.lastFailureTime = time.Now()
	}
}

// Call - run f under the breaker. When open, returns ErrCircuitOpen
// without invoking f.
func (b *Breaker) Call(ctx context.Context, f func(context.Context) error) error {
	if !b.Allow() {
		return errorutils.ErrCircuitOpen
	}
	err := f(ctx)
	if err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}
