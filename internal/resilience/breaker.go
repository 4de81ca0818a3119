// Package resilience wraps failure-prone upstream calls with a three-state
// circuit breaker and a trailing-window rate limiter, scoped per logical
// upstream (one hostname or RPC URL).
package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/watchtower/internal/clock"
	"github.com/marcus-qen/watchtower/internal/metrics"
)

// BreakerState is the current position of a circuit breaker.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// ErrCircuitOpen matches any fast-fail produced by an open breaker via
// errors.Is.
var ErrCircuitOpen = errors.New("circuit breaker open")

// OpenError is the fast-fail returned while a breaker is open. It names the
// protected service and the remaining cool-off so probes can surface a
// useful soft fact.
type OpenError struct {
	Service string
	RetryIn time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker for %s is open, retry in %ds", e.Service, int(e.RetryIn.Seconds()+0.5))
}

func (e *OpenError) Is(target error) bool { return target == ErrCircuitOpen }

// BreakerConfig holds the trip parameters.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// breaker.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before probing
	// recovery.
	ResetTimeout time.Duration
	// HalfOpenMaxAttempts is the number of consecutive successes in
	// half_open required to fully close.
	HalfOpenMaxAttempts int
}

// DefaultBreakerConfig returns production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:    5,
		ResetTimeout:        60 * time.Second,
		HalfOpenMaxAttempts: 2,
	}
}

// BreakerMetrics is a diagnostic snapshot.
type BreakerMetrics struct {
	State           BreakerState
	Failures        int
	Successes       int
	LastFailure     time.Time
	LastStateChange time.Time
}

// Breaker protects one upstream. Any error from the wrapped function counts
// as a failure; a fast-fail while open does not.
type Breaker struct {
	name   string
	cfg    BreakerConfig
	clock  clock.Clock
	logger *zap.Logger

	mu              sync.Mutex
	state           BreakerState
	failures        int
	successes       int
	halfOpenStreak  int
	lastFailure     time.Time
	lastStateChange time.Time
}

// NewBreaker creates a closed breaker for the named service.
func NewBreaker(name string, cfg BreakerConfig, clk clock.Clock, logger *zap.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	if cfg.HalfOpenMaxAttempts <= 0 {
		cfg.HalfOpenMaxAttempts = 2
	}
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		name:            name,
		cfg:             cfg,
		clock:           clk,
		logger:          logger,
		state:           StateClosed,
		lastStateChange: clk.Now(),
	}
}

// Execute runs fn under the breaker. While open and inside the reset
// timeout it fails fast without invoking fn.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn()
	b.after(err)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}

	elapsed := b.clock.Now().Sub(b.lastFailure)
	if elapsed < b.cfg.ResetTimeout {
		return &OpenError{Service: b.name, RetryIn: b.cfg.ResetTimeout - elapsed}
	}

	b.transition(StateHalfOpen)
	b.halfOpenStreak = 0
	return nil
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.lastFailure = b.clock.Now()
		switch b.state {
		case StateHalfOpen:
			b.transition(StateOpen)
		case StateClosed:
			if b.failures >= b.cfg.FailureThreshold {
				b.transition(StateOpen)
			}
		}
		return
	}

	b.successes++
	switch b.state {
	case StateHalfOpen:
		b.halfOpenStreak++
		if b.halfOpenStreak >= b.cfg.HalfOpenMaxAttempts {
			b.transition(StateClosed)
			b.failures = 0
		}
	case StateClosed:
		b.failures = 0
	}
}

func (b *Breaker) transition(next BreakerState) {
	if b.state == next {
		return
	}
	metrics.BreakerState.WithLabelValues(b.name).Set(stateGauge(next))
	b.logger.Info("circuit breaker state change",
		zap.String("service", b.name),
		zap.String("from", string(b.state)),
		zap.String("to", string(next)),
		zap.Int("failures", b.failures),
	)
	b.state = next
	b.lastStateChange = b.clock.Now()
}

func stateGauge(s BreakerState) float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Metrics returns a diagnostic snapshot.
func (b *Breaker) Metrics() BreakerMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerMetrics{
		State:           b.state,
		Failures:        b.failures,
		Successes:       b.successes,
		LastFailure:     b.lastFailure,
		LastStateChange: b.lastStateChange,
	}
}

// Reset closes the breaker and clears its counters. Operator use.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
	b.failures = 0
	b.halfOpenStreak = 0
}
