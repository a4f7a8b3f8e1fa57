package storage

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fyrsmithlabs/akidb/internal/core"
	"go.uber.org/zap"
)

// BreakerState is one of the three circuit breaker states.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// BreakerConfig configures CircuitBreaker's sliding window and recovery
// timing.
type BreakerConfig struct {
	Window           time.Duration // sliding window over which failures are counted
	FailureThreshold float64       // ratio in [0,1] of failures within Window that trips the breaker
	MinRequests       int          // minimum samples in Window before the ratio is evaluated
	OpenTimeout      time.Duration // how long the breaker stays Open before probing HalfOpen
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Window:           60 * time.Second,
		FailureThreshold: 0.5,
		MinRequests:      10,
		OpenTimeout:      30 * time.Second,
	}
}

type sample struct {
	at      time.Time
	success bool
}

// CircuitBreaker guards a remote call (object store, embedding provider)
// against wasting time on a backend that is currently failing. It tracks a
// sliding window of recent outcomes rather than a simple consecutive-error
// counter, so one stale failure surrounded by successes does not trip it.
type CircuitBreaker struct {
	cfg    BreakerConfig
	logger *zap.Logger

	mu         sync.Mutex
	state      BreakerState
	samples    []sample
	openedAt   time.Time
	halfOpenInFlight bool

	onClose func()
}

func NewCircuitBreaker(cfg BreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{cfg: cfg, logger: logger, state: StateClosed}
}

// OnClose registers fn to run whenever the breaker recovers from a trip
// (HalfOpen -> Closed), so a caller can drain work queued while the
// breaker was open (spec §4.3.6: "a reaper task drains the DLQ when the
// breaker closes"). fn runs outside the breaker's lock and is never
// called for the initial Closed state at construction.
func (b *CircuitBreaker) OnClose(fn func()) {
	b.mu.Lock()
	b.onClose = fn
	b.mu.Unlock()
}

// State returns the breaker's current state, transitioning Open->HalfOpen
// if OpenTimeout has elapsed. Clock anomalies (a system clock moved
// backward) are handled by treating a negative elapsed duration as "timeout
// not yet reached" rather than underflowing to a huge unsigned duration.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *CircuitBreaker) stateLocked() BreakerState {
	if b.state != StateOpen {
		return b.state
	}
	elapsed := time.Since(b.openedAt)
	if elapsed >= b.cfg.OpenTimeout && elapsed > 0 {
		b.state = StateHalfOpen
		b.halfOpenInFlight = false
		b.logger.Info("circuit breaker transitioning Open -> HalfOpen")
	}
	return b.state
}

// Allow reports whether a new call may proceed. In HalfOpen, only a single
// probe call is allowed through at a time.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.stateLocked() {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.halfOpenInFlight {
			return false
		}
		b.halfOpenInFlight = true
		return true
	default:
		return false
	}
}

func (b *CircuitBreaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.samples) && b.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.samples = b.samples[i:]
	}
}

// Record reports the outcome of a call admitted via Allow.
func (b *CircuitBreaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()

	if b.state == StateHalfOpen {
		b.halfOpenInFlight = false
		if success {
			b.state = StateClosed
			b.samples = nil
			b.logger.Info("circuit breaker recovered: HalfOpen -> Closed")
			onClose := b.onClose
			if onClose != nil {
				go onClose()
			}
		} else {
			b.state = StateOpen
			b.openedAt = now
			b.logger.Warn("circuit breaker probe failed: HalfOpen -> Open")
		}
		return
	}

	b.samples = append(b.samples, sample{at: now, success: success})
	b.prune(now)

	if len(b.samples) < b.cfg.MinRequests {
		return
	}
	var failures int
	for _, s := range b.samples {
		if !s.success {
			failures++
		}
	}
	ratio := float64(failures) / float64(len(b.samples))
	if ratio >= b.cfg.FailureThreshold && b.state == StateClosed {
		b.state = StateOpen
		b.openedAt = now
		b.logger.Warn("circuit breaker tripped: Closed -> Open", zap.Float64("failure_ratio", ratio))
	}
}

// ErrBreakerOpen is returned by Call when the breaker refuses a call.
var ErrBreakerOpen = core.New(core.CodeUnavailable, "circuit breaker open")

// Call runs fn if the breaker allows it, recording the outcome.
func (b *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if !b.Allow() {
		return ErrBreakerOpen
	}
	err := fn(ctx)
	b.Record(err == nil)
	return err
}

// retryMaxAttempts bounds a RetryWithBackoff call to 5 total attempts (1
// initial + 4 retries), per spec §4.3.3's upload retry budget.
const retryMaxAttempts = 5

// RetryWithBackoff retries fn through the breaker using an exponential
// backoff policy (base 100ms per spec §4.3.3), stopping early if the
// breaker opens, ctx is canceled, maxElapsed is exceeded, or
// retryMaxAttempts is reached.
func RetryWithBackoff(ctx context.Context, breaker *CircuitBreaker, maxElapsed time.Duration, fn func(context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = maxElapsed
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, retryMaxAttempts-1), ctx)

	return backoff.Retry(func() error {
		err := breaker.Call(ctx, fn)
		if err == ErrBreakerOpen {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}
