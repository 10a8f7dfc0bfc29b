package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/agentfabric/meshrt/core"
)

// State is a circuit breaker's current mode.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	// WindowSize is the sliding window over which the error rate is
	// computed.
	WindowSize time.Duration
	// Buckets is the number of sub-buckets the window is divided into;
	// more buckets mean finer-grained rotation at the cost of more
	// bookkeeping.
	Buckets int
	// FailureThreshold is the error rate (0..1) within WindowSize at or
	// above which the breaker trips open. MinRequests bounds it below so a
	// single failure out of one request doesn't trip the breaker.
	FailureThreshold float64
	MinRequests      int
	// OpenTimeout is how long the breaker stays Open before allowing a
	// half-open probe.
	OpenTimeout time.Duration
	// HalfOpenMaxRequests bounds the number of concurrent probes allowed
	// while half-open.
	HalfOpenMaxRequests int
}

// DefaultCircuitBreakerConfig returns a ten-second window split into ten
// buckets, tripping at a 50% error rate with at least five requests
// observed, staying open for thirty seconds, allowing one half-open
// probe at a time.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		WindowSize:          10 * time.Second,
		Buckets:             10,
		FailureThreshold:    0.5,
		MinRequests:         5,
		OpenTimeout:         30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

type bucket struct {
	start    time.Time
	success  int
	failure  int
}

// CircuitBreaker protects a downstream dependency from cascading
// failures: it trips Open when the sliding-window error rate reaches a
// threshold, fails fast while Open, and allows a bounded number of
// Half-Open probes to decide whether to close again.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	logger core.Logger

	mu             sync.Mutex
	state          State
	buckets        []bucket
	openedAt       time.Time
	halfOpenTokens int
	consecutiveHalfOpenFailures int
}

// NewCircuitBreaker builds a CircuitBreaker named name. A nil logger
// defaults to core.NoOpLogger.
func NewCircuitBreaker(name string, config CircuitBreakerConfig, logger core.Logger) *CircuitBreaker {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	cb := &CircuitBreaker{
		name:    name,
		config:  config,
		logger:  logger,
		state:   StateClosed,
		buckets: make([]bucket, config.Buckets),
	}
	return cb
}

func (cb *CircuitBreaker) bucketIndex(t time.Time) int {
	bucketWidth := cb.config.WindowSize / time.Duration(cb.config.Buckets)
	if bucketWidth <= 0 {
		return 0
	}
	return int(t.UnixNano()/int64(bucketWidth)) % cb.config.Buckets
}

// rotateLocked clears any bucket whose start time has fallen out of the
// window, guarding against clock skew by also clearing buckets whose
// recorded start is in the future relative to now.
func (cb *CircuitBreaker) rotateLocked(now time.Time) {
	bucketWidth := cb.config.WindowSize / time.Duration(cb.config.Buckets)
	idx := cb.bucketIndex(now)
	b := &cb.buckets[idx]
	bucketStart := now.Truncate(bucketWidth)
	if b.start.IsZero() || b.start.Before(bucketStart) || b.start.After(now) {
		b.start = bucketStart
		b.success = 0
		b.failure = 0
	}
}

func (cb *CircuitBreaker) countsLocked(now time.Time) (success, failure int) {
	windowStart := now.Add(-cb.config.WindowSize)
	for _, b := range cb.buckets {
		if b.start.IsZero() || b.start.Before(windowStart) {
			continue
		}
		success += b.success
		failure += b.failure
	}
	return
}

func (cb *CircuitBreaker) recordLocked(now time.Time, ok bool) {
	cb.rotateLocked(now)
	idx := cb.bucketIndex(now)
	if ok {
		cb.buckets[idx].success++
	} else {
		cb.buckets[idx].failure++
	}
}

// evaluateStateLocked transitions the breaker based on current counts.
// Callers must hold cb.mu.
func (cb *CircuitBreaker) evaluateStateLocked(now time.Time) {
	switch cb.state {
	case StateClosed:
		success, failure := cb.countsLocked(now)
		total := success + failure
		if total < cb.config.MinRequests {
			return
		}
		if float64(failure)/float64(total) >= cb.config.FailureThreshold {
			cb.state = StateOpen
			cb.openedAt = now
			cb.logger.Warn("circuit breaker opened", "name", cb.name, "failure_rate", float64(failure)/float64(total))
		}
	case StateOpen:
		if now.Sub(cb.openedAt) >= cb.config.OpenTimeout {
			cb.state = StateHalfOpen
			cb.halfOpenTokens = 0
			cb.logger.Info("circuit breaker half-open", "name", cb.name)
		}
	}
}

// CanExecute reports whether the breaker would currently admit a call,
// without consuming a half-open token.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := time.Now()
	cb.evaluateStateLocked(now)
	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return cb.halfOpenTokens < cb.config.HalfOpenMaxRequests
	default:
		return false
	}
}

// Execute runs fn under circuit breaker protection. If the circuit is
// open it fails immediately with core.ErrCircuitBreakerOpen; otherwise it
// runs fn and records the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	cb.mu.Lock()
	now := time.Now()
	cb.evaluateStateLocked(now)

	switch cb.state {
	case StateOpen:
		cb.mu.Unlock()
		return core.NewFrameworkError("circuit_breaker", core.KindConnectionError, cb.name,
			"circuit breaker open", core.ErrCircuitBreakerOpen)
	case StateHalfOpen:
		if cb.halfOpenTokens >= cb.config.HalfOpenMaxRequests {
			cb.mu.Unlock()
			return core.NewFrameworkError("circuit_breaker", core.KindConnectionError, cb.name,
				"circuit breaker half-open, no probe tokens available", core.ErrCircuitBreakerOpen)
		}
		cb.halfOpenTokens++
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	now = time.Now()
	if cb.state == StateHalfOpen {
		cb.halfOpenTokens--
		if err != nil {
			cb.consecutiveHalfOpenFailures++
			cb.state = StateOpen
			cb.openedAt = now
			// exponential backoff on repeated half-open failures, capped
			// at 10x the configured open timeout.
			backoff := cb.config.OpenTimeout << uint(minInt(cb.consecutiveHalfOpenFailures, 4))
			if cap := cb.config.OpenTimeout * 10; backoff > cap {
				backoff = cap
			}
			cb.openedAt = now.Add(backoff - cb.config.OpenTimeout)
			cb.logger.Warn("circuit breaker re-opened after half-open failure", "name", cb.name)
		} else {
			cb.consecutiveHalfOpenFailures = 0
			cb.state = StateClosed
			for i := range cb.buckets {
				cb.buckets[i] = bucket{}
			}
			cb.logger.Info("circuit breaker closed", "name", cb.name)
		}
		return err
	}

	cb.recordLocked(now, err == nil)
	cb.evaluateStateLocked(now)
	return err
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.evaluateStateLocked(time.Now())
	return cb.state
}

// Reset forces the breaker back to Closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.consecutiveHalfOpenFailures = 0
	for i := range cb.buckets {
		cb.buckets[i] = bucket{}
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
