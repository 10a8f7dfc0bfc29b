package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/agentfabric/meshrt/core"
)

// Backoff selects the delay schedule between retry attempts.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// RetryConfig configures the Retry wrapper. Delay between attempt i (0
// indexed) and i+1 is min(MaxDelay, schedule(i)) scaled by a uniform
// jitter factor in [0.8, 1.2].
type RetryConfig struct {
	MaxAttempts      int
	Delay            time.Duration
	Backoff          Backoff
	MaxDelay         time.Duration
	RetryableKinds   map[core.ErrorKind]bool
	OnRetry          func(attempt int, err error)
}

// DefaultRetryConfig returns three attempts of exponential backoff
// starting at 100ms, capped at 5s, retrying connection, timeout and
// worker errors.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Delay:       100 * time.Millisecond,
		Backoff:     BackoffExponential,
		MaxDelay:    5 * time.Second,
		RetryableKinds: map[core.ErrorKind]bool{
			core.KindConnectionError: true,
			core.KindTimeout:         true,
			core.KindWorkerError:     true,
		},
	}
}

func (c RetryConfig) schedule(attempt int) time.Duration {
	var d time.Duration
	switch c.Backoff {
	case BackoffLinear:
		d = c.Delay * time.Duration(attempt+1)
	case BackoffExponential:
		d = c.Delay << uint(attempt)
	default: // fixed
		d = c.Delay
	}
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// jitter returns d scaled by a uniform factor in [0.8, 1.2].
func jitter(d time.Duration) time.Duration {
	factor := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(d) * factor)
}

func (c RetryConfig) retryable(err error) bool {
	if len(c.RetryableKinds) == 0 {
		return core.IsRetryable(err)
	}
	return c.RetryableKinds[core.Kind(err)]
}

// Retry wraps op so it is re-invoked up to config.MaxAttempts times,
// waiting jitter(schedule(i)) between attempts, retrying only errors
// whose kind is in config.RetryableKinds (or, when that map is empty,
// errors core.IsRetryable accepts). OnRetry is invoked after every
// failed-but-retryable attempt, never after the final failed attempt. On
// exhaustion the last error is returned unchanged.
func Retry(config RetryConfig) func(Operation) Operation {
	return func(op Operation) Operation {
		return func(ctx context.Context) (interface{}, error) {
			var lastErr error
			attempts := config.MaxAttempts
			if attempts <= 0 {
				attempts = 1
			}
			for attempt := 0; attempt < attempts; attempt++ {
				result, err := op(ctx)
				if err == nil {
					return result, nil
				}
				lastErr = err
				if !config.retryable(err) {
					return nil, err
				}
				isLast := attempt == attempts-1
				if isLast {
					break
				}
				if config.OnRetry != nil {
					config.OnRetry(attempt, err)
				}
				delay := jitter(config.schedule(attempt))
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(delay):
				}
			}
			return nil, lastErr
		}
	}
}
