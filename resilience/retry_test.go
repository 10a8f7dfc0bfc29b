package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfabric/meshrt/core"
)

func TestRetryExponentialBackoffThreeAttempts(t *testing.T) {
	attempts := 0
	op := func(ctx context.Context) (interface{}, error) {
		attempts++
		if attempts < 3 {
			return nil, core.NewFrameworkError("op", core.KindConnectionError, "", "fail", core.ErrConnectionError)
		}
		return "ok", nil
	}

	config := RetryConfig{
		MaxAttempts: 3,
		Delay:       10 * time.Millisecond,
		Backoff:     BackoffExponential,
		MaxDelay:    time.Second,
	}

	start := time.Now()
	result, err := Retry(config)(op)(context.Background())
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, attempts)
	// schedule: 10ms, 20ms => total 30ms, scaled by jitter [0.8,1.2]
	assert.GreaterOrEqual(t, elapsed, 24*time.Millisecond)
}

func TestRetryExhaustionReturnsLastError(t *testing.T) {
	attempts := 0
	wantErr := core.NewFrameworkError("op", core.KindConnectionError, "", "boom", core.ErrConnectionError)
	op := func(ctx context.Context) (interface{}, error) {
		attempts++
		return nil, wantErr
	}
	config := RetryConfig{MaxAttempts: 3, Delay: time.Millisecond, Backoff: BackoffFixed}

	_, err := Retry(config)(op)(context.Background())
	assert.Equal(t, 3, attempts)
	assert.ErrorIs(t, err, core.ErrConnectionError)
}

func TestRetryOnRetryNeverCalledAfterLastAttempt(t *testing.T) {
	calls := 0
	op := func(ctx context.Context) (interface{}, error) {
		return nil, core.ErrConnectionError
	}
	config := RetryConfig{
		MaxAttempts: 3,
		Delay:       time.Millisecond,
		Backoff:     BackoffFixed,
		OnRetry: func(attempt int, err error) {
			calls++
		},
	}
	_, _ = Retry(config)(op)(context.Background())
	assert.Equal(t, 2, calls, "on_retry fires after attempt 1 and 2, never after the final failed attempt 3")
}

func TestRetryDoesNotRetryUnmatchedKind(t *testing.T) {
	attempts := 0
	op := func(ctx context.Context) (interface{}, error) {
		attempts++
		return nil, core.NewFrameworkError("op", core.KindValidation, "", "bad arg", core.ErrValidation)
	}
	config := RetryConfig{
		MaxAttempts:    3,
		Delay:          time.Millisecond,
		Backoff:        BackoffFixed,
		RetryableKinds: map[core.ErrorKind]bool{core.KindConnectionError: true},
	}
	_, err := Retry(config)(op)(context.Background())
	assert.Equal(t, 1, attempts)
	assert.True(t, errors.Is(err, core.ErrValidation))
}

func TestRetryHonoursContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	op := func(ctx context.Context) (interface{}, error) {
		return nil, core.ErrConnectionError
	}
	config := RetryConfig{MaxAttempts: 5, Delay: 50 * time.Millisecond, Backoff: BackoffFixed}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := Retry(config)(op)(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
