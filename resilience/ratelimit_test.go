package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInMemoryRateLimiterAdmitsUpToLimitWithinWindow(t *testing.T) {
	limiter := NewInMemoryRateLimiter(3, 100*time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, err := limiter.Allow(ctx, "k")
		assert.NoError(t, err)
		assert.True(t, allowed, "call %d should be admitted", i)
	}

	allowed, retryAfter, err := limiter.Allow(ctx, "k")
	assert.NoError(t, err)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))
}

func TestInMemoryRateLimiterSlidesWindow(t *testing.T) {
	limiter := NewInMemoryRateLimiter(1, 30*time.Millisecond)
	ctx := context.Background()

	allowed, _, _ := limiter.Allow(ctx, "k")
	assert.True(t, allowed)

	allowed, _, _ = limiter.Allow(ctx, "k")
	assert.False(t, allowed, "second call within window is rejected")

	time.Sleep(40 * time.Millisecond)

	allowed, _, _ = limiter.Allow(ctx, "k")
	assert.True(t, allowed, "call after the window elapses is admitted again")
}

func TestInMemoryRateLimiterPerKeyIsolation(t *testing.T) {
	limiter := NewInMemoryRateLimiter(1, time.Second)
	ctx := context.Background()

	allowed, _, _ := limiter.Allow(ctx, "a")
	assert.True(t, allowed)
	allowed, _, _ = limiter.Allow(ctx, "b")
	assert.True(t, allowed, "distinct keys have independent windows")
}

func TestRateLimitWrapperFailsWithRetryAfterWhenRaiseOnLimit(t *testing.T) {
	limiter := NewInMemoryRateLimiter(1, time.Second)
	calls := 0
	op := func(ctx context.Context) (interface{}, error) {
		calls++
		return "ok", nil
	}

	wrapped := RateLimit(RateLimitConfig{Calls: 1, Period: time.Second, RaiseOnLimit: true}, limiter)(op)

	_, err := wrapped(context.Background())
	assert.NoError(t, err)
	_, err = wrapped(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
