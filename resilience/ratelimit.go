package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/agentfabric/meshrt/core"
)

// RateLimiter is a sliding-window admission control primitive: at most
// Calls operations may be admitted for a given key within any window of
// length Period.
type RateLimiter interface {
	// Allow reports whether a call for key is admitted right now. If not,
	// retryAfter is the duration until the oldest timestamp in the
	// current window falls out of it.
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

// RateLimitConfig configures the RateLimit wrapper itself (independent of
// which RateLimiter backend is used).
type RateLimitConfig struct {
	Calls        int
	Period       time.Duration
	KeyFunc      KeyFunc
	RaiseOnLimit bool // false: sleep retryAfter and retry instead of failing
}

// RateLimit wraps op with sliding-window admission control against
// limiter, keyed per call by config.KeyFunc. When the window is
// exhausted it either fails with core.ErrRateLimitExceeded (RaiseOnLimit)
// or sleeps until admission is possible and then proceeds.
func RateLimit(config RateLimitConfig, limiter RateLimiter) func(Operation) Operation {
	return func(op Operation) Operation {
		return func(ctx context.Context) (interface{}, error) {
			key := "default"
			if config.KeyFunc != nil {
				key = config.KeyFunc(ctx)
			}
			for {
				allowed, retryAfter, err := limiter.Allow(ctx, key)
				if err != nil {
					return nil, err
				}
				if allowed {
					return op(ctx)
				}
				if config.RaiseOnLimit {
					return nil, core.NewFrameworkError("rate_limit", core.KindRateLimitExceeded, key,
						fmt.Sprintf("rate limit exceeded, retry_after=%s", retryAfter), core.ErrRateLimitExceeded)
				}
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(retryAfter):
				}
			}
		}
	}
}

// InMemoryRateLimiter is a per-process sliding-window limiter: each key
// keeps a slice of admitted-call timestamps trimmed to [now-period, now]
// on every call.
type InMemoryRateLimiter struct {
	calls  int
	period time.Duration

	mu   sync.Mutex
	keys map[string][]time.Time
}

// NewInMemoryRateLimiter builds a sliding-window limiter admitting at
// most calls operations per period, per key.
func NewInMemoryRateLimiter(calls int, period time.Duration) *InMemoryRateLimiter {
	return &InMemoryRateLimiter{calls: calls, period: period, keys: make(map[string][]time.Time)}
}

func (l *InMemoryRateLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-l.period)

	timestamps := l.keys[key]
	kept := timestamps[:0]
	for _, t := range timestamps {
		if t.After(windowStart) {
			kept = append(kept, t)
		}
	}

	if len(kept) < l.calls {
		kept = append(kept, now)
		l.keys[key] = kept
		return true, 0, nil
	}

	l.keys[key] = kept
	retryAfter := kept[0].Add(l.period).Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return false, retryAfter, nil
}

var _ RateLimiter = (*InMemoryRateLimiter)(nil)

// RedisRateLimiter is a distributed sliding-window limiter implemented
// with a Redis sorted set per key: ZREMRANGEBYSCORE trims entries older
// than the window, ZCOUNT checks occupancy, ZADD records admission, and
// EXPIRE bounds the key's lifetime to the window so idle keys are
// reclaimed automatically.
type RedisRateLimiter struct {
	client *redis.Client
	prefix string
	calls  int
	period time.Duration
}

// NewRedisRateLimiter builds a Redis-backed sliding-window limiter.
func NewRedisRateLimiter(client *redis.Client, prefix string, calls int, period time.Duration) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, prefix: prefix, calls: calls, period: period}
}

func (l *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	redisKey := fmt.Sprintf("%s:ratelimit:%s", l.prefix, key)
	now := time.Now()
	windowStart := now.Add(-l.period)

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCount(ctx, redisKey, fmt.Sprintf("%d", windowStart.UnixNano()), fmt.Sprintf("%d", now.UnixNano()))
	oldestCmd := pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return false, 0, err
	}

	count, err := countCmd.Result()
	if err != nil {
		return false, 0, err
	}

	if int(count) >= l.calls {
		retryAfter := l.period
		if scores, err := oldestCmd.Result(); err == nil && len(scores) > 0 {
			oldest := time.Unix(0, int64(scores[0].Score))
			retryAfter = oldest.Add(l.period).Sub(now)
			if retryAfter < 0 {
				retryAfter = 0
			}
		}
		return false, retryAfter, nil
	}

	addPipe := l.client.TxPipeline()
	addPipe.ZAdd(ctx, redisKey, &redis.Z{Score: float64(now.UnixNano()), Member: fmt.Sprintf("%d", now.UnixNano())})
	addPipe.Expire(ctx, redisKey, l.period)
	if _, err := addPipe.Exec(ctx); err != nil {
		return false, 0, err
	}

	return true, 0, nil
}

var _ RateLimiter = (*RedisRateLimiter)(nil)
