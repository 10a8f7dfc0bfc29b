package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheReturnsStoredValueWithinTTL(t *testing.T) {
	calls := 0
	op := func(ctx context.Context) (interface{}, error) {
		calls++
		return calls, nil
	}
	c := NewCache(CacheConfig{TTL: time.Minute})
	wrapped := c.Wrap(func(ctx context.Context) string { return "k" })(op)

	v1, _ := wrapped(context.Background())
	v2, _ := wrapped(context.Background())
	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, calls)
}

func TestCacheNeverReturnsExpiredEntry(t *testing.T) {
	calls := 0
	op := func(ctx context.Context) (interface{}, error) {
		calls++
		return calls, nil
	}
	c := NewCache(CacheConfig{TTL: 10 * time.Millisecond})
	wrapped := c.Wrap(func(ctx context.Context) string { return "k" })(op)

	wrapped(context.Background())
	time.Sleep(20 * time.Millisecond)
	v2, _ := wrapped(context.Background())

	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, v2)
}

func TestCacheEvictsOldestOnOverflow(t *testing.T) {
	op := func(ctx context.Context) (interface{}, error) { return "v", nil }
	c := NewCache(CacheConfig{MaxSize: 2})

	c.Wrap(func(ctx context.Context) string { return "a" })(op)(context.Background())
	c.Wrap(func(ctx context.Context) string { return "b" })(op)(context.Background())
	c.Wrap(func(ctx context.Context) string { return "c" })(op)(context.Background())

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.LessOrEqual(t, len(c.entries), 2)
	_, hasA := c.entries["a"]
	assert.False(t, hasA, "oldest-inserted entry a should have been evicted")
}
