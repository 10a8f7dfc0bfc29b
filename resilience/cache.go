package resilience

import (
	"context"
	"sync"
	"time"
)

// CacheConfig configures the Cache wrapper.
type CacheConfig struct {
	TTL     time.Duration
	MaxSize int
}

type cacheEntry struct {
	value     interface{}
	err       error
	storedAt  time.Time
	insertSeq uint64
}

// Cache is a TTL-bounded, size-bounded memoization store. The cache key
// is supplied by the caller via KeyFunc rather than derived by
// reflecting over the wrapped operation's arguments.
type Cache struct {
	config CacheConfig

	mu      sync.Mutex
	entries map[string]*cacheEntry
	seq     uint64
}

// NewCache builds a Cache. A zero MaxSize means unbounded.
func NewCache(config CacheConfig) *Cache {
	return &Cache{config: config, entries: make(map[string]*cacheEntry)}
}

// KeyFunc derives the cache key for a call from its context. Wrap binds
// one KeyFunc to the returned combinator.
type KeyFunc func(ctx context.Context) string

// Wrap returns a combinator that memoizes op's result under keyFn(ctx).
// On a hit within TTL the stored value is returned without invoking op;
// on a miss the result is computed, stored, and — if that insert would
// exceed MaxSize — the oldest-inserted entry is evicted. Expired entries
// are reaped lazily, only when looked up.
func (c *Cache) Wrap(keyFn KeyFunc) func(Operation) Operation {
	return func(op Operation) Operation {
		return func(ctx context.Context) (interface{}, error) {
			key := keyFn(ctx)
			now := time.Now()

			c.mu.Lock()
			if entry, ok := c.entries[key]; ok {
				if c.config.TTL <= 0 || now.Sub(entry.storedAt) < c.config.TTL {
					c.mu.Unlock()
					return entry.value, entry.err
				}
				delete(c.entries, key)
			}
			c.mu.Unlock()

			result, err := op(ctx)

			c.mu.Lock()
			defer c.mu.Unlock()
			if c.config.MaxSize > 0 && len(c.entries) >= c.config.MaxSize {
				c.evictOldestLocked()
			}
			c.seq++
			c.entries[key] = &cacheEntry{value: result, err: err, storedAt: now, insertSeq: c.seq}
			return result, err
		}
	}
}

// evictOldestLocked removes the entry with the oldest insertion
// sequence. Callers must hold c.mu.
func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldestSeq uint64 = ^uint64(0)
	for k, e := range c.entries {
		if e.insertSeq < oldestSeq {
			oldestSeq = e.insertSeq
			oldestKey = k
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
