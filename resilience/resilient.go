package resilience

import "time"

// ResilientConfig bundles the parameters for the documented
// cache -> retry -> timeout -> fallback composition.
type ResilientConfig struct {
	Cache   *Cache
	CacheKey KeyFunc
	Retry   RetryConfig
	Timeout time.Duration
	Fallback FallbackConfig
}

// Resilient composes cache, retry, timeout and fallback in that
// documented order: cache is checked outermost (a hit skips retry/timeout
// entirely), retry wraps timeout so a timed-out attempt can be retried,
// and fallback is the innermost safety net around the bare operation.
//
// Wrapping order here matters: each wrapper applied below encloses the
// ones applied before it, so the last one applied (cache) executes first
// on the way in and last on the way out.
func Resilient(config ResilientConfig) func(Operation) Operation {
	return func(op Operation) Operation {
		wrapped := Fallback(config.Fallback)(op)
		wrapped = Timeout(config.Timeout, "")(wrapped)
		wrapped = Retry(config.Retry)(wrapped)
		if config.Cache != nil {
			wrapped = config.Cache.Wrap(config.CacheKey)(wrapped)
		}
		return wrapped
	}
}
