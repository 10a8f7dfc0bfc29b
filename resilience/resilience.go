// Package resilience provides composable wrappers — retry, timeout,
// cache, rate limiting, fallback, mutual exclusion — that turn a
// best-effort operation into a production-grade one. Wrappers share one
// shape so they compose in any caller-chosen order.
package resilience

import "context"

// Operation is the shape every resilience wrapper accepts and returns:
// an asynchronous call that may fail.
type Operation func(ctx context.Context) (interface{}, error)
