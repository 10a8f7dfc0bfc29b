package resilience

import (
	"context"
	"time"

	"github.com/agentfabric/meshrt/core"
)

// Timeout wraps op so it fails with core.ErrTimeout if it has not
// completed within d. The inner operation's context is cancelled on
// timeout, so any resources it holds (connections, locks) are released by
// its own cancellation handling.
func Timeout(d time.Duration, message string) func(Operation) Operation {
	return func(op Operation) Operation {
		return func(ctx context.Context) (interface{}, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			type outcome struct {
				result interface{}
				err    error
			}
			done := make(chan outcome, 1)
			go func() {
				result, err := op(ctx)
				done <- outcome{result, err}
			}()

			select {
			case o := <-done:
				return o.result, o.err
			case <-ctx.Done():
				msg := message
				if msg == "" {
					msg = "operation timed out"
				}
				return nil, core.NewFrameworkError("timeout", core.KindTimeout, "", msg, core.ErrTimeout)
			}
		}
	}
}
