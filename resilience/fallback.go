package resilience

import (
	"context"

	"github.com/agentfabric/meshrt/core"
)

// FallbackConfig configures the Fallback wrapper.
type FallbackConfig struct {
	Default        interface{}
	MatchKinds     map[core.ErrorKind]bool // empty means match everything
	Callback       func(err error) (interface{}, error)
}

func (c FallbackConfig) matches(err error) bool {
	if len(c.MatchKinds) == 0 {
		return true
	}
	return c.MatchKinds[core.Kind(err)]
}

// Fallback wraps op so that, on any error matching config.MatchKinds, it
// returns config.Callback(err) if set, else config.Default with a nil
// error. Errors not in MatchKinds propagate unchanged.
func Fallback(config FallbackConfig) func(Operation) Operation {
	return func(op Operation) Operation {
		return func(ctx context.Context) (interface{}, error) {
			result, err := op(ctx)
			if err == nil {
				return result, nil
			}
			if !config.matches(err) {
				return nil, err
			}
			if config.Callback != nil {
				return config.Callback(err)
			}
			return config.Default, nil
		}
	}
}
