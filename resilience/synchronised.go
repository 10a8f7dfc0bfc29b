package resilience

import (
	"context"
	"sync"
)

// Synchronised serialises every caller of the wrapped operation through
// lock. It honours context cancellation while waiting: if ctx is
// cancelled before the lock is acquired, the wrapped operation is never
// invoked.
func Synchronised(lock sync.Locker) func(Operation) Operation {
	return func(op Operation) Operation {
		return func(ctx context.Context) (interface{}, error) {
			acquired := make(chan struct{})
			go func() {
				lock.Lock()
				close(acquired)
			}()

			select {
			case <-ctx.Done():
				// The goroutine above will still acquire the lock
				// eventually and must release it, or it leaks it
				// forever; drain it in the background.
				go func() {
					<-acquired
					lock.Unlock()
				}()
				return nil, ctx.Err()
			case <-acquired:
			}
			defer lock.Unlock()
			return op(ctx)
		}
	}
}
