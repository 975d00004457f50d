package middleware

import (
	"context"
	"errors"
	"time"
)

// TimeOutMiddleware bounds each call. The call keeps its own goroutine, so a
// client that ignores ctx still can't hold up the caller past the timeout.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) *Result {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *Result, 1)
			go func() {
				done <- next(ctx, call)
			}()

			select {
			case res := <-done:
				return res
			case <-ctx.Done():
				// a cancelled caller is not a timeout and must not be retried
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return &Result{Err: ErrTimeout}
				}
				return &Result{Err: ctx.Err()}
			}
		}
	}
}
