package middleware

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware caps the call rate with a token bucket. Calls over the
// limit fail fast with ErrRateLimited; the reconciler picks them up next tick.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) *Result {
			if !limiter.Allow() {
				return &Result{Err: ErrRateLimited}
			}
			return next(ctx, call)
		}
	}

}
