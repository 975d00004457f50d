package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"svc-registrar/directory"
)

// RetryMiddleware retries transient failures (see directory.IsTransient) up to
// maxRetries times with exponential backoff starting at baseDelay. It gives up
// early when ctx is done.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) *Result {
			res := next(ctx, call)
			for i := 0; i < maxRetries; i++ {
				if res.Err == nil || !directory.IsTransient(res.Err) {
					return res
				}
				logger.Debug("retrying directory request",
					zap.Int("attempt", i+1), zap.String("op", string(call.Op)), zap.Error(res.Err))

				timer := time.NewTimer(baseDelay * time.Duration(1<<i))
				select {
				case <-ctx.Done():
					timer.Stop()
					return res
				case <-timer.C:
				}
				res = next(ctx, call)
			}
			return res // last response after retries
		}
	}
}
