package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// LoggingMiddleware logs every directory call with its duration. Failures are
// logged at warn level; the error is still returned to the caller.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) *Result {
			start := time.Now()
			res := next(ctx, call)
			fields := []zap.Field{
				zap.String("op", string(call.Op)),
				zap.Duration("duration", time.Since(start)),
			}
			if call.ID != "" {
				fields = append(fields, zap.String("id", call.ID))
			}
			if call.Tag != "" {
				fields = append(fields, zap.String("tag", call.Tag))
			}
			if res.Err != nil {
				logger.Warn("directory request failed", append(fields, zap.Error(res.Err))...)
			} else {
				logger.Debug("directory request completed", fields...)
			}
			return res
		}
	}
}
