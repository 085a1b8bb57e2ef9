package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/streamq/streamq/envelope"
)

// Recover returns middleware that recovers from panics in the handler
// chain. Panics are converted to errors and logged with a stack trace,
// so a panicking handler fails the attempt instead of killing the
// worker process.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, env *envelope.Envelope, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("task handler panicked",
					slog.String("operation", env.Operation),
					slog.String("queue", env.Queue),
					slog.String("id", env.ID.String()),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				retErr = fmt.Errorf("panic in %s handler: %v", env.Operation, r)
			}
		}()
		return next(ctx)
	}
}
