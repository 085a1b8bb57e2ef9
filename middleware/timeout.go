package middleware

import (
	"context"
	"time"

	"github.com/streamq/streamq/envelope"
)

// Timeout returns middleware that enforces a per-task execution
// deadline. When the deadline is exceeded the context is cancelled and
// the handler should return context.DeadlineExceeded, which counts as
// a failed attempt. A non-positive d disables the deadline.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, _ *envelope.Envelope, next Handler) error {
		if d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return next(ctx)
	}
}
