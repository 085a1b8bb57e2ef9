package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/streamq/streamq/envelope"
)

// Logging returns middleware that logs task start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, env *envelope.Envelope, next Handler) error {
		logger.Info("task started",
			slog.String("operation", env.Operation),
			slog.String("queue", env.Queue),
			slog.String("id", env.ID.String()),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("task failed",
				slog.String("operation", env.Operation),
				slog.String("id", env.ID.String()),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("task completed",
				slog.String("operation", env.Operation),
				slog.String("id", env.ID.String()),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
