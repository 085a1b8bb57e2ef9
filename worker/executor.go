// Package worker provides the task execution engine: an Executor that
// invokes registered handlers through middleware and settles the
// result with the broker, and a Pool of goroutines feeding it from
// blocking group reads.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/streamq/streamq"
	"github.com/streamq/streamq/broker"
	"github.com/streamq/streamq/envelope"
	"github.com/streamq/streamq/hook"
	"github.com/streamq/streamq/middleware"
	"github.com/streamq/streamq/task"
)

// Executor runs a single delivered envelope through middleware and the
// registered handler, then acknowledges on success. Failed attempts
// stay in the pending set; redelivery is the reclaim sweep's job.
type Executor struct {
	registry *task.Registry
	hooks    *hook.Registry
	b        broker.Broker
	mw       middleware.Middleware
	logger   *slog.Logger
	clock    func() time.Time
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	registry *task.Registry,
	hooks *hook.Registry,
	b broker.Broker,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if hooks == nil {
		hooks = hook.NewRegistry(logger)
	}
	return &Executor{
		registry: registry,
		hooks:    hooks,
		b:        b,
		mw:       middleware.Chain(mws...),
		logger:   logger,
		clock:    time.Now,
	}
}

// Execute runs one delivery attempt. attempt is the entry's delivery
// count including this delivery.
//
// A not-yet-due delayed envelope returns ErrNotDue without invoking
// the handler and without acknowledging; the entry stays pending until
// a later sweep re-delivers it. On handler success the entry is
// acknowledged, permanently retiring it. On handler failure the entry
// is left pending and the error is returned.
func (e *Executor) Execute(ctx context.Context, queue streamq.QueueDescriptor, env *envelope.Envelope, attempt int64) error {
	if !env.Due(e.clock()) {
		e.logger.Debug("task not yet due",
			slog.String("queue", queue.Name),
			slog.String("id", env.ID.String()),
			slog.Time("scheduled_at", env.ScheduledAt))
		return streamq.ErrNotDue
	}

	handler, ok := e.registry.Get(env.Queue)
	if !ok {
		return fmt.Errorf("%w: queue %q", streamq.ErrNoHandler, env.Queue)
	}

	e.hooks.EmitDelivered(ctx, env, attempt)

	start := e.clock()
	err := e.mw(ctx, env, func(ctx context.Context) error {
		return handler(ctx, env)
	})
	elapsed := e.clock().Sub(start)

	if err != nil {
		e.logger.Debug("task attempt failed",
			slog.String("queue", queue.Name),
			slog.String("operation", env.Operation),
			slog.String("id", env.ID.String()),
			slog.Int64("attempt", attempt),
			slog.String("error", err.Error()))
		e.hooks.EmitFailed(ctx, env, attempt, err)
		return err
	}

	if _, ackErr := e.b.Ack(ctx, queue.StreamKey(), queue.Group, env.ID); ackErr != nil {
		// The handler ran; without the ack the entry will be executed
		// again. At-least-once allows it, but surface the condition.
		e.logger.Error("acknowledge failed after successful handler",
			slog.String("queue", queue.Name),
			slog.String("id", env.ID.String()),
			slog.String("error", ackErr.Error()))
		return fmt.Errorf("acknowledge %s: %w", env.ID, ackErr)
	}

	e.hooks.EmitCompleted(ctx, env, elapsed)
	return nil
}
