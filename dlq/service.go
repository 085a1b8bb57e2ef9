// Package dlq routes tasks that exhausted their retry budget to a
// per-queue dead-letter log, and supports listing and replaying them.
package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/streamq/streamq"
	"github.com/streamq/streamq/broker"
	"github.com/streamq/streamq/envelope"
	"github.com/streamq/streamq/hook"
	"github.com/streamq/streamq/id"
)

// seenSuffix names the set recording which original ids already have a
// dead-letter entry. It makes Push idempotent across the crash windows
// between append and acknowledge.
const seenSuffix = ":ids"

// Service provides dead-letter operations over the broker.
type Service struct {
	b      broker.Broker
	hooks  *hook.Registry
	logger *slog.Logger
	clock  func() time.Time
}

// NewService creates a dead-letter service. A nil hooks registry
// disables lifecycle notifications.
func NewService(b broker.Broker, hooks *hook.Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if hooks == nil {
		hooks = hook.NewRegistry(logger)
	}
	return &Service{b: b, hooks: hooks, logger: logger, clock: time.Now}
}

// Push moves a poisoned task to the queue's dead-letter log and
// acknowledges it on the source queue, removing it from circulation.
//
// The order of operations bounds the failure modes: membership check,
// append, membership record, acknowledge. A crash after the append but
// before the membership record can produce a duplicate dead-letter
// entry on the next sweep; a crash before the append leaves the task
// pending and the next sweep retries. The task itself is never lost.
func (s *Service) Push(ctx context.Context, queue streamq.QueueDescriptor, env *envelope.Envelope, deliveryCount int64, maxRetries int, cause error) error {
	seenKey := queue.DeadLetterKey() + seenSuffix
	origin := env.ID.String()

	seen, err := s.b.SetContains(ctx, seenKey, origin)
	if err != nil {
		return fmt.Errorf("dead-letter membership check for %s: %w", origin, err)
	}
	if !seen {
		entry := &Entry{
			OriginalID:    env.ID,
			Queue:         env.Queue,
			Operation:     env.Operation,
			Payload:       env.Payload,
			Error:         cause.Error(),
			DeliveryCount: deliveryCount,
			MaxRetries:    maxRetries,
			EnqueuedAt:    env.EnqueuedAt,
			FailedAt:      s.clock().UTC(),
		}
		body, err := entry.encode()
		if err != nil {
			return err
		}
		if _, err := s.b.Append(ctx, queue.DeadLetterKey(), id.Zero, body); err != nil {
			return fmt.Errorf("append dead-letter entry for %s: %w", origin, err)
		}
		if _, err := s.b.SetAdd(ctx, seenKey, origin); err != nil {
			return fmt.Errorf("record dead-letter entry for %s: %w", origin, err)
		}
	}

	if _, err := s.b.Ack(ctx, queue.StreamKey(), queue.Group, env.ID); err != nil {
		return fmt.Errorf("acknowledge dead-lettered %s: %w", origin, err)
	}

	s.logger.Warn("task dead-lettered",
		slog.String("queue", queue.Name),
		slog.String("operation", env.Operation),
		slog.String("id", origin),
		slog.Int64("delivery_count", deliveryCount),
		slog.String("error", cause.Error()))
	s.hooks.EmitDeadLettered(ctx, env, cause)
	return nil
}

// List returns up to count dead-letter entries for the queue, oldest
// first. count <= 0 means no limit.
func (s *Service) List(ctx context.Context, queue streamq.QueueDescriptor, count int64) ([]*Entry, error) {
	msgs, err := s.b.Range(ctx, queue.DeadLetterKey(), id.Zero, id.Max, count)
	if err != nil {
		return nil, fmt.Errorf("scan dead-letter log for %q: %w", queue.Name, err)
	}
	entries := make([]*Entry, 0, len(msgs))
	for _, msg := range msgs {
		e, err := decodeEntry(msg.ID, msg.Body)
		if err != nil {
			s.logger.Error("skipping malformed dead-letter entry",
				slog.String("queue", queue.Name),
				slog.String("id", msg.ID.String()),
				slog.Any("error", err))
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
