// Package publish appends task envelopes to queue logs, immediately or
// at a future time encoded in the entry id.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streamq/streamq"
	"github.com/streamq/streamq/broker"
	"github.com/streamq/streamq/envelope"
	"github.com/streamq/streamq/group"
	"github.com/streamq/streamq/hook"
	"github.com/streamq/streamq/id"
)

// maxIDAttempts bounds the collision-resolution loop for delayed
// entries. Each retry advances the sequence component past the log's
// current tail, so in practice one retry suffices.
const maxIDAttempts = 32

// Publisher appends envelopes to queue logs. It ensures each queue's
// consumer group exists before the first append so that entries
// published before any worker starts are still delivered.
type Publisher struct {
	b      broker.Broker
	groups *group.Manager
	codec  envelope.Codec
	hooks  *hook.Registry
	logger *slog.Logger
	clock  func() time.Time

	mu      sync.Mutex
	ensured map[string]struct{}
}

// New creates a Publisher. A nil codec defaults to JSON; a nil hooks
// registry disables lifecycle notifications.
func New(b broker.Broker, groups *group.Manager, codec envelope.Codec, hooks *hook.Registry, logger *slog.Logger) *Publisher {
	if codec == nil {
		codec = envelope.JSONCodec{}
	}
	if hooks == nil {
		hooks = hook.NewRegistry(logger)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		b:       b,
		groups:  groups,
		codec:   codec,
		hooks:   hooks,
		logger:  logger,
		clock:   time.Now,
		ensured: make(map[string]struct{}),
	}
}

// Enqueue appends a task for the queue's consumers. A zero delay makes
// the entry immediately deliverable; a positive delay encodes the
// scheduled time in the entry id so consumers skip it until due. The
// returned id is the entry's permanent address in the log.
func (p *Publisher) Enqueue(ctx context.Context, queue streamq.QueueDescriptor, operation string, payload []byte, delay time.Duration) (id.StreamID, error) {
	if err := p.ensureOnce(ctx, queue); err != nil {
		return id.Zero, err
	}

	now := p.clock()
	env := &envelope.Envelope{
		Queue:      queue.Name,
		Operation:  operation,
		Payload:    payload,
		EnqueuedAt: now,
	}
	if delay > 0 {
		env.ScheduledAt = now.Add(delay)
	}
	body, err := envelope.EncodeBody(p.codec, env)
	if err != nil {
		return id.Zero, fmt.Errorf("encode %q envelope: %w", operation, err)
	}

	sid, err := p.append(ctx, queue.StreamKey(), env, body)
	if err != nil {
		return id.Zero, err
	}
	env.ID = sid

	p.logger.Debug("enqueued task",
		slog.String("queue", queue.Name),
		slog.String("operation", operation),
		slog.String("id", sid.String()),
		slog.Duration("delay", delay))
	p.hooks.EmitEnqueued(ctx, env)
	return sid, nil
}

// append performs the log write. Immediate entries take a
// broker-generated id; delayed entries target the id encoding their
// scheduled time and step the sequence component past the log tail on
// collision.
func (p *Publisher) append(ctx context.Context, stream string, env *envelope.Envelope, body []byte) (id.StreamID, error) {
	if !env.Delayed() {
		sid, err := p.b.Append(ctx, stream, id.Zero, body)
		if err != nil {
			return id.Zero, fmt.Errorf("append to %q: %w", stream, err)
		}
		return sid, nil
	}

	target := id.FromTime(env.ScheduledAt)
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		sid, err := p.b.Append(ctx, stream, target, body)
		if err == nil {
			return sid, nil
		}
		if !errors.Is(err, broker.ErrIDCollision) {
			return id.Zero, fmt.Errorf("append to %q: %w", stream, err)
		}
		// The log tail already passed the target id. Step just past the
		// tail, preserving ids as a lower bound on the scheduled time.
		last, lastErr := p.b.Last(ctx, stream)
		if lastErr != nil {
			return id.Zero, fmt.Errorf("resolve tail of %q: %w", stream, lastErr)
		}
		if target.Compare(last) <= 0 {
			target = last
		}
		target = target.Next()
	}
	return id.Zero, fmt.Errorf("append to %q: %w: id contention persisted", stream, streamq.ErrProtocol)
}

func (p *Publisher) ensureOnce(ctx context.Context, queue streamq.QueueDescriptor) error {
	p.mu.Lock()
	_, done := p.ensured[queue.Name]
	p.mu.Unlock()
	if done {
		return nil
	}
	if err := p.groups.Ensure(ctx, queue); err != nil {
		return err
	}
	p.mu.Lock()
	p.ensured[queue.Name] = struct{}{}
	p.mu.Unlock()
	return nil
}
