// Package reclaim recovers entries stuck in the pending state: tasks
// delivered to a consumer that crashed, stalled, or skipped them as
// not yet due. Each sweep transfers ownership of sufficiently idle
// pending entries to this process and either re-executes them or, once
// the retry budget is exhausted, routes them to the dead-letter log.
package reclaim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streamq/streamq"
	"github.com/streamq/streamq/broker"
	"github.com/streamq/streamq/dlq"
	"github.com/streamq/streamq/envelope"
	"github.com/streamq/streamq/group"
	"github.com/streamq/streamq/hook"
	"github.com/streamq/streamq/id"
	"github.com/streamq/streamq/worker"
)

// Reclaimer periodically claims idle pending entries and settles them.
// The sweep interval doubles as the idle threshold: an entry untouched
// for one interval is considered abandoned by its consumer.
type Reclaimer struct {
	b          broker.Broker
	groups     *group.Manager
	executor   *worker.Executor
	deadLetter *dlq.Service
	hooks      *hook.Registry
	codec      envelope.Codec
	queues     []streamq.QueueDescriptor
	consumer   string
	interval   time.Duration
	maxRetries int
	logger     *slog.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewReclaimer creates a Reclaimer sweeping the given queues every
// interval, claiming as consumer.
func NewReclaimer(
	b broker.Broker,
	groups *group.Manager,
	executor *worker.Executor,
	deadLetter *dlq.Service,
	hooks *hook.Registry,
	codec envelope.Codec,
	queues []streamq.QueueDescriptor,
	consumer string,
	interval time.Duration,
	maxRetries int,
	logger *slog.Logger,
) *Reclaimer {
	if codec == nil {
		codec = envelope.JSONCodec{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if hooks == nil {
		hooks = hook.NewRegistry(logger)
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reclaimer{
		b:          b,
		groups:     groups,
		executor:   executor,
		deadLetter: deadLetter,
		hooks:      hooks,
		codec:      codec,
		queues:     queues,
		consumer:   consumer,
		interval:   interval,
		maxRetries: maxRetries,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the sweep loop. It returns immediately.
func (r *Reclaimer) Start(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	r.running = true

	r.wg.Add(1)
	go r.loop()
	return nil
}

// Stop halts the sweep loop and waits for an in-progress sweep to
// finish.
func (r *Reclaimer) Stop(_ context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopCh)
	r.wg.Wait()
	return nil
}

func (r *Reclaimer) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Sweep(context.Background())
		}
	}
}

// Sweep claims idle pending entries on every queue and settles each:
// poisoned entries go to the dead-letter log and the rest are
// re-executed locally. Entries whose scheduled time is still ahead are
// left untouched, pending under their current owner, so their delivery
// count only ever reflects actual execution attempts. Exported so
// callers can force a sweep outside the ticker.
func (r *Reclaimer) Sweep(ctx context.Context) {
	for _, q := range r.queues {
		pending, err := r.groups.Pending(ctx, q, -1)
		if err != nil {
			r.logger.Error("reclaim sweep failed",
				slog.String("queue", q.Name),
				slog.String("error", err.Error()))
			continue
		}

		var stale []broker.PendingEntry
		for _, p := range pending {
			if p.Idle < r.interval {
				continue
			}
			if r.claimable(ctx, q, p.ID) {
				stale = append(stale, p)
			}
		}
		if len(stale) == 0 {
			continue
		}

		claimed, err := r.groups.ClaimEntries(ctx, q, r.interval, r.consumer, stale)
		if err != nil {
			r.logger.Error("reclaim claim failed",
				slog.String("queue", q.Name),
				slog.String("error", err.Error()))
			continue
		}
		for _, c := range claimed {
			r.settle(ctx, q, c)
		}
	}
}

// claimable reports whether the pending entry should be claimed this
// sweep. A delayed entry whose scheduled time is still ahead is parked,
// not abandoned, so claiming it would only inflate its delivery count.
// Undecodable or vanished entries are claimed so settle and the broker
// can dispose of them.
func (r *Reclaimer) claimable(ctx context.Context, q streamq.QueueDescriptor, sid id.StreamID) bool {
	msgs, err := r.b.Range(ctx, q.StreamKey(), sid, sid, 1)
	if err != nil {
		r.logger.Error("reclaim peek failed",
			slog.String("queue", q.Name),
			slog.String("id", sid.String()),
			slog.String("error", err.Error()))
		return false
	}
	if len(msgs) == 0 {
		return true
	}
	env, err := envelope.DecodeBody(r.codec, sid, msgs[0].Body)
	if err != nil {
		return true
	}
	return env.Due(time.Now())
}

func (r *Reclaimer) settle(ctx context.Context, q streamq.QueueDescriptor, c group.Claimed) {
	env, err := envelope.DecodeBody(r.codec, c.ID, c.Body)
	if err != nil {
		// Undecodable entries can never execute; give the raw body a
		// dead-letter entry once redelivery stops being useful.
		if c.DeliveryCount > int64(r.maxRetries)+1 {
			raw := &envelope.Envelope{ID: c.ID, Queue: q.Name, Payload: c.Body}
			if pushErr := r.deadLetter.Push(ctx, q, raw, c.DeliveryCount, r.maxRetries, err); pushErr != nil {
				r.logger.Error("dead-letter push failed",
					slog.String("queue", q.Name),
					slog.String("id", c.ID.String()),
					slog.String("error", pushErr.Error()))
			}
			return
		}
		r.logger.Error("reclaimed undecodable entry",
			slog.String("queue", q.Name),
			slog.String("id", c.ID.String()),
			slog.String("error", err.Error()))
		return
	}

	// The original delivery plus maxRetries redeliveries may execute; a
	// claim beyond that routes the entry to the dead-letter log without
	// running the handler again.
	if c.DeliveryCount > int64(r.maxRetries)+1 {
		cause := fmt.Errorf("%w: %d deliveries, budget %d retries",
			streamq.ErrPoisonLimitExceeded, c.DeliveryCount, r.maxRetries)
		if pushErr := r.deadLetter.Push(ctx, q, env, c.DeliveryCount, r.maxRetries, cause); pushErr != nil {
			r.logger.Error("dead-letter push failed",
				slog.String("queue", q.Name),
				slog.String("id", c.ID.String()),
				slog.String("error", pushErr.Error()))
		}
		return
	}

	r.hooks.EmitReclaimed(ctx, env, c.DeliveryCount)
	err = r.executor.Execute(ctx, q, env, c.DeliveryCount)
	switch {
	case err == nil:
	case errors.Is(err, streamq.ErrNotDue):
		// Scheduled time still ahead; a later sweep picks it up.
	default:
		r.logger.Debug("reclaimed task failed again",
			slog.String("queue", q.Name),
			slog.String("id", c.ID.String()),
			slog.Int64("delivery_count", c.DeliveryCount),
			slog.String("error", err.Error()))
	}
}
