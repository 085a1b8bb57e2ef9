// Package group coordinates consumer-group lifecycle: creating group
// cursors, inspecting pending entries, and transferring ownership of
// idle deliveries between consumers.
package group

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/streamq/streamq"
	"github.com/streamq/streamq/broker"
	"github.com/streamq/streamq/id"
)

// Claimed pairs a reclaimed message with its post-claim delivery count,
// which the caller compares against the retry budget.
type Claimed struct {
	broker.Message
	DeliveryCount int64
}

// Manager wraps group-level broker operations for a fixed set of
// queues sharing one consumer-group name.
type Manager struct {
	b      broker.Broker
	logger *slog.Logger
}

// NewManager creates a Manager backed by b.
func NewManager(b broker.Broker, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{b: b, logger: logger}
}

// Ensure creates the queue's group cursor if absent. Safe to call from
// any number of processes concurrently.
func (m *Manager) Ensure(ctx context.Context, queue streamq.QueueDescriptor) error {
	if err := m.b.EnsureGroup(ctx, queue.StreamKey(), queue.Group); err != nil {
		return fmt.Errorf("ensure group %q on %q: %w", queue.Group, queue.Name, err)
	}
	return nil
}

// InitializeAll ensures the group cursor for every queue concurrently.
// A failure on one queue never prevents the others from being
// attempted; the returned error joins all per-queue failures.
func (m *Manager) InitializeAll(ctx context.Context, queues []streamq.QueueDescriptor) error {
	errs := make([]error, len(queues))
	var g errgroup.Group
	for i, q := range queues {
		i, q := i, q
		g.Go(func() error {
			if err := m.Ensure(ctx, q); err != nil {
				m.logger.Error("group initialization failed",
					slog.String("queue", q.Name),
					slog.String("group", q.Group),
					slog.Any("error", err))
				errs[i] = err
			}
			return nil
		})
	}
	_ = g.Wait() // per-queue failures are collected in errs
	return errors.Join(errs...)
}

// Pending lists up to count delivered-but-unacknowledged entries for
// the queue.
func (m *Manager) Pending(ctx context.Context, queue streamq.QueueDescriptor, count int64) ([]broker.PendingEntry, error) {
	return m.b.Pending(ctx, queue.StreamKey(), queue.Group, count)
}

// Info returns the queue's group cursor state.
func (m *Manager) Info(ctx context.Context, queue streamq.QueueDescriptor) (broker.GroupInfo, error) {
	return m.b.GroupInfo(ctx, queue.StreamKey(), queue.Group)
}

// ClaimIdle transfers ownership of every pending entry idle for at
// least minIdle to newOwner and returns the claimed messages with
// their updated delivery counts.
func (m *Manager) ClaimIdle(ctx context.Context, queue streamq.QueueDescriptor, minIdle time.Duration, newOwner string) ([]Claimed, error) {
	pending, err := m.Pending(ctx, queue, -1)
	if err != nil {
		return nil, fmt.Errorf("scan pending on %q: %w", queue.Name, err)
	}
	var stale []broker.PendingEntry
	for _, p := range pending {
		if p.Idle >= minIdle {
			stale = append(stale, p)
		}
	}
	return m.ClaimEntries(ctx, queue, minIdle, newOwner, stale)
}

// ClaimEntries transfers ownership of the given pending entries to
// newOwner, provided they are still idle at least minIdle, and returns
// the claimed messages with their updated delivery counts. Entries
// another consumer claimed or acknowledged between the pending scan
// and the claim are silently dropped from the result; they are no
// longer this consumer's problem.
func (m *Manager) ClaimEntries(ctx context.Context, queue streamq.QueueDescriptor, minIdle time.Duration, newOwner string, entries []broker.PendingEntry) ([]Claimed, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	counts := make(map[id.StreamID]int64, len(entries))
	ids := make([]id.StreamID, 0, len(entries))
	for _, p := range entries {
		counts[p.ID] = p.DeliveryCount
		ids = append(ids, p.ID)
	}

	msgs, err := m.b.Claim(ctx, queue.StreamKey(), queue.Group, newOwner, minIdle, ids)
	if err != nil {
		return nil, fmt.Errorf("claim %d entries on %q: %w", len(ids), queue.Name, err)
	}

	claimed := make([]Claimed, 0, len(msgs))
	for _, msg := range msgs {
		// Claim itself counts as a delivery.
		claimed = append(claimed, Claimed{Message: msg, DeliveryCount: counts[msg.ID] + 1})
	}
	return claimed, nil
}
