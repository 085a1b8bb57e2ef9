package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/streamq/streamq"
	"github.com/streamq/streamq/id"
)

// Enqueuer re-appends a task to its source queue. Satisfied by
// publish.Publisher.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue streamq.QueueDescriptor, operation string, payload []byte, delay time.Duration) (id.StreamID, error)
}

// Replay re-enqueues a dead-letter entry on its source queue with a
// fresh retry budget and removes it from the dead-letter log. The
// original id is also cleared from the membership set so the task can
// be dead-lettered again if it keeps failing.
func (s *Service) Replay(ctx context.Context, queue streamq.QueueDescriptor, entry *Entry, pub Enqueuer) (id.StreamID, error) {
	sid, err := pub.Enqueue(ctx, queue, entry.Operation, entry.Payload, 0)
	if err != nil {
		return id.Zero, fmt.Errorf("replay %s: %w", entry.OriginalID, err)
	}

	if err := s.b.SetRemove(ctx, queue.DeadLetterKey()+seenSuffix, entry.OriginalID.String()); err != nil {
		return sid, fmt.Errorf("clear dead-letter record for %s: %w", entry.OriginalID, err)
	}
	if err := s.b.Delete(ctx, queue.DeadLetterKey(), entry.ID); err != nil {
		return sid, fmt.Errorf("remove dead-letter entry %s: %w", entry.ID, err)
	}

	s.logger.Info("task replayed from dead-letter log",
		slog.String("queue", queue.Name),
		slog.String("operation", entry.Operation),
		slog.String("original_id", entry.OriginalID.String()),
		slog.String("new_id", sid.String()))
	return sid, nil
}

// ReplayAll replays every entry currently in the queue's dead-letter
// log, oldest first, and reports how many were re-enqueued. It stops
// at the first failure so a broken broker does not half-drain the log
// silently.
func (s *Service) ReplayAll(ctx context.Context, queue streamq.QueueDescriptor, pub Enqueuer) (int, error) {
	entries, err := s.List(ctx, queue, -1)
	if err != nil {
		return 0, err
	}
	for i, entry := range entries {
		if _, err := s.Replay(ctx, queue, entry, pub); err != nil {
			return i, err
		}
	}
	return len(entries), nil
}
