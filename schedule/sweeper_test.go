package schedule_test

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/streamq/streamq"
	"github.com/streamq/streamq/broker/memory"
	"github.com/streamq/streamq/envelope"
	"github.com/streamq/streamq/group"
	"github.com/streamq/streamq/publish"
	"github.com/streamq/streamq/schedule"
)

type countingNotifier struct {
	n atomic.Int64
}

func (c *countingNotifier) Nudge() { c.n.Add(1) }

func setup(t *testing.T) (*publish.Publisher, *memory.Store, streamq.QueueDescriptor) {
	t.Helper()
	store := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pub := publish.New(store, group.NewManager(store, logger), envelope.JSONCodec{}, nil, logger)
	return pub, store, streamq.NewQueue("orders", "main-group")
}

func newSweeper(store *memory.Store, notifier schedule.Notifier, q streamq.QueueDescriptor) *schedule.Sweeper {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return schedule.NewSweeper(store, notifier, []streamq.QueueDescriptor{q}, time.Second, logger)
}

func TestSweepIgnoresFutureEntries(t *testing.T) {
	pub, store, q := setup(t)
	ctx := context.Background()

	if _, err := pub.Enqueue(ctx, q, "charge", nil, time.Hour); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	notifier := &countingNotifier{}
	newSweeper(store, notifier, q).Sweep(ctx)
	if got := notifier.n.Load(); got != 0 {
		t.Fatalf("nudged %d times for a future entry", got)
	}
}

func TestSweepNudgesWhenEntryComesDue(t *testing.T) {
	pub, store, q := setup(t)
	ctx := context.Background()

	if _, err := pub.Enqueue(ctx, q, "charge", nil, 30*time.Millisecond); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	notifier := &countingNotifier{}
	newSweeper(store, notifier, q).Sweep(ctx)
	if got := notifier.n.Load(); got != 1 {
		t.Fatalf("nudges = %d, want 1", got)
	}
}

func TestSweepSkipsDeliveredEntries(t *testing.T) {
	pub, store, q := setup(t)
	ctx := context.Background()

	if _, err := pub.Enqueue(ctx, q, "charge", nil, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	// Deliver the entry so it sits behind the group cursor.
	if _, err := store.ReadGroup(ctx, []string{q.StreamKey()}, q.Group, "c1", 10, 0); err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}

	notifier := &countingNotifier{}
	newSweeper(store, notifier, q).Sweep(ctx)
	if got := notifier.n.Load(); got != 0 {
		t.Fatalf("nudged %d times for an already delivered entry", got)
	}
}

func TestSweepBeforeAnyPublish(t *testing.T) {
	_, store, q := setup(t)

	notifier := &countingNotifier{}
	newSweeper(store, notifier, q).Sweep(context.Background())
	if got := notifier.n.Load(); got != 0 {
		t.Fatalf("nudged %d times on an empty system", got)
	}
}

func TestSweeperLoopLifecycle(t *testing.T) {
	pub, store, q := setup(t)
	ctx := context.Background()

	if _, err := pub.Enqueue(ctx, q, "charge", nil, 10*time.Millisecond); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	notifier := &countingNotifier{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sw := schedule.NewSweeper(store, notifier, []streamq.QueueDescriptor{q}, 20*time.Millisecond, logger)
	if err := sw.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for notifier.n.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("sweeper never nudged")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := sw.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := sw.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
