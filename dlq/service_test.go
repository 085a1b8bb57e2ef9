package dlq_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/streamq/streamq"
	"github.com/streamq/streamq/broker/memory"
	"github.com/streamq/streamq/dlq"
	"github.com/streamq/streamq/envelope"
	"github.com/streamq/streamq/group"
	"github.com/streamq/streamq/id"
	"github.com/streamq/streamq/publish"
)

func newService() (*dlq.Service, *memory.Store, *slog.Logger) {
	store := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return dlq.NewService(store, nil, logger), store, logger
}

// deliver appends a task and reads it into the group so it is pending,
// mirroring the state a poisoned task is in when push runs.
func deliver(t *testing.T, store *memory.Store, q streamq.QueueDescriptor) *envelope.Envelope {
	t.Helper()
	ctx := context.Background()
	if err := store.EnsureGroup(ctx, q.StreamKey(), q.Group); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	env := &envelope.Envelope{
		Queue:      q.Name,
		Operation:  "charge",
		Payload:    []byte(`{"amount":5}`),
		EnqueuedAt: time.Now(),
	}
	body, err := envelope.EncodeBody(envelope.JSONCodec{}, env)
	if err != nil {
		t.Fatalf("EncodeBody: %v", err)
	}
	sid, err := store.Append(ctx, q.StreamKey(), id.Zero, body)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	env.ID = sid
	if _, err := store.ReadGroup(ctx, []string{q.StreamKey()}, q.Group, "c1", 10, 0); err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	return env
}

func TestPushMovesTaskToDeadLetterLog(t *testing.T) {
	svc, store, _ := newService()
	ctx := context.Background()
	q := streamq.NewQueue("orders", "main-group")
	env := deliver(t, store, q)

	if err := svc.Push(ctx, q, env, 6, 5, errors.New("boom")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	// Source queue pending set is drained.
	pending, _ := store.Pending(ctx, q.StreamKey(), q.Group, 10)
	if len(pending) != 0 {
		t.Fatalf("task still pending after push: %+v", pending)
	}

	entries, err := svc.List(ctx, q, -1)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("dead-letter entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.OriginalID != env.ID || e.Operation != "charge" || e.Error != "boom" {
		t.Fatalf("entry = %+v", e)
	}
	if e.DeliveryCount != 6 || e.MaxRetries != 5 {
		t.Fatalf("entry counts = %+v", e)
	}
}

func TestPushIsIdempotent(t *testing.T) {
	svc, store, _ := newService()
	ctx := context.Background()
	q := streamq.NewQueue("orders", "main-group")
	env := deliver(t, store, q)

	cause := errors.New("boom")
	if err := svc.Push(ctx, q, env, 6, 5, cause); err != nil {
		t.Fatalf("first Push: %v", err)
	}
	// A second sweep observing the same poisoned task must not produce
	// a second entry.
	if err := svc.Push(ctx, q, env, 7, 5, cause); err != nil {
		t.Fatalf("second Push: %v", err)
	}

	entries, _ := svc.List(ctx, q, -1)
	if len(entries) != 1 {
		t.Fatalf("dead-letter entries = %d, want 1", len(entries))
	}
}

func TestReplayReEnqueuesAndClears(t *testing.T) {
	svc, store, logger := newService()
	ctx := context.Background()
	q := streamq.NewQueue("orders", "main-group")
	env := deliver(t, store, q)

	if err := svc.Push(ctx, q, env, 6, 5, errors.New("boom")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	entries, _ := svc.List(ctx, q, -1)
	if len(entries) != 1 {
		t.Fatalf("dead-letter entries = %d, want 1", len(entries))
	}

	pub := publish.New(store, group.NewManager(store, logger), envelope.JSONCodec{}, nil, logger)
	sid, err := svc.Replay(ctx, q, entries[0], pub)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if sid.IsZero() {
		t.Fatal("replay returned zero id")
	}

	// Dead-letter log is empty again.
	entries, _ = svc.List(ctx, q, -1)
	if len(entries) != 0 {
		t.Fatalf("dead-letter entries after replay = %+v", entries)
	}

	// The replayed task is deliverable on the source queue.
	msgs, err := store.ReadGroup(ctx, []string{q.StreamKey()}, q.Group, "c1", 10, 0)
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	if len(msgs[q.StreamKey()]) != 1 || msgs[q.StreamKey()][0].ID != sid {
		t.Fatalf("replayed task not delivered: %+v", msgs)
	}

	// Having been replayed, the task can fail its way back into the
	// dead-letter log.
	replayed, err := envelope.DecodeBody(envelope.JSONCodec{}, sid, msgs[q.StreamKey()][0].Body)
	if err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if err := svc.Push(ctx, q, replayed, 6, 5, errors.New("still broken")); err != nil {
		t.Fatalf("Push after replay: %v", err)
	}
	entries, _ = svc.List(ctx, q, -1)
	if len(entries) != 1 {
		t.Fatalf("dead-letter entries = %d, want 1", len(entries))
	}
}
