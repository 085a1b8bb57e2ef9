package cron_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/streamq/streamq"
	"github.com/streamq/streamq/broker/memory"
	"github.com/streamq/streamq/cron"
	"github.com/streamq/streamq/envelope"
	"github.com/streamq/streamq/group"
	"github.com/streamq/streamq/publish"
)

func newScheduler(t *testing.T, store *memory.Store, owner string) (*cron.Scheduler, *publish.Publisher) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pub := publish.New(store, group.NewManager(store, logger), envelope.JSONCodec{}, nil, logger)
	s := cron.NewScheduler(store, pub.Enqueue, owner, logger,
		cron.WithTickInterval(10*time.Millisecond),
		cron.WithLeaderTTL(time.Minute))
	return s, pub
}

func TestRegisterRejectsBadSchedule(t *testing.T) {
	s, _ := newScheduler(t, memory.New(), "w1")
	err := s.Register(cron.Definition{
		Name:     "bad",
		Schedule: "not a schedule",
		Queue:    streamq.NewQueue("orders", "main-group"),
	})
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSchedulerFiresDueEntries(t *testing.T) {
	store := memory.New()
	s, _ := newScheduler(t, store, "w1")
	q := streamq.NewQueue("orders", "main-group")

	if err := s.Register(cron.Definition{
		Name:      "rebill",
		Schedule:  "@every 20ms",
		Queue:     q,
		Operation: "rebill",
		Payload:   []byte(`{}`),
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(ctx)

	deadline := time.After(3 * time.Second)
	for {
		last, err := store.Last(ctx, q.StreamKey())
		if err != nil {
			t.Fatalf("Last: %v", err)
		}
		if !last.IsZero() {
			break
		}
		select {
		case <-deadline:
			t.Fatal("schedule never fired")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestOnlyLeaderFires(t *testing.T) {
	store := memory.New()
	q := streamq.NewQueue("orders", "main-group")

	leader, _ := newScheduler(t, store, "w1")
	follower, _ := newScheduler(t, store, "w2")

	ctx := context.Background()
	if err := leader.Start(ctx); err != nil {
		t.Fatalf("start leader: %v", err)
	}
	defer leader.Stop(ctx)

	// The lease is taken; the second scheduler must stay a follower.
	if err := follower.Start(ctx); err != nil {
		t.Fatalf("start follower: %v", err)
	}
	defer follower.Stop(ctx)

	waitLeader := time.After(2 * time.Second)
	for !leader.Leader() {
		select {
		case <-waitLeader:
			t.Fatal("first scheduler never became leader")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if follower.Leader() {
		t.Fatal("both schedulers claim leadership")
	}

	def := cron.Definition{Name: "rebill", Schedule: "@every 10ms", Queue: q, Operation: "rebill"}
	if err := follower.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	follower.Tick(ctx)

	last, err := store.Last(ctx, q.StreamKey())
	if err != nil {
		t.Fatalf("Last: %v", err)
	}
	if !last.IsZero() {
		t.Fatal("follower fired a schedule")
	}
}

func TestStopReleasesLeadership(t *testing.T) {
	store := memory.New()
	first, _ := newScheduler(t, store, "w1")
	second, _ := newScheduler(t, store, "w2")

	ctx := context.Background()
	if err := first.Start(ctx); err != nil {
		t.Fatalf("start first: %v", err)
	}
	waitLeader := time.After(2 * time.Second)
	for !first.Leader() {
		select {
		case <-waitLeader:
			t.Fatal("first scheduler never became leader")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if err := first.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// The lease was released, so the next scheduler acquires it
	// immediately instead of waiting out the TTL.
	if err := second.Start(ctx); err != nil {
		t.Fatalf("start second: %v", err)
	}
	defer second.Stop(ctx)
	waitLeader = time.After(2 * time.Second)
	for !second.Leader() {
		select {
		case <-waitLeader:
			t.Fatal("second scheduler never took over")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
