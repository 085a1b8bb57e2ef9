package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/streamq/streamq"
	"github.com/streamq/streamq/broker/memory"
	"github.com/streamq/streamq/engine"
	"github.com/streamq/streamq/envelope"
	"github.com/streamq/streamq/task"
)

func testConfig() streamq.Config {
	cfg := streamq.DefaultConfig()
	cfg.Queues = []string{"orders"}
	cfg.Concurrency = 4
	cfg.BlockTimeout = 30 * time.Millisecond
	cfg.ScheduleInterval = 20 * time.Millisecond
	cfg.ReclaimInterval = 25 * time.Millisecond
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

func newEngine(t *testing.T, cfg streamq.Config, opts ...engine.Option) (*engine.Engine, *memory.Store) {
	t.Helper()
	store := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]engine.Option{engine.WithBroker(store), engine.WithLogger(logger)}, opts...)
	e, err := engine.New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, store
}

func start(t *testing.T, e *engine.Engine) {
	t.Helper()
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		if err := e.Stop(context.Background()); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not reached in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

type charge struct {
	Amount int    `json:"amount" msgpack:"amount"`
	User   string `json:"user" msgpack:"user"`
}

func TestTypedRoundTrip(t *testing.T) {
	cfg := testConfig()
	e, store := newEngine(t, cfg)

	var mu sync.Mutex
	var got []charge
	engine.Register(e, &task.Definition[charge]{
		Queue: "orders",
		Handler: func(_ context.Context, operation string, payload charge) error {
			if operation != "charge" {
				t.Errorf("operation = %q", operation)
			}
			mu.Lock()
			got = append(got, payload)
			mu.Unlock()
			return nil
		},
	})
	start(t, e)

	ctx := context.Background()
	if _, err := engine.Enqueue(ctx, e, "orders", "charge", charge{Amount: 42, User: "ada"}, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	mu.Lock()
	if got[0].Amount != 42 || got[0].User != "ada" {
		t.Fatalf("payload = %+v", got[0])
	}
	mu.Unlock()

	// Settled: nothing pending on the queue.
	q := streamq.NewQueue("orders", cfg.Group)
	waitFor(t, func() bool {
		pending, _ := store.Pending(ctx, q.StreamKey(), q.Group, 10)
		return len(pending) == 0
	})
}

func TestUnknownQueueRejected(t *testing.T) {
	e, _ := newEngine(t, testConfig())
	_, err := e.EnqueueRaw(context.Background(), "nope", "op", nil, 0)
	if !errors.Is(err, streamq.ErrUnknownQueue) {
		t.Fatalf("err = %v, want ErrUnknownQueue", err)
	}
}

func TestDelayedTaskExecutesAfterSchedule(t *testing.T) {
	e, _ := newEngine(t, testConfig())

	var executedAt atomic.Pointer[time.Time]
	e.RegisterRaw("orders", func(context.Context, *envelope.Envelope) error {
		now := time.Now()
		executedAt.Store(&now)
		return nil
	})
	start(t, e)

	const delay = 120 * time.Millisecond
	enqueued := time.Now()
	if _, err := e.EnqueueRaw(context.Background(), "orders", "charge", nil, delay); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, func() bool { return executedAt.Load() != nil })
	if elapsed := executedAt.Load().Sub(enqueued); elapsed < delay {
		t.Fatalf("executed after %v, before the %v delay", elapsed, delay)
	}
}

func TestFailingTaskEndsInDeadLetterLog(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 1
	e, _ := newEngine(t, cfg)

	var attempts atomic.Int64
	boom := errors.New("boom")
	e.RegisterRaw("orders", func(context.Context, *envelope.Envelope) error {
		attempts.Add(1)
		return boom
	})
	start(t, e)

	ctx := context.Background()
	sid, err := e.EnqueueRaw(ctx, "orders", "charge", []byte(`{}`), 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	q := streamq.NewQueue("orders", cfg.Group)
	waitFor(t, func() bool {
		entries, listErr := e.DeadLetter().List(ctx, q, -1)
		return listErr == nil && len(entries) == 1
	})

	entries, _ := e.DeadLetter().List(ctx, q, -1)
	if entries[0].OriginalID != sid {
		t.Fatalf("dead-lettered %s, want %s", entries[0].OriginalID, sid)
	}
	// Original delivery plus one retry.
	if got := attempts.Load(); got != int64(cfg.MaxRetries)+1 {
		t.Fatalf("attempts = %d, want %d", got, cfg.MaxRetries+1)
	}
}

func TestCronEnqueuesRecurringTasks(t *testing.T) {
	e, _ := newEngine(t, testConfig())

	var fired atomic.Int64
	e.RegisterRaw("orders", func(_ context.Context, env *envelope.Envelope) error {
		if env.Operation == "rebill" {
			fired.Add(1)
		}
		return nil
	})
	if err := e.RegisterCron("rebill", "@every 20ms", "orders", "rebill", nil); err != nil {
		t.Fatalf("RegisterCron: %v", err)
	}
	if err := e.RegisterCron("bad", "61 * * * *", "orders", "rebill", nil); err == nil {
		t.Fatal("invalid schedule accepted")
	}
	start(t, e)

	waitFor(t, func() bool { return fired.Load() >= 2 })
}

func TestHooksObserveLifecycle(t *testing.T) {
	e, _ := newEngine(t, testConfig(), engine.WithExtension(&lifecycleRecorder{}))

	rec := &lifecycleRecorder{}
	e.Hooks().Register(rec)
	e.RegisterRaw("orders", func(context.Context, *envelope.Envelope) error { return nil })
	start(t, e)

	if _, err := e.EnqueueRaw(context.Background(), "orders", "charge", nil, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, func() bool {
		return rec.enqueued.Load() == 1 && rec.completed.Load() == 1
	})
}

type lifecycleRecorder struct {
	enqueued  atomic.Int64
	completed atomic.Int64
}

func (*lifecycleRecorder) Name() string { return "recorder" }

func (r *lifecycleRecorder) Enqueued(context.Context, *envelope.Envelope) {
	r.enqueued.Add(1)
}

func (r *lifecycleRecorder) Completed(context.Context, *envelope.Envelope, time.Duration) {
	r.completed.Add(1)
}
