package hook_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/streamq/streamq/envelope"
	"github.com/streamq/streamq/hook"
)

type recorder struct {
	events []string
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) Enqueued(context.Context, *envelope.Envelope) {
	r.events = append(r.events, "enqueued")
}

func (r *recorder) Completed(context.Context, *envelope.Envelope, time.Duration) {
	r.events = append(r.events, "completed")
}

func (r *recorder) Failed(_ context.Context, _ *envelope.Envelope, attempt int64, err error) {
	r.events = append(r.events, "failed")
}

type panicky struct{}

func (panicky) Name() string                                  { return "panicky" }
func (panicky) Enqueued(context.Context, *envelope.Envelope) { panic("boom") }

func newRegistry() *hook.Registry {
	return hook.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegistryDispatchesOnlyImplementedEvents(t *testing.T) {
	reg := newRegistry()
	rec := &recorder{}
	reg.Register(rec)

	ctx := context.Background()
	env := &envelope.Envelope{Queue: "orders", Operation: "charge"}

	reg.EmitEnqueued(ctx, env)
	reg.EmitDelivered(ctx, env, 1) // recorder does not implement Delivered
	reg.EmitCompleted(ctx, env, time.Millisecond)
	reg.EmitFailed(ctx, env, 2, errors.New("nope"))
	reg.EmitShutdown(ctx)

	want := []string{"enqueued", "completed", "failed"}
	if len(rec.events) != len(want) {
		t.Fatalf("events = %v, want %v", rec.events, want)
	}
	for i := range want {
		if rec.events[i] != want[i] {
			t.Fatalf("events = %v, want %v", rec.events, want)
		}
	}
}

func TestRegistryRecoversPanickingHook(t *testing.T) {
	reg := newRegistry()
	rec := &recorder{}
	reg.Register(panicky{})
	reg.Register(rec)

	reg.EmitEnqueued(context.Background(), &envelope.Envelope{})
	if len(rec.events) != 1 || rec.events[0] != "enqueued" {
		t.Fatalf("panicking hook blocked later hooks: %v", rec.events)
	}
}
