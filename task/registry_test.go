package task_test

import (
	"context"
	"testing"

	"github.com/streamq/streamq/envelope"
	"github.com/streamq/streamq/task"
)

func TestRegisterReplaces(t *testing.T) {
	r := task.NewRegistry()

	var called string
	r.Register("notifications", func(context.Context, *envelope.Envelope) error {
		called = "first"
		return nil
	})
	r.Register("notifications", func(context.Context, *envelope.Envelope) error {
		called = "second"
		return nil
	})

	h, ok := r.Get("notifications")
	if !ok {
		t.Fatal("handler not found")
	}
	if err := h(context.Background(), &envelope.Envelope{}); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if called != "second" {
		t.Fatalf("re-registration did not replace handler, called %q", called)
	}
}

func TestGetUnknownQueue(t *testing.T) {
	r := task.NewRegistry()
	if _, ok := r.Get("nope"); ok {
		t.Fatal("expected no handler")
	}
}

func TestRegisterDefinitionDecodesPayload(t *testing.T) {
	type email struct {
		To      string `json:"to"`
		Subject string `json:"subject"`
	}

	r := task.NewRegistry()
	var got email
	var gotOp string
	task.RegisterDefinition(r, envelope.JSONCodec{}, &task.Definition[email]{
		Queue: "notifications",
		Handler: func(_ context.Context, op string, p email) error {
			gotOp, got = op, p
			return nil
		},
	})

	h, _ := r.Get("notifications")
	env := &envelope.Envelope{
		Operation: "send_email",
		Payload:   []byte(`{"to":"a@b.c","subject":"hi"}`),
	}
	if err := h(context.Background(), env); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if gotOp != "send_email" || got.To != "a@b.c" || got.Subject != "hi" {
		t.Fatalf("decoded %q %+v", gotOp, got)
	}
}

func TestRegisterDefinitionMalformedPayload(t *testing.T) {
	r := task.NewRegistry()
	task.RegisterDefinition(r, envelope.JSONCodec{}, &task.Definition[map[string]string]{
		Queue:   "sessions",
		Handler: func(context.Context, string, map[string]string) error { return nil },
	})

	h, _ := r.Get("sessions")
	err := h(context.Background(), &envelope.Envelope{Payload: []byte("{broken")})
	if err == nil {
		t.Fatal("expected decode error")
	}
}
