// Package hook lets callers observe the task lifecycle without
// touching the dispatch path. Extensions implement only the interfaces
// for the events they care about; the registry fans each event out to
// every interested extension.
//
// Hooks are strictly observational. A panicking hook is recovered and
// logged; a slow hook delays dispatch, so hooks doing real work should
// hand off to their own goroutines.
package hook

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/streamq/streamq/envelope"
)

// Extension is the base interface all hooks implement.
type Extension interface {
	// Name identifies the extension in logs.
	Name() string
}

// Enqueued is notified after an envelope is appended to a queue log.
type Enqueued interface {
	Extension
	Enqueued(ctx context.Context, env *envelope.Envelope)
}

// Delivered is notified when a worker receives an envelope, before the
// handler runs. attempt is 1 for the first delivery.
type Delivered interface {
	Extension
	Delivered(ctx context.Context, env *envelope.Envelope, attempt int64)
}

// Completed is notified after a handler succeeds and the entry is
// acknowledged.
type Completed interface {
	Extension
	Completed(ctx context.Context, env *envelope.Envelope, elapsed time.Duration)
}

// Failed is notified after a handler attempt fails. The entry remains
// pending and will be redelivered.
type Failed interface {
	Extension
	Failed(ctx context.Context, env *envelope.Envelope, attempt int64, err error)
}

// Reclaimed is notified when an idle pending entry is transferred to a
// new consumer.
type Reclaimed interface {
	Extension
	Reclaimed(ctx context.Context, env *envelope.Envelope, attempt int64)
}

// DeadLettered is notified when an entry exhausts its retry budget and
// is routed to the dead-letter log.
type DeadLettered interface {
	Extension
	DeadLettered(ctx context.Context, env *envelope.Envelope, cause error)
}

// Shutdown is notified once during engine shutdown, before the broker
// connection closes.
type Shutdown interface {
	Extension
	Shutdown(ctx context.Context)
}

// Registry holds registered extensions and dispatches lifecycle
// events. The zero registry is not usable; construct with NewRegistry.
type Registry struct {
	mu     sync.RWMutex
	exts   []Extension
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an extension. Registration order is notification
// order.
func (r *Registry) Register(ext Extension) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exts = append(r.exts, ext)
}

func (r *Registry) each(event string, fn func(Extension)) {
	r.mu.RLock()
	exts := r.exts
	r.mu.RUnlock()
	for _, ext := range exts {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("hook panicked",
						slog.String("extension", ext.Name()),
						slog.String("event", event),
						slog.Any("panic", rec))
				}
			}()
			fn(ext)
		}()
	}
}

// EmitEnqueued notifies Enqueued extensions.
func (r *Registry) EmitEnqueued(ctx context.Context, env *envelope.Envelope) {
	r.each("enqueued", func(e Extension) {
		if h, ok := e.(Enqueued); ok {
			h.Enqueued(ctx, env)
		}
	})
}

// EmitDelivered notifies Delivered extensions.
func (r *Registry) EmitDelivered(ctx context.Context, env *envelope.Envelope, attempt int64) {
	r.each("delivered", func(e Extension) {
		if h, ok := e.(Delivered); ok {
			h.Delivered(ctx, env, attempt)
		}
	})
}

// EmitCompleted notifies Completed extensions.
func (r *Registry) EmitCompleted(ctx context.Context, env *envelope.Envelope, elapsed time.Duration) {
	r.each("completed", func(e Extension) {
		if h, ok := e.(Completed); ok {
			h.Completed(ctx, env, elapsed)
		}
	})
}

// EmitFailed notifies Failed extensions.
func (r *Registry) EmitFailed(ctx context.Context, env *envelope.Envelope, attempt int64, err error) {
	r.each("failed", func(e Extension) {
		if h, ok := e.(Failed); ok {
			h.Failed(ctx, env, attempt, err)
		}
	})
}

// EmitReclaimed notifies Reclaimed extensions.
func (r *Registry) EmitReclaimed(ctx context.Context, env *envelope.Envelope, attempt int64) {
	r.each("reclaimed", func(e Extension) {
		if h, ok := e.(Reclaimed); ok {
			h.Reclaimed(ctx, env, attempt)
		}
	})
}

// EmitDeadLettered notifies DeadLettered extensions.
func (r *Registry) EmitDeadLettered(ctx context.Context, env *envelope.Envelope, cause error) {
	r.each("dead_lettered", func(e Extension) {
		if h, ok := e.(DeadLettered); ok {
			h.DeadLettered(ctx, env, cause)
		}
	})
}

// EmitShutdown notifies Shutdown extensions.
func (r *Registry) EmitShutdown(ctx context.Context) {
	r.each("shutdown", func(e Extension) {
		if h, ok := e.(Shutdown); ok {
			h.Shutdown(ctx)
		}
	})
}
