// Package task maps queue names to handlers. Registration happens at
// startup into an explicit table; dispatch is a map lookup, never
// reflection.
package task

import (
	"context"
	"fmt"
	"sync"

	"github.com/streamq/streamq/envelope"
)

// Handler is a type-erased queue handler. A nil return acknowledges the
// envelope; any error (or panic, converted upstream) leaves it pending
// for retry.
type Handler func(ctx context.Context, env *envelope.Envelope) error

// Registry maps queue names to handlers. It is safe for concurrent use.
// Registering twice for the same queue replaces the prior handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a queue, replacing any previous binding.
func (r *Registry) Register(queue string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[queue] = h
}

// Get returns the handler for the given queue name.
func (r *Registry) Get(queue string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[queue]
	return h, ok
}

// Queues returns all queue names with a registered handler.
func (r *Registry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// Definition describes a typed handler for one queue. The payload is
// decoded with the engine's codec before the typed handler runs.
type Definition[T any] struct {
	// Queue is the logical queue this definition serves.
	Queue string

	// Handler processes one decoded payload. The operation string
	// selects the action for queues that multiplex several.
	Handler func(ctx context.Context, operation string, payload T) error
}

// RegisterDefinition registers a typed definition, wrapping the handler
// in a closure that decodes the raw payload into T.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T any](r *Registry, codec envelope.Codec, def *Definition[T]) {
	r.Register(def.Queue, func(ctx context.Context, env *envelope.Envelope) error {
		var t T
		if len(env.Payload) > 0 {
			if err := codec.Unmarshal(env.Payload, &t); err != nil {
				return fmt.Errorf("task: decode payload for queue %q: %w", def.Queue, err)
			}
		}
		return def.Handler(ctx, env.Operation, t)
	})
}
