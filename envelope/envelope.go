// Package envelope defines the unit of work flowing through the queue
// and its wire encoding. An envelope is stored as a single serialized
// body field on a log entry; the entry id carries the scheduling clock.
package envelope

import (
	"time"

	"github.com/streamq/streamq/id"
)

// Envelope is a single unit of work.
type Envelope struct {
	// ID is the broker-assigned log entry id. For delayed messages its
	// timestamp component equals ScheduledAt.
	ID id.StreamID

	// Queue is the logical queue name the envelope was published to.
	Queue string

	// Operation selects the action within the queue's handler.
	Operation string

	// Payload is opaque structured data, serialized with the configured
	// codec.
	Payload []byte

	// EnqueuedAt is when the envelope was published.
	EnqueuedAt time.Time

	// ScheduledAt is when the envelope becomes eligible for processing.
	// Equals EnqueuedAt for immediate messages.
	ScheduledAt time.Time
}

// Delayed reports whether the envelope was published with a delay.
func (e *Envelope) Delayed() bool {
	return e.ScheduledAt.After(e.EnqueuedAt)
}

// Due reports whether the envelope is eligible for processing at now.
func (e *Envelope) Due(now time.Time) bool {
	return !e.ScheduledAt.After(now)
}
