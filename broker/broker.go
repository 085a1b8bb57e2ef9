// Package broker defines the adapter over the backing log broker's
// primitives: append, group-read, acknowledge, pending introspection,
// ownership claim, and range scans. The Redis Streams implementation
// lives in redis.go; broker/memory provides an in-process double for
// tests and development.
//
// Every operation may fail with a connection error (transient; the
// adapter retries with bounded exponential backoff before surfacing it)
// or a protocol error (malformed reply). A surfaced connection failure
// means "unknown outcome": an append may have succeeded server-side
// before the connection dropped, so callers must not assume the
// operation did not happen.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/streamq/streamq"
	"github.com/streamq/streamq/id"
)

// Message is a raw log entry: the broker-assigned id plus the single
// serialized body field. Decoding into an envelope happens at the call
// site with the configured codec.
type Message struct {
	ID   id.StreamID
	Body []byte
}

// PendingEntry is the broker's bookkeeping for an entry delivered to a
// consumer but not yet acknowledged.
type PendingEntry struct {
	ID            id.StreamID
	Consumer      string
	Idle          time.Duration
	DeliveryCount int64
}

// GroupInfo summarizes a consumer group's cursor state.
type GroupInfo struct {
	Name            string
	Pending         int64
	Consumers       int64
	LastDeliveredID id.StreamID
}

// ErrIDCollision is returned by Append when an explicit id is not
// strictly greater than the log's current maximum. The publisher
// retries with a disambiguated sequence component.
var ErrIDCollision = errors.New("broker: id not greater than last log entry")

// Broker is the adapter over the log broker's primitives. All mutation
// of the shared log and its pending-entry set goes through these atomic
// operations; the engine holds no other shared state.
type Broker interface {
	// Append adds a body to the log. A zero entryID requests a
	// broker-generated id; an explicit id must be strictly greater than
	// every id already in the log or ErrIDCollision is returned.
	Append(ctx context.Context, stream string, entryID id.StreamID, body []byte) (id.StreamID, error)

	// ReadGroup blocks up to block for entries never before delivered to
	// any consumer in the group, across the given streams. Results map
	// stream name to delivered messages; an empty map means the timeout
	// elapsed.
	ReadGroup(ctx context.Context, streams []string, group, consumer string, count int64, block time.Duration) (map[string][]Message, error)

	// Ack removes entries from the group's pending set. Acknowledging an
	// id that is no longer pending is a harmless no-op; the return value
	// is the number of entries actually retired.
	Ack(ctx context.Context, stream, group string, ids ...id.StreamID) (int64, error)

	// Pending lists up to count delivered-but-unacknowledged entries.
	Pending(ctx context.Context, stream, group string, count int64) ([]PendingEntry, error)

	// Claim atomically reassigns ownership of the given pending entries
	// to consumer, provided they have been idle at least minIdle, and
	// returns their contents. Claiming increments the delivery count.
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids []id.StreamID) ([]Message, error)

	// Range scans entries with start <= id <= end in id order, up to
	// count entries (count <= 0 means no limit).
	Range(ctx context.Context, stream string, start, end id.StreamID, count int64) ([]Message, error)

	// Last returns the id of the most recent entry, or the zero id for
	// an empty or missing log.
	Last(ctx context.Context, stream string) (id.StreamID, error)

	// EnsureGroup creates the group cursor at log position "now" if
	// absent, creating the log as needed. Idempotent: calling it for an
	// existing group never errors and never resets the cursor.
	EnsureGroup(ctx context.Context, stream, group string) error

	// GroupInfo returns the group's cursor state.
	GroupInfo(ctx context.Context, stream, group string) (GroupInfo, error)

	// SetAdd adds member to an unordered set, reporting whether it was
	// newly added. Used for idempotent dead-letter routing.
	SetAdd(ctx context.Context, key, member string) (bool, error)

	// SetContains reports set membership.
	SetContains(ctx context.Context, key, member string) (bool, error)

	// SetRemove removes member from a set.
	SetRemove(ctx context.Context, key, member string) error

	// Delete removes entries from a log by id. Used by dead-letter
	// replay.
	Delete(ctx context.Context, stream string, ids ...id.StreamID) error

	// AcquireLease takes or refreshes a ttl-bounded exclusive lease on
	// key for owner, reporting whether owner now holds it.
	AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// ReleaseLease drops the lease if owner holds it.
	ReleaseLease(ctx context.Context, key, owner string) error

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases the connection.
	Close() error
}

// IsConnection reports whether err is a transient connection failure.
// The outcome of the failed operation is unknown.
func IsConnection(err error) bool {
	return errors.Is(err, streamq.ErrConnection)
}

// IsProtocol reports whether err is a malformed-reply failure.
func IsProtocol(err error) bool {
	return errors.Is(err, streamq.ErrProtocol)
}
