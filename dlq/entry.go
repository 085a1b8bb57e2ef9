package dlq

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/streamq/streamq"
	"github.com/streamq/streamq/id"
)

// Entry represents a task that exhausted its retry budget and was
// moved to the dead-letter log for inspection or replay. Entries are
// always JSON, regardless of the codec used on the source queue, so
// operators can read them with standard tooling.
type Entry struct {
	// ID is the entry's address in the dead-letter log. Assigned by the
	// broker on push; zero before.
	ID id.StreamID `json:"id"`

	// OriginalID is the task's address in the source queue log.
	OriginalID id.StreamID `json:"original_id"`

	Queue     string `json:"queue"`
	Operation string `json:"operation"`
	Payload   []byte `json:"payload"`

	// Error is the final handler error string.
	Error string `json:"error"`

	DeliveryCount int64 `json:"delivery_count"`
	MaxRetries    int   `json:"max_retries"`

	EnqueuedAt time.Time `json:"enqueued_at"`
	FailedAt   time.Time `json:"failed_at"`
}

// encode serializes the entry for the dead-letter log. The broker id
// is omitted; the log position is the id.
func (e *Entry) encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode dead-letter entry %s: %w", e.OriginalID, err)
	}
	return data, nil
}

// decodeEntry parses a dead-letter log entry.
func decodeEntry(sid id.StreamID, data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: dead-letter entry %s: %s", streamq.ErrProtocol, sid, err)
	}
	e.ID = sid
	return &e, nil
}
