package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/streamq/streamq/id"
)

// Codec serializes envelope bodies and payloads. The same codec must be
// used on the publishing and consuming side of a queue.
type Codec interface {
	// Name identifies the codec in logs and configuration.
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// body is the wire form stored in the log entry's single body field.
// The id is not part of the body; the broker owns it.
type body struct {
	Queue       string `json:"queue_name" msgpack:"queue_name"`
	Operation   string `json:"operation" msgpack:"operation"`
	Payload     []byte `json:"payload" msgpack:"payload"`
	EnqueuedAt  int64  `json:"enqueued_at" msgpack:"enqueued_at"`
	ScheduledAt int64  `json:"scheduled_at" msgpack:"scheduled_at"`
}

// EncodeBody serializes the envelope for appending to the log.
func EncodeBody(c Codec, e *Envelope) ([]byte, error) {
	b := body{
		Queue:       e.Queue,
		Operation:   e.Operation,
		Payload:     e.Payload,
		EnqueuedAt:  e.EnqueuedAt.UnixMilli(),
		ScheduledAt: e.ScheduledAt.UnixMilli(),
	}
	data, err := c.Marshal(&b)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode body for queue %q: %w", e.Queue, err)
	}
	return data, nil
}

// DecodeBody reconstructs an envelope from a log entry's body and id.
func DecodeBody(c Codec, entryID id.StreamID, data []byte) (*Envelope, error) {
	var b body
	if err := c.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("envelope: decode body %s: %w", entryID, err)
	}
	return &Envelope{
		ID:          entryID,
		Queue:       b.Queue,
		Operation:   b.Operation,
		Payload:     b.Payload,
		EnqueuedAt:  time.UnixMilli(b.EnqueuedAt),
		ScheduledAt: time.UnixMilli(b.ScheduledAt),
	}, nil
}

// JSONCodec encodes bodies and payloads as JSON. This is the default.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// MsgpackCodec encodes bodies and payloads as MessagePack. Denser than
// JSON for payload-heavy queues.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }

func (MsgpackCodec) Marshal(v any) ([]byte, error) { return msgpack.Marshal(v) }

func (MsgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }
