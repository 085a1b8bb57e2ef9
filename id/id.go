// Package id defines the stream identifier type used for every log
// entry. Identifiers are broker-assigned, strictly increasing within a
// log, and composed of a millisecond timestamp and a sequence
// discriminator in the wire form "{ms}-{seq}".
//
// For delayed messages the timestamp component equals the scheduled
// execution time, so an id doubles as the scheduling clock.
package id

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// StreamID identifies a single log entry.
//
//nolint:recvcheck // Value receivers for read-only methods, pointer receiver for UnmarshalText.
type StreamID struct {
	Ms  int64
	Seq uint64
}

// Zero is the zero-value StreamID. Appending with a Zero id requests a
// broker-generated id.
var Zero StreamID

// Max is the largest representable StreamID, usable as an inclusive
// upper range bound covering the whole log.
var Max = StreamID{Ms: math.MaxInt64, Seq: math.MaxUint64}

// FromTime builds the smallest id whose timestamp component equals t.
func FromTime(t time.Time) StreamID {
	return StreamID{Ms: t.UnixMilli()}
}

// MaxAtTime builds the largest id whose timestamp component equals t.
// Useful as an inclusive range bound covering every sequence value in
// that millisecond.
func MaxAtTime(t time.Time) StreamID {
	return StreamID{Ms: t.UnixMilli(), Seq: math.MaxUint64}
}

// Parse parses a "{ms}-{seq}" identifier.
func Parse(s string) (StreamID, error) {
	ms, seq, ok := strings.Cut(s, "-")
	if !ok {
		return Zero, fmt.Errorf("id: parse %q: missing sequence separator", s)
	}
	m, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return Zero, fmt.Errorf("id: parse %q: %w", s, err)
	}
	q, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return Zero, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return StreamID{Ms: m, Seq: q}, nil
}

// MustParse parses s and panics on malformed input. For tests and
// constants only.
func MustParse(s string) StreamID {
	sid, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return sid
}

// String returns the wire form "{ms}-{seq}".
func (s StreamID) String() string {
	return strconv.FormatInt(s.Ms, 10) + "-" + strconv.FormatUint(s.Seq, 10)
}

// Time returns the timestamp component.
func (s StreamID) Time() time.Time {
	return time.UnixMilli(s.Ms)
}

// IsZero reports whether s is the zero id.
func (s StreamID) IsZero() bool {
	return s.Ms == 0 && s.Seq == 0
}

// Next returns the immediately following id: same timestamp, sequence
// incremented. On sequence overflow it advances to the next millisecond.
func (s StreamID) Next() StreamID {
	if s.Seq == math.MaxUint64 {
		return StreamID{Ms: s.Ms + 1}
	}
	return StreamID{Ms: s.Ms, Seq: s.Seq + 1}
}

// Compare returns -1, 0 or 1 ordering s against o.
func (s StreamID) Compare(o StreamID) int {
	switch {
	case s.Ms < o.Ms:
		return -1
	case s.Ms > o.Ms:
		return 1
	case s.Seq < o.Seq:
		return -1
	case s.Seq > o.Seq:
		return 1
	default:
		return 0
	}
}

// Before reports whether s orders strictly before o.
func (s StreamID) Before(o StreamID) bool {
	return s.Compare(o) < 0
}

// MarshalText implements encoding.TextMarshaler.
func (s StreamID) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *StreamID) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
