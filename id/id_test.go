package id_test

import (
	"math"
	"testing"
	"time"

	"github.com/streamq/streamq/id"
)

func TestParseRoundTrip(t *testing.T) {
	sid, err := id.Parse("1700000000000-3")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if sid.Ms != 1700000000000 || sid.Seq != 3 {
		t.Fatalf("unexpected components: %+v", sid)
	}
	if got := sid.String(); got != "1700000000000-3" {
		t.Fatalf("String = %q", got)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "12345", "a-1", "1-b", "1-2-3"} {
		if _, err := id.Parse(s); err == nil {
			t.Errorf("Parse(%q) accepted malformed id", s)
		}
	}
}

func TestFromTime(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	sid := id.FromTime(at)
	if sid.Ms != 1700000000123 || sid.Seq != 0 {
		t.Fatalf("FromTime = %+v", sid)
	}
	if !sid.Time().Equal(at) {
		t.Fatalf("Time round trip: got %v want %v", sid.Time(), at)
	}
}

func TestNext(t *testing.T) {
	sid := id.StreamID{Ms: 10, Seq: 1}
	if got := sid.Next(); got.Ms != 10 || got.Seq != 2 {
		t.Fatalf("Next = %+v", got)
	}

	// Sequence overflow rolls into the next millisecond.
	edge := id.StreamID{Ms: 10, Seq: math.MaxUint64}
	if got := edge.Next(); got.Ms != 11 || got.Seq != 0 {
		t.Fatalf("Next at overflow = %+v", got)
	}
}

func TestOrdering(t *testing.T) {
	a := id.StreamID{Ms: 1, Seq: 5}
	b := id.StreamID{Ms: 2, Seq: 0}
	c := id.StreamID{Ms: 2, Seq: 1}

	if !a.Before(b) || !b.Before(c) {
		t.Fatal("expected a < b < c")
	}
	if a.Compare(a) != 0 {
		t.Fatal("Compare with self should be 0")
	}
	if id.MaxAtTime(time.UnixMilli(2)).Compare(c) < 0 {
		t.Fatal("MaxAtTime should bound all sequences in the millisecond")
	}
}

func TestTextMarshaling(t *testing.T) {
	sid := id.StreamID{Ms: 42, Seq: 7}
	b, err := sid.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	var back id.StreamID
	if err := back.UnmarshalText(b); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if back != sid {
		t.Fatalf("round trip: got %+v want %+v", back, sid)
	}
}
