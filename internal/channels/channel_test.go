package channels

import (
	"testing"
	"time"
)

func TestDedupeSeen(t *testing.T) {
	d := NewDedupe(time.Minute)

	if d.Seen("evt-1") {
		t.Fatal("first sighting reported as seen")
	}
	if !d.Seen("evt-1") {
		t.Fatal("second sighting not deduplicated")
	}
	if d.Seen("evt-2") {
		t.Fatal("unrelated key deduplicated")
	}
}

func TestDedupeExpiry(t *testing.T) {
	d := NewDedupe(10 * time.Millisecond)
	d.Seen("evt")
	time.Sleep(20 * time.Millisecond)
	if d.Seen("evt") {
		t.Fatal("expired key still deduplicated")
	}
}

func TestDedupeZeroTTLUsesDefault(t *testing.T) {
	d := NewDedupe(0)
	if d.ttl != DefaultDedupeTTL {
		t.Fatalf("ttl = %s, want %s", d.ttl, DefaultDedupeTTL)
	}
}
