package cache

import (
	"testing"
	"time"
)

func TestDedupeFirstSightIsFresh(t *testing.T) {
	d := NewDedupe(time.Minute, 10)

	if d.Seen("msg-1") {
		t.Error("first sighting reported as seen")
	}
	if !d.Seen("msg-1") {
		t.Error("second sighting not reported as seen")
	}
	if d.Seen("msg-2") {
		t.Error("distinct key reported as seen")
	}
}

func TestDedupeExpiresAfterTTL(t *testing.T) {
	d := NewDedupe(10*time.Millisecond, 10)

	d.Seen("msg-1")
	time.Sleep(20 * time.Millisecond)
	if d.Seen("msg-1") {
		t.Error("expired key still reported as seen")
	}
}

func TestDedupeEvictsOldestAtCapacity(t *testing.T) {
	d := NewDedupe(time.Minute, 2)

	d.Seen("a")
	d.Seen("b")
	d.Seen("c") // evicts a

	if d.Len() != 2 {
		t.Fatalf("len = %d, want 2", d.Len())
	}
	if d.Seen("a") {
		t.Error("evicted key still reported as seen")
	}
}
