package tabula

import (
	"testing"
	"time"
)

func TestNewID(t *testing.T) {
	id1 := NewID()
	id2 := NewID()
	if len(id1) != 36 {
		t.Errorf("expected 36 chars (UUIDv7), got %d: %s", len(id1), id1)
	}
	if id1 == id2 {
		t.Error("two IDs should be unique")
	}
	if id1 >= id2 {
		t.Error("sequential UUIDv7s should be time-ordered")
	}
}

func TestNowIsMillisecondUTC(t *testing.T) {
	n := now()
	if n.Location() != time.UTC {
		t.Errorf("location = %v, want UTC", n.Location())
	}
	if n.Nanosecond()%int(time.Millisecond) != 0 {
		t.Errorf("now() = %v is not truncated to milliseconds", n)
	}
}
