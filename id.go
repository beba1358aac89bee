package tabula

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// Session and execution IDs use it.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// now returns the current UTC time truncated to milliseconds so timestamps
// survive a round trip through every session store.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
