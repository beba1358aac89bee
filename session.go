package tabula

import (
	"context"
	"fmt"
	"time"
)

// Session is one conversation over one dataset. Sessions are independent
// values; any number may coexist in a process.
type Session struct {
	ID        string
	CreatedAt time.Time
	Context   *GlobalContext
	History   *History
}

// NewSession starts an empty session over gc.
func NewSession(gc *GlobalContext) *Session {
	return &Session{ID: NewID(), CreatedAt: now(), Context: gc, History: NewHistory()}
}

// SessionRecord is the persisted form of a session. It is lossless for live
// turns and summaries: RestoreSession(s.Record()) rebuilds an equal session.
type SessionRecord struct {
	ID        string        `json:"session_id" yaml:"session_id"`
	CreatedAt time.Time     `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time     `json:"updated_at" yaml:"updated_at"`
	Dataset   DatasetHandle `json:"dataset" yaml:"dataset"`
	Policy    SandboxPolicy `json:"policy" yaml:"policy"`
	NextIndex int           `json:"next_index" yaml:"next_index"`
	Entries   []Entry       `json:"entries" yaml:"entries"`
}

// SessionInfo is the listing view of a stored session.
type SessionInfo struct {
	ID          string
	DatasetPath string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Entries     int
}

// SessionStore persists session records.
type SessionStore interface {
	// Init creates the backing schema. It is idempotent.
	Init(ctx context.Context) error
	// SaveSession replaces the stored record with the same ID.
	SaveSession(ctx context.Context, rec SessionRecord) error
	// LoadSession returns ErrSessionNotFound for unknown IDs.
	LoadSession(ctx context.Context, id string) (SessionRecord, error)
	// ListSessions returns the most recently updated sessions first.
	ListSessions(ctx context.Context, limit int) ([]SessionInfo, error)
	DeleteSession(ctx context.Context, id string) error
	Close() error
}

// Record snapshots the session.
func (s *Session) Record() SessionRecord {
	entries := s.History.Entries()
	out := make([]Entry, len(entries))
	for i, e := range entries {
		if e.Summary != nil {
			sum := *e.Summary
			out[i] = Entry{Summary: &sum}
		} else {
			t := *e.Turn
			out[i] = Entry{Turn: &t}
		}
	}
	return SessionRecord{
		ID:        s.ID,
		CreatedAt: s.CreatedAt,
		UpdatedAt: now(),
		Dataset:   s.Context.Dataset(),
		Policy:    s.Context.Policy(),
		NextIndex: s.History.NextIndex(),
		Entries:   out,
	}
}

// RestoreSession rebuilds a session from its record. Entries must be in
// ascending, non-overlapping turn order.
func RestoreSession(rec SessionRecord) (*Session, error) {
	last := 0
	for i, e := range rec.Entries {
		var from, to int
		switch {
		case e.Turn != nil && e.Summary == nil:
			from, to = e.Turn.Index, e.Turn.Index
		case e.Summary != nil && e.Turn == nil:
			from, to = e.Summary.From, e.Summary.To
		default:
			return nil, fmt.Errorf("restore session %s: entry %d must hold exactly one of turn or summary", rec.ID, i)
		}
		if from <= last || to < from {
			return nil, fmt.Errorf("restore session %s: entry %d covers %d-%d after %d", rec.ID, i, from, to, last)
		}
		last = to
	}
	next := rec.NextIndex
	if next <= last {
		next = last + 1
	}
	h := &History{nextIndex: next}
	h.replace(append([]Entry(nil), rec.Entries...))
	return &Session{
		ID:        rec.ID,
		CreatedAt: rec.CreatedAt,
		Context:   NewGlobalContext(rec.Dataset, rec.Policy),
		History:   h,
	}, nil
}
