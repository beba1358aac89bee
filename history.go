package tabula

import (
	"fmt"
	"strings"
	"time"
)

// Status is the terminal status of a question.
type Status int

const (
	StatusSucceeded Status = iota + 1
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "succeeded":
		*s = StatusSucceeded
	case "failed":
		*s = StatusFailed
	default:
		return fmt.Errorf("unknown status %q", b)
	}
	return nil
}

// ConversationTurn records one answered (or abandoned) question. Turns are
// immutable once appended to a History.
type ConversationTurn struct {
	Index       int             `json:"index" yaml:"index"`
	Question    string          `json:"question" yaml:"question"`
	Approach    string          `json:"approach,omitempty" yaml:"approach,omitempty"`
	Code        string          `json:"code" yaml:"code"`
	Result      ExecutionResult `json:"result" yaml:"result"`
	Explanation string          `json:"explanation,omitempty" yaml:"explanation,omitempty"`
	RootCause   string          `json:"root_cause,omitempty" yaml:"root_cause,omitempty"` // last repair diagnosis
	Attempts    int             `json:"attempts" yaml:"attempts"`                        // repair attempts spent
	Status      Status          `json:"status" yaml:"status"`
	Timestamp   time.Time       `json:"timestamp" yaml:"timestamp"`
	TokenCost   int             `json:"token_cost" yaml:"token_cost"`
}

// maxRenderedOutput caps the stdout excerpt kept in rendered history.
const maxRenderedOutput = 2000

// Render formats the turn for the history block of a generative request.
// TokenCost is computed from this text.
func (t ConversationTurn) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "### Turn %d (%s)\n", t.Index, t.Status)
	fmt.Fprintf(&b, "Question: %s\n", t.Question)
	if t.Approach != "" {
		fmt.Fprintf(&b, "Approach: %s\n", t.Approach)
	}
	if t.Code != "" {
		b.WriteString("Code:\n```python\n" + strings.TrimRight(t.Code, "\n") + "\n```\n")
	}
	if t.Status == StatusSucceeded {
		if out := strings.TrimSpace(t.Result.Stdout); out != "" {
			b.WriteString("Output:\n" + truncateRunes(out, maxRenderedOutput) + "\n")
		}
		if len(t.Result.Artifacts) > 0 {
			fmt.Fprintf(&b, "Figures: %s\n", strings.Join(t.Result.Artifacts, ", "))
		}
		if t.Explanation != "" {
			b.WriteString("Explanation: " + t.Explanation + "\n")
		}
	} else {
		if t.Result.Err != nil {
			b.WriteString("Error: " + t.Result.Err.Error() + "\n")
		}
		if t.RootCause != "" {
			b.WriteString("Root cause: " + t.RootCause + "\n")
		}
	}
	return b.String()
}

// CompactedSummary stands in for the contiguous turn range [From, To].
type CompactedSummary struct {
	From      int       `json:"from" yaml:"from"`
	To        int       `json:"to" yaml:"to"`
	Digest    string    `json:"digest" yaml:"digest"`
	TokenCost int       `json:"token_cost" yaml:"token_cost"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

func (s CompactedSummary) Render() string {
	return fmt.Sprintf("### Summary of turns %d-%d\n%s\n", s.From, s.To, strings.TrimSpace(s.Digest))
}

// Entry is one history element: exactly one of Turn or Summary is set.
type Entry struct {
	Turn    *ConversationTurn `json:"turn,omitempty" yaml:"turn,omitempty"`
	Summary *CompactedSummary `json:"summary,omitempty" yaml:"summary,omitempty"`
}

func (e Entry) Cost() int {
	if e.Summary != nil {
		return e.Summary.TokenCost
	}
	return e.Turn.TokenCost
}

func (e Entry) Render() string {
	if e.Summary != nil {
		return e.Summary.Render()
	}
	return e.Turn.Render()
}

// History is the ordered list of live turns and summaries for one session.
// It is not safe for concurrent use; the Orchestrator owns it.
type History struct {
	entries   []Entry
	nextIndex int
}

func NewHistory() *History { return &History{nextIndex: 1} }

// Entries returns a copy of the live entries in order.
func (h *History) Entries() []Entry {
	out := make([]Entry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Turns returns the live verbatim turns in order.
func (h *History) Turns() []ConversationTurn {
	var out []ConversationTurn
	for _, e := range h.entries {
		if e.Turn != nil {
			out = append(out, *e.Turn)
		}
	}
	return out
}

// Summaries returns the live summaries in order.
func (h *History) Summaries() []CompactedSummary {
	var out []CompactedSummary
	for _, e := range h.entries {
		if e.Summary != nil {
			out = append(out, *e.Summary)
		}
	}
	return out
}

func (h *History) Len() int { return len(h.entries) }

// NextIndex is the index the next appended turn must carry.
func (h *History) NextIndex() int { return h.nextIndex }

// Append records a completed turn. The turn index must be NextIndex and its
// status terminal.
func (h *History) Append(t ConversationTurn) error {
	if t.Index != h.nextIndex {
		return fmt.Errorf("history: turn index %d, want %d", t.Index, h.nextIndex)
	}
	if t.Status != StatusSucceeded && t.Status != StatusFailed {
		return fmt.Errorf("history: turn %d has non-terminal status", t.Index)
	}
	h.entries = append(h.entries, Entry{Turn: &t})
	h.nextIndex++
	return nil
}

// Tokens sums the cost of all live entries.
func (h *History) Tokens() int {
	total := 0
	for _, e := range h.entries {
		total += e.Cost()
	}
	return total
}

// Render concatenates the live entries for a generative request.
func (h *History) Render() string {
	var b strings.Builder
	for _, e := range h.entries {
		b.WriteString(e.Render())
		b.WriteString("\n")
	}
	return b.String()
}

// RecentTurns returns up to n of the most recent verbatim turns, oldest first.
func (h *History) RecentTurns(n int) []ConversationTurn {
	turns := h.Turns()
	if len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	return turns
}

// replace swaps in a restructured entry list. Only the compactor and
// session restore use it.
func (h *History) replace(entries []Entry) {
	h.entries = entries
}

// Statistics summarizes a session's turns.
type Statistics struct {
	Turns     int
	Succeeded int
	Failed    int
	Attempts  int // repair attempts across all turns
	Artifacts int
	Summaries int
}

// Stats counts live turns and summaries. Turns folded into summaries are
// counted through the summary ranges.
func (h *History) Stats() Statistics {
	var st Statistics
	for _, e := range h.entries {
		if e.Summary != nil {
			st.Summaries++
			st.Turns += e.Summary.To - e.Summary.From + 1
			continue
		}
		st.Turns++
		st.Attempts += e.Turn.Attempts
		st.Artifacts += len(e.Turn.Result.Artifacts)
		switch e.Turn.Status {
		case StatusSucceeded:
			st.Succeeded++
		case StatusFailed:
			st.Failed++
		}
	}
	return st
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "\n... (truncated)"
}
