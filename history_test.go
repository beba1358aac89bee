package tabula

import (
	"strings"
	"testing"
)

func TestHistory_Append(t *testing.T) {
	h := NewHistory()
	if h.NextIndex() != 1 {
		t.Fatalf("NextIndex = %d, want 1", h.NextIndex())
	}
	if err := h.Append(turn(1, "q1")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := h.Append(turn(3, "skipped")); err == nil {
		t.Error("expected error for out-of-order index")
	}
	open := turn(2, "open")
	open.Status = 0
	if err := h.Append(open); err == nil {
		t.Error("expected error for non-terminal status")
	}
	if h.Len() != 1 || h.NextIndex() != 2 {
		t.Errorf("Len %d NextIndex %d after rejected appends", h.Len(), h.NextIndex())
	}
}

func TestHistory_EntriesAreCopies(t *testing.T) {
	h := NewHistory()
	_ = h.Append(turn(1, "q1"))
	entries := h.Entries()
	entries[0] = Entry{Summary: &CompactedSummary{From: 1, To: 1}}
	if h.Entries()[0].Turn == nil {
		t.Error("mutating Entries() changed the history")
	}
}

func TestHistory_TokensAndRender(t *testing.T) {
	h := NewHistory()
	t1, t2 := turn(1, "total revenue?"), turn(2, "by region?")
	_ = h.Append(t1)
	_ = h.Append(t2)
	if h.Tokens() != t1.TokenCost+t2.TokenCost {
		t.Errorf("Tokens = %d, want %d", h.Tokens(), t1.TokenCost+t2.TokenCost)
	}
	r := h.Render()
	if strings.Index(r, "total revenue?") > strings.Index(r, "by region?") {
		t.Error("render must keep insertion order")
	}
	if got := h.RecentTurns(1); len(got) != 1 || got[0].Index != 2 {
		t.Errorf("RecentTurns(1) = %+v", got)
	}
	if got := h.RecentTurns(5); len(got) != 2 {
		t.Errorf("RecentTurns(5) returned %d turns", len(got))
	}
}

func TestConversationTurn_Render(t *testing.T) {
	ok := turn(4, "revenue by region")
	ok.Result.Artifacts = []string{"/out/x/bar.png"}
	ok.Explanation = "North leads."
	r := ok.Render()
	for _, want := range []string{"### Turn 4 (succeeded)", "Question: revenue by region", "Approach: groupby region", "```python", "Output:\nnorth 100", "Figures: /out/x/bar.png", "Explanation: North leads."} {
		if !strings.Contains(r, want) {
			t.Errorf("render missing %q:\n%s", want, r)
		}
	}

	failed := turn(5, "margin?")
	failed.Status = StatusFailed
	failed.Result = faultResult("KeyError", "'margin'")
	failed.RootCause = "no margin column"
	r = failed.Render()
	if strings.Contains(r, "Output:") {
		t.Error("failed turns should not render output")
	}
	if !strings.Contains(r, "Error: runtime fault (missing-column): KeyError: 'margin'") || !strings.Contains(r, "Root cause: no margin column") {
		t.Errorf("failed render:\n%s", r)
	}

	long := turn(6, "dump")
	long.Result.Stdout = strings.Repeat("x", maxRenderedOutput+500)
	if strings.Count(long.Render(), "x") > maxRenderedOutput+10 {
		t.Error("output excerpt should be capped")
	}
}

func TestHistory_Stats(t *testing.T) {
	h := NewHistory()
	s := CompactedSummary{From: 1, To: 3, Digest: "d"}
	h.replace([]Entry{{Summary: &s}})
	h.nextIndex = 4
	ok := turn(4, "a")
	ok.Attempts = 2
	ok.Result.Artifacts = []string{"a.png", "b.png"}
	failed := turn(5, "b")
	failed.Status = StatusFailed
	failed.Attempts = 3
	_ = h.Append(ok)
	_ = h.Append(failed)

	got := h.Stats()
	want := Statistics{Turns: 5, Succeeded: 1, Failed: 1, Attempts: 5, Artifacts: 2, Summaries: 1}
	if got != want {
		t.Errorf("Stats = %+v, want %+v", got, want)
	}
}

func TestStatusText(t *testing.T) {
	for _, s := range []Status{StatusSucceeded, StatusFailed} {
		b, _ := s.MarshalText()
		var back Status
		if err := back.UnmarshalText(b); err != nil || back != s {
			t.Errorf("round trip %s = %v, %v", b, back, err)
		}
	}
	var s Status
	if err := s.UnmarshalText([]byte("pending")); err == nil {
		t.Error("expected error for unknown status")
	}
	if Status(0).String() != "unknown" {
		t.Errorf("zero status = %q", Status(0).String())
	}
}
