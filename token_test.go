package tabula

import (
	"strings"
	"testing"
)

func TestHeuristicEstimator(t *testing.T) {
	code := strings.Repeat("import a\n", 3) + strings.Repeat("print(1)\n", 3)
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"prose", "abcd", 1},
		{"prose longer", strings.Repeat("x", 40), 10},
		{"cjk", "数据分析", 6},
		{"mixed", "总收入 revenue", 6},
		{"code dense", code, 21},
	}
	est := HeuristicEstimator{}
	for _, tt := range tests {
		if got := est.Estimate(tt.text); got != tt.want {
			t.Errorf("%s: Estimate = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestHeuristicEstimator_Monotonic(t *testing.T) {
	text := "Question: 每个地区的总收入?\nimport pandas as pd\nfor r in regions:\n    print(r)\nif x:\n    print(x)\nwhile y: pass\n"
	est := HeuristicEstimator{}
	prev := 0
	runes := []rune(text)
	for i := 1; i <= len(runes); i++ {
		got := est.Estimate(string(runes[:i]))
		if got < prev {
			t.Fatalf("estimate dropped from %d to %d at prefix %d", prev, got, i)
		}
		prev = got
	}
}

func TestBudget(t *testing.T) {
	b := Budget{Window: 4000, Threshold: 0.7}
	if b.Trigger() != 2800 {
		t.Errorf("Trigger = %d, want 2800", b.Trigger())
	}
	if b.ShouldCompact(2799) || !b.ShouldCompact(2800) {
		t.Error("ShouldCompact should switch at the trigger")
	}
	if d := DefaultBudget(); d.Window != 128000 || d.Threshold != 0.7 {
		t.Errorf("DefaultBudget = %+v", d)
	}
}

func TestMeasureContext(t *testing.T) {
	gc := testContext()
	est := EstimatorFunc(func(s string) int {
		if s == gc.Text() {
			return 100
		}
		return len(s)
	})
	h := NewHistory()
	t1 := turn(1, "q1")
	t1.TokenCost = 300
	if err := h.Append(t1); err != nil {
		t.Fatal(err)
	}
	h.replace(append([]Entry{{Summary: &CompactedSummary{From: 0, To: 0, TokenCost: 50}}}, h.entries...))

	st := MeasureContext(gc, h, est, Budget{Window: 1000, Threshold: 0.5})
	if st.Global != 100 || st.Turns != 300 || st.Summaries != 50 || st.Total != 450 {
		t.Errorf("breakdown = %+v", st)
	}
	if st.Trigger != 500 || st.Remaining() != 50 {
		t.Errorf("trigger %d remaining %d", st.Trigger, st.Remaining())
	}
	if st.Level != LevelWarning {
		t.Errorf("level = %s, want warning at 90%%", st.Level)
	}

	levels := []struct {
		total int
		want  ContextLevel
	}{{100, LevelHealthy}, {250, LevelNormal}, {400, LevelWarning}, {500, LevelCritical}}
	for _, l := range levels {
		h := NewHistory()
		tt := turn(1, "q")
		tt.TokenCost = l.total - 100
		_ = h.Append(tt)
		if got := MeasureContext(gc, h, est, Budget{Window: 1000, Threshold: 0.5}).Level; got != l.want {
			t.Errorf("total %d: level %s, want %s", l.total, got, l.want)
		}
	}
}
