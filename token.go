package tabula

import (
	"fmt"
	"strings"
	"unicode"
)

// Estimator approximates the token count of a text. Implementations must be
// deterministic and monotonic: appending text never lowers the estimate.
type Estimator interface {
	Estimate(text string) int
}

// EstimatorFunc adapts a function to the Estimator interface.
type EstimatorFunc func(text string) int

func (f EstimatorFunc) Estimate(text string) int { return f(text) }

// HeuristicEstimator counts CJK characters at 1.5 tokens each and everything
// else at 0.25 tokens per character, or 0.4 when the text is dominated by
// code.
type HeuristicEstimator struct{}

var codeMarkers = []string{"def ", "import ", "print(", "if ", "for ", "while "}

// codeMarkerThreshold is the number of code markers after which text is
// treated as code.
const codeMarkerThreshold = 5

func (HeuristicEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	var cjk, other int
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	perChar := 0.25
	markers := 0
	for _, m := range codeMarkers {
		markers += strings.Count(text, m)
	}
	if markers > codeMarkerThreshold {
		perChar = 0.4
	}
	return int(float64(cjk)*1.5 + float64(other)*perChar)
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r)
}

// Budget bounds the context sent with each request.
type Budget struct {
	// Window is the hard ceiling in tokens.
	Window int
	// Threshold is the fraction of Window at which compaction starts.
	Threshold float64
}

// DefaultBudget matches a 128k-token model with compaction at 70%.
func DefaultBudget() Budget { return Budget{Window: 128000, Threshold: 0.7} }

// Trigger is the token count at which compaction starts.
func (b Budget) Trigger() int { return int(float64(b.Window) * b.Threshold) }

// ShouldCompact reports whether total has reached the compaction trigger.
func (b Budget) ShouldCompact(total int) bool { return total >= b.Trigger() }

// ContextLevel buckets context usage relative to the compaction trigger.
type ContextLevel int

const (
	LevelHealthy ContextLevel = iota
	LevelNormal
	LevelWarning
	LevelCritical
)

func (l ContextLevel) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "healthy"
	}
}

// ContextStatus is a point-in-time breakdown of context usage.
type ContextStatus struct {
	Global    int
	Turns     int
	Summaries int
	Total     int
	Trigger   int
	Window    int
	Level     ContextLevel
}

// Usage returns Total as a fraction of Trigger.
func (s ContextStatus) Usage() float64 {
	if s.Trigger <= 0 {
		return 0
	}
	return float64(s.Total) / float64(s.Trigger)
}

// Remaining returns the tokens left before compaction starts.
func (s ContextStatus) Remaining() int { return max(s.Trigger-s.Total, 0) }

func (s ContextStatus) String() string {
	return fmt.Sprintf("context %s: %d/%d tokens (%.0f%%), global %d, turns %d, summaries %d",
		s.Level, s.Total, s.Trigger, s.Usage()*100, s.Global, s.Turns, s.Summaries)
}

// MeasureContext computes the context breakdown from scratch. Totals are
// never cached across history changes.
func MeasureContext(gc *GlobalContext, h *History, est Estimator, b Budget) ContextStatus {
	st := ContextStatus{Global: est.Estimate(gc.Text()), Trigger: b.Trigger(), Window: b.Window}
	for _, e := range h.Entries() {
		if e.Summary != nil {
			st.Summaries += e.Summary.TokenCost
		} else {
			st.Turns += e.Turn.TokenCost
		}
	}
	st.Total = st.Global + st.Turns + st.Summaries
	switch u := st.Usage(); {
	case u >= 1:
		st.Level = LevelCritical
	case u >= 0.8:
		st.Level = LevelWarning
	case u >= 0.5:
		st.Level = LevelNormal
	default:
		st.Level = LevelHealthy
	}
	return st
}
