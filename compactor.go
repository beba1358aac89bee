package tabula

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Summarizer produces the digest for a block of turns. prior is the digest
// of the summary immediately before the block ("" when there is none); the
// result replaces it and must cover both.
type Summarizer interface {
	Summarize(ctx context.Context, prior string, turns []ConversationTurn) (string, error)
}

const summarizeInstructions = `You compress the history of a data analysis conversation.
For every turn keep: the question, the method used (the pandas operations and columns involved),
the key numeric results, and any figures produced. Drop code listings and raw output.
If a prior summary is given, return it extended with the new turns; do not shorten what it already says.
Reply with the summary text only.`

// ProviderSummarizer summarizes through a generative Provider.
type ProviderSummarizer struct {
	provider Provider
}

func NewProviderSummarizer(p Provider) *ProviderSummarizer {
	return &ProviderSummarizer{provider: p}
}

func (s *ProviderSummarizer) Summarize(ctx context.Context, prior string, turns []ConversationTurn) (string, error) {
	var b strings.Builder
	if prior != "" {
		b.WriteString("Prior summary:\n" + prior + "\n\n")
	}
	b.WriteString("New turns:\n\n")
	for _, t := range turns {
		b.WriteString(t.Render())
		b.WriteString("\n")
	}
	resp, err := s.provider.Chat(ctx, ChatRequest{Messages: []ChatMessage{
		SystemMessage(summarizeInstructions),
		UserMessage(b.String()),
	}})
	if err != nil {
		return "", err
	}
	digest := strings.TrimSpace(resp.Content)
	if digest == "" {
		return "", errors.New("empty summary")
	}
	return digest, nil
}

// Compactor folds older turns into CompactedSummary entries so the context
// fits its Budget. The most recent turns always stay verbatim.
type Compactor struct {
	summarizer Summarizer
	estimator  Estimator
	keep       int
	maxDigest  int
	logger     *slog.Logger
	tracer     Tracer
}

// CompactorOption configures a Compactor.
type CompactorOption func(*Compactor)

// KeepRecent sets how many recent turns stay verbatim (default 3).
func KeepRecent(k int) CompactorOption {
	return func(c *Compactor) { c.keep = max(k, 0) }
}

// MaxDigestTokens caps the estimated size of one digest (default 800).
// Longer digests are cut.
func MaxDigestTokens(n int) CompactorOption {
	return func(c *Compactor) { c.maxDigest = n }
}

// CompactorEstimator sets the token estimator (default HeuristicEstimator).
func CompactorEstimator(e Estimator) CompactorOption {
	return func(c *Compactor) { c.estimator = e }
}

// CompactorLogger sets the logger used by the compactor.
func CompactorLogger(l *slog.Logger) CompactorOption {
	return func(c *Compactor) { c.logger = l }
}

// CompactorTracer sets the tracer used for compaction spans.
func CompactorTracer(t Tracer) CompactorOption {
	return func(c *Compactor) { c.tracer = t }
}

func NewCompactor(s Summarizer, opts ...CompactorOption) *Compactor {
	c := &Compactor{summarizer: s, estimator: HeuristicEstimator{}, keep: 3, maxDigest: 800, logger: nopLogger}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Estimator returns the estimator the compactor measures with.
func (c *Compactor) Estimator() Estimator { return c.estimator }

// CompactionReport describes what one Compact call did.
type CompactionReport struct {
	Before     int // total tokens before, GlobalContext included
	After      int
	Summarized int // turns folded into summaries
	Merged     int // summaries that were extended rather than created
	Dropped    int // summaries dropped to meet the budget
}

// Compact rewrites h so that all but the most recent turns are represented
// by summaries, then enforces b.Window by dropping the oldest summaries.
// gc is only measured; it is never summarized or altered.
//
// Errors are non-fatal and describe degraded outcomes: a *CompactionError
// means some turns were kept verbatim, a *BudgetExceededError means the
// history still does not fit. h is always left consistent.
func (c *Compactor) Compact(ctx context.Context, gc *GlobalContext, h *History, b Budget) (CompactionReport, error) {
	ctx, span := startSpan(ctx, c.tracer, "context.compact", IntAttr("entries", h.Len()))
	defer span.End()

	global := c.estimator.Estimate(gc.Text())
	rep := CompactionReport{Before: global + h.Tokens()}

	entries := h.Entries()
	cut := c.cutoff(entries)
	var errs []error
	older := make([]Entry, 0, cut)
	for i := 0; i < cut; {
		if entries[i].Summary != nil {
			older = appendSummary(older, *entries[i].Summary, c)
			i++
			continue
		}
		j := i
		var block []ConversationTurn
		for j < cut && entries[j].Turn != nil {
			block = append(block, *entries[j].Turn)
			j++
		}
		prior := ""
		if n := len(older); n > 0 && older[n-1].Summary != nil {
			prior = older[n-1].Summary.Digest
		}
		digest, err := c.summarizer.Summarize(ctx, prior, block)
		if err != nil {
			cerr := &CompactionError{From: block[0].Index, To: block[len(block)-1].Index, Err: err}
			c.logger.Warn("compaction failed, keeping turns verbatim", "from", cerr.From, "to", cerr.To, "error", err)
			span.Event("compaction_failed", IntAttr("from", cerr.From), IntAttr("to", cerr.To))
			errs = append(errs, cerr)
			older = append(older, entries[i:j]...)
			i = j
			continue
		}
		s := CompactedSummary{From: block[0].Index, To: block[len(block)-1].Index, CreatedAt: now()}
		if prior != "" {
			prev := older[len(older)-1].Summary
			s.From = prev.From
			older = older[:len(older)-1]
			rep.Merged++
		}
		s.Digest = c.capDigest(digest)
		s.TokenCost = c.estimator.Estimate(s.Render())
		older = append(older, Entry{Summary: &s})
		rep.Summarized += len(block)
		i = j
	}
	h.replace(append(older, entries[cut:]...))

	// Budget enforcement: oldest summaries go first, the GlobalContext never.
	total := global + h.Tokens()
	for total > b.Window {
		idx := firstSummary(h.entries)
		if idx < 0 {
			break
		}
		total -= h.entries[idx].Cost()
		h.replace(append(h.entries[:idx:idx], h.entries[idx+1:]...))
		rep.Dropped++
	}
	if rep.Dropped > 0 {
		c.logger.Warn("dropped summaries to fit context budget", "dropped", rep.Dropped)
	}
	rep.After = global + h.Tokens()
	if rep.After > b.Window {
		errs = append(errs, &BudgetExceededError{Total: rep.After, Budget: b.Window, Dropped: rep.Dropped})
	}

	span.SetAttr(IntAttr("tokens_before", rep.Before), IntAttr("tokens_after", rep.After),
		IntAttr("summarized", rep.Summarized), IntAttr("dropped", rep.Dropped))
	c.logger.Info("context compacted",
		"tokens_before", rep.Before, "tokens_after", rep.After,
		"summarized", rep.Summarized, "merged", rep.Merged)
	err := errors.Join(errs...)
	if err != nil {
		span.Error(err)
	}
	return rep, err
}

// cutoff returns the entry position where the verbatim tail begins: the
// position of the keep-th most recent turn.
func (c *Compactor) cutoff(entries []Entry) int {
	seen := 0
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Turn == nil {
			continue
		}
		seen++
		if seen == c.keep {
			return i
		}
	}
	if c.keep == 0 {
		return len(entries)
	}
	return 0
}

// appendSummary appends s, joining it to a directly preceding summary so
// summaries never stack.
func appendSummary(older []Entry, s CompactedSummary, c *Compactor) []Entry {
	n := len(older)
	if n == 0 || older[n-1].Summary == nil {
		return append(older, Entry{Summary: &s})
	}
	prev := *older[n-1].Summary
	merged := CompactedSummary{
		From:      prev.From,
		To:        s.To,
		Digest:    c.capDigest(strings.TrimSpace(prev.Digest) + "\n" + strings.TrimSpace(s.Digest)),
		CreatedAt: s.CreatedAt,
	}
	merged.TokenCost = c.estimator.Estimate(merged.Render())
	older[n-1] = Entry{Summary: &merged}
	return older
}

// capDigest cuts digest so its estimate stays within maxDigest.
func (c *Compactor) capDigest(digest string) string {
	if c.maxDigest <= 0 || c.estimator.Estimate(digest) <= c.maxDigest {
		return digest
	}
	r := []rune(digest)
	lo, hi := 0, len(r)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if c.estimator.Estimate(string(r[:mid])) <= c.maxDigest {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(r[:lo]) + " …"
}

func firstSummary(entries []Entry) int {
	for i, e := range entries {
		if e.Summary != nil {
			return i
		}
	}
	return -1
}

// RuleSummarizer builds digests without a generative service by keeping each
// turn's question, approach, first result line, figures and error.
type RuleSummarizer struct{}

func (RuleSummarizer) Summarize(_ context.Context, prior string, turns []ConversationTurn) (string, error) {
	var b strings.Builder
	if prior != "" {
		b.WriteString(strings.TrimSpace(prior) + "\n")
	}
	for _, t := range turns {
		fmt.Fprintf(&b, "Turn %d [%s] Q: %s", t.Index, t.Status, truncateRunes(t.Question, 160))
		method := t.Approach
		if method == "" {
			method = strings.Join(keyCodeLines(t.Code, 3), "; ")
		}
		if method != "" {
			b.WriteString(" | method: " + method)
		}
		if t.Status == StatusSucceeded {
			if line := firstLine(t.Result.Stdout); line != "" {
				b.WriteString(" | result: " + truncateRunes(line, 160))
			}
			if len(t.Result.Artifacts) > 0 {
				b.WriteString(" | figures: " + strings.Join(t.Result.Artifacts, ", "))
			}
		} else if t.Result.Err != nil {
			b.WriteString(" | error: " + truncateRunes(t.Result.Err.Error(), 160))
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String()), nil
}

var keyOps = []string{"groupby", "merge", "pivot", "agg", "mean(", "sum(", "count(", "value_counts",
	"sort_values", "corr", "describe", "plot", "savefig", "resample", "rolling"}

// keyCodeLines picks up to n lines that carry the analysis operations.
func keyCodeLines(code string, n int) []string {
	var out []string
	for _, line := range strings.Split(code, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, op := range keyOps {
			if strings.Contains(line, op) {
				out = append(out, line)
				break
			}
		}
		if len(out) == n {
			break
		}
	}
	return out
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}
