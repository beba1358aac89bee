package tabula

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const repairInstructions = `You are a debugging assistant for pandas analysis code that runs in a restricted sandbox.
Find the root cause of the failure and return a corrected, complete program.
Use only column names that exist in the dataset facts below and respect the execution environment rules.
If the code was rejected by the policy check, rewrite it without the forbidden construct.`

// tracebackTail is the number of trailing traceback lines sent for diagnosis.
const tracebackTail = 6

// RepairRequest describes one failed attempt.
type RepairRequest struct {
	Question    string
	Code        string
	Result      ExecutionResult
	Attempt     int      // 1-based attempt this repair would produce
	PriorErrors []string // earlier failures for the same question, oldest first
}

// RepairOutcome is the result of a diagnostic exchange. Fixed is false when
// no replacement code could be derived; RootCause may still be set.
type RepairOutcome struct {
	Fixed     bool
	RootCause string
	Code      string
	Changes   []string
	Diff      string // line diff from the failing code to Code
	Usage     Usage
	Err       error // why no fix was derived, if known
}

// RepairAnalyzer diagnoses failures in an exchange that is isolated from the
// main conversation: it sees the GlobalContext and the failure, never the
// history, and its messages are discarded afterwards.
type RepairAnalyzer struct {
	provider   Provider
	structured bool
	timeout    time.Duration
	rounds     int
	logger     *slog.Logger
}

// RepairOption configures a RepairAnalyzer.
type RepairOption func(*RepairAnalyzer)

// RepairTimeout bounds one diagnostic exchange (default 60s).
func RepairTimeout(d time.Duration) RepairOption {
	return func(r *RepairAnalyzer) { r.timeout = d }
}

// RepairRounds sets how many requests one exchange may make when replies
// carry no code (default 2).
func RepairRounds(n int) RepairOption {
	return func(r *RepairAnalyzer) { r.rounds = max(n, 1) }
}

// RepairStructuredOutput toggles tool-call structured output (default true).
func RepairStructuredOutput(enabled bool) RepairOption {
	return func(r *RepairAnalyzer) { r.structured = enabled }
}

// RepairLogger sets the logger.
func RepairLogger(l *slog.Logger) RepairOption {
	return func(r *RepairAnalyzer) { r.logger = l }
}

func NewRepairAnalyzer(p Provider, opts ...RepairOption) *RepairAnalyzer {
	r := &RepairAnalyzer{provider: p, structured: true, timeout: 60 * time.Second, rounds: 2, logger: nopLogger}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start runs the diagnosis on its own goroutine. The channel receives
// exactly one outcome and is then closed. Cancelling ctx or hitting the
// timeout yields an outcome with Fixed=false.
func (r *RepairAnalyzer) Start(ctx context.Context, gc *GlobalContext, req RepairRequest) <-chan RepairOutcome {
	out := make(chan RepairOutcome, 1)
	go func() {
		defer close(out)
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		out <- r.run(ctx, gc, req)
	}()
	return out
}

// Diagnose is Start followed by a receive.
func (r *RepairAnalyzer) Diagnose(ctx context.Context, gc *GlobalContext, req RepairRequest) RepairOutcome {
	return <-r.Start(ctx, gc, req)
}

func (r *RepairAnalyzer) run(ctx context.Context, gc *GlobalContext, req RepairRequest) RepairOutcome {
	msgs := []ChatMessage{
		SystemMessage(repairInstructions),
		SystemMessage(gc.Text()),
		UserMessage(repairPrompt(req)),
	}
	var (
		usage Usage
		last  RepairOutcome
	)
	for round := 0; round < r.rounds; round++ {
		reply, u, err := completeWith(ctx, r.provider, r.structured, nil, msgs, fixCodeTool, r.logger)
		usage = usage.Add(u)
		if err != nil {
			if ctx.Err() != nil {
				err = fmt.Errorf("repair analysis interrupted: %w", ctx.Err())
			}
			r.logger.Warn("repair analysis failed", "attempt", req.Attempt, "error", err)
			return RepairOutcome{RootCause: last.RootCause, Usage: usage, Err: err}
		}
		d, err := ExtractDraft(reply)
		if d.RootCause != "" {
			last.RootCause = d.RootCause
		}
		if err == nil {
			return r.outcome(req, d, last.RootCause, usage)
		}
		last.Err = err
		if !errors.Is(err, ErrNoCode) {
			break
		}
		// Ask again within this exchange only.
		msgs = append(msgs,
			AssistantMessage(replyText(reply)),
			UserMessage("Your reply did not contain corrected code. Reply with the complete corrected program in a ```python fenced block."))
	}
	return RepairOutcome{RootCause: last.RootCause, Usage: usage, Err: last.Err}
}

func (r *RepairAnalyzer) outcome(req RepairRequest, d CodeDraft, rootCause string, usage Usage) RepairOutcome {
	if strings.TrimSpace(d.Code) == strings.TrimSpace(req.Code) {
		return RepairOutcome{RootCause: rootCause, Usage: usage, Err: errors.New("replacement code is identical to the failing code")}
	}
	if rootCause == "" {
		rootCause = d.Approach
	}
	return RepairOutcome{
		Fixed:     true,
		RootCause: rootCause,
		Code:      d.Code,
		Changes:   d.Changes,
		Diff:      lineDiff(req.Code, d.Code),
		Usage:     usage,
	}
}

func replyText(r Reply) string {
	switch r := r.(type) {
	case StructuredReply:
		return string(r.Call.Args)
	case FreeTextReply:
		return r.Text
	}
	return ""
}

func repairPrompt(req RepairRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\n", req.Question)
	b.WriteString("Failing code:\n```python\n" + strings.TrimRight(req.Code, "\n") + "\n```\n\n")
	if e := req.Result.Err; e != nil {
		fmt.Fprintf(&b, "Error type: %s\n", e.Kind)
		switch e.Kind {
		case KindPolicyViolation:
			fmt.Fprintf(&b, "Rejected before execution: %s\n", e.Message)
		case KindRuntimeFault:
			fmt.Fprintf(&b, "Fault: %s\n", e.Fault)
			if e.ExcType != "" {
				fmt.Fprintf(&b, "Exception: %s: %s\n", e.ExcType, e.Message)
			} else {
				fmt.Fprintf(&b, "Message: %s\n", e.Message)
			}
			if tb := tail(e.Traceback, tracebackTail); tb != "" {
				b.WriteString("Traceback (last lines):\n" + tb + "\n")
			}
		case KindTimeout:
			fmt.Fprintf(&b, "The code did not finish in time: %s. Make it cheaper.\n", e.Message)
		}
	}
	if out := strings.TrimSpace(req.Result.Stdout); out != "" {
		b.WriteString("\nOutput before the failure:\n" + truncateRunes(out, 1000) + "\n")
	}
	if len(req.PriorErrors) > 0 {
		b.WriteString("\nEarlier attempts for this question failed with:\n")
		for i, pe := range req.PriorErrors {
			fmt.Fprintf(&b, "%d. %s\n", i+1, pe)
		}
	}
	b.WriteString("\nIf the task draws a chart, save it with plt.savefig('<name>.png').\n")
	return b.String()
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// lineDiff renders a line-level diff with "-" and "+" prefixes for changed lines.
func lineDiff(before, after string) string {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)
	var out strings.Builder
	for _, d := range diffs {
		prefix := "  "
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			out.WriteString(prefix + strings.TrimSuffix(line, "\n") + "\n")
		}
	}
	return out.String()
}
