package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/CopeeeTang/tabula"
)

// renderTurn prints the user-facing view of a finished question.
func renderTurn(w io.Writer, t tabula.ConversationTurn, showCode bool) {
	fmt.Fprintf(w, "[turn %d] %s", t.Index, t.Status)
	if t.Attempts > 0 {
		fmt.Fprintf(w, " after %d repair attempt(s)", t.Attempts)
	}
	fmt.Fprintln(w)

	if showCode && t.Code != "" {
		fmt.Fprintf(w, "\n```python\n%s\n```\n", strings.TrimRight(t.Code, "\n"))
	}
	if t.Status != tabula.StatusSucceeded {
		if t.Result.Err != nil {
			fmt.Fprintf(w, "\nerror: %s\n", t.Result.Err.Error())
		}
		if t.RootCause != "" {
			fmt.Fprintf(w, "root cause: %s\n", t.RootCause)
		}
		return
	}
	if out := strings.TrimSpace(t.Result.Stdout); out != "" {
		fmt.Fprintf(w, "\n%s\n", out)
	}
	for _, a := range t.Result.Artifacts {
		fmt.Fprintf(w, "figure: %s\n", a)
	}
	if t.Explanation != "" {
		fmt.Fprintf(w, "\n%s\n", t.Explanation)
	}
}

func renderStatus(w io.Writer, s tabula.ContextStatus) {
	fmt.Fprintf(w, "context:   %s (%.0f%% of %d trigger, window %d)\n", s.Level, s.Usage()*100, s.Trigger, s.Window)
	fmt.Fprintf(w, "global:    %d tokens\n", s.Global)
	fmt.Fprintf(w, "turns:     %d tokens\n", s.Turns)
	fmt.Fprintf(w, "summaries: %d tokens\n", s.Summaries)
	fmt.Fprintf(w, "remaining: %d tokens before compaction\n", s.Remaining())
}

func renderStats(w io.Writer, s tabula.Statistics) {
	fmt.Fprintf(w, "questions: %d (%d succeeded, %d failed)\n", s.Turns, s.Succeeded, s.Failed)
	fmt.Fprintf(w, "repairs:   %d\n", s.Attempts)
	fmt.Fprintf(w, "figures:   %d\n", s.Artifacts)
	fmt.Fprintf(w, "summaries: %d\n", s.Summaries)
}

func renderReport(w io.Writer, r tabula.CompactionReport) {
	fmt.Fprintf(w, "compacted: %d -> %d tokens, %d turn(s) summarized", r.Before, r.After, r.Summarized)
	if r.Dropped > 0 {
		fmt.Fprintf(w, ", %d summary(ies) dropped", r.Dropped)
	}
	fmt.Fprintln(w)
}

func renderSessions(w io.Writer, infos []tabula.SessionInfo) error {
	if len(infos) == 0 {
		_, err := fmt.Fprintln(w, "no sessions")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDATASET\tENTRIES\tUPDATED")
	for _, s := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.ID, s.DatasetPath, s.Entries, s.UpdatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

// renderRecord prints a stored session as its history text.
func renderRecord(w io.Writer, rec tabula.SessionRecord) {
	fmt.Fprintf(w, "session %s\n", rec.ID)
	fmt.Fprintf(w, "dataset %s (%d rows x %d columns)\n", rec.Dataset.Path, rec.Dataset.Schema.Rows, len(rec.Dataset.Schema.Columns))
	fmt.Fprintf(w, "created %s, updated %s\n\n", rec.CreatedAt.Local().Format(time.DateTime), rec.UpdatedAt.Local().Format(time.DateTime))
	for _, e := range rec.Entries {
		fmt.Fprintln(w, e.Render())
	}
}

// progress returns a transition hook that narrates the question lifecycle.
func progress(w io.Writer) tabula.TransitionFunc {
	return func(_ int, to tabula.State, rs tabula.RetryState) {
		switch to {
		case tabula.StateDrafting:
			fmt.Fprintln(w, "… drafting code")
		case tabula.StateAnalyzing:
			fmt.Fprintln(w, "… checking code")
		case tabula.StateExecuting:
			fmt.Fprintf(w, "… running (execution %d)\n", rs.Executions+1)
		case tabula.StateRepairing:
			if rs.Attempts >= rs.MaxAttempts {
				return
			}
			fmt.Fprintf(w, "… repairing (attempt %d/%d)\n", rs.Attempts+1, rs.MaxAttempts)
		}
	}
}
