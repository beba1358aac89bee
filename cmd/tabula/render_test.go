package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CopeeeTang/tabula"
)

func TestRenderTurn(t *testing.T) {
	var b bytes.Buffer
	renderTurn(&b, tabula.ConversationTurn{
		Index:       2,
		Code:        "print(df.shape)\n",
		Result:      tabula.ExecutionResult{Stdout: "(3, 2)\n", Artifacts: []string{"/out/a.png"}},
		Explanation: "Three rows.",
		Attempts:    1,
		Status:      tabula.StatusSucceeded,
	}, true)
	out := b.String()
	assert.True(t, strings.HasPrefix(out, "[turn 2] succeeded after 1 repair attempt(s)\n"), out)
	assert.Contains(t, out, "```python\nprint(df.shape)\n```")
	assert.Contains(t, out, "(3, 2)")
	assert.Contains(t, out, "figure: /out/a.png")
	assert.Contains(t, out, "Three rows.")

	b.Reset()
	renderTurn(&b, tabula.ConversationTurn{
		Index:     3,
		Code:      "x",
		Result:    tabula.ExecutionResult{Stdout: "partial", Err: &tabula.ExecError{Kind: tabula.KindTimeout, Message: "exceeded 30s"}},
		RootCause: "loop never ends",
		Status:    tabula.StatusFailed,
	}, false)
	out = b.String()
	assert.Contains(t, out, "error: timeout: exceeded 30s")
	assert.Contains(t, out, "root cause: loop never ends")
	assert.NotContains(t, out, "partial")
	assert.NotContains(t, out, "```")
}

func TestProgress(t *testing.T) {
	var b bytes.Buffer
	hook := progress(&b)
	hook(1, tabula.StateDrafting, tabula.RetryState{MaxAttempts: 2})
	hook(1, tabula.StateExecuting, tabula.RetryState{MaxAttempts: 2})
	hook(1, tabula.StateRepairing, tabula.RetryState{Attempts: 0, MaxAttempts: 2, Executions: 1})
	hook(1, tabula.StateRepairing, tabula.RetryState{Attempts: 2, MaxAttempts: 2, Executions: 3})
	hook(1, tabula.StateSucceeded, tabula.RetryState{})
	assert.Equal(t, "… drafting code\n… running (execution 1)\n… repairing (attempt 1/2)\n", b.String())
}

func TestRenderSessions(t *testing.T) {
	var b bytes.Buffer
	require.NoError(t, renderSessions(&b, nil))
	assert.Equal(t, "no sessions\n", b.String())

	b.Reset()
	require.NoError(t, renderSessions(&b, []tabula.SessionInfo{{ID: "s1", DatasetPath: "/d/x.csv", Entries: 4, UpdatedAt: time.Now()}}))
	lines := strings.Split(strings.TrimSpace(b.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "/d/x.csv")
}

type idleProvider struct{}

func (idleProvider) Name() string { return "idle" }
func (idleProvider) Chat(context.Context, tabula.ChatRequest) (tabula.ChatResponse, error) {
	return tabula.ChatResponse{}, nil
}
func (idleProvider) ChatWithTools(context.Context, tabula.ChatRequest, []tabula.ToolDefinition) (tabula.ChatResponse, error) {
	return tabula.ChatResponse{}, nil
}

func TestREPLCommands(t *testing.T) {
	csv := filepath.Join(t.TempDir(), "sales.csv")
	require.NoError(t, os.WriteFile(csv, []byte("region,sales\nnorth,10\nsouth,20\n"), 0o600))
	ds := tabula.DatasetHandle{
		Path:   csv,
		Format: "csv",
		Schema: tabula.Schema{Columns: []tabula.Column{{Name: "region", Type: "object"}}, Rows: 1},
	}
	sess := tabula.NewSession(tabula.NewGlobalContext(ds, tabula.DefaultPolicy(t.TempDir())))
	orch := tabula.NewOrchestrator(sess, tabula.NewGenerator(idleProvider{}), nil, nil)

	var out, errOut bytes.Buffer
	r := &repl{orch: orch, out: &out, errOut: &errOut}
	in := "/help\n/stats\n/status\n/reload\n/bogus\n/quit\nnever asked\n"
	require.NoError(t, r.run(context.Background(), strings.NewReader(in)))

	got := out.String()
	assert.Contains(t, got, "/compact")
	assert.Contains(t, got, "questions: 0 (0 succeeded, 0 failed)")
	assert.Contains(t, got, "context:   healthy")
	assert.Contains(t, got, "reloaded sales.csv: 2 rows x 2 columns")
	assert.Contains(t, errOut.String(), "unknown command /bogus")
	assert.Equal(t, 2, len(orch.Session().Context.Dataset().Schema.Columns))
}
