package tabula

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// step is one scripted provider reply.
type step struct {
	resp ChatResponse
	err  error
}

type providerCall struct {
	req   ChatRequest
	tools []ToolDefinition
}

// fakeProvider replays steps in order for both Chat and ChatWithTools and
// records every request. Extra calls get an empty response.
type fakeProvider struct {
	mu    sync.Mutex
	steps []step
	calls []providerCall

	noTools bool // ChatWithTools returns ErrToolsUnsupported without consuming a step
	delay   time.Duration
}

func script(steps ...step) *fakeProvider { return &fakeProvider{steps: steps} }

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return p.next(ctx, req, nil)
}

func (p *fakeProvider) ChatWithTools(ctx context.Context, req ChatRequest, tools []ToolDefinition) (ChatResponse, error) {
	if p.noTools {
		return ChatResponse{}, ErrToolsUnsupported
	}
	return p.next(ctx, req, tools)
}

func (p *fakeProvider) next(ctx context.Context, req ChatRequest, tools []ToolDefinition) (ChatResponse, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return ChatResponse{}, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, providerCall{req: req, tools: tools})
	i := len(p.calls) - 1
	if i < len(p.steps) {
		return p.steps[i].resp, p.steps[i].err
	}
	return ChatResponse{}, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *fakeProvider) call(i int) providerCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[i]
}

// callStep answers with a tool call carrying args.
func callStep(name string, args any) step {
	b, _ := json.Marshal(args)
	return step{resp: ChatResponse{ToolCalls: []ToolCall{{ID: "c1", Name: name, Args: b}}, Usage: Usage{InputTokens: 10, OutputTokens: 5}}}
}

func draftStep(code string) step {
	return callStep(ToolGenerateCode, map[string]any{"analysis_approach": "direct", "code": code})
}

func fixStep(rootCause, code string) step {
	return callStep(ToolFixCode, map[string]any{
		"error_analysis": map[string]any{"root_cause": rootCause},
		"fixed_code":     code,
	})
}

func explainStep(summary string) step {
	return callStep(ToolExplain, map[string]any{"summary": summary})
}

func textStep(s string) step { return step{resp: ChatResponse{Content: s}} }

// substringAnalyzer denies code containing any of its markers.
type substringAnalyzer struct {
	mu      sync.Mutex
	deny    map[string]string // marker -> reason
	checked []string
}

func (a *substringAnalyzer) Analyze(_ context.Context, code string, _ SandboxPolicy) Verdict {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checked = append(a.checked, code)
	for marker, reason := range a.deny {
		if strings.Contains(code, marker) {
			return Deny(reason, marker, 1)
		}
	}
	return Allow()
}

// fakeExecutor runs code through fn and records every call.
type fakeExecutor struct {
	mu        sync.Mutex
	fn        func(code string) (ExecutionResult, error)
	codes     []string
	discarded []string
	running   int
	overlap   bool
}

func (e *fakeExecutor) Execute(_ context.Context, req ExecRequest) (ExecutionResult, error) {
	e.mu.Lock()
	e.running++
	if e.running > 1 {
		e.overlap = true
	}
	e.codes = append(e.codes, req.Code)
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running--
		e.mu.Unlock()
	}()
	res, err := e.fn(req.Code)
	if res.ID == "" {
		res.ID = NewID()
	}
	return res, err
}

func (e *fakeExecutor) Discard(res ExecutionResult) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.discarded = append(e.discarded, res.ID)
	return nil
}

func (e *fakeExecutor) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.codes)
}

func okResult(stdout string) ExecutionResult { return ExecutionResult{Stdout: stdout} }

func faultResult(exc, msg string) ExecutionResult {
	return ExecutionResult{Err: &ExecError{Kind: KindRuntimeFault, Fault: FaultMissingColumn, ExcType: exc, Message: msg, Traceback: "Traceback...\n" + exc + ": " + msg}}
}

func testDataset() DatasetHandle {
	return DatasetHandle{
		Path:     "/data/sales.csv",
		Format:   "csv",
		Encoding: "utf-8",
		Schema: Schema{
			Columns: []Column{
				{Name: "region", Type: "object", NonNull: 1000, Unique: 4},
				{Name: "month", Type: "datetime64[ns]", NonNull: 1000, Unique: 12},
				{Name: "units", Type: "int64", NonNull: 1000, Unique: 90},
				{Name: "price", Type: "float64", NonNull: 998, Unique: 40},
				{Name: "revenue", Type: "float64", NonNull: 998, Unique: 700},
			},
			Rows:       1000,
			SampleRows: [][]string{{"north", "2024-01-01", "3", "9.5", "28.5"}},
		},
		LoadedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func testContext() *GlobalContext {
	return NewGlobalContext(testDataset(), DefaultPolicy("/tmp/tabula-out"))
}

// turn builds a terminal turn whose token cost is estimated like the
// orchestrator does.
func turn(idx int, question string) ConversationTurn {
	t := ConversationTurn{
		Index:    idx,
		Question: question,
		Approach: "groupby region",
		Code:     "print(df.groupby('region')['revenue'].sum())\n",
		Result:   ExecutionResult{ID: NewID(), Stdout: "north 100\nsouth 80\n"},
		Status:   StatusSucceeded,
	}
	t.TokenCost = HeuristicEstimator{}.Estimate(t.Render())
	return t
}
