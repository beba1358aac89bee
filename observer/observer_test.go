package observer

import (
	"context"
	"errors"
	"testing"

	"github.com/CopeeeTang/tabula"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type mockProvider struct {
	name      string
	resp      tabula.ChatResponse
	err       error
	toolCalls int
}

func (m *mockProvider) Name() string { return m.name }
func (m *mockProvider) Chat(_ context.Context, _ tabula.ChatRequest) (tabula.ChatResponse, error) {
	return m.resp, m.err
}
func (m *mockProvider) ChatWithTools(_ context.Context, _ tabula.ChatRequest, tools []tabula.ToolDefinition) (tabula.ChatResponse, error) {
	m.toolCalls += len(tools)
	return m.resp, m.err
}

type mockExecutor struct {
	res       tabula.ExecutionResult
	err       error
	discarded []string
}

func (m *mockExecutor) Execute(_ context.Context, _ tabula.ExecRequest) (tabula.ExecutionResult, error) {
	return m.res, m.err
}

func (m *mockExecutor) Discard(res tabula.ExecutionResult) error {
	m.discarded = append(m.discarded, res.ID)
	return nil
}

type mockAnalyzer struct{ v tabula.Verdict }

func (m mockAnalyzer) Analyze(context.Context, string, tabula.SandboxPolicy) tabula.Verdict { return m.v }

// testInstruments builds instruments on the global OTEL providers, which
// are no-ops unless Init ran.
func testInstruments(t *testing.T) *Instruments {
	t.Helper()
	inst, err := newInstruments(nil)
	if err != nil {
		t.Fatalf("newInstruments: %v", err)
	}
	return inst
}

// recordingInstruments swaps in a tracer whose finished spans are captured.
func recordingInstruments(t *testing.T) (*Instruments, *tracetest.SpanRecorder) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { tp.Shutdown(context.Background()) })
	inst := testInstruments(t)
	inst.Tracer = tp.Tracer("test")
	return inst, rec
}

func attrValue(attrs []attribute.KeyValue, key attribute.Key) (attribute.Value, bool) {
	for _, a := range attrs {
		if a.Key == key {
			return a.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestObservedProviderDelegates(t *testing.T) {
	want := tabula.ChatResponse{Content: "hello", Usage: tabula.Usage{InputTokens: 10, OutputTokens: 5}}
	inner := &mockProvider{name: "test-provider", resp: want}
	op := WrapProvider(inner, "test-model", testInstruments(t))

	if op.Name() != "test-provider" {
		t.Errorf("Name() = %q", op.Name())
	}
	got, err := op.Chat(context.Background(), tabula.ChatRequest{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got.Content != want.Content || got.Usage != want.Usage {
		t.Errorf("Chat = %+v, want %+v", got, want)
	}

	_, err = op.ChatWithTools(context.Background(), tabula.ChatRequest{}, []tabula.ToolDefinition{{Name: "a"}, {Name: "b"}})
	if err != nil {
		t.Fatalf("ChatWithTools: %v", err)
	}
	if inner.toolCalls != 2 {
		t.Errorf("inner saw %d tools, want 2", inner.toolCalls)
	}
}

func TestObservedProviderError(t *testing.T) {
	wantErr := errors.New("provider unavailable")
	inst, rec := recordingInstruments(t)
	op := WrapProvider(&mockProvider{name: "p", err: wantErr}, "m", inst)

	_, err := op.ChatWithTools(context.Background(), tabula.ChatRequest{}, []tabula.ToolDefinition{{Name: "generate_analysis_code"}})
	if !errors.Is(err, wantErr) {
		t.Fatalf("error = %v, want %v", err, wantErr)
	}
	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	s := spans[0]
	if s.Name() != "llm.chat_with_tools" {
		t.Errorf("span name = %q", s.Name())
	}
	if s.Status().Code != codes.Error {
		t.Errorf("span status = %v, want Error", s.Status().Code)
	}
	if v, ok := attrValue(s.Attributes(), AttrToolCount); !ok || v.AsInt64() != 1 {
		t.Errorf("tool count attribute = %v", v)
	}
}

func TestObservedExecutor(t *testing.T) {
	inner := &mockExecutor{res: tabula.ExecutionResult{
		ID:  "exec-1",
		Err: &tabula.ExecError{Kind: tabula.KindRuntimeFault, Fault: tabula.FaultMissingColumn, Message: "'x'"},
	}}
	inst, rec := recordingInstruments(t)
	oe := WrapExecutor(inner, inst)

	res, err := oe.Execute(context.Background(), tabula.ExecRequest{Dataset: tabula.DatasetHandle{Path: "/data/sales.csv"}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ID != "exec-1" {
		t.Errorf("result not passed through: %+v", res)
	}
	spans := rec.Ended()
	if len(spans) != 1 || spans[0].Name() != "sandbox.execute" {
		t.Fatalf("unexpected spans: %v", spans)
	}
	if v, _ := attrValue(spans[0].Attributes(), AttrExecOutcome); v.AsString() != "runtime_fault" {
		t.Errorf("outcome attribute = %q", v.AsString())
	}
	if v, _ := attrValue(spans[0].Attributes(), AttrDataset); v.AsString() != "sales.csv" {
		t.Errorf("dataset attribute = %q", v.AsString())
	}

	if err := oe.Discard(res); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if len(inner.discarded) != 1 || inner.discarded[0] != "exec-1" {
		t.Errorf("discard not forwarded: %v", inner.discarded)
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		name           string
		res            tabula.ExecutionResult
		err            error
		outcome, fault string
	}{
		{"ok", tabula.ExecutionResult{}, nil, "ok", ""},
		{"infra", tabula.ExecutionResult{}, errors.New("no python"), "infra_error", ""},
		{"timeout", tabula.ExecutionResult{Err: &tabula.ExecError{Kind: tabula.KindTimeout}}, nil, "timeout", ""},
		{"fault", tabula.ExecutionResult{Err: &tabula.ExecError{Kind: tabula.KindRuntimeFault, Fault: tabula.FaultTypeMismatch}}, nil, "runtime_fault", "type-mismatch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, fault := Outcome(tt.res, tt.err)
			if outcome != tt.outcome || fault != tt.fault {
				t.Errorf("Outcome = (%q, %q), want (%q, %q)", outcome, fault, tt.outcome, tt.fault)
			}
		})
	}
}

func TestTransitionHookChains(t *testing.T) {
	var seen []tabula.State
	hook := TransitionHook(testInstruments(t), func(_ int, to tabula.State, _ tabula.RetryState) {
		seen = append(seen, to)
	})
	hook(1, tabula.StateRepairing, tabula.RetryState{MaxAttempts: 3})
	hook(1, tabula.StateFailed, tabula.RetryState{Attempts: 3, MaxAttempts: 3})
	if len(seen) != 2 || seen[1] != tabula.StateFailed {
		t.Errorf("next hook saw %v", seen)
	}

	// A nil next hook is allowed.
	TransitionHook(testInstruments(t), nil)(1, tabula.StateSucceeded, tabula.RetryState{})
}

func TestObservedAnalyzer(t *testing.T) {
	deny := tabula.Verdict{Reason: "network import", Construct: "socket", Line: 1}
	oa := WrapAnalyzer(mockAnalyzer{v: deny}, testInstruments(t))
	v := oa.Analyze(context.Background(), "import socket", tabula.SandboxPolicy{})
	if v != deny {
		t.Errorf("verdict = %+v, want %+v", v, deny)
	}
}

func TestTracerSpans(t *testing.T) {
	inst, rec := recordingInstruments(t)
	tr := NewTracer(inst)

	ctx, span := tr.Start(context.Background(), "question", tabula.IntAttr("turn", 3))
	span.SetAttr(tabula.StringAttr("status", "failed"), tabula.BoolAttr("fixed", false))
	span.Event("repair", tabula.Float64Attr("score", 0.5))
	span.Error(errors.New("boom"))
	span.End()

	_, child := tr.Start(ctx, "question.execute")
	child.Error(context.Canceled)
	child.End()

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	q := spans[0]
	if q.Status().Code != codes.Error {
		t.Errorf("question span status = %v", q.Status().Code)
	}
	if v, ok := attrValue(q.Attributes(), "turn"); !ok || v.AsInt64() != 3 {
		t.Errorf("turn attribute = %v", v)
	}
	if len(q.Events()) == 0 || q.Events()[0].Name != "repair" {
		t.Errorf("expected repair event, got %v", q.Events())
	}
	if spans[1].Status().Code == codes.Error {
		t.Error("cancellation should not mark the span failed")
	}
	if spans[1].Parent().SpanID() != q.SpanContext().SpanID() {
		t.Error("child span not parented to question span")
	}
}

func TestToOTELAttrs(t *testing.T) {
	attrs := toOTELAttrs([]tabula.SpanAttr{
		{Key: "state", Value: tabula.StateRepairing},
		{Key: "n", Value: int64(7)},
		{Key: "other", Value: []int{1}},
	})
	if attrs[0].Value.AsString() != "repairing" {
		t.Errorf("Stringer attr = %q", attrs[0].Value.AsString())
	}
	if attrs[1].Value.AsInt64() != 7 {
		t.Errorf("int64 attr = %d", attrs[1].Value.AsInt64())
	}
	if attrs[2].Value.AsString() != "[1]" {
		t.Errorf("fallback attr = %q", attrs[2].Value.AsString())
	}
}
