package tabula

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestDraft_MessageOrder(t *testing.T) {
	p := script(draftStep("print(df['revenue'].sum())"))
	gc := testContext()
	h := NewHistory()
	_ = h.Append(turn(1, "Which region sells most?"))

	d, usage, err := NewGenerator(p).Draft(context.Background(), gc, h, "And the least?")
	if err != nil {
		t.Fatalf("Draft: %v", err)
	}
	if d.Code != "print(df['revenue'].sum())\n" || d.Approach != "direct" {
		t.Errorf("draft = %+v", d)
	}
	if usage.InputTokens != 10 || usage.OutputTokens != 5 {
		t.Errorf("usage = %+v", usage)
	}

	call := p.call(0)
	msgs := call.req.Messages
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[1].Content != gc.Text() {
		t.Error("instructions then global context must lead")
	}
	if !strings.HasPrefix(msgs[2].Content, "Conversation so far:") || !strings.Contains(msgs[2].Content, "Which region sells most?") {
		t.Errorf("history message = %q", msgs[2].Content)
	}
	if msgs[3].Content != "Question: And the least?" {
		t.Errorf("question message = %q", msgs[3].Content)
	}
	if len(call.tools) != 1 || call.tools[0].Name != ToolGenerateCode {
		t.Errorf("tools = %+v", call.tools)
	}
}

func TestDraft_EmptyHistoryOmitted(t *testing.T) {
	p := script(draftStep("print(1)"))
	if _, _, err := NewGenerator(p).Draft(context.Background(), testContext(), NewHistory(), "q"); err != nil {
		t.Fatal(err)
	}
	if n := len(p.call(0).req.Messages); n != 3 {
		t.Errorf("messages = %d, want 3", n)
	}
}

func TestDraft_FreeTextFallback(t *testing.T) {
	p := script(textStep("Sum it.\n\n```python\nprint(df['units'].sum())\n```\n"))
	p.noTools = true

	d, _, err := NewGenerator(p).Draft(context.Background(), testContext(), nil, "units?")
	if err != nil {
		t.Fatalf("Draft: %v", err)
	}
	if d.Code != "print(df['units'].sum())\n" {
		t.Errorf("code = %q", d.Code)
	}
	if p.call(0).tools != nil {
		t.Error("fallback request must not carry tools")
	}
}

func TestDraft_PlainMode(t *testing.T) {
	p := script(textStep("```python\nprint(2)\n```"))
	if _, _, err := NewGenerator(p, WithStructuredOutput(false)).Draft(context.Background(), testContext(), nil, "q"); err != nil {
		t.Fatal(err)
	}
	if p.call(0).tools != nil {
		t.Error("plain mode sent tools")
	}
}

func TestDraft_Errors(t *testing.T) {
	t.Run("no code", func(t *testing.T) {
		_, _, err := NewGenerator(script(textStep("I cannot answer that."))).Draft(context.Background(), testContext(), nil, "q")
		var gerr *GenerationError
		if !errors.As(err, &gerr) || gerr.Stage != "draft" || !errors.Is(err, ErrNoCode) {
			t.Fatalf("err = %v", err)
		}
	})
	t.Run("provider", func(t *testing.T) {
		boom := &ErrLLM{Provider: "fake", Message: "down"}
		_, _, err := NewGenerator(script(step{err: boom})).Draft(context.Background(), testContext(), nil, "q")
		if !errors.Is(err, boom) {
			t.Fatalf("err = %v", err)
		}
	})
}

func TestDraft_Params(t *testing.T) {
	temp := 0.2
	p := script(draftStep("print(1)"))
	g := NewGenerator(p, WithGenerationParams(GenerationParams{Temperature: &temp, MaxTokens: 512}))
	if _, _, err := g.Draft(context.Background(), testContext(), nil, "q"); err != nil {
		t.Fatal(err)
	}
	params := p.call(0).req.Params
	if params == nil || *params.Temperature != 0.2 || params.MaxTokens != 512 {
		t.Errorf("params = %+v", params)
	}
}

func TestExplain(t *testing.T) {
	p := script(explainStep("North leads with 100."))
	res := ExecutionResult{Stdout: "north 100\n", Artifacts: []string{"/out/bar.png"}}

	text, _, err := NewGenerator(p).Explain(context.Background(), testContext(), "Top region?", "print(1)\n", res)
	if err != nil || text != "North leads with 100." {
		t.Fatalf("Explain = %q, %v", text, err)
	}
	call := p.call(0)
	user := call.req.Messages[2].Content
	if !strings.Contains(user, "Output:\nnorth 100") || !strings.Contains(user, "Figures saved: /out/bar.png") {
		t.Errorf("explain prompt = %q", user)
	}
	if call.tools[0].Name != ToolExplain {
		t.Errorf("tool = %s", call.tools[0].Name)
	}

	_, _, err = NewGenerator(script(textStep("  "))).Explain(context.Background(), testContext(), "q", "c", res)
	var gerr *GenerationError
	if !errors.As(err, &gerr) || gerr.Stage != "explain" {
		t.Errorf("err = %v", err)
	}
}
