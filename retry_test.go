package tabula

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithRetry(t *testing.T) {
	tests := []struct {
		name      string
		steps     []step
		opts      []RetryOption
		wantErr   bool
		wantCalls int
	}{
		{
			name:      "first attempt succeeds",
			steps:     []step{textStep("ok")},
			wantCalls: 1,
		},
		{
			name:      "retries 503",
			steps:     []step{{err: &ErrHTTP{Status: 503}}, textStep("ok")},
			wantCalls: 2,
		},
		{
			name:      "retries 429",
			steps:     []step{{err: &ErrHTTP{Status: 429}}, {err: &ErrHTTP{Status: 429}}, textStep("ok")},
			wantCalls: 3,
		},
		{
			name:      "does not retry 400",
			steps:     []step{{err: &ErrHTTP{Status: 400, Body: "bad request"}}, textStep("ok")},
			wantErr:   true,
			wantCalls: 1,
		},
		{
			name:      "does not retry non-HTTP errors",
			steps:     []step{{err: &ErrLLM{Provider: "fake", Message: "boom"}}, textStep("ok")},
			wantErr:   true,
			wantCalls: 1,
		},
		{
			name:      "exhausts attempts",
			steps:     []step{{err: &ErrHTTP{Status: 503}}, {err: &ErrHTTP{Status: 503}}, {err: &ErrHTTP{Status: 503}}},
			opts:      []RetryOption{RetryMaxAttempts(2)},
			wantErr:   true,
			wantCalls: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := script(tt.steps...)
			p := WithRetry(fake, append([]RetryOption{RetryBaseDelay(0)}, tt.opts...)...)
			resp, err := p.Chat(context.Background(), ChatRequest{})
			if tt.wantErr != (err != nil) {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && resp.Content != "ok" {
				t.Errorf("content = %q, want ok", resp.Content)
			}
			if got := fake.callCount(); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestWithRetry_ChatWithToolsKeepsTools(t *testing.T) {
	fake := script(step{err: &ErrHTTP{Status: 429}}, draftStep("print(1)"))
	p := WithRetry(fake, RetryBaseDelay(0))
	resp, err := p.ChatWithTools(context.Background(), ChatRequest{}, []ToolDefinition{generateCodeTool})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	if got := fake.call(1).tools; len(got) != 1 || got[0].Name != ToolGenerateCode {
		t.Errorf("retried call tools = %+v", got)
	}
}

func TestWithRetry_ToolsUnsupportedPassesThrough(t *testing.T) {
	fake := &fakeProvider{noTools: true}
	_, err := WithRetry(fake, RetryBaseDelay(0)).ChatWithTools(context.Background(), ChatRequest{}, nil)
	if !errors.Is(err, ErrToolsUnsupported) {
		t.Fatalf("err = %v, want ErrToolsUnsupported", err)
	}
}

func TestWithRetry_RespectsRetryAfter(t *testing.T) {
	fake := script(step{err: &ErrHTTP{Status: 429, RetryAfter: 100 * time.Millisecond}}, textStep("ok"))
	p := WithRetry(fake, RetryBaseDelay(0))

	start := time.Now()
	if _, err := p.Chat(context.Background(), ChatRequest{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("retry was too fast: %v, expected at least ~100ms from Retry-After", elapsed)
	}
}

func TestWithRetry_Timeout(t *testing.T) {
	fake := script(
		step{err: &ErrHTTP{Status: 429, RetryAfter: 100 * time.Millisecond}},
		step{err: &ErrHTTP{Status: 429, RetryAfter: 100 * time.Millisecond}},
		textStep("ok"),
	)
	p := WithRetry(fake, RetryBaseDelay(0), RetryTimeout(50*time.Millisecond))
	_, err := p.Chat(context.Background(), ChatRequest{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if fake.callCount() != 1 {
		t.Errorf("calls = %d, want 1", fake.callCount())
	}
}

func TestWithRetry_Name(t *testing.T) {
	if got := WithRetry(script()).Name(); got != "fake" {
		t.Errorf("Name() = %q", got)
	}
}

func TestRetryBackoffGrows(t *testing.T) {
	base := 10 * time.Millisecond
	for i := 0; i < 4; i++ {
		d := retryBackoff(base, i)
		lo := base * (1 << i)
		if d < lo || d > lo+lo/2 {
			t.Errorf("backoff(%d) = %v, want in [%v, %v]", i, d, lo, lo+lo/2)
		}
	}
}
