package tabula

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitProvider blocks requests until the configured request and token
// budgets allow them.
type rateLimitProvider struct {
	inner    Provider
	requests *rate.Limiter // nil = unlimited
	tokens   *rate.Limiter // nil = unlimited
}

// RateLimitOption configures WithRateLimit.
type RateLimitOption func(*rateLimitProvider)

// RPM limits requests per minute.
func RPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) {
		if n > 0 {
			r.requests = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), n)
		}
	}
}

// TPM limits tokens per minute (input + output). Usage is charged after each
// response, so the request that crosses the budget completes and later
// requests wait.
func TPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) {
		if n > 0 {
			r.tokens = rate.NewLimiter(rate.Limit(float64(n)/60), n)
		}
	}
}

// WithRateLimit wraps p with proactive rate limiting:
//
//	llm := tabula.WithRateLimit(tabula.WithRetry(p), tabula.RPM(60), tabula.TPM(100000))
func WithRateLimit(p Provider, opts ...RateLimitOption) Provider {
	r := &rateLimitProvider{inner: p}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *rateLimitProvider) Name() string { return r.inner.Name() }

func (r *rateLimitProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if err := r.wait(ctx); err != nil {
		return ChatResponse{}, err
	}
	resp, err := r.inner.Chat(ctx, req)
	r.charge(resp.Usage)
	return resp, err
}

func (r *rateLimitProvider) ChatWithTools(ctx context.Context, req ChatRequest, tools []ToolDefinition) (ChatResponse, error) {
	if err := r.wait(ctx); err != nil {
		return ChatResponse{}, err
	}
	resp, err := r.inner.ChatWithTools(ctx, req, tools)
	r.charge(resp.Usage)
	return resp, err
}

func (r *rateLimitProvider) wait(ctx context.Context) error {
	if r.requests != nil {
		if err := r.requests.Wait(ctx); err != nil {
			return err
		}
	}
	if r.tokens != nil {
		return r.tokens.Wait(ctx)
	}
	return nil
}

func (r *rateLimitProvider) charge(u Usage) {
	if r.tokens == nil {
		return
	}
	n := min(u.InputTokens+u.OutputTokens, r.tokens.Burst())
	if n > 0 {
		r.tokens.ReserveN(time.Now(), n)
	}
}

var _ Provider = (*rateLimitProvider)(nil)
