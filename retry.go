package tabula

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"time"
)

// retrying re-sends requests that failed with 429 Too Many Requests or
// 503 Service Unavailable. Drafting, explaining, repairing and summarizing
// all go through it when configured.
type retrying struct {
	next     Provider
	attempts int
	base     time.Duration
	overall  time.Duration // bound on the whole sequence; 0 = none
	logger   *slog.Logger
}

// RetryOption configures WithRetry.
type RetryOption func(*retrying)

// RetryMaxAttempts sets the total number of attempts (default 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retrying) { r.attempts = max(n, 1) }
}

// RetryBaseDelay sets the delay before the second attempt (default 1s).
// The delay doubles for each further attempt.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retrying) { r.base = d }
}

// RetryTimeout bounds the whole retry sequence. Zero disables the bound.
func RetryTimeout(d time.Duration) RetryOption {
	return func(r *retrying) { r.overall = d }
}

func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retrying) { r.logger = l }
}

// WithRetry wraps p with retries on rate limiting and overload. A
// Retry-After value carried by ErrHTTP is the minimum wait.
//
//	llm := tabula.WithRetry(openai.New(key, model), tabula.RetryMaxAttempts(5))
func WithRetry(p Provider, opts ...RetryOption) Provider {
	r := &retrying{next: p, attempts: 3, base: time.Second, logger: nopLogger}
	for _, o := range opts {
		o(r)
	}
	return r
}

var _ Provider = (*retrying)(nil)

func (r *retrying) Name() string { return r.next.Name() }

func (r *retrying) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return r.do(ctx, func(ctx context.Context) (ChatResponse, error) { return r.next.Chat(ctx, req) })
}

func (r *retrying) ChatWithTools(ctx context.Context, req ChatRequest, tools []ToolDefinition) (ChatResponse, error) {
	return r.do(ctx, func(ctx context.Context) (ChatResponse, error) { return r.next.ChatWithTools(ctx, req, tools) })
}

func (r *retrying) do(ctx context.Context, send func(context.Context) (ChatResponse, error)) (ChatResponse, error) {
	if r.overall > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.overall)
		defer cancel()
	}
	var err error
	for n := 1; ; n++ {
		var resp ChatResponse
		resp, err = send(ctx)
		status, retry := retryable(err)
		if !retry {
			return resp, err
		}
		if n == r.attempts {
			break
		}
		wait := retryBackoff(r.base, n-1)
		var he *ErrHTTP
		if errors.As(err, &he) && he.RetryAfter > wait {
			wait = he.RetryAfter
		}
		r.logger.Warn("generative service busy, retrying",
			"provider", r.next.Name(), "status", status, "attempt", n, "wait", wait)
		if err := sleep(ctx, wait); err != nil {
			return ChatResponse{}, err
		}
	}
	r.logger.Error("generative service still busy, giving up",
		"provider", r.next.Name(), "attempts", r.attempts, "error", err)
	return ChatResponse{}, err
}

// retryable reports the HTTP status of err and whether it is worth retrying.
func retryable(err error) (int, bool) {
	var he *ErrHTTP
	if !errors.As(err, &he) {
		return 0, false
	}
	return he.Status, he.Status == http.StatusTooManyRequests || he.Status == http.StatusServiceUnavailable
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retryBackoff is base * 2^i plus up to 50% jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base << i
	return exp + time.Duration(rand.Int63n(int64(exp)/2+1))
}
