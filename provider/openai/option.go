package openai

import (
	"log/slog"
	"net/http"
)

// Option configures a Provider.
type Option func(*Provider)

// WithName sets the provider name returned by Name() (default "openai").
// Use this to distinguish OpenAI-compatible backends in logs and metrics.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithBaseURL sets the API base (e.g. "https://api.groq.com/openai/v1",
// "http://localhost:11434/v1").
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithHTTPClient sets a custom HTTP client (e.g. for timeouts or proxies).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithTemperature sets the default sampling temperature.
func WithTemperature(t float64) Option {
	return func(p *Provider) { p.temperature = &t }
}

// WithTopP sets the default nucleus sampling top-p.
func WithTopP(v float64) Option {
	return func(p *Provider) { p.topP = &v }
}

// WithToolChoice forces the model to call the tool when exactly one is
// offered (default true). Some compatible servers reject a named
// tool_choice; disable it for those.
func WithToolChoice(enabled bool) Option {
	return func(p *Provider) { p.forceTool = enabled }
}

// WithLogger sets a structured logger for the provider.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}
