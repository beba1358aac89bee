package gemini

import "log/slog"

// Option configures a Gemini provider.
type Option func(*Gemini)

// WithTemperature sets the sampling temperature (default 0.1).
func WithTemperature(t float64) Option {
	return func(g *Gemini) { g.temperature = t }
}

// WithTopP sets nucleus sampling top-p (default 0.9).
func WithTopP(p float64) Option {
	return func(g *Gemini) { g.topP = p }
}

// WithMaxTokens caps the reply length. Zero leaves the model default.
func WithMaxTokens(n int) Option {
	return func(g *Gemini) { g.maxTokens = n }
}

// WithBaseURL points the client at a different API endpoint, e.g. a proxy
// or a test server.
func WithBaseURL(u string) Option {
	return func(g *Gemini) { g.baseURL = u }
}

// WithLogger sets a structured logger for the provider.
// If not set, nothing is logged.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gemini) { g.logger = l }
}
