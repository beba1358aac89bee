// Package resolve builds a tabula.Provider from a provider-agnostic config.
package resolve

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/CopeeeTang/tabula"
	"github.com/CopeeeTang/tabula/provider/gemini"
	"github.com/CopeeeTang/tabula/provider/openai"
)

// Config holds provider-agnostic configuration for creating a chat Provider.
type Config struct {
	Provider string // "gemini", "openai", "groq", "deepseek", "together", "mistral", "ollama"
	APIKey   string
	Model    string
	BaseURL  string // optional; auto-filled for known OpenAI-compatible providers

	// Common cross-provider options (nil = use provider default).
	Temperature *float64
	TopP        *float64
	MaxTokens   int

	Logger *slog.Logger
}

// Provider creates a tabula.Provider from a provider-agnostic Config.
func Provider(ctx context.Context, cfg Config) (tabula.Provider, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("resolve: provider %q needs a model", cfg.Provider)
	}
	switch cfg.Provider {
	case "gemini":
		return geminiProvider(ctx, cfg)
	case "openai", "groq", "deepseek", "together", "mistral", "ollama":
		return openaiProvider(cfg), nil
	default:
		return nil, fmt.Errorf("resolve: unknown provider %q", cfg.Provider)
	}
}

func geminiProvider(ctx context.Context, cfg Config) (tabula.Provider, error) {
	var opts []gemini.Option
	if cfg.Temperature != nil {
		opts = append(opts, gemini.WithTemperature(*cfg.Temperature))
	}
	if cfg.TopP != nil {
		opts = append(opts, gemini.WithTopP(*cfg.TopP))
	}
	if cfg.MaxTokens > 0 {
		opts = append(opts, gemini.WithMaxTokens(cfg.MaxTokens))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, gemini.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Logger != nil {
		opts = append(opts, gemini.WithLogger(cfg.Logger))
	}
	return gemini.New(ctx, cfg.APIKey, cfg.Model, opts...)
}

func openaiProvider(cfg Config) tabula.Provider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL(cfg.Provider)
	}
	opts := []openai.Option{openai.WithName(cfg.Provider), openai.WithBaseURL(baseURL)}
	if cfg.Temperature != nil {
		opts = append(opts, openai.WithTemperature(*cfg.Temperature))
	}
	if cfg.TopP != nil {
		opts = append(opts, openai.WithTopP(*cfg.TopP))
	}
	if cfg.Provider == "ollama" {
		// Ollama rejects a named tool_choice.
		opts = append(opts, openai.WithToolChoice(false))
	}
	if cfg.Logger != nil {
		opts = append(opts, openai.WithLogger(cfg.Logger))
	}
	return openai.New(cfg.APIKey, cfg.Model, opts...)
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "together":
		return "https://api.together.xyz/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	default:
		return ""
	}
}
