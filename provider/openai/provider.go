// Package openai implements tabula.Provider for the OpenAI chat completions
// API and the many services compatible with it (Groq, DeepSeek, Together,
// Mistral, Ollama, vLLM).
package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/CopeeeTang/tabula"
)

// Provider implements tabula.Provider on github.com/sashabaranov/go-openai.
type Provider struct {
	client      *goopenai.Client
	model       string
	name        string
	baseURL     string
	httpClient  *http.Client
	temperature *float64
	topP        *float64
	forceTool   bool
	logger      *slog.Logger
}

var _ tabula.Provider = (*Provider)(nil)

// New creates a chat provider. The base URL defaults to the OpenAI API.
func New(apiKey, model string, opts ...Option) *Provider {
	p := &Provider{model: model, name: "openai", forceTool: true}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.New(slog.DiscardHandler)
	}
	cfg := goopenai.DefaultConfig(apiKey)
	if p.baseURL != "" {
		cfg.BaseURL = p.baseURL
	}
	if p.httpClient != nil {
		cfg.HTTPClient = p.httpClient
	}
	p.client = goopenai.NewClientWithConfig(cfg)
	return p
}

// Name returns the provider name (default "openai", configurable via WithName).
func (p *Provider) Name() string { return p.name }

// Chat sends a chat completion request.
func (p *Provider) Chat(ctx context.Context, req tabula.ChatRequest) (tabula.ChatResponse, error) {
	return p.complete(ctx, p.buildRequest(req, nil))
}

// ChatWithTools sends a chat completion request with function tools.
func (p *Provider) ChatWithTools(ctx context.Context, req tabula.ChatRequest, tools []tabula.ToolDefinition) (tabula.ChatResponse, error) {
	return p.complete(ctx, p.buildRequest(req, tools))
}

func (p *Provider) complete(ctx context.Context, req goopenai.ChatCompletionRequest) (tabula.ChatResponse, error) {
	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		p.logger.Debug("chat completion failed", "provider", p.name, "model", p.model, "error", err)
		return tabula.ChatResponse{}, p.mapErr(err)
	}
	return parseResponse(resp), nil
}

func (p *Provider) buildRequest(req tabula.ChatRequest, tools []tabula.ToolDefinition) goopenai.ChatCompletionRequest {
	out := goopenai.ChatCompletionRequest{
		Model:    p.model,
		Messages: buildMessages(req.Messages),
	}
	if p.temperature != nil {
		out.Temperature = float32(*p.temperature)
	}
	if p.topP != nil {
		out.TopP = float32(*p.topP)
	}
	if req.Params != nil {
		if req.Params.Temperature != nil {
			out.Temperature = float32(*req.Params.Temperature)
		}
		if req.Params.MaxTokens > 0 {
			out.MaxTokens = req.Params.MaxTokens
		}
	}
	for _, t := range tools {
		out.Tools = append(out.Tools, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if len(tools) == 1 && p.forceTool {
		out.ToolChoice = goopenai.ToolChoice{
			Type:     goopenai.ToolTypeFunction,
			Function: goopenai.ToolFunction{Name: tools[0].Name},
		}
	}
	return out
}

func buildMessages(msgs []tabula.ChatMessage) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		cm := goopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, goopenai.ToolCall{
				ID:       tc.ID,
				Type:     goopenai.ToolTypeFunction,
				Function: goopenai.FunctionCall{Name: tc.Name, Arguments: string(tc.Args)},
			})
		}
		out = append(out, cm)
	}
	return out
}

func parseResponse(resp goopenai.ChatCompletionResponse) tabula.ChatResponse {
	out := tabula.ChatResponse{Usage: tabula.Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}}
	if len(resp.Choices) == 0 {
		return out
	}
	msg := resp.Choices[0].Message
	out.Content = msg.Content
	for i, tc := range msg.ToolCalls {
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		}
		out.ToolCalls = append(out.ToolCalls, tabula.ToolCall{ID: id, Name: tc.Function.Name, Args: []byte(args)})
	}
	return out
}

// mapErr converts client errors to tabula.ErrHTTP so retry can see the status.
func (p *Provider) mapErr(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusBadRequest && isToolsRejection(apiErr.Message) {
			return fmt.Errorf("%s: %w", p.name, tabula.ErrToolsUnsupported)
		}
		return &tabula.ErrHTTP{Status: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return &tabula.ErrHTTP{Status: reqErr.HTTPStatusCode, Body: reqErr.Error()}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &tabula.ErrLLM{Provider: p.name, Message: err.Error()}
}

// isToolsRejection reports whether a 400 response says the model or server
// cannot do tool calling.
func isToolsRejection(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "tool") &&
		(strings.Contains(m, "not support") || strings.Contains(m, "unsupported"))
}
