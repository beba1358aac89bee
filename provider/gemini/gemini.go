// Package gemini implements tabula.Provider on the Google Gen AI SDK.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/CopeeeTang/tabula"
)

// Gemini implements tabula.Provider for Google Gemini models.
type Gemini struct {
	client *genai.Client
	model  string

	temperature float64
	topP        float64
	maxTokens   int
	baseURL     string
	logger      *slog.Logger
}

var _ tabula.Provider = (*Gemini)(nil)

// New creates a Gemini provider. The API key may be empty, in which case the
// SDK reads GOOGLE_API_KEY / GEMINI_API_KEY from the environment.
func New(ctx context.Context, apiKey, model string, opts ...Option) (*Gemini, error) {
	g := &Gemini{
		model:       model,
		temperature: 0.1,
		topP:        0.9,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.New(slog.DiscardHandler)
	}
	cc := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if g.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: g.baseURL}
	}
	cli, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, g.wrapErr("create client: " + err.Error())
	}
	g.client = cli
	return g, nil
}

// Name returns "gemini".
func (g *Gemini) Name() string { return "gemini" }

// Chat sends a chat request and returns the complete response.
func (g *Gemini) Chat(ctx context.Context, req tabula.ChatRequest) (tabula.ChatResponse, error) {
	return g.generate(ctx, req, nil)
}

// ChatWithTools sends a chat request with function declarations. A single
// tool is forced with function-calling mode ANY so the reply is structured.
func (g *Gemini) ChatWithTools(ctx context.Context, req tabula.ChatRequest, tools []tabula.ToolDefinition) (tabula.ChatResponse, error) {
	return g.generate(ctx, req, tools)
}

func (g *Gemini) generate(ctx context.Context, req tabula.ChatRequest, tools []tabula.ToolDefinition) (tabula.ChatResponse, error) {
	contents, system, err := buildContents(req.Messages)
	if err != nil {
		return tabula.ChatResponse{}, g.wrapErr("build contents: " + err.Error())
	}
	cfg := g.buildConfig(req.Params, tools)
	if system != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		g.logger.Debug("gemini request failed", "model", g.model, "tools", len(tools), "error", err)
		return tabula.ChatResponse{}, g.mapErr(err)
	}
	return parseResponse(resp), nil
}

func (g *Gemini) buildConfig(params *tabula.GenerationParams, tools []tabula.ToolDefinition) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(g.temperature)),
		TopP:        genai.Ptr(float32(g.topP)),
	}
	if g.maxTokens > 0 {
		cfg.MaxOutputTokens = int32(g.maxTokens)
	}
	if params != nil {
		if params.Temperature != nil {
			cfg.Temperature = genai.Ptr(float32(*params.Temperature))
		}
		if params.MaxTokens > 0 {
			cfg.MaxOutputTokens = int32(params.MaxTokens)
		}
	}
	if len(tools) == 0 {
		return cfg
	}

	decls := make([]*genai.FunctionDeclaration, len(tools))
	names := make([]string, len(tools))
	for i, t := range tools {
		decls[i] = &genai.FunctionDeclaration{
			Name:                 t.Name,
			Description:          t.Description,
			ParametersJsonSchema: t.Parameters,
		}
		names[i] = t.Name
	}
	cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	mode := genai.FunctionCallingConfigModeAuto
	if len(tools) == 1 {
		mode = genai.FunctionCallingConfigModeAny
	}
	cfg.ToolConfig = &genai.ToolConfig{FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: mode}}
	if mode == genai.FunctionCallingConfigModeAny {
		cfg.ToolConfig.FunctionCallingConfig.AllowedFunctionNames = names
	}
	return cfg
}

// buildContents converts chat messages to Gemini contents. System messages
// are joined into the returned system instruction.
func buildContents(messages []tabula.ChatMessage) ([]*genai.Content, string, error) {
	var system []string
	var contents []*genai.Content
	callNames := map[string]string{} // tool call ID -> function name

	for _, m := range messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "user":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		case "assistant":
			c := &genai.Content{Role: genai.RoleModel}
			if m.Content != "" {
				c.Parts = append(c.Parts, genai.NewPartFromText(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				if len(tc.Args) > 0 {
					if err := json.Unmarshal(tc.Args, &args); err != nil {
						return nil, "", fmt.Errorf("tool call %s args: %w", tc.Name, err)
					}
				}
				callNames[tc.ID] = tc.Name
				c.Parts = append(c.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args}})
			}
			if len(c.Parts) == 0 {
				c.Parts = []*genai.Part{genai.NewPartFromText(" ")}
			}
			contents = append(contents, c)
		case "tool":
			name := callNames[m.ToolCallID]
			if name == "" {
				return nil, "", fmt.Errorf("tool result %q has no matching call", m.ToolCallID)
			}
			part := genai.NewPartFromFunctionResponse(name, map[string]any{"output": m.Content})
			part.FunctionResponse.ID = m.ToolCallID
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{part}})
		default:
			return nil, "", fmt.Errorf("unknown role %q", m.Role)
		}
	}
	return contents, strings.Join(system, "\n\n"), nil
}

func parseResponse(resp *genai.GenerateContentResponse) tabula.ChatResponse {
	var out tabula.ChatResponse
	if resp == nil {
		return out
	}
	if resp.UsageMetadata != nil {
		out.Usage = tabula.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out
	}
	var text strings.Builder
	for i, p := range resp.Candidates[0].Content.Parts {
		switch {
		case p.FunctionCall != nil:
			args, _ := json.Marshal(p.FunctionCall.Args)
			id := p.FunctionCall.ID
			if id == "" {
				id = fmt.Sprintf("call_%d", i)
			}
			out.ToolCalls = append(out.ToolCalls, tabula.ToolCall{ID: id, Name: p.FunctionCall.Name, Args: args})
		case p.Text != "" && !p.Thought:
			text.WriteString(p.Text)
		}
	}
	out.Content = text.String()
	return out
}

func (g *Gemini) wrapErr(msg string) error {
	return &tabula.ErrLLM{Provider: "gemini", Message: msg}
}

// mapErr converts SDK errors to tabula.ErrHTTP so retry can see the status
// and the server-suggested delay.
func (g *Gemini) mapErr(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &tabula.ErrHTTP{Status: apiErr.Code, Body: apiErr.Message, RetryAfter: retryDelay(apiErr.Details)}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return &tabula.ErrHTTP{Status: apiErrPtr.Code, Body: apiErrPtr.Message, RetryAfter: retryDelay(apiErrPtr.Details)}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return g.wrapErr(err.Error())
}

// retryDelay extracts the retryDelay from a google.rpc.RetryInfo detail.
// Returns 0 if not found or unparseable.
func retryDelay(details []map[string]any) time.Duration {
	for _, d := range details {
		if t, _ := d["@type"].(string); t != "type.googleapis.com/google.rpc.RetryInfo" {
			continue
		}
		if s, _ := d["retryDelay"].(string); s != "" {
			if dur, err := time.ParseDuration(s); err == nil {
				return dur
			}
		}
	}
	return 0
}
