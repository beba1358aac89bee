package tabula

import "context"

// Provider abstracts the generative backend that drafts, explains, repairs
// and summarizes.
type Provider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatWithTools sends a request with tool definitions. The response may
	// contain tool calls whose arguments carry structured output. Backends
	// without tool calling return ErrToolsUnsupported.
	ChatWithTools(ctx context.Context, req ChatRequest, tools []ToolDefinition) (ChatResponse, error)
	// Name returns the provider name (e.g. "gemini", "openai").
	Name() string
}
