package tabula

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

const draftInstructions = `You are a data analyst writing Python (pandas) code to answer questions about a dataset.
The dataset is already loaded as the DataFrame df. Write one complete program that prints the answer.
Follow the execution environment rules exactly; code that breaks them is rejected before it runs.
Prefer clear, vectorised pandas operations. Label printed numbers. When a chart helps, draw it with
matplotlib or seaborn and save it with plt.savefig.` +
	"\nWhen answering in plain text, put the program in a single ```python fenced block."

const explainInstructions = `You explain the result of a data analysis to a non-technical user.
Answer the question directly, cite the numbers from the output, and keep it short.`

// Generator drafts analysis code and explains results through a Provider.
type Generator struct {
	provider   Provider
	structured bool
	params     *GenerationParams
	logger     *slog.Logger
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithStructuredOutput selects tool-call structured output (default true).
// When false, or when the provider reports ErrToolsUnsupported, replies are
// parsed as free text.
func WithStructuredOutput(enabled bool) GeneratorOption {
	return func(g *Generator) { g.structured = enabled }
}

// WithGenerationParams sets sampling parameters for every request.
func WithGenerationParams(p GenerationParams) GeneratorOption {
	return func(g *Generator) { g.params = &p }
}

// WithGeneratorLogger sets the logger.
func WithGeneratorLogger(l *slog.Logger) GeneratorOption {
	return func(g *Generator) { g.logger = l }
}

func NewGenerator(p Provider, opts ...GeneratorOption) *Generator {
	g := &Generator{provider: p, structured: true, logger: nopLogger}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Draft asks for code answering question. The request carries the
// GlobalContext, the live history and the question, in that order.
func (g *Generator) Draft(ctx context.Context, gc *GlobalContext, h *History, question string) (CodeDraft, Usage, error) {
	msgs := []ChatMessage{
		SystemMessage(draftInstructions),
		SystemMessage(gc.Text()),
	}
	if h != nil && h.Len() > 0 {
		msgs = append(msgs, UserMessage("Conversation so far:\n\n"+h.Render()))
	}
	msgs = append(msgs, UserMessage("Question: "+question))

	reply, usage, err := g.complete(ctx, msgs, generateCodeTool)
	if err != nil {
		return CodeDraft{}, usage, &GenerationError{Stage: "draft", Err: err}
	}
	d, err := ExtractDraft(reply)
	if err != nil {
		return CodeDraft{}, usage, &GenerationError{Stage: "draft", Err: err}
	}
	return d, usage, nil
}

// Explain describes a successful execution. The history is not sent.
func (g *Generator) Explain(ctx context.Context, gc *GlobalContext, question, code string, res ExecutionResult) (string, Usage, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nCode:\n```python\n%s```\n\nOutput:\n%s\n",
		question, code, truncateRunes(strings.TrimSpace(res.Stdout), maxRenderedOutput))
	if len(res.Artifacts) > 0 {
		fmt.Fprintf(&b, "\nFigures saved: %s\n", strings.Join(res.Artifacts, ", "))
	}
	msgs := []ChatMessage{
		SystemMessage(explainInstructions),
		SystemMessage(gc.Text()),
		UserMessage(b.String()),
	}
	reply, usage, err := g.complete(ctx, msgs, explainTool)
	if err != nil {
		return "", usage, &GenerationError{Stage: "explain", Err: err}
	}
	text, err := renderExplanation(reply)
	if err != nil {
		return "", usage, &GenerationError{Stage: "explain", Err: err}
	}
	return text, usage, nil
}

// complete sends msgs, preferring structured output through tool.
func (g *Generator) complete(ctx context.Context, msgs []ChatMessage, tool ToolDefinition) (Reply, Usage, error) {
	return completeWith(ctx, g.provider, g.structured, g.params, msgs, tool, g.logger)
}

func completeWith(ctx context.Context, p Provider, structured bool, params *GenerationParams, msgs []ChatMessage, tool ToolDefinition, logger *slog.Logger) (Reply, Usage, error) {
	req := ChatRequest{Messages: msgs, Params: params}
	if structured {
		resp, err := p.ChatWithTools(ctx, req, []ToolDefinition{tool})
		if err == nil {
			return ReplyOf(resp), resp.Usage, nil
		}
		if !errors.Is(err, ErrToolsUnsupported) {
			return nil, Usage{}, err
		}
		logger.Debug("structured output unavailable, using free text", "provider", p.Name(), "tool", tool.Name)
	}
	resp, err := p.Chat(ctx, req)
	if err != nil {
		return nil, Usage{}, err
	}
	return FreeTextReply{Text: resp.Content}, resp.Usage, nil
}
