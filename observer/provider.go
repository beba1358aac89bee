package observer

import (
	"context"
	"time"

	"github.com/CopeeeTang/tabula"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedProvider wraps a tabula.Provider with OTEL instrumentation.
type ObservedProvider struct {
	inner tabula.Provider
	inst  *Instruments
	model string
}

var _ tabula.Provider = (*ObservedProvider)(nil)

// WrapProvider returns an instrumented provider that emits traces, metrics, and logs.
func WrapProvider(inner tabula.Provider, model string, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: inner, inst: inst, model: model}
}

func (o *ObservedProvider) Name() string { return o.inner.Name() }

func (o *ObservedProvider) Chat(ctx context.Context, req tabula.ChatRequest) (tabula.ChatResponse, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.chat", trace.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
	))
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Chat(ctx, req)
	o.record(ctx, span, "chat", time.Since(start), resp.Usage, err)
	return resp, err
}

func (o *ObservedProvider) ChatWithTools(ctx context.Context, req tabula.ChatRequest, tools []tabula.ToolDefinition) (tabula.ChatResponse, error) {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	ctx, span := o.inst.Tracer.Start(ctx, "llm.chat_with_tools", trace.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
		AttrToolCount.Int(len(tools)),
		AttrToolNames.StringSlice(names),
	))
	defer span.End()
	start := time.Now()

	resp, err := o.inner.ChatWithTools(ctx, req, tools)
	o.record(ctx, span, "chat_with_tools", time.Since(start), resp.Usage, err)
	return resp, err
}

func (o *ObservedProvider) record(ctx context.Context, span trace.Span, method string, elapsed time.Duration, usage tabula.Usage, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	durationMs := float64(elapsed.Milliseconds())
	cost := o.inst.Cost.UsageCost(o.model, usage)

	span.SetAttributes(
		AttrTokensInput.Int(usage.InputTokens),
		AttrTokensOutput.Int(usage.OutputTokens),
		AttrCostUSD.Float64(cost),
	)

	base := []attribute.KeyValue{
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
	}
	withMethod := metric.WithAttributes(append(base, AttrLLMMethod.String(method))...)
	o.inst.TokenUsage.Add(ctx, int64(usage.InputTokens), metric.WithAttributes(append(base, attribute.String("direction", "input"))...))
	o.inst.TokenUsage.Add(ctx, int64(usage.OutputTokens), metric.WithAttributes(append(base, attribute.String("direction", "output"))...))
	o.inst.CostTotal.Add(ctx, cost, withMethod)
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(append(base, AttrLLMMethod.String(method), attribute.String("status", status))...))
	o.inst.LLMDuration.Record(ctx, durationMs, withMethod)

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("llm call completed"))
	rec.AddAttributes(
		otellog.String("llm.model", o.model),
		otellog.String("llm.provider", o.inner.Name()),
		otellog.String("llm.method", method),
		otellog.Int("llm.tokens.input", usage.InputTokens),
		otellog.Int("llm.tokens.output", usage.OutputTokens),
		otellog.Float64("llm.cost_usd", cost),
		otellog.Float64("llm.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)
}
