package observer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CopeeeTang/tabula"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer adapts an OTEL tracer to tabula.Tracer so the Orchestrator and
// Compactor can open spans without importing OpenTelemetry.
type Tracer struct {
	inner trace.Tracer
}

// NewTracer returns a Tracer on inst's tracer, or on the global provider
// when inst is nil. Without Init the global provider is a no-op.
func NewTracer(inst *Instruments) *Tracer {
	if inst != nil {
		return &Tracer{inner: inst.Tracer}
	}
	return &Tracer{inner: otel.Tracer(scopeName)}
}

func (t *Tracer) Start(ctx context.Context, name string, attrs ...tabula.SpanAttr) (context.Context, tabula.Span) {
	ctx, span := t.inner.Start(ctx, name, trace.WithAttributes(toOTELAttrs(attrs)...))
	return ctx, otelSpan{span}
}

// otelSpan implements tabula.Span on an OTEL span.
type otelSpan struct {
	trace.Span
}

func (s otelSpan) SetAttr(attrs ...tabula.SpanAttr) {
	s.SetAttributes(toOTELAttrs(attrs)...)
}

func (s otelSpan) Event(name string, attrs ...tabula.SpanAttr) {
	s.AddEvent(name, trace.WithAttributes(toOTELAttrs(attrs)...))
}

// Error records err. Cancellation is recorded as an event, not a failure.
func (s otelSpan) Error(err error) {
	if errors.Is(err, context.Canceled) {
		s.AddEvent("canceled")
		return
	}
	s.RecordError(err)
	s.SetStatus(codes.Error, err.Error())
}

func (s otelSpan) End() {
	s.Span.End()
}

func toOTELAttrs(attrs []tabula.SpanAttr) []attribute.KeyValue {
	out := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		switch v := a.Value.(type) {
		case string:
			out[i] = attribute.String(a.Key, v)
		case int:
			out[i] = attribute.Int(a.Key, v)
		case int64:
			out[i] = attribute.Int64(a.Key, v)
		case float64:
			out[i] = attribute.Float64(a.Key, v)
		case bool:
			out[i] = attribute.Bool(a.Key, v)
		case time.Duration:
			out[i] = attribute.Float64(a.Key, float64(v.Milliseconds()))
		case fmt.Stringer:
			out[i] = attribute.String(a.Key, v.String())
		default:
			out[i] = attribute.String(a.Key, fmt.Sprintf("%v", v))
		}
	}
	return out
}

var (
	_ tabula.Tracer = (*Tracer)(nil)
	_ tabula.Span   = otelSpan{}
)
