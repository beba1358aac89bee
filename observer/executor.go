package observer

import (
	"context"
	"time"

	"github.com/CopeeeTang/tabula"

	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedExecutor wraps a tabula.Executor with OTEL instrumentation. It
// forwards Discard when the inner executor supports it.
type ObservedExecutor struct {
	inner tabula.Executor
	inst  *Instruments
}

var (
	_ tabula.Executor          = (*ObservedExecutor)(nil)
	_ tabula.ArtifactDiscarder = (*ObservedExecutor)(nil)
)

// WrapExecutor returns an instrumented executor.
func WrapExecutor(inner tabula.Executor, inst *Instruments) *ObservedExecutor {
	return &ObservedExecutor{inner: inner, inst: inst}
}

func (o *ObservedExecutor) Execute(ctx context.Context, req tabula.ExecRequest) (tabula.ExecutionResult, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "sandbox.execute", trace.WithAttributes(
		AttrDataset.String(req.Dataset.Name()),
	))
	defer span.End()
	start := time.Now()

	res, err := o.inner.Execute(ctx, req)
	durationMs := float64(time.Since(start).Milliseconds())

	outcome, fault := Outcome(res, err)
	span.SetAttributes(
		AttrExecID.String(res.ID),
		AttrExecOutcome.String(outcome),
		AttrExecArtifacts.Int(len(res.Artifacts)),
	)
	if fault != "" {
		span.SetAttributes(AttrExecFault.String(fault))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	attrs := metric.WithAttributes(AttrExecOutcome.String(outcome))
	o.inst.Executions.Add(ctx, 1, attrs)
	o.inst.ExecDuration.Record(ctx, durationMs, attrs)

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	if outcome != "ok" {
		rec.SetSeverity(otellog.SeverityWarn)
	}
	rec.SetBody(otellog.StringValue("sandbox execution completed"))
	rec.AddAttributes(
		otellog.String("sandbox.execution_id", res.ID),
		otellog.String("sandbox.outcome", outcome),
		otellog.String("sandbox.fault", fault),
		otellog.Int("sandbox.artifacts", len(res.Artifacts)),
		otellog.Float64("sandbox.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)
	return res, err
}

// Discard forwards to the inner executor; it is a no-op when the inner
// executor keeps no artifacts.
func (o *ObservedExecutor) Discard(res tabula.ExecutionResult) error {
	if d, ok := o.inner.(tabula.ArtifactDiscarder); ok {
		return d.Discard(res)
	}
	return nil
}

// Outcome labels an execution for metrics: "ok", "infra_error", or the
// error kind, plus the fault kind for runtime faults.
func Outcome(res tabula.ExecutionResult, err error) (outcome, fault string) {
	switch {
	case err != nil:
		return "infra_error", ""
	case res.Err == nil:
		return "ok", ""
	default:
		return res.Err.Kind.String(), string(res.Err.Fault)
	}
}
