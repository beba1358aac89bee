package observer

import (
	"context"

	"github.com/CopeeeTang/tabula"

	"go.opentelemetry.io/otel/metric"
)

// TransitionHook returns an Orchestrator hook counting repair rounds and
// terminal question states. Pass it with tabula.WithTransitionHook; next,
// when non-nil, is called after recording.
func TransitionHook(inst *Instruments, next tabula.TransitionFunc) tabula.TransitionFunc {
	ctx := context.Background()
	return func(turn int, to tabula.State, rs tabula.RetryState) {
		switch to {
		case tabula.StateRepairing:
			if rs.Attempts < rs.MaxAttempts {
				inst.RepairAttempts.Add(ctx, 1)
			}
		case tabula.StateSucceeded, tabula.StateFailed:
			inst.Questions.Add(ctx, 1, metric.WithAttributes(AttrQuestionStatus.String(to.String())))
		}
		if next != nil {
			next(turn, to, rs)
		}
	}
}

// ObservedAnalyzer counts Deny verdicts by reason.
type ObservedAnalyzer struct {
	inner tabula.CapabilityAnalyzer
	inst  *Instruments
}

var _ tabula.CapabilityAnalyzer = (*ObservedAnalyzer)(nil)

// WrapAnalyzer returns an analyzer that records denials.
func WrapAnalyzer(inner tabula.CapabilityAnalyzer, inst *Instruments) *ObservedAnalyzer {
	return &ObservedAnalyzer{inner: inner, inst: inst}
}

func (o *ObservedAnalyzer) Analyze(ctx context.Context, code string, policy tabula.SandboxPolicy) tabula.Verdict {
	v := o.inner.Analyze(ctx, code, policy)
	if !v.Allowed {
		o.inst.PolicyDenials.Add(ctx, 1, metric.WithAttributes(AttrDenyReason.String(v.Reason)))
	}
	return v
}
