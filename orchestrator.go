package tabula

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// State is a step of the per-question lifecycle.
type State int

const (
	StateDrafting State = iota + 1
	StateAnalyzing
	StateExecuting
	StateRepairing
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDrafting:
		return "drafting"
	case StateAnalyzing:
		return "analyzing"
	case StateExecuting:
		return "executing"
	case StateRepairing:
		return "repairing"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RetryState tracks repair attempts for the question in flight. It is
// discarded once the question reaches a terminal state.
type RetryState struct {
	Attempts    int
	MaxAttempts int
	Executions  int
	PriorErrors []string
}

// TransitionFunc observes lifecycle transitions. It runs synchronously on
// the question's goroutine.
type TransitionFunc func(turn int, to State, rs RetryState)

// Orchestrator answers questions one at a time for a single Session.
type Orchestrator struct {
	mu sync.Mutex

	session   *Session
	generator *Generator
	analyzer  CapabilityAnalyzer
	executor  Executor
	repairer  *RepairAnalyzer
	compactor *Compactor
	store     SessionStore

	budget      Budget
	maxAttempts int
	onState     TransitionFunc
	logger      *slog.Logger
	tracer      Tracer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxAttempts sets the repair attempts allowed per question (default 3).
// A question is executed at most MaxAttempts+1 times.
func WithMaxAttempts(n int) Option {
	return func(o *Orchestrator) { o.maxAttempts = max(n, 0) }
}

// WithBudget sets the context budget (default DefaultBudget).
func WithBudget(b Budget) Option {
	return func(o *Orchestrator) { o.budget = b }
}

// WithRepairAnalyzer replaces the default repair analyzer, which uses the
// generator's provider.
func WithRepairAnalyzer(r *RepairAnalyzer) Option {
	return func(o *Orchestrator) { o.repairer = r }
}

// WithCompactor replaces the default compactor, which summarizes through the
// generator's provider.
func WithCompactor(c *Compactor) Option {
	return func(o *Orchestrator) { o.compactor = c }
}

// WithSessionStore persists the session after every question.
func WithSessionStore(s SessionStore) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithTransitionHook registers fn to observe lifecycle transitions.
func WithTransitionHook(fn TransitionFunc) Option {
	return func(o *Orchestrator) { o.onState = fn }
}

// WithLogger sets the logger used for pipeline events.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithTracer sets the tracer that wraps each pipeline stage in a span.
func WithTracer(t Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// NewOrchestrator wires the components for sess.
func NewOrchestrator(sess *Session, gen *Generator, analyzer CapabilityAnalyzer, exec Executor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		session:     sess,
		generator:   gen,
		analyzer:    analyzer,
		executor:    exec,
		budget:      DefaultBudget(),
		maxAttempts: 3,
		logger:      nopLogger,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.repairer == nil {
		o.repairer = NewRepairAnalyzer(gen.provider, RepairStructuredOutput(gen.structured), RepairLogger(o.logger))
	}
	if o.compactor == nil {
		o.compactor = NewCompactor(NewProviderSummarizer(gen.provider), CompactorLogger(o.logger), CompactorTracer(o.tracer))
	}
	return o
}

// Session returns the orchestrated session.
func (o *Orchestrator) Session() *Session { return o.session }

// Ask runs one question to a terminal state and appends exactly one turn.
// Failed questions are returned as turns with StatusFailed and a nil error.
// A non-nil error (cancellation, executor infrastructure failure) means no
// turn was appended.
func (o *Orchestrator) Ask(ctx context.Context, question string) (ConversationTurn, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return ConversationTurn{}, errors.New("orchestrator: empty question")
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	h := o.session.History
	idx := h.NextIndex()
	ctx, span := startSpan(ctx, o.tracer, "question", IntAttr("turn", idx))
	defer span.End()
	log := o.logger.With("session", o.session.ID, "turn", idx)

	o.compactIfNeeded(ctx, log)

	turn, err := o.run(ctx, idx, question, log)
	if err != nil {
		span.Error(err)
		return ConversationTurn{}, err
	}
	turn.Timestamp = now()
	turn.TokenCost = o.compactor.Estimator().Estimate(turn.Render())
	if err := h.Append(turn); err != nil {
		return ConversationTurn{}, fmt.Errorf("orchestrator: %w", err)
	}
	span.SetAttr(StringAttr("status", turn.Status.String()), IntAttr("attempts", turn.Attempts))
	log.Info("question finished", "status", turn.Status, "attempts", turn.Attempts, "tokens", turn.TokenCost)

	o.persist(ctx, log)
	return turn, nil
}

func (o *Orchestrator) run(ctx context.Context, idx int, question string, log *slog.Logger) (ConversationTurn, error) {
	gc := o.session.Context
	rs := RetryState{MaxAttempts: o.maxAttempts}
	turn := ConversationTurn{Index: idx, Question: question}

	o.transition(idx, StateDrafting, rs)
	dctx, dspan := startSpan(ctx, o.tracer, "question.draft")
	draft, _, err := o.generator.Draft(dctx, gc, o.session.History, question)
	dspan.End()
	if err != nil {
		if ctx.Err() != nil {
			return turn, ctx.Err()
		}
		log.Warn("draft failed", "error", err)
		turn.Status = StatusFailed
		turn.RootCause = err.Error()
		o.transition(idx, StateFailed, rs)
		return turn, nil
	}
	turn.Approach = draft.Approach
	code := draft.Code

	for {
		turn.Code = code
		o.transition(idx, StateAnalyzing, rs)
		v := o.analyzer.Analyze(ctx, code, gc.Policy())

		var res ExecutionResult
		if !v.Allowed {
			log.Info("code denied", "reason", v.Reason, "construct", v.Construct, "attempt", rs.Attempts)
			res = ExecutionResult{ID: NewID(), Err: PolicyViolation(v)}
		} else {
			o.transition(idx, StateExecuting, rs)
			rs.Executions++
			res, err = o.execute(ctx, code)
			if err != nil {
				return turn, err
			}
			if res.OK() {
				turn.Result = res
				break
			}
			log.Info("execution failed", "error", res.Err.Error(), "attempt", rs.Attempts)
		}
		turn.Result = res
		if ctx.Err() != nil {
			return turn, ctx.Err()
		}

		o.transition(idx, StateRepairing, rs)
		if rs.Attempts >= rs.MaxAttempts {
			turn.Status = StatusFailed
			turn.Attempts = rs.Attempts
			o.transition(idx, StateFailed, rs)
			return turn, nil
		}
		outcome := o.repair(ctx, RepairRequest{
			Question:    question,
			Code:        code,
			Result:      res,
			Attempt:     rs.Attempts + 1,
			PriorErrors: rs.PriorErrors,
		}, res)
		if ctx.Err() != nil {
			return turn, ctx.Err()
		}
		rs.PriorErrors = append(rs.PriorErrors, res.Err.Error())
		if outcome.RootCause != "" {
			turn.RootCause = outcome.RootCause
		}
		if !outcome.Fixed {
			if turn.RootCause == "" && outcome.Err != nil {
				turn.RootCause = "no fix derived: " + outcome.Err.Error()
			}
			turn.Status = StatusFailed
			turn.Attempts = rs.Attempts
			o.transition(idx, StateFailed, rs)
			return turn, nil
		}
		rs.Attempts++
		log.Info("repair produced replacement code", "attempt", rs.Attempts, "root_cause", outcome.RootCause)
		code = outcome.Code
	}

	turn.Attempts = rs.Attempts
	turn.RootCause = ""
	turn.Status = StatusSucceeded
	o.transition(idx, StateSucceeded, rs)

	explanation, _, err := o.generator.Explain(ctx, gc, question, turn.Code, turn.Result)
	if err != nil {
		if ctx.Err() != nil {
			return turn, ctx.Err()
		}
		log.Warn("explanation failed, keeping result", "error", err)
		explanation = "(explanation unavailable)"
	}
	turn.Explanation = explanation
	return turn, nil
}

func (o *Orchestrator) execute(ctx context.Context, code string) (ExecutionResult, error) {
	ctx, span := startSpan(ctx, o.tracer, "question.execute")
	defer span.End()
	gc := o.session.Context
	res, err := o.executor.Execute(ctx, ExecRequest{Code: code, Dataset: gc.Dataset(), Policy: gc.Policy()})
	if err != nil {
		span.Error(err)
		return res, fmt.Errorf("orchestrator: execute: %w", err)
	}
	span.SetAttr(BoolAttr("ok", res.OK()), IntAttr("artifacts", len(res.Artifacts)))
	if res.Err != nil {
		span.SetAttr(StringAttr("error_kind", res.Err.Kind.String()))
	}
	return res, nil
}

// repair awaits the isolated diagnosis while the failed run's artifacts are
// cleaned up.
func (o *Orchestrator) repair(ctx context.Context, req RepairRequest, failed ExecutionResult) RepairOutcome {
	ctx, span := startSpan(ctx, o.tracer, "question.repair", IntAttr("attempt", req.Attempt))
	defer span.End()

	pending := o.repairer.Start(ctx, o.session.Context, req)
	var outcome RepairOutcome
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case outcome = <-pending:
			return nil
		case <-gctx.Done():
			outcome = RepairOutcome{Err: gctx.Err()}
			return nil
		}
	})
	g.Go(func() error {
		d, ok := o.executor.(ArtifactDiscarder)
		if !ok || len(failed.Artifacts) == 0 {
			return nil
		}
		if err := d.Discard(failed); err != nil {
			o.logger.Warn("discard failed artifacts", "execution", failed.ID, "error", err)
		}
		return nil
	})
	_ = g.Wait()
	span.SetAttr(BoolAttr("fixed", outcome.Fixed))
	return outcome
}

func (o *Orchestrator) transition(turn int, to State, rs RetryState) {
	if o.onState != nil {
		o.onState(turn, to, rs)
	}
}

// compactIfNeeded runs between questions only: callers hold o.mu.
func (o *Orchestrator) compactIfNeeded(ctx context.Context, log *slog.Logger) {
	st := MeasureContext(o.session.Context, o.session.History, o.compactor.Estimator(), o.budget)
	if !o.budget.ShouldCompact(st.Total) {
		return
	}
	log.Info("context over threshold, compacting", "tokens", st.Total, "trigger", st.Trigger)
	if _, err := o.compactor.Compact(ctx, o.session.Context, o.session.History, o.budget); err != nil {
		log.Warn("compaction degraded", "error", err)
	}
}

// Compact forces a compaction pass regardless of the threshold.
func (o *Orchestrator) Compact(ctx context.Context) (CompactionReport, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rep, err := o.compactor.Compact(ctx, o.session.Context, o.session.History, o.budget)
	o.persist(ctx, o.logger.With("session", o.session.ID))
	return rep, err
}

// ContextStatus reports current context usage.
func (o *Orchestrator) ContextStatus() ContextStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return MeasureContext(o.session.Context, o.session.History, o.compactor.Estimator(), o.budget)
}

// Stats returns session statistics.
func (o *Orchestrator) Stats() Statistics {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session.History.Stats()
}

// ReloadDataset swaps in a new GlobalContext built from ds under the current
// policy. It waits for any question in flight.
func (o *Orchestrator) ReloadDataset(ds DatasetHandle) error {
	if err := ds.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.session.Context = o.session.Context.Reload(ds)
	return nil
}

func (o *Orchestrator) persist(ctx context.Context, log *slog.Logger) {
	if o.store == nil {
		return
	}
	if err := o.store.SaveSession(ctx, o.session.Record()); err != nil {
		log.Error("save session", "error", err)
	}
}
