package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CopeeeTang/tabula"
	"github.com/CopeeeTang/tabula/capability"
	"github.com/CopeeeTang/tabula/dataset"
	"github.com/CopeeeTang/tabula/internal/config"
	"github.com/CopeeeTang/tabula/observer"
	"github.com/CopeeeTang/tabula/provider/resolve"
	"github.com/CopeeeTang/tabula/sandbox"
	"github.com/CopeeeTang/tabula/store/file"
	"github.com/CopeeeTang/tabula/store/postgres"
	"github.com/CopeeeTang/tabula/store/sqlite"
)

// app holds the wired components for one CLI invocation.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	store  tabula.SessionStore
	inst   *observer.Instruments

	closers []func(context.Context) error
}

func loadApp(ctx context.Context, f *rootFlags, stderr io.Writer) (*app, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	a := &app{cfg: cfg, logger: newLogger(stderr, cfg.Log)}

	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx, cfg.Observer.ServiceName, cfg.Observer.Pricing)
		if err != nil {
			return nil, fmt.Errorf("observer: %w", err)
		}
		a.inst = inst
		a.closers = append(a.closers, shutdown)
	}

	store, closeStore, err := openStore(ctx, cfg.Store, a.logger)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.store = store
	if closeStore != nil {
		a.closers = append(a.closers, closeStore)
	}
	return a, nil
}

// Close releases the store and flushes telemetry.
func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("shutdown", "error", err)
		}
	}
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (tabula.SessionStore, func(context.Context) error, error) {
	var s tabula.SessionStore
	var closeFn func(context.Context) error
	switch cfg.Driver {
	case "none":
		return nil, nil, nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("store: %w", err)
		}
		s = sqlite.New(cfg.Path, sqlite.WithLogger(logger))
	case "file":
		s = file.New(cfg.Path, file.WithLogger(logger))
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("store: connect: %w", err)
		}
		s = postgres.New(pool, postgres.WithLogger(logger))
		closeFn = func(context.Context) error { pool.Close(); return nil }
	default:
		return nil, nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
	if err := s.Init(ctx); err != nil {
		s.Close()
		return nil, nil, fmt.Errorf("store: init: %w", err)
	}
	return s, func(ctx context.Context) error {
		err := s.Close()
		if closeFn != nil {
			err = errors.Join(err, closeFn(ctx))
		}
		return err
	}, nil
}

// policy builds the sandbox policy from config.
func policy(cfg config.SandboxConfig) tabula.SandboxPolicy {
	p := tabula.DefaultPolicy(cfg.OutputDir)
	p.Timeout = cfg.Timeout
	p.MaxMemoryMB = cfg.MaxMemoryMB
	for _, m := range cfg.ExtraModules {
		if !p.ModuleAllowed(m) {
			p.AllowedModules = append(p.AllowedModules, m)
		}
	}
	for _, n := range cfg.DenyNames {
		p.DeniedNames[n] = tabula.CategoryFilesystem
	}
	return p
}

// sessionOptions selects how a session is opened.
type sessionOptions struct {
	datasetPath string
	sessionID   string
}

// orchestrator opens or resumes a session and wires the question pipeline.
func (a *app) orchestrator(ctx context.Context, so sessionOptions, hook tabula.TransitionFunc) (*tabula.Orchestrator, error) {
	cfg := a.cfg
	pol := policy(cfg.Sandbox)
	if err := os.MkdirAll(pol.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("output dir: %w", err)
	}

	sess, err := a.session(ctx, so, pol)
	if err != nil {
		return nil, err
	}

	prov, err := resolve.Provider(ctx, resolve.Config{
		Provider:    cfg.LLM.Provider,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		BaseURL:     cfg.LLM.BaseURL,
		Temperature: cfg.LLM.Temperature,
		TopP:        cfg.LLM.TopP,
		MaxTokens:   cfg.LLM.MaxTokens,
		Logger:      a.logger,
	})
	if err != nil {
		return nil, err
	}
	if a.inst != nil {
		prov = observer.WrapProvider(prov, cfg.LLM.Model, a.inst)
	}
	if cfg.LLM.RequestsPerMinute > 0 {
		prov = tabula.WithRateLimit(prov, tabula.RPM(cfg.LLM.RequestsPerMinute))
	}
	if cfg.LLM.MaxRetries > 0 {
		prov = tabula.WithRetry(prov, tabula.RetryMaxAttempts(cfg.LLM.MaxRetries), tabula.RetryLogger(a.logger))
	}

	var analyzer tabula.CapabilityAnalyzer = capability.New(
		capability.WithCacheSize(cfg.Sandbox.CacheSize),
		capability.WithLogger(a.logger),
	)
	var exec tabula.Executor = sandbox.New(cfg.Sandbox.Python,
		sandbox.WithTimeout(cfg.Sandbox.Timeout),
		sandbox.WithMaxOutput(cfg.Sandbox.MaxOutputKB*1024),
		sandbox.WithLogger(a.logger),
	)

	var tracer tabula.Tracer
	if a.inst != nil {
		analyzer = observer.WrapAnalyzer(analyzer, a.inst)
		exec = observer.WrapExecutor(exec, a.inst)
		tracer = observer.NewTracer(a.inst)
		hook = observer.TransitionHook(a.inst, hook)
	}

	var summarizer tabula.Summarizer = tabula.NewProviderSummarizer(prov)
	if cfg.Context.RuleSummaries {
		summarizer = tabula.RuleSummarizer{}
	}

	gen := tabula.NewGenerator(prov,
		tabula.WithStructuredOutput(cfg.LLM.Structured),
		tabula.WithGeneratorLogger(a.logger),
	)
	opts := []tabula.Option{
		tabula.WithMaxAttempts(cfg.Repair.MaxAttempts),
		tabula.WithBudget(tabula.Budget{Window: cfg.Context.Window, Threshold: cfg.Context.Threshold}),
		tabula.WithRepairAnalyzer(tabula.NewRepairAnalyzer(prov,
			tabula.RepairTimeout(cfg.Repair.Timeout),
			tabula.RepairStructuredOutput(cfg.LLM.Structured),
			tabula.RepairLogger(a.logger),
		)),
		tabula.WithCompactor(tabula.NewCompactor(summarizer,
			tabula.KeepRecent(cfg.Context.KeepRecent),
			tabula.CompactorLogger(a.logger),
			tabula.CompactorTracer(tracer),
		)),
		tabula.WithLogger(a.logger),
		tabula.WithTracer(tracer),
	}
	if a.store != nil {
		opts = append(opts, tabula.WithSessionStore(a.store))
	}
	if hook != nil {
		opts = append(opts, tabula.WithTransitionHook(hook))
	}
	return tabula.NewOrchestrator(sess, gen, analyzer, exec, opts...), nil
}

// session resumes so.sessionID from the store, or starts a new session over
// so.datasetPath. A resumed session keeps its recorded policy.
func (a *app) session(ctx context.Context, so sessionOptions, pol tabula.SandboxPolicy) (*tabula.Session, error) {
	if so.sessionID != "" {
		if a.store == nil {
			return nil, errors.New("resuming a session needs a session store")
		}
		rec, err := a.store.LoadSession(ctx, so.sessionID)
		if err != nil {
			return nil, err
		}
		sess, err := tabula.RestoreSession(rec)
		if err != nil {
			return nil, err
		}
		if so.datasetPath != "" {
			ds, err := dataset.Load(ctx, so.datasetPath, dataset.WithLogger(a.logger))
			if err != nil {
				return nil, err
			}
			sess.Context = sess.Context.Reload(ds)
		}
		return sess, nil
	}
	if so.datasetPath == "" {
		return nil, errors.New("a dataset is required (--data)")
	}
	ds, err := dataset.Load(ctx, so.datasetPath, dataset.WithLogger(a.logger))
	if err != nil {
		return nil, err
	}
	return tabula.NewSession(tabula.NewGlobalContext(ds, pol)), nil
}
