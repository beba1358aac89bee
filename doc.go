// Package tabula turns natural-language questions about a tabular dataset
// into Python analysis code, runs that code in a capability-gated sandbox,
// repairs failures automatically, and keeps a growing conversation history
// inside a bounded context window.
//
// The root package holds the domain types and the interfaces every adapter
// implements. Implementations live in subpackages:
//
//   - capability: tree-sitter based static analysis of generated code
//   - sandbox: Python subprocess executor
//   - dataset: CSV loading and schema inference
//   - provider/openai, provider/gemini: generative backends
//   - store/sqlite, store/postgres, store/file: session persistence
//   - observer: OpenTelemetry tracing and metrics
//   - cmd/tabula: the command-line client and MCP server
//
// # Quick Start
//
//	ds, err := dataset.Load(ctx, "sales.csv")
//	sess := tabula.NewSession(tabula.NewGlobalContext(ds, tabula.DefaultPolicy("out")))
//
//	llm := tabula.WithRetry(openai.New(apiKey, "gpt-4o-mini"))
//	orch := tabula.NewOrchestrator(sess,
//		tabula.NewGenerator(llm),
//		capability.New(),
//		sandbox.New("python3"),
//		tabula.WithMaxAttempts(3),
//	)
//
//	turn, err := orch.Ask(ctx, "What is the average Sales per Region?")
//
// # Question lifecycle
//
// Each question moves through Drafting, Analyzing, Executing and, on any
// failure, Repairing. A Deny verdict from the capability analyzer never
// reaches the executor. The number of executions per question is bounded by
// MaxAttempts+1. Exactly one ConversationTurn is appended per question, once
// its terminal status is known.
//
// # Context budget
//
// The GlobalContext (dataset schema and sandbox policy) is sent verbatim with
// every request and is never summarized. Between questions the Orchestrator
// compares the estimated context size against the Budget and, when over the
// threshold, folds older turns into CompactedSummary entries while the most
// recent turns stay verbatim.
package tabula
