package tabula

import (
	"errors"
	"fmt"
	"time"
)

type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration // parsed from the Retry-After header; 0 when absent
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

var (
	// ErrNoCode is returned when a generative reply carries no extractable code.
	ErrNoCode = errors.New("no extractable code in reply")
	// ErrToolsUnsupported is returned by providers that cannot do tool calling.
	ErrToolsUnsupported = errors.New("provider does not support tool calling")
	// ErrSessionNotFound is returned by session stores for unknown IDs.
	ErrSessionNotFound = errors.New("session not found")
)

// GenerationError reports that the generative service could not produce a
// usable answer for a stage of the question lifecycle.
type GenerationError struct {
	Stage string // "draft", "explain"
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed (%s): %v", e.Stage, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// CompactionError reports that a block of turns could not be summarized.
// The turns in [From, To] were kept verbatim.
type CompactionError struct {
	From, To int
	Err      error
}

func (e *CompactionError) Error() string {
	return fmt.Sprintf("compaction of turns %d-%d failed: %v", e.From, e.To, e.Err)
}

func (e *CompactionError) Unwrap() error { return e.Err }

// BudgetExceededError reports that the context is still over budget after
// compaction and after dropping the oldest summaries.
type BudgetExceededError struct {
	Total   int
	Budget  int
	Dropped int // summaries dropped while trying to fit
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("context budget exceeded: %d tokens > %d (dropped %d summaries)", e.Total, e.Budget, e.Dropped)
}
