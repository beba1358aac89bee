package tabula

import (
	"context"
	"fmt"
	"time"
)

// ErrorKind classifies why an execution did not succeed.
type ErrorKind int

const (
	KindPolicyViolation ErrorKind = iota + 1
	KindRuntimeFault
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindPolicyViolation:
		return "policy_violation"
	case KindRuntimeFault:
		return "runtime_fault"
	case KindTimeout:
		return "timeout"
	default:
		return "none"
	}
}

func (k ErrorKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *ErrorKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "policy_violation":
		*k = KindPolicyViolation
	case "runtime_fault":
		*k = KindRuntimeFault
	case "timeout":
		*k = KindTimeout
	case "none", "":
		*k = 0
	default:
		return fmt.Errorf("unknown error kind %q", b)
	}
	return nil
}

// FaultKind narrows a runtime fault.
type FaultKind string

const (
	FaultMissingColumn FaultKind = "missing-column"
	FaultTypeMismatch  FaultKind = "type-mismatch"
	FaultSyntax        FaultKind = "syntax"
	FaultName          FaultKind = "undefined-name"
	FaultImport        FaultKind = "import"
	FaultMemory        FaultKind = "out-of-memory"
	FaultGeneric       FaultKind = "generic"
)

// ExecError describes a failed execution. A nil *ExecError in an
// ExecutionResult means the code ran to completion.
type ExecError struct {
	Kind ErrorKind `json:"kind" yaml:"kind"`

	// Runtime faults.
	Fault     FaultKind `json:"fault,omitempty" yaml:"fault,omitempty"`
	ExcType   string    `json:"exc_type,omitempty" yaml:"exc_type,omitempty"`
	Traceback string    `json:"traceback,omitempty" yaml:"traceback,omitempty"`

	// Policy violations.
	Reason    string `json:"reason,omitempty" yaml:"reason,omitempty"`
	Construct string `json:"construct,omitempty" yaml:"construct,omitempty"`
	Line      int    `json:"line,omitempty" yaml:"line,omitempty"`

	Message string `json:"message" yaml:"message"`
}

func (e *ExecError) Error() string {
	switch e.Kind {
	case KindPolicyViolation:
		return fmt.Sprintf("policy violation: %s", e.Message)
	case KindRuntimeFault:
		if e.ExcType != "" {
			return fmt.Sprintf("runtime fault (%s): %s: %s", e.Fault, e.ExcType, e.Message)
		}
		return fmt.Sprintf("runtime fault (%s): %s", e.Fault, e.Message)
	case KindTimeout:
		return "timeout: " + e.Message
	default:
		return e.Message
	}
}

// PolicyViolation converts a Deny verdict into an execution error so the
// repair path sees denied code and failed code the same way.
func PolicyViolation(v Verdict) *ExecError {
	return &ExecError{
		Kind:      KindPolicyViolation,
		Reason:    v.Reason,
		Construct: v.Construct,
		Line:      v.Line,
		Message:   v.String(),
	}
}

// ExecutionResult is the outcome of a single sandbox execution.
type ExecutionResult struct {
	ID        string        `json:"id" yaml:"id"`
	Stdout    string        `json:"stdout" yaml:"stdout"`
	Artifacts []string      `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
	Err       *ExecError    `json:"error,omitempty" yaml:"error,omitempty"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
}

// OK reports whether the execution completed without error.
func (r ExecutionResult) OK() bool { return r.Err == nil }

// ExecRequest is the input to one sandbox execution.
type ExecRequest struct {
	Code    string
	Dataset DatasetHandle
	Policy  SandboxPolicy
}

// Executor runs Allow-verdicted code. Failures of the code itself are
// reported in ExecutionResult.Err; the returned error is reserved for
// infrastructure problems (interpreter missing, output directory unusable).
// Implementations serialize calls: at most one execution is in flight.
type Executor interface {
	Execute(ctx context.Context, req ExecRequest) (ExecutionResult, error)
}

// Verdict is the capability analyzer's decision on a piece of code.
type Verdict struct {
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason,omitempty"`    // e.g. "process-control import"
	Construct string `json:"construct,omitempty"` // offending source fragment
	Line      int    `json:"line,omitempty"`      // 1-based, 0 when unknown
}

func Allow() Verdict { return Verdict{Allowed: true} }

func Deny(reason, construct string, line int) Verdict {
	return Verdict{Reason: reason, Construct: construct, Line: line}
}

func (v Verdict) String() string {
	if v.Allowed {
		return "allow"
	}
	s := "deny: " + v.Reason
	if v.Construct != "" {
		s += fmt.Sprintf(" (%s)", v.Construct)
	}
	if v.Line > 0 {
		s += fmt.Sprintf(" at line %d", v.Line)
	}
	return s
}

// CapabilityAnalyzer statically inspects code against a policy without
// executing it.
type CapabilityAnalyzer interface {
	Analyze(ctx context.Context, code string, policy SandboxPolicy) Verdict
}

// ArtifactDiscarder is implemented by executors that can delete the files a
// failed execution left behind.
type ArtifactDiscarder interface {
	Discard(res ExecutionResult) error
}
