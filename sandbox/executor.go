// Package sandbox runs analysis code in a Python subprocess with the
// dataset preloaded, restricted builtins, and an allow-listed importer.
//
// Each execution gets a fresh interpreter and its own run directory under
// the policy's output directory. Figures and files written by the code land
// there and are reported as artifacts.
package sandbox

import (
	"bufio"
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/CopeeeTang/tabula"
	"github.com/CopeeeTang/tabula/dataset"
)

//go:embed prelude.py
var preludeSource string

// Executor implements tabula.Executor. Calls are serialized: at most one
// interpreter runs at a time.
type Executor struct {
	python string
	cfg    config
	logger *slog.Logger
	mu     sync.Mutex
}

var (
	_ tabula.Executor          = (*Executor)(nil)
	_ tabula.ArtifactDiscarder = (*Executor)(nil)
)

// New creates an Executor that runs code with the given Python binary
// (e.g., "python3").
func New(python string, opts ...Option) *Executor {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	e := &Executor{python: python, cfg: cfg, logger: cfg.logger}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}
	return e
}

// protocolMessage is one line the prelude writes to stdout.
type protocolMessage struct {
	Type      string `json:"type"` // "result" or "error"
	ExcType   string `json:"exc_type,omitempty"`
	Message   string `json:"message,omitempty"`
	Traceback string `json:"traceback,omitempty"`
}

// Execute runs req.Code against req.Dataset under req.Policy. Failures of the
// code are reported in the result; the error is reserved for problems
// starting the interpreter or preparing the run directory, and for
// cancellation of ctx.
func (e *Executor) Execute(ctx context.Context, req tabula.ExecRequest) (tabula.ExecutionResult, error) {
	if err := req.Dataset.Validate(); err != nil {
		return tabula.ExecutionResult{}, fmt.Errorf("sandbox: %w", err)
	}
	if req.Policy.OutputDir == "" {
		return tabula.ExecutionResult{}, errors.New("sandbox: policy has no output directory")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	res := tabula.ExecutionResult{ID: tabula.NewID()}
	runDir := filepath.Join(req.Policy.OutputDir, res.ID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return res, fmt.Errorf("sandbox: create run dir: %w", err)
	}

	scratch, err := os.MkdirTemp("", "tabula-exec-*")
	if err != nil {
		os.RemoveAll(runDir)
		return res, fmt.Errorf("sandbox: create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	prelude := filepath.Join(scratch, "prelude.py")
	codeFile := filepath.Join(scratch, "analysis.py")
	if err := os.WriteFile(prelude, []byte(preludeSource), 0o600); err != nil {
		os.RemoveAll(runDir)
		return res, fmt.Errorf("sandbox: write prelude: %w", err)
	}
	if err := os.WriteFile(codeFile, []byte(req.Code), 0o600); err != nil {
		os.RemoveAll(runDir)
		return res, fmt.Errorf("sandbox: write code: %w", err)
	}

	timeout := req.Policy.Timeout
	if timeout <= 0 {
		timeout = e.cfg.timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	datasetPath, err := filepath.Abs(req.Dataset.Path)
	if err != nil {
		datasetPath = req.Dataset.Path
	}

	cmd := exec.CommandContext(runCtx, e.python, "-B", prelude)
	cmd.Dir = runDir
	cmd.Env = e.buildEnv(req, datasetPath, codeFile, scratch)
	cmd.WaitDelay = e.cfg.waitDelay

	var protoBuf bytes.Buffer
	var outBuf strings.Builder
	cmd.Stdout = &limitWriter{w: &protoBuf, max: e.cfg.maxOutput}
	cmd.Stderr = &limitWriter{w: &outBuf, max: e.cfg.maxOutput}

	start := time.Now()
	runErr := cmd.Run()
	res.Duration = time.Since(start)
	res.Stdout = truncate(outBuf.String(), e.cfg.maxOutput)

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) && ctx.Err() == nil && runCtx.Err() == nil {
			os.RemoveAll(runDir)
			return res, fmt.Errorf("sandbox: start interpreter: %w", runErr)
		}
	}

	switch {
	case ctx.Err() != nil:
		os.RemoveAll(runDir)
		return res, ctx.Err()
	case runCtx.Err() == context.DeadlineExceeded:
		os.RemoveAll(runDir)
		res.Err = &tabula.ExecError{
			Kind:    tabula.KindTimeout,
			Message: fmt.Sprintf("execution exceeded %s", timeout),
		}
		e.logger.Warn("execution timed out", "id", res.ID, "timeout", timeout)
		return res, nil
	}

	msg, ok := lastMessage(protoBuf.Bytes())
	switch {
	case ok && msg.Type == "error":
		res.Err = &tabula.ExecError{
			Kind:      tabula.KindRuntimeFault,
			Fault:     Classify(msg.ExcType, msg.Message),
			ExcType:   msg.ExcType,
			Message:   msg.Message,
			Traceback: msg.Traceback,
		}
	case ok && msg.Type == "result":
	default:
		res.Err = exitFault(runErr, res.Stdout)
	}

	res.Artifacts, err = listArtifacts(runDir)
	if err != nil {
		e.logger.Warn("list artifacts failed", "id", res.ID, "error", err)
	}
	if len(res.Artifacts) == 0 {
		os.RemoveAll(runDir)
	}

	if res.Err != nil {
		e.logger.Debug("execution failed", "id", res.ID, "error", res.Err.Error(), "duration", res.Duration)
	} else {
		e.logger.Debug("execution succeeded", "id", res.ID, "artifacts", len(res.Artifacts), "duration", res.Duration)
	}
	return res, nil
}

// Discard removes the run directory holding res's artifacts.
func (e *Executor) Discard(res tabula.ExecutionResult) error {
	if len(res.Artifacts) == 0 || res.ID == "" {
		return nil
	}
	dir := filepath.Dir(res.Artifacts[0])
	if filepath.Base(dir) != res.ID {
		return fmt.Errorf("sandbox: artifact %s is not in run dir %s", res.Artifacts[0], res.ID)
	}
	return os.RemoveAll(dir)
}

// buildEnv constructs the minimal interpreter environment.
func (e *Executor) buildEnv(req tabula.ExecRequest, datasetPath, codeFile, scratch string) []string {
	encoding := req.Dataset.Encoding
	if encoding == "" {
		encoding = "utf-8"
	}
	dates, _ := json.Marshal(dataset.DateColumns(req.Dataset.Schema))
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
		"LANG=en_US.UTF-8",
		"PYTHONDONTWRITEBYTECODE=1",
		"PYTHONIOENCODING=utf-8",
		"MPLBACKEND=Agg",
		"MPLCONFIGDIR=" + scratch,
		"TABULA_DATASET=" + datasetPath,
		"TABULA_DATASET_ENCODING=" + encoding,
		"TABULA_PARSE_DATES=" + string(dates),
		"TABULA_CODE=" + codeFile,
		"TABULA_ALLOWED_MODULES=" + strings.Join(req.Policy.AllowedModules, ","),
		"TABULA_MAX_MEMORY_MB=" + strconv.Itoa(req.Policy.MaxMemoryMB),
	}
	keys := make([]string, 0, len(e.cfg.env))
	for k := range e.cfg.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+e.cfg.env[k])
	}
	return env
}

// lastMessage returns the last well-formed protocol line.
func lastMessage(out []byte) (protocolMessage, bool) {
	var last protocolMessage
	found := false
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), len(out)+1)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg protocolMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue // skip malformed lines
		}
		if msg.Type == "result" || msg.Type == "error" {
			last, found = msg, true
		}
	}
	return last, found
}

// exitFault describes an interpreter that exited without reporting.
func exitFault(runErr error, output string) *tabula.ExecError {
	fe := &tabula.ExecError{Kind: tabula.KindRuntimeFault, Fault: tabula.FaultGeneric}
	var exitErr *exec.ExitError
	switch {
	case errors.As(runErr, &exitErr) && exitErr.ExitCode() == -1:
		// Killed by a signal; under an address-space limit this is almost
		// always the allocator giving up.
		fe.Fault = tabula.FaultMemory
		fe.Message = "interpreter killed: " + exitErr.String()
	case errors.As(runErr, &exitErr):
		fe.Message = fmt.Sprintf("interpreter exited with code %d", exitErr.ExitCode())
	default:
		fe.Message = "interpreter exited without a result"
	}
	if tail := tailLines(output, 6); tail != "" {
		fe.Traceback = tail
	}
	return fe
}

// Classify maps a Python exception type to a fault kind.
func Classify(excType, message string) tabula.FaultKind {
	switch excType {
	case "KeyError":
		return tabula.FaultMissingColumn
	case "TypeError":
		return tabula.FaultTypeMismatch
	case "ValueError":
		m := strings.ToLower(message)
		for _, s := range []string{"convert", "dtype", "could not", "invalid literal", "unsupported", "cannot cast"} {
			if strings.Contains(m, s) {
				return tabula.FaultTypeMismatch
			}
		}
		return tabula.FaultGeneric
	case "SyntaxError", "IndentationError", "TabError":
		return tabula.FaultSyntax
	case "NameError", "UnboundLocalError":
		return tabula.FaultName
	case "ImportError", "ModuleNotFoundError":
		return tabula.FaultImport
	case "MemoryError":
		return tabula.FaultMemory
	default:
		return tabula.FaultGeneric
	}
}

// listArtifacts returns the files in dir, sorted by name.
func listArtifacts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, ent := range entries {
		if ent.Type().IsRegular() {
			out = append(out, filepath.Join(dir, ent.Name()))
		}
	}
	return out, nil
}

func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) < max {
		return s
	}
	return s[:runeCut(s, max)] + "\n... (truncated)"
}

// runeCut backs n off so s[:n] does not split a UTF-8 sequence.
func runeCut[T string | []byte](s T, n int) int {
	for n > 0 && n < len(s) && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}

// limitWriter caps the bytes kept from a stream.
type limitWriter struct {
	w interface {
		Write([]byte) (int, error)
		Len() int
	}
	max  int
	full bool
}

func (lw *limitWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.max <= 0 {
		lw.w.Write(p)
		return n, nil
	}
	if remaining := lw.max - lw.w.Len(); remaining > 0 && !lw.full {
		if len(p) > remaining {
			p = p[:runeCut(p, remaining)]
			lw.full = true
		}
		lw.w.Write(p)
	}
	return n, nil
}
