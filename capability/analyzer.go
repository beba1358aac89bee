// Package capability decides whether generated Python code may run, by
// walking its tree-sitter syntax tree against a tabula.SandboxPolicy.
//
// The analysis is static: code is parsed, never executed. Verdicts depend
// only on the code and the policy, so they are cached by content hash.
package capability

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/CopeeeTang/tabula"
)

// Analyzer implements tabula.CapabilityAnalyzer. It is safe for concurrent
// use: parsers are created per call and the verdict cache is synchronized.
type Analyzer struct {
	cache  *lru.Cache[string, tabula.Verdict]
	logger *slog.Logger
}

var _ tabula.CapabilityAnalyzer = (*Analyzer)(nil)

// Option configures an Analyzer.
type Option func(*config)

type config struct {
	cacheSize int
	logger    *slog.Logger
}

// WithCacheSize sets the number of cached verdicts (default 256). Zero
// disables caching.
func WithCacheSize(n int) Option {
	return func(c *config) { c.cacheSize = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// New creates an Analyzer.
func New(opts ...Option) *Analyzer {
	cfg := config{cacheSize: 256}
	for _, o := range opts {
		o(&cfg)
	}
	a := &Analyzer{logger: cfg.logger}
	if a.logger == nil {
		a.logger = slog.New(slog.DiscardHandler)
	}
	if cfg.cacheSize > 0 {
		// lru.New only fails for a non-positive size.
		a.cache, _ = lru.New[string, tabula.Verdict](cfg.cacheSize)
	}
	return a
}

// Analyze returns Allow or the first violation found in source order.
func (a *Analyzer) Analyze(ctx context.Context, code string, policy tabula.SandboxPolicy) tabula.Verdict {
	key := cacheKey(code, policy)
	if a.cache != nil {
		if v, ok := a.cache.Get(key); ok {
			return v
		}
	}
	v, err := check(ctx, []byte(code), policy)
	if err != nil {
		// Cancelled parses are not cached.
		a.logger.Warn("capability analysis interrupted", "error", err)
		return tabula.Deny("unparsable", err.Error(), 0)
	}
	if !v.Allowed {
		a.logger.Debug("code denied", "reason", v.Reason, "construct", v.Construct, "line", v.Line)
	}
	if a.cache != nil {
		a.cache.Add(key, v)
	}
	return v
}

// Check analyzes code without caching.
func Check(ctx context.Context, code string, policy tabula.SandboxPolicy) tabula.Verdict {
	v, err := check(ctx, []byte(code), policy)
	if err != nil {
		return tabula.Deny("unparsable", err.Error(), 0)
	}
	return v
}

func check(ctx context.Context, src []byte, policy tabula.SandboxPolicy) (tabula.Verdict, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return tabula.Verdict{}, err
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		n := firstError(root)
		line := 0
		construct := ""
		if n != nil {
			line = int(n.StartPoint().Row) + 1
			construct = snippet(n.Content(src))
		}
		return tabula.Deny("unparsable", construct, line), nil
	}
	v := &visitor{src: src, policy: policy}
	v.walk(root)
	if v.denied != nil {
		return *v.denied, nil
	}
	return tabula.Allow(), nil
}

func cacheKey(code string, policy tabula.SandboxPolicy) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:]) + ":" + policy.Fingerprint()
}

// firstError returns the first ERROR or MISSING node in source order.
func firstError(n *sitter.Node) *sitter.Node {
	if n.IsError() || n.IsMissing() {
		return n
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		if c == nil || !c.HasError() && !c.IsMissing() {
			continue
		}
		if e := firstError(c); e != nil {
			return e
		}
	}
	return nil
}
