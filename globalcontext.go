package tabula

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// GlobalContext is the session-wide block sent verbatim with every
// generative request: dataset facts plus the sandbox policy. It is immutable;
// Reload returns a new value. The compactor never receives it.
type GlobalContext struct {
	dataset DatasetHandle
	policy  SandboxPolicy
	text    string
	digest  string
}

// NewGlobalContext renders the context text once. Later reads return the
// same bytes.
func NewGlobalContext(ds DatasetHandle, policy SandboxPolicy) *GlobalContext {
	g := &GlobalContext{dataset: ds.clone(), policy: clonePolicy(policy)}
	g.text = renderDataset(g.dataset) + "\n" + g.policy.Describe()
	sum := sha256.Sum256([]byte(g.text))
	g.digest = hex.EncodeToString(sum[:])
	return g
}

// Reload returns a new GlobalContext for a reloaded dataset under the same policy.
func (g *GlobalContext) Reload(ds DatasetHandle) *GlobalContext {
	return NewGlobalContext(ds, g.policy)
}

func (g *GlobalContext) Dataset() DatasetHandle { return g.dataset.clone() }
func (g *GlobalContext) Policy() SandboxPolicy  { return clonePolicy(g.policy) }
func (g *GlobalContext) Text() string           { return g.text }

// Fingerprint is the SHA-256 of Text.
func (g *GlobalContext) Fingerprint() string { return g.digest }

func clonePolicy(p SandboxPolicy) SandboxPolicy {
	c := p
	c.AllowedModules = slices.Clone(p.AllowedModules)
	c.WriterMethods = slices.Clone(p.WriterMethods)
	c.DeniedNames = maps.Clone(p.DeniedNames)
	c.DeniedAttributes = maps.Clone(p.DeniedAttributes)
	return c
}

func renderDataset(ds DatasetHandle) string {
	var b strings.Builder
	s := ds.Schema
	b.WriteString("## Dataset\n")
	fmt.Fprintf(&b, "File: %s\n", ds.Name())
	fmt.Fprintf(&b, "Shape: %d rows x %d columns\n", s.Rows, len(s.Columns))
	b.WriteString("Columns:\n")
	for _, c := range s.Columns {
		fmt.Fprintf(&b, "- %s (%s, %d non-null, %d unique)\n", c.Name, c.Type, c.NonNull, c.Unique)
	}
	if len(s.SampleRows) > 0 {
		fmt.Fprintf(&b, "First %d rows:\n", len(s.SampleRows))
		b.WriteString("| " + strings.Join(s.ColumnNames(), " | ") + " |\n")
		for _, row := range s.SampleRows {
			b.WriteString("| " + strings.Join(row, " | ") + " |\n")
		}
	}
	if len(s.Hints) > 0 {
		b.WriteString("Data hints:\n")
		for _, h := range s.Hints {
			b.WriteString("- " + h + "\n")
		}
	}
	return b.String()
}
