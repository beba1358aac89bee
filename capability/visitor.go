package capability

import (
	"path"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/CopeeeTang/tabula"
)

// visitor walks a Python syntax tree in source order and records the first
// policy violation.
type visitor struct {
	src    []byte
	policy tabula.SandboxPolicy
	denied *tabula.Verdict
}

func (v *visitor) deny(reason, construct string, n *sitter.Node) {
	d := tabula.Deny(reason, snippet(construct), int(n.StartPoint().Row)+1)
	v.denied = &d
}

// walk visits n and its children until a violation is found.
func (v *visitor) walk(n *sitter.Node) {
	if v.denied != nil || n == nil {
		return
	}
	switch n.Type() {
	case "import_statement":
		v.importStatement(n)
		return
	case "import_from_statement", "future_import_statement":
		v.importFrom(n)
		return
	case "attribute":
		v.attribute(n)
	case "call":
		v.call(n)
	case "identifier":
		v.identifier(n)
	case "keyword_argument":
		// The keyword itself is a parameter name, not a reference.
		v.walk(n.ChildByFieldName("value"))
		return
	}
	if v.denied != nil {
		return
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		v.walk(n.Child(i))
		if v.denied != nil {
			return
		}
	}
}

// import a.b, c as d
func (v *visitor) importStatement(n *sitter.Node) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if c.Type() == "aliased_import" {
			c = c.ChildByFieldName("name")
		}
		if c == nil || c.Type() != "dotted_name" {
			continue
		}
		if v.module(c.Content(v.src), c); v.denied != nil {
			return
		}
	}
}

// from a.b import c, d as e
func (v *visitor) importFrom(n *sitter.Node) {
	if n.Type() == "future_import_statement" {
		v.deny("module not allowed", "__future__", n)
		return
	}
	mod := n.ChildByFieldName("module_name")
	if mod == nil {
		return
	}
	if mod.Type() == "relative_import" {
		v.deny("relative import", mod.Content(v.src), mod)
		return
	}
	if v.module(mod.Content(v.src), mod); v.denied != nil {
		return
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if c == nil || c.Equal(mod) {
			continue
		}
		if c.Type() == "aliased_import" {
			c = c.ChildByFieldName("name")
		}
		if c == nil || c.Type() != "dotted_name" {
			continue
		}
		name := c.Content(v.src)
		if cat, ok := v.policy.DeniedName(name); ok {
			v.deny(string(cat)+" import", name, c)
			return
		}
		if cat, ok := v.policy.DeniedAttribute(name); ok {
			v.deny(string(cat)+" import", name, c)
			return
		}
		if strings.HasPrefix(name, "__") {
			v.deny("dunder import", name, c)
			return
		}
	}
}

// module checks one imported module path. Any denied segment wins over the
// allow-list so that pandas.io.common.os is still a process-control import.
func (v *visitor) module(name string, n *sitter.Node) {
	for _, seg := range strings.Split(name, ".") {
		if cat, ok := v.policy.DeniedName(seg); ok {
			v.deny(string(cat)+" import", name, n)
			return
		}
	}
	if !v.policy.ModuleAllowed(name) {
		v.deny("module not allowed", name, n)
	}
}

// attribute checks the attribute part of obj.attr. The object part is
// reached by the normal walk.
func (v *visitor) attribute(n *sitter.Node) {
	attr := n.ChildByFieldName("attribute")
	if attr == nil {
		return
	}
	name := attr.Content(v.src)
	if strings.HasPrefix(name, "__") && strings.HasSuffix(name, "__") {
		v.deny("dunder attribute access", n.Content(v.src), n)
		return
	}
	if cat, ok := v.policy.DeniedAttribute(name); ok {
		v.deny(string(cat)+" attribute", n.Content(v.src), n)
		return
	}
	if cat, ok := v.policy.DeniedName(name); ok {
		v.deny(string(cat)+" attribute", n.Content(v.src), n)
	}
}

// identifier checks a bare name. Attribute names are handled by attribute,
// so identifiers in the attribute field are skipped here.
func (v *visitor) identifier(n *sitter.Node) {
	if p := n.Parent(); p != nil && p.Type() == "attribute" {
		if a := p.ChildByFieldName("attribute"); a != nil && a.Equal(n) {
			return
		}
	}
	name := n.Content(v.src)
	cat, ok := v.policy.DeniedName(name)
	if !ok {
		return
	}
	kind := " reference"
	if p := n.Parent(); p != nil && p.Type() == "call" {
		if f := p.ChildByFieldName("function"); f != nil && f.Equal(n) {
			kind = " call"
		}
	}
	v.deny(string(cat)+kind, name, n)
}

// call checks the destination passed to writer methods such as
// df.to_csv("/etc/x") or plt.savefig("../x.png"). Only plain relative
// string literals are accepted; names, concatenations and f-strings are not.
func (v *visitor) call(n *sitter.Node) {
	fn := n.ChildByFieldName("function")
	if fn == nil || fn.Type() != "attribute" {
		return
	}
	attr := fn.ChildByFieldName("attribute")
	if attr == nil || !v.policy.IsWriter(attr.Content(v.src)) {
		return
	}
	args := n.ChildByFieldName("arguments")
	if args == nil {
		return
	}
	for i := 0; i < int(args.NamedChildCount()); i++ {
		a := args.NamedChild(i)
		if a.Type() == "keyword_argument" {
			if k := a.ChildByFieldName("name"); k == nil || !pathKeywords[k.Content(v.src)] {
				continue
			}
			a = a.ChildByFieldName("value")
		} else if i > 0 {
			continue
		}
		if a == nil {
			continue
		}
		lit, ok := "", a.Type() == "string"
		if ok {
			lit, ok = stringLiteral(a, v.src)
		}
		if !ok {
			v.deny("filesystem path not literal", a.Content(v.src), a)
			return
		}
		if escapesOutputDir(lit) {
			v.deny("filesystem path escape", lit, a)
			return
		}
	}
}

// pathKeywords names the keyword arguments writers take their destination from.
var pathKeywords = map[string]bool{
	"path_or_buf": true, "path": true, "fname": true, "fid": true,
	"excel_writer": true, "buf": true, "file": true, "filename": true,
}

// stringLiteral returns the value of a plain (non-interpolated) string node.
func stringLiteral(n *sitter.Node, src []byte) (string, bool) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if n.NamedChild(i).Type() == "interpolation" {
			return "", false
		}
	}
	s := n.Content(src)
	s = strings.TrimLeft(s, "rRbBuUfF")
	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		if strings.HasPrefix(s, q) && strings.HasSuffix(s, q) && len(s) >= 2*len(q) {
			return s[len(q) : len(s)-len(q)], true
		}
	}
	return "", false
}

func escapesOutputDir(p string) bool {
	p = strings.ReplaceAll(p, `\`, "/")
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "~") || len(p) > 1 && p[1] == ':' {
		return true
	}
	clean := path.Clean(p)
	return clean == ".." || strings.HasPrefix(clean, "../")
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 80 {
		s = s[:80] + "…"
	}
	return s
}
