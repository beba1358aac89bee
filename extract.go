package tabula

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Reply is a generative response in one of two shapes: StructuredReply when
// the backend answered through a tool call, FreeTextReply otherwise.
type Reply interface {
	reply()
}

// StructuredReply carries tool-call arguments.
type StructuredReply struct {
	Call ToolCall
}

// FreeTextReply carries plain text that may contain fenced code blocks.
type FreeTextReply struct {
	Text string
}

func (StructuredReply) reply() {}
func (FreeTextReply) reply()   {}

// ReplyOf classifies a response. A tool call wins over text content.
func ReplyOf(resp ChatResponse) Reply {
	if len(resp.ToolCalls) > 0 {
		return StructuredReply{Call: resp.ToolCalls[0]}
	}
	return FreeTextReply{Text: resp.Content}
}

// CodeDraft is code extracted from a reply together with whatever metadata
// the reply carried.
type CodeDraft struct {
	Code           string
	Approach       string
	ExpectedOutput string
	Imports        []string

	// Set when the reply answered a repair request.
	RootCause string
	Changes   []string
}

// ExtractDraft is the single place replies are turned into code.
func ExtractDraft(r Reply) (CodeDraft, error) {
	switch r := r.(type) {
	case StructuredReply:
		return draftFromCall(r.Call)
	case FreeTextReply:
		return draftFromText(r.Text)
	default:
		return CodeDraft{}, fmt.Errorf("extract: unknown reply type %T", r)
	}
}

func draftFromCall(call ToolCall) (CodeDraft, error) {
	switch call.Name {
	case ToolGenerateCode:
		var a generateCodeArgs
		if err := json.Unmarshal(call.Args, &a); err != nil {
			return CodeDraft{}, fmt.Errorf("extract: %s arguments: %w", call.Name, err)
		}
		if strings.TrimSpace(a.Code) == "" {
			return CodeDraft{}, ErrNoCode
		}
		return CodeDraft{
			Code:           normalizeCode(a.Code),
			Approach:       a.Approach,
			ExpectedOutput: a.ExpectedOutput,
			Imports:        a.Imports,
		}, nil
	case ToolFixCode:
		var a fixCodeArgs
		if err := json.Unmarshal(call.Args, &a); err != nil {
			return CodeDraft{}, fmt.Errorf("extract: %s arguments: %w", call.Name, err)
		}
		d := CodeDraft{
			Approach:  a.ErrorAnalysis.SolutionApproach,
			RootCause: a.ErrorAnalysis.RootCause,
			Changes:   a.ChangesMade,
		}
		if strings.TrimSpace(a.FixedCode) == "" {
			return d, ErrNoCode
		}
		d.Code = normalizeCode(a.FixedCode)
		return d, nil
	default:
		return CodeDraft{}, fmt.Errorf("extract: unexpected tool call %q", call.Name)
	}
}

// draftFromText takes the first python fenced block, falling back to the
// first fenced block with no language.
func draftFromText(s string) (CodeDraft, error) {
	blocks := fencedBlocks(s)
	var untagged string
	for _, b := range blocks {
		switch strings.ToLower(b.lang) {
		case "python", "py", "python3":
			return CodeDraft{Code: normalizeCode(b.code), Approach: leadingProse(s)}, nil
		case "":
			if untagged == "" {
				untagged = b.code
			}
		}
	}
	if strings.TrimSpace(untagged) != "" {
		return CodeDraft{Code: normalizeCode(untagged), Approach: leadingProse(s)}, nil
	}
	return CodeDraft{}, ErrNoCode
}

type fencedBlock struct {
	lang string
	code string
}

func fencedBlocks(s string) []fencedBlock {
	source := []byte(s)
	doc := goldmark.New().Parser().Parse(text.NewReader(source))
	var out []fencedBlock
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fcb, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		var buf bytes.Buffer
		lines := fcb.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			buf.Write(seg.Value(source))
		}
		out = append(out, fencedBlock{lang: string(fcb.Language(source)), code: buf.String()})
		return ast.WalkSkipChildren, nil
	})
	return out
}

// leadingProse returns the text before the first fence, used as the approach
// when the reply was free text.
func leadingProse(s string) string {
	before, _, _ := strings.Cut(s, "```")
	return strings.TrimSpace(before)
}

func normalizeCode(code string) string {
	code = strings.ReplaceAll(code, "\r\n", "\n")
	return strings.TrimRight(strings.TrimLeft(code, "\n"), " \n\t") + "\n"
}

// renderExplanation turns an explain reply into display text.
func renderExplanation(r Reply) (string, error) {
	switch r := r.(type) {
	case StructuredReply:
		var a explainArgs
		if err := json.Unmarshal(r.Call.Args, &a); err != nil {
			return "", fmt.Errorf("explain arguments: %w", err)
		}
		var b strings.Builder
		b.WriteString(strings.TrimSpace(a.Summary))
		writeList(&b, "Key findings", a.KeyFindings)
		if a.DataInsights != "" {
			b.WriteString("\n\nInsights: " + strings.TrimSpace(a.DataInsights))
		}
		writeList(&b, "Recommendations", a.Recommendations)
		return b.String(), nil
	case FreeTextReply:
		if strings.TrimSpace(r.Text) == "" {
			return "", fmt.Errorf("empty explanation")
		}
		return strings.TrimSpace(r.Text), nil
	default:
		return "", fmt.Errorf("unknown reply type %T", r)
	}
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	b.WriteString("\n\n" + title + ":")
	for _, it := range items {
		b.WriteString("\n- " + strings.TrimSpace(it))
	}
}
