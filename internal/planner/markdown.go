// ABOUTME: Extracts the plan JSON from markdown via the goldmark AST.
// ABOUTME: First json-tagged fence wins; an untagged fence is the fallback.

package planner

import (
	"bytes"
	"fmt"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// ExtractJSONBlock returns the body of the first fenced code block
// tagged json, or the first untagged fence if no tagged one exists.
// Fences tagged with other languages never match.
func ExtractJSONBlock(source []byte) ([]byte, error) {
	doc := goldmark.New().Parser().Parse(text.NewReader(source))

	var tagged, untagged []byte
	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fence, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}

		lang := string(fence.Language(source))
		if lang != "json" && lang != "" {
			return ast.WalkContinue, nil
		}

		var buf bytes.Buffer
		lines := fence.Lines()
		for i := range lines.Len() {
			seg := lines.At(i)
			buf.Write(seg.Value(source))
		}

		if lang == "json" {
			tagged = buf.Bytes()
			return ast.WalkStop, nil
		}
		if untagged == nil {
			untagged = buf.Bytes()
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking markdown: %w", err)
	}

	switch {
	case tagged != nil:
		return tagged, nil
	case untagged != nil:
		return untagged, nil
	default:
		return nil, fmt.Errorf("no fenced json block in document")
	}
}
