package oracle

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)

var markdown = goldmark.New()

// ExtractCode pulls program source out of a model reply. It prefers the
// first fenced block tagged with one of fences, then the first fenced block
// of any kind, then the whole reply. Reasoning blocks are dropped first.
func ExtractCode(reply string, fences []string) string {
	src := []byte(thinkBlock.ReplaceAllString(reply, ""))
	doc := markdown.Parser().Parse(text.NewReader(src))

	var first, tagged string
	var found bool
	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		block, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		body := blockText(block, src)
		if !found {
			first, found = body, true
		}
		if matchesFence(string(block.Language(src)), fences) {
			tagged = body
			return ast.WalkStop, nil
		}
		return ast.WalkSkipChildren, nil
	})

	switch {
	case strings.TrimSpace(tagged) != "":
		return strings.TrimSpace(tagged) + "\n"
	case strings.TrimSpace(first) != "":
		return strings.TrimSpace(first) + "\n"
	}
	if trimmed := strings.TrimSpace(string(src)); trimmed != "" && !found {
		return trimmed + "\n"
	}
	return ""
}

func blockText(block *ast.FencedCodeBlock, src []byte) string {
	var buf bytes.Buffer
	lines := block.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		buf.Write(seg.Value(src))
	}
	return buf.String()
}

func matchesFence(lang string, fences []string) bool {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" {
		return false
	}
	for _, f := range fences {
		if lang == f {
			return true
		}
	}
	return false
}
