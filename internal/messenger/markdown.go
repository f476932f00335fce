package messenger

import (
	"bytes"
	"regexp"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

// imagePattern matches ![alt](url), allowing one level of balanced
// parentheses inside the url.
var imagePattern = regexp.MustCompile(`!\[(.*?)]\(([^()]*(\([^()]*\)[^()]*)*)\)`)

var (
	markdownParserInstance goldmark.Markdown
	markdownParserOnce     sync.Once
)

func getMarkdownParser() goldmark.Markdown {
	markdownParserOnce.Do(func() {
		markdownParserInstance = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return markdownParserInstance
}

// ConvertImages rewrites markdown images into POPO [img]url[/img] markup.
// Images that sit inside code spans or code blocks are left as written.
func ConvertImages(message string) string {
	src := []byte(message)
	matches := imagePattern.FindAllSubmatchIndex(src, -1)
	if len(matches) == 0 {
		return message
	}

	code := codeRanges(src)
	var out bytes.Buffer
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		if overlaps(code, start, end) {
			continue
		}
		out.Write(src[last:start])
		out.WriteString("[img]")
		out.Write(src[m[4]:m[5]])
		out.WriteString("[/img]")
		last = end
	}
	out.Write(src[last:])
	return out.String()
}

type byteRange struct{ start, stop int }

func codeRanges(src []byte) []byteRange {
	document := getMarkdownParser().Parser().Parse(text.NewReader(src))

	var ranges []byteRange
	_ = ast.Walk(document, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n.Kind() {
		case ast.KindFencedCodeBlock, ast.KindCodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				ranges = append(ranges, byteRange{seg.Start, seg.Stop})
			}
			return ast.WalkSkipChildren, nil
		case ast.KindCodeSpan:
			for c := n.FirstChild(); c != nil; c = c.NextSibling() {
				if t, ok := c.(*ast.Text); ok {
					ranges = append(ranges, byteRange{t.Segment.Start, t.Segment.Stop})
				}
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return ranges
}

func overlaps(ranges []byteRange, start, end int) bool {
	for _, r := range ranges {
		if start < r.stop && r.start < end {
			return true
		}
	}
	return false
}
