// Package export renders analysis results as DOCX, HTML and XLSX.
package export

import (
	"html/template"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	"github.com/microcosm-cc/bluemonday"
)

var sanitizer = bluemonday.UGCPolicy()

func newParser() *parser.Parser {
	return parser.NewWithExtensions(parser.CommonExtensions | parser.AutoHeadingIDs)
}

// MarkdownHTML converts LLM Markdown to sanitized HTML safe to embed in a
// page.
func MarkdownHTML(md string) template.HTML {
	if md == "" {
		return ""
	}
	doc := newParser().Parse([]byte(md))

	renderer := html.NewRenderer(html.RendererOptions{Flags: html.CommonFlags | html.HrefTargetBlank})
	out := sanitizer.SanitizeBytes(markdown.Render(doc, renderer))
	return template.HTML(out) // #nosec G203 sanitized above
}
