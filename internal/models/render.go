package models

import (
	"bytes"
	"fmt"
	"html/template"

	chromahtml "github.com/alecthomas/chroma/formatters/html"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM,
		highlighting.NewHighlighting(
			highlighting.WithStyle("github"),
			highlighting.WithFormatOptions(chromahtml.WithClasses(true)),
		),
	),
)

// RenderMarkdown converts content to HTML. Raw HTML in the source is omitted by goldmark's default
// renderer, so the result is safe to embed in a page.
func RenderMarkdown(content string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(content), &buf); err != nil {
		return "", fmt.Errorf("failed to convert markdown: %w", err)
	}
	return template.HTML(buf.String()), nil
}

// RenderContent renders a message body for display. Markdown features get rendered HTML; everything
// else is escaped plain text.
func RenderContent(content string, asMarkdown bool) (template.HTML, error) {
	if !asMarkdown {
		return template.HTML(template.HTMLEscapeString(content)), nil
	}
	return RenderMarkdown(content)
}
