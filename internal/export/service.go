package export

import (
	"context"
	"fmt"
	"html/template"
	"strings"

	"chronicle/collab/internal/prosemirror"
)

// Renderer turns a rendered page into a file.
type Renderer interface {
	Render(ctx context.Context, p Page) (*Result, error)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx context.Context, p Page) (*Result, error)

func (f RendererFunc) Render(ctx context.Context, p Page) (*Result, error) {
	return f(ctx, p)
}

// Service provides document export functionality
type Service struct {
	renderers map[Format]Renderer
}

// NewService renders PDFs with headless Chrome and DOCX files with pandoc.
func NewService(opts Options) *Service {
	return NewServiceWithRenderers(map[Format]Renderer{
		FormatPDF:  &chromeRenderer{opts: opts},
		FormatDOCX: &pandocRenderer{opts: opts},
	})
}

func NewServiceWithRenderers(renderers map[Format]Renderer) *Service {
	return &Service{renderers: renderers}
}

// Export generates an export in the requested format
func (s *Service) Export(ctx context.Context, doc Document, format Format) (*Result, error) {
	renderer, ok := s.renderers[format]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	title := doc.Title
	if title == "" {
		title = TitleOf(doc.Content)
	}
	html, err := RenderDocumentHTML(TemplateData{
		Title:       title,
		ContentHTML: template.HTML(prosemirror.ToHTML(doc.Content)),
		Authors:     doc.Authors,
		Version:     doc.Version,
		UpdatedAt:   doc.UpdatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	return renderer.Render(ctx, Page{Title: title, Version: doc.Version, HTML: html})
}

// TitleOf is the first non-blank line of a document.
func TitleOf(doc prosemirror.Node) string {
	for _, line := range strings.Split(prosemirror.PlainText(doc), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return "Untitled"
}
