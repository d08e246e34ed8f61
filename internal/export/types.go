// Package export renders documents to PDF and DOCX files.
package export

import (
	"errors"
	"time"

	"chronicle/collab/internal/prosemirror"
)

// Format represents the export output format
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// Document is what an export renders.
type Document struct {
	ID        string
	Title     string
	Content   prosemirror.Node
	Authors   []string
	Version   string
	UpdatedAt time.Time
}

// Page is a document rendered to a standalone HTML page, ready for a
// Renderer.
type Page struct {
	Title   string
	Version string
	HTML    string
}

// Options configure the built-in renderers.
type Options struct {
	// ChromePath and PandocPath default to a PATH lookup.
	ChromePath string
	PandocPath string
	Timeout    time.Duration
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return 30 * time.Second
	}
	return o.Timeout
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrUnsupportedFormat indicates a format other than pdf or docx.
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
