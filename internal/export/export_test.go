package export

import (
	"context"
	"errors"
	"html/template"
	"strings"
	"testing"
	"time"

	"chronicle/collab/internal/prosemirror"
)

func testDocument(t *testing.T) prosemirror.Node {
	t.Helper()
	doc, err := prosemirror.Parse([]byte(`{"type":"doc","content":[` +
		`{"type":"paragraph"},` +
		`{"type":"heading","attrs":{"level":2},"content":[{"type":"text","text":"Release plan"}]},` +
		`{"type":"paragraph","content":[{"type":"text","text":"Ship <soon>","marks":[{"type":"italic"}]}]}]}`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return doc
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello-World"},
		{"My Document v1.2", "My-Document-v12"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "document"},
		{"Very Long Title That Exceeds Fifty Characters Limit", "Very-Long-Title-That-Exceeds-Fifty-Characters-Limi"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := sanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestRenderersReportMissingBinaries(t *testing.T) {
	svc := NewService(Options{ChromePath: "chronicle-missing-chrome", PandocPath: "chronicle-missing-pandoc"})
	doc := Document{Content: testDocument(t)}
	if _, err := svc.Export(context.Background(), doc, FormatPDF); !errors.Is(err, ErrPDFDependencyMissing) {
		t.Fatalf("Export(pdf) error = %v, want ErrPDFDependencyMissing", err)
	}
	if _, err := svc.Export(context.Background(), doc, FormatDOCX); !errors.Is(err, ErrDOCXDependencyMissing) {
		t.Fatalf("Export(docx) error = %v, want ErrDOCXDependencyMissing", err)
	}
}

func TestPrintToPDFFooterNamesVersion(t *testing.T) {
	params := printToPDF(Page{Title: "Plan <v2>", Version: "0123456789abcdef"})
	if !params.DisplayHeaderFooter {
		t.Fatal("printToPDF() does not display the footer")
	}
	if !strings.Contains(params.FooterTemplate, "Plan &lt;v2&gt; · 0123456789ab") || !strings.Contains(params.FooterTemplate, `class="pageNumber"`) {
		t.Fatalf("FooterTemplate = %s", params.FooterTemplate)
	}
}

func TestRenderDocumentHTML(t *testing.T) {
	html, err := RenderDocumentHTML(TemplateData{
		Title:       "Test <Document>",
		ContentHTML: template.HTML("<p>This is the content.</p>"),
		Authors:     []string{"alice", "bob"},
		Version:     "abc1234",
		UpdatedAt:   time.Date(2026, 3, 12, 16, 10, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("RenderDocumentHTML() error = %v", err)
	}
	for _, want := range []string{
		"<title>Test &lt;Document&gt;</title>",
		"<p>This is the content.</p>",
		"alice, bob | abc1234 | Mar 12, 2026 16:10",
	} {
		if !strings.Contains(html, want) {
			t.Errorf("HTML missing %q", want)
		}
	}
}

func TestExportUsesRendererForFormat(t *testing.T) {
	var gotHTML, gotTitle string
	svc := NewServiceWithRenderers(map[Format]Renderer{
		FormatDOCX: RendererFunc(func(_ context.Context, p Page) (*Result, error) {
			gotHTML, gotTitle = p.HTML, p.Title
			return &Result{Data: []byte("docx"), Filename: sanitizeFilename(p.Title) + ".docx"}, nil
		}),
	})

	result, err := svc.Export(context.Background(), Document{ID: "doc-1", Content: testDocument(t)}, FormatDOCX)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if result.Filename != "Release-plan.docx" || gotTitle != "Release plan" {
		t.Fatalf("Export() = %q, title %q", result.Filename, gotTitle)
	}
	if !strings.Contains(gotHTML, "<h2>Release plan</h2>") || !strings.Contains(gotHTML, "<em>Ship &lt;soon&gt;</em>") {
		t.Fatalf("rendered HTML = %s", gotHTML)
	}

	if _, err := svc.Export(context.Background(), Document{Content: testDocument(t)}, FormatPDF); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("Export(pdf) error = %v, want ErrUnsupportedFormat", err)
	}
}

func TestTitleOf(t *testing.T) {
	if got := TitleOf(testDocument(t)); got != "Release plan" {
		t.Fatalf("TitleOf() = %q", got)
	}
	if got := TitleOf(prosemirror.Node{Type: "doc"}); got != "Untitled" {
		t.Fatalf("TitleOf(empty) = %q", got)
	}
}

func TestExportPDF(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping chromium export in short mode")
	}
	if _, err := (&chromeRenderer{}).resolve(); err != nil {
		t.Skip("chrome not installed")
	}
	result, err := NewService(Options{}).Export(context.Background(), Document{Content: testDocument(t)}, FormatPDF)
	if err != nil {
		t.Fatalf("Export(pdf) error = %v", err)
	}
	if !strings.HasPrefix(string(result.Data), "%PDF") || result.MimeType != "application/pdf" {
		t.Fatalf("Export(pdf) = %d bytes, %s", len(result.Data), result.MimeType)
	}
}
