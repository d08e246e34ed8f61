package export

import (
	"context"
	"fmt"
	"html"
	"os/exec"
	"strings"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

var chromeBinaries = []string{"chromium", "chromium-browser", "google-chrome", "google-chrome-stable"}

// pdfFooter numbers the pages and names the exported version.
const pdfFooter = `<div style="font-size:8px;width:100%%;padding:0 0.75in;color:#666;display:flex;justify-content:space-between">` +
	`<span>%s</span><span><span class="pageNumber"></span> / <span class="totalPages"></span></span></div>`

// chromeRenderer prints pages to PDF with headless Chrome.
type chromeRenderer struct {
	opts Options
}

func (c *chromeRenderer) resolve() (string, error) {
	if c.opts.ChromePath != "" {
		return exec.LookPath(c.opts.ChromePath)
	}
	for _, name := range chromeBinaries {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", exec.ErrNotFound
}

func (c *chromeRenderer) Render(ctx context.Context, p Page) (*Result, error) {
	execPath, err := c.resolve()
	if err != nil {
		return nil, fmt.Errorf("%w: chrome not installed", ErrPDFDependencyMissing)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.timeout())
	defer cancel()

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(execPath),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	defer cancelAlloc()
	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	defer cancelTask()

	var data []byte
	err = chromedp.Run(taskCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, p.HTML).Do(ctx)
		}),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			data, _, err = printToPDF(p).Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("print pdf: %w", err)
	}
	return &Result{
		Data:     data,
		Filename: sanitizeFilename(p.Title) + ".pdf",
		MimeType: "application/pdf",
	}, nil
}

// printToPDF lays out A4 pages with a footer carrying the version.
func printToPDF(p Page) *page.PrintToPDFParams {
	label := p.Title
	if p.Version != "" {
		label += " · " + shortVersion(p.Version)
	}
	return page.PrintToPDF().
		WithPrintBackground(true).
		WithPaperWidth(8.27).
		WithPaperHeight(11.69).
		WithMarginTop(0.75).
		WithMarginBottom(0.9).
		WithMarginLeft(0.75).
		WithMarginRight(0.75).
		WithDisplayHeaderFooter(true).
		WithHeaderTemplate("<div></div>").
		WithFooterTemplate(fmt.Sprintf(pdfFooter, html.EscapeString(label)))
}

func shortVersion(version string) string {
	if len(version) > 12 {
		return version[:12]
	}
	return version
}

// sanitizeFilename keeps ASCII letters, digits, '-' and '_' of a title and
// turns spaces into hyphens.
func sanitizeFilename(title string) string {
	var result strings.Builder
	for _, r := range title {
		if result.Len() >= 50 {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			result.WriteRune(r)
		case r == ' ':
			result.WriteRune('-')
		}
	}
	if result.Len() == 0 {
		return "document"
	}
	return result.String()
}
