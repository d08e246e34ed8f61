package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

const docxMimeType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

// pandocRenderer converts pages to DOCX with pandoc.
type pandocRenderer struct {
	opts Options
}

func (r *pandocRenderer) Render(ctx context.Context, p Page) (*Result, error) {
	binary := r.opts.PandocPath
	if binary == "" {
		binary = "pandoc"
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("%w: pandoc not installed", ErrDOCXDependencyMissing)
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.timeout())
	defer cancel()

	args := []string{"-f", "html", "-t", "docx", "--standalone", "--metadata", "title=" + p.Title}
	if p.Version != "" {
		args = append(args, "--metadata", "subtitle="+shortVersion(p.Version))
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, append(args, "-o", "-")...)
	cmd.Stdin = strings.NewReader(p.HTML)
	cmd.Stderr = &stderr

	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("pandoc exited %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("run pandoc: %w", err)
	}
	return &Result{
		Data:     output,
		Filename: sanitizeFilename(p.Title) + ".docx",
		MimeType: docxMimeType,
	}, nil
}
