package export

import (
	"bytes"
	"html/template"
	"strings"
	"time"
)

var documentTemplate = template.Must(template.New("document").Funcs(template.FuncMap{
	"join": strings.Join,
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).Parse(documentHTML))

// TemplateData holds data for document template rendering
type TemplateData struct {
	Title       string
	ContentHTML template.HTML
	Authors     []string
	Version     string
	UpdatedAt   time.Time
}

// RenderDocumentHTML renders the document template with provided data
func RenderDocumentHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const documentHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; border-bottom: 1px solid #ddd; }
    pre { background: #f5f5f5; padding: 1rem; }
    blockquote { border-left: 3px solid #333; margin-left: 0; padding-left: 1rem; }
  </style>
</head>
<body>
  <div class="meta">{{if .Authors}}{{join .Authors ", "}} | {{end}}{{if .Version}}{{.Version}} | {{end}}{{formatDate .UpdatedAt "Jan 2, 2006 15:04"}}</div>
  <div>{{.ContentHTML}}</div>
</body>
</html>`
