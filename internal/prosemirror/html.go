package prosemirror

import (
	"fmt"
	"html"
	"strings"
)

// ToHTML renders a ProseMirror document as an HTML fragment.
func ToHTML(doc Node) string {
	return renderNode(doc)
}

func renderNode(node Node) string {
	switch node.Type {
	case "":
		return ""
	case "doc":
		return renderContent(node.Content)
	case "paragraph":
		return fmt.Sprintf("<p>%s</p>\n", renderContent(node.Content))
	case "heading":
		level := 1
		switch lvl := node.Attrs["level"].(type) {
		case float64:
			level = int(lvl)
		case string:
			fmt.Sscanf(lvl, "%d", &level)
		}
		if level < 1 || level > 6 {
			level = 1
		}
		return fmt.Sprintf("<h%d>%s</h%d>\n", level, renderContent(node.Content), level)
	case "bulletList":
		return fmt.Sprintf("<ul>\n%s</ul>\n", renderContent(node.Content))
	case "orderedList":
		return fmt.Sprintf("<ol>\n%s</ol>\n", renderContent(node.Content))
	case "listItem":
		return fmt.Sprintf("<li>%s</li>\n", renderContent(node.Content))
	case "blockquote":
		return fmt.Sprintf("<blockquote>\n%s</blockquote>\n", renderContent(node.Content))
	case "codeBlock":
		return fmt.Sprintf("<pre><code>%s</code></pre>\n", html.EscapeString(inlineText(node)))
	case "text":
		return renderTextWithMarks(node.Text, node.Marks)
	case "hardBreak":
		return "<br>"
	case "horizontalRule":
		return "<hr>\n"
	default:
		return renderContent(node.Content)
	}
}

func renderContent(content []Node) string {
	var result strings.Builder
	for _, item := range content {
		result.WriteString(renderNode(item))
	}
	return result.String()
}

func renderTextWithMarks(text string, marks []Mark) string {
	if text == "" {
		return ""
	}
	out := html.EscapeString(text)

	// Apply marks from the inside out.
	for i := len(marks) - 1; i >= 0; i-- {
		switch marks[i].Type {
		case "bold":
			out = "<strong>" + out + "</strong>"
		case "italic":
			out = "<em>" + out + "</em>"
		case "code":
			out = "<code>" + out + "</code>"
		case "strike":
			out = "<s>" + out + "</s>"
		case "underline":
			out = "<u>" + out + "</u>"
		case "link":
			href, _ := marks[i].Attrs["href"].(string)
			out = fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(href), out)
		}
	}
	return out
}
