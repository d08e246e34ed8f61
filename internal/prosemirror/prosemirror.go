// Package prosemirror converts between the replicated document tree and the
// ProseMirror JSON the web editor and the legacy document store use.
//
// Element and mark attributes live in the CRDT as strings. Strings are stored
// as they are; any other JSON value is stored as its JSON encoding and decoded
// again on the way out. A mark without attributes is stored as "true".
package prosemirror

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"chronicle/collab/internal/crdt"
)

var (
	ErrInvalidDocument = errors.New("invalid prosemirror document")
	ErrNotEmpty        = errors.New("document is not empty")
)

// Node is a node of a ProseMirror document.
type Node struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []Node         `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

// Mark is a text mark (formatting).
type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// Parse decodes ProseMirror JSON. The top-level node must be a doc.
func Parse(data []byte) (Node, error) {
	var doc Node
	if err := json.Unmarshal(data, &doc); err != nil {
		return Node{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if doc.Type != crdt.RootType {
		return Node{}, fmt.Errorf("%w: top-level type %q", ErrInvalidDocument, doc.Type)
	}
	return doc, nil
}

// FromDocument renders the live document as ProseMirror JSON.
func FromDocument(doc crdt.Document) Node {
	return fromNode(doc.Root)
}

func fromNode(n crdt.Node) Node {
	if n.Type == crdt.TextType {
		out := Node{Type: "text", Text: n.Text}
		for _, key := range slices.Sorted(maps.Keys(n.Attrs)) {
			out.Marks = append(out.Marks, decodeMark(key, n.Attrs[key]))
		}
		return out
	}
	out := Node{Type: n.Type}
	if len(n.Attrs) > 0 {
		out.Attrs = make(map[string]any, len(n.Attrs))
		for key, value := range n.Attrs {
			out.Attrs[key] = decodeValue(value)
		}
	}
	for _, child := range n.Children {
		out.Content = append(out.Content, fromNode(child))
	}
	return out
}

// Seed writes a ProseMirror document into an empty store and returns the
// operations to broadcast.
func Seed(store *crdt.Store, doc Node) (crdt.Update, error) {
	if doc.Type != crdt.RootType {
		return crdt.Update{}, fmt.Errorf("%w: top-level type %q", ErrInvalidDocument, doc.Type)
	}
	if len(store.Children(crdt.Root)) > 0 {
		return crdt.Update{}, ErrNotEmpty
	}
	return seedChildren(store, crdt.Root, doc.Content)
}

func seedChildren(store *crdt.Store, parent crdt.ID, children []Node) (crdt.Update, error) {
	var out crdt.Update
	after := crdt.Root
	for _, child := range children {
		if child.Type == "text" {
			if child.Text == "" {
				continue
			}
			update, err := store.InsertText(parent, after, child.Text, markAttrs(child.Marks)...)
			out = crdt.Concat(out, update)
			if err != nil {
				return out, fmt.Errorf("seed text: %w", err)
			}
			op := update.Ops[0]
			after = crdt.ID{Replica: op.ID.Replica, Seq: op.End() - 1}
			continue
		}
		if child.Type == "" {
			return out, fmt.Errorf("%w: node without type", ErrInvalidDocument)
		}
		id, update, err := store.InsertNode(parent, after, child.Type, nodeAttrs(child.Attrs)...)
		out = crdt.Concat(out, update)
		if err != nil {
			return out, fmt.Errorf("seed %s: %w", child.Type, err)
		}
		after = id
		nested, err := seedChildren(store, id, child.Content)
		out = crdt.Concat(out, nested)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// PlainText extracts the text of a document, one line per top-level block.
func PlainText(doc Node) string {
	lines := make([]string, 0, len(doc.Content))
	for _, block := range doc.Content {
		lines = append(lines, inlineText(block))
	}
	return strings.Join(lines, "\n")
}

func inlineText(n Node) string {
	switch n.Type {
	case "text":
		return n.Text
	case "hardBreak":
		return "\n"
	}
	var b strings.Builder
	for i, child := range n.Content {
		if i > 0 && isBlock(child) {
			b.WriteString("\n")
		}
		b.WriteString(inlineText(child))
	}
	return b.String()
}

func isBlock(n Node) bool {
	return n.Type != "text" && n.Type != "hardBreak"
}

func nodeAttrs(attrs map[string]any) []crdt.Attr {
	out := make([]crdt.Attr, 0, len(attrs))
	for _, key := range slices.Sorted(maps.Keys(attrs)) {
		if attrs[key] == nil {
			continue
		}
		out = append(out, crdt.Attr{Key: key, Value: encodeValue(attrs[key])})
	}
	return out
}

func markAttrs(marks []Mark) []crdt.Attr {
	out := make([]crdt.Attr, 0, len(marks))
	for _, m := range marks {
		value := "true"
		if len(m.Attrs) > 0 {
			value = encodeValue(m.Attrs)
		}
		out = append(out, crdt.Attr{Key: m.Type, Value: value})
	}
	slices.SortFunc(out, func(a, b crdt.Attr) int { return strings.Compare(a.Key, b.Key) })
	return out
}

func decodeMark(key, value string) Mark {
	m := Mark{Type: key}
	if value == "true" || value == "" {
		return m
	}
	if attrs, ok := decodeValue(value).(map[string]any); ok {
		m.Attrs = attrs
	}
	return m
}

func encodeValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func decodeValue(s string) any {
	if s == "" || s[0] == '"' || !json.Valid([]byte(s)) {
		return s
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}
