package prosemirror

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"chronicle/collab/internal/crdt"
)

const legacy = `{
	"type": "doc",
	"content": [
		{"type": "heading", "attrs": {"level": 2}, "content": [{"type": "text", "text": "Plan"}]},
		{"type": "paragraph", "content": [
			{"type": "text", "text": "Read "},
			{"type": "text", "text": "this", "marks": [{"type": "bold"}, {"type": "link", "attrs": {"href": "https://example.com"}}]},
			{"type": "text", "text": " <now>"}
		]},
		{"type": "bulletList", "content": [
			{"type": "listItem", "content": [{"type": "paragraph", "content": [{"type": "text", "text": "one"}]}]},
			{"type": "listItem", "content": [{"type": "paragraph", "content": [{"type": "text", "text": "two"}]}]}
		]}
	]
}`

func seeded(t *testing.T) (*crdt.Store, Node) {
	t.Helper()
	doc, err := Parse([]byte(legacy))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	store := crdt.NewStore(1, crdt.Options{})
	update, err := Seed(store, doc)
	if err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	if update.IsEmpty() {
		t.Fatalf("Seed() returned no operations")
	}
	return store, doc
}

func TestSeedThenRenderRoundTrips(t *testing.T) {
	store, doc := seeded(t)

	want, _ := json.Marshal(doc)
	got, _ := json.Marshal(FromDocument(store.Document()))
	if string(got) != string(want) {
		t.Fatalf("FromDocument() =\n%s\nwant\n%s", got, want)
	}
}

func TestSeededOperationsReplicate(t *testing.T) {
	store, _ := seeded(t)
	update, ok := store.Diff(crdt.StateVector{})
	if !ok {
		t.Fatalf("Diff() unavailable")
	}
	other := crdt.NewStore(2, crdt.Options{})
	if _, err := other.ApplyRemote(update); err != nil {
		t.Fatalf("ApplyRemote() error = %v", err)
	}
	if got, want := PlainText(FromDocument(other.Document())), PlainText(FromDocument(store.Document())); got != want {
		t.Fatalf("replica text = %q, want %q", got, want)
	}
}

func TestPlainText(t *testing.T) {
	_, doc := seeded(t)
	if got, want := PlainText(doc), "Plan\nRead this <now>\none\ntwo"; got != want {
		t.Fatalf("PlainText() = %q, want %q", got, want)
	}
}

func TestToHTML(t *testing.T) {
	_, doc := seeded(t)
	got := ToHTML(doc)
	for _, want := range []string{
		"<h2>Plan</h2>",
		`<strong><a href="https://example.com">this</a></strong>`,
		"&lt;now&gt;",
		"<ul>\n<li><p>one</p>\n</li>",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("ToHTML() = %q, missing %q", got, want)
		}
	}
}

func TestSeedRejectsNonEmptyStore(t *testing.T) {
	store, doc := seeded(t)
	if _, err := Seed(store, doc); !errors.Is(err, ErrNotEmpty) {
		t.Fatalf("Seed() error = %v, want ErrNotEmpty", err)
	}
}

func TestParseRejectsNonDocuments(t *testing.T) {
	tests := []string{`{"type":"paragraph"}`, `[1,2]`, `{`}
	for _, input := range tests {
		if _, err := Parse([]byte(input)); !errors.Is(err, ErrInvalidDocument) {
			t.Fatalf("Parse(%s) error = %v, want ErrInvalidDocument", input, err)
		}
	}
}
