package editor

import (
	"testing"

	"pgregory.net/rapid"

	"chronicle/collab/internal/crdt"
)

func para(text string) Block {
	b := Block{Type: "paragraph"}
	if text != "" {
		b.Runs = []Run{{Text: text}}
	}
	return b
}

func lastChange(t *testing.T, s *BufferSurface) ExternalChange {
	t.Helper()
	changes := s.Changes()
	if len(changes) == 0 {
		t.Fatalf("surface received no external change")
	}
	return changes[len(changes)-1]
}

func poll(t *testing.T, a *Adapter) crdt.Update {
	t.Helper()
	update, err := a.Poll()
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	return update
}

func TestContentApply(t *testing.T) {
	start := Content{para("Hello world")}
	got, err := start.Apply(
		Step{Kind: StepSetMark, Block: 0, Offset: 6, Length: 5, Key: "bold", Value: "true"},
		Step{Kind: StepSplitBlock, Block: 0, Offset: 5},
		Step{Kind: StepDeleteText, Block: 1, Offset: 0, Length: 1},
		Step{Kind: StepInsertBlock, Block: 0, Type: "heading", Attrs: map[string]string{"level": "1"}, Text: "Title"},
	)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	want := Content{
		{Type: "heading", Attrs: map[string]string{"level": "1"}, Runs: []Run{{Text: "Title"}}},
		para("Hello"),
		{Type: "paragraph", Runs: []Run{{Text: "world", Marks: map[string]string{"bold": "true"}}}},
	}
	if !got.Equal(want) {
		t.Fatalf("Apply() = %+v, want %+v", got, want)
	}
	if start.Text() != "Hello world" {
		t.Fatalf("Apply() modified its receiver")
	}
	if _, err := start.Apply(Step{Kind: StepDeleteText, Block: 0, Offset: 8, Length: 10}); err == nil {
		t.Fatalf("Apply() error = nil for an out of range delete")
	}
}

func TestPositionalStepsBecomeOperations(t *testing.T) {
	store := crdt.NewStore(1, crdt.Options{})
	surface := NewBufferSurface()
	a := NewAdapter(store, surface)

	if err := surface.Edit(Step{Kind: StepInsertBlock, Block: 0, Type: "paragraph", Text: "Hello"}); err != nil {
		t.Fatalf("Edit() error = %v", err)
	}
	if update := poll(t, a); len(update.Ops) != 2 {
		t.Fatalf("Poll() ops = %d, want block and text", len(update.Ops))
	}
	change := lastChange(t, surface)
	if change.Remote || !change.ScrollIntoView || change.Version != store.Version() {
		t.Fatalf("local echo = %+v", change)
	}

	first := a.View().Blocks[0].Chars[0].ID
	if err := surface.Edit(
		Step{Kind: StepInsertText, Block: 0, Offset: 5, Text: " world", Marks: map[string]string{"em": "true"}},
		Step{Kind: StepSetBlockAttr, Block: 0, Key: "align", Value: "center"},
		Step{Kind: StepSplitBlock, Block: 0, Offset: 5},
	); err != nil {
		t.Fatalf("Edit() error = %v", err)
	}
	poll(t, a)
	if !a.View().Content().Equal(surface.Content()) {
		t.Fatalf("store %+v and surface %+v differ", a.View().Content(), surface.Content())
	}
	if got := store.Document().Text(); got != "Hello\n world" {
		t.Fatalf("Text() = %q", got)
	}
	if a.View().Blocks[0].Chars[0].ID != first {
		t.Fatalf("positional edit recreated untouched text")
	}
}

func TestBatchedTransactionIsRecreated(t *testing.T) {
	store := crdt.NewStore(1, crdt.Options{})
	surface := NewBufferSurface()
	a := NewAdapter(store, surface)
	surface.Replace(Content{para("The quick fox"), para("jumps")})
	poll(t, a)
	kept := a.View().Blocks[0].Chars[0].ID

	surface.Replace(Content{
		{Type: "paragraph", Runs: []Run{{Text: "The "}, {Text: "slow", Marks: map[string]string{"bold": "true"}}, {Text: " fox"}}},
		{Type: "heading", Runs: []Run{{Text: "jumps"}}},
		para("over"),
	})
	tx, _ := surface.CaptureTransaction()
	res := a.OnLocalTransaction(tx)
	if !res.Recreated || res.Skipped {
		t.Fatalf("OnLocalTransaction() = %+v, want recreated", res)
	}
	if !a.View().Content().Equal(tx.After) {
		t.Fatalf("store content = %+v, want %+v", a.View().Content(), tx.After)
	}
	if a.View().Blocks[0].Chars[0].ID != kept {
		t.Fatalf("recreate did not keep the ids of unchanged text")
	}
}

func TestStaleTransactionMergesWithRemoteEdits(t *testing.T) {
	local := crdt.NewStore(1, crdt.Options{})
	remote := crdt.NewStore(2, crdt.Options{})
	surface := NewBufferSurface()
	a := NewAdapter(local, surface)
	surface.Replace(Content{para("Hello world")})
	seed := poll(t, a)
	if _, err := remote.ApplyRemote(seed); err != nil {
		t.Fatalf("ApplyRemote() error = %v", err)
	}

	// The user types while a remote edit is in flight.
	if err := surface.Edit(Step{Kind: StepInsertText, Block: 0, Offset: 11, Text: "!"}); err != nil {
		t.Fatalf("Edit() error = %v", err)
	}
	block := BuildView(remote).Blocks[0].ID
	edit, err := remote.InsertTextAt(block, 0, ">> ")
	if err != nil {
		t.Fatalf("InsertTextAt() error = %v", err)
	}
	if _, err := local.ApplyRemote(edit); err != nil {
		t.Fatalf("ApplyRemote() error = %v", err)
	}
	if err := a.OnRemoteUpdate(); err != nil {
		t.Fatalf("OnRemoteUpdate() error = %v", err)
	}
	if change := lastChange(t, surface); !change.Remote || change.ScrollIntoView {
		t.Fatalf("remote change = %+v, want no scroll", change)
	}
	if surface.Pending() != 1 {
		t.Fatalf("Pending() = %d, remote change must not become a transaction", surface.Pending())
	}

	update := poll(t, a)
	if got := local.Document().Text(); got != ">> Hello world!" {
		t.Fatalf("Text() = %q", got)
	}
	if _, err := remote.ApplyRemote(update); err != nil {
		t.Fatalf("ApplyRemote() error = %v", err)
	}
	if remote.Document().Text() != local.Document().Text() {
		t.Fatalf("replicas diverged")
	}
	change := lastChange(t, surface)
	if !change.Remote || !change.Content.Equal(Content{para(">> Hello world!")}) {
		t.Fatalf("resync = %+v", change)
	}
}

func TestUnmappableTransactionIsSkipped(t *testing.T) {
	store := crdt.NewStore(1, crdt.Options{})
	surface := NewBufferSurface()
	a := NewAdapter(store, surface)
	surface.Replace(Content{para("abc")})
	poll(t, a)
	before := store.Snapshot()

	res := a.OnLocalTransaction(Transaction{BaseVersion: 999, Batched: true, Before: Content{para("zzz")}, After: Content{para("zzzz")}})
	if !res.Skipped || !res.Update.IsEmpty() {
		t.Fatalf("OnLocalTransaction() = %+v, want skipped", res)
	}
	if after := store.Snapshot(); after.Clock != before.Clock {
		t.Fatalf("skipped transaction changed the store")
	}
	if res := a.OnLocalTransaction(Transaction{BaseVersion: 999, Batched: true}); !res.Skipped {
		t.Fatalf("transaction without content was not skipped")
	}
}

func contentGen() *rapid.Generator[Content] {
	run := rapid.Custom(func(t *rapid.T) Run {
		r := Run{Text: rapid.StringMatching(`[ab c]{1,4}`).Draw(t, "text")}
		if rapid.Bool().Draw(t, "marked") {
			r.Marks = map[string]string{"bold": "true"}
		}
		return r
	})
	block := rapid.Custom(func(t *rapid.T) Block {
		b := Block{
			Type: rapid.SampledFrom([]string{"paragraph", "heading"}).Draw(t, "type"),
			Runs: rapid.SliceOfN(run, 0, 3).Draw(t, "runs"),
		}
		if rapid.Bool().Draw(t, "aligned") {
			b.Attrs = map[string]string{"align": rapid.SampledFrom([]string{"left", "center"}).Draw(t, "align")}
		}
		return b
	})
	return rapid.Custom(func(t *rapid.T) Content {
		return Content(rapid.SliceOfN(block, 0, 5).Draw(t, "blocks"))
	})
}

func TestRecreateReachesTarget(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		store := crdt.NewStore(1, crdt.Options{})
		a := NewAdapter(store, NewBufferSurface())
		for i, target := range []Content{contentGen().Draw(t, "before"), contentGen().Draw(t, "after")} {
			transform, err := Recreate(a.View(), nil, target)
			if err != nil {
				t.Fatalf("Recreate() error = %v", err)
			}
			if _, err := a.apply(transform); err != nil {
				t.Fatalf("apply() error = %v", err)
			}
			a.refresh()
			if got := a.View().Content(); !got.Equal(target) {
				t.Fatalf("step %d: content = %+v, want %+v", i, got, target)
			}
		}
	})
}
