package crdt

import (
	"reflect"
	"testing"
)

func exchange(t *testing.T, a, b *Store, fromA, fromB Update) {
	t.Helper()
	if _, err := a.ApplyRemote(fromB); err != nil {
		t.Fatalf("ApplyRemote() on %d error = %v", a.Replica(), err)
	}
	if _, err := b.ApplyRemote(fromA); err != nil {
		t.Fatalf("ApplyRemote() on %d error = %v", b.Replica(), err)
	}
}

// Two replicas type at the same position of the same paragraph without
// seeing each other's edits.
func TestConcurrentInsertsAtSamePosition(t *testing.T) {
	r1 := NewStore(1, Options{})
	block, seed := newParagraph(t, r1, 0, "")
	r2 := NewStore(2, Options{})
	if _, err := r2.ApplyRemote(seed); err != nil {
		t.Fatalf("ApplyRemote() error = %v", err)
	}

	u1, err := r1.InsertTextAt(block, 0, "Hello")
	if err != nil {
		t.Fatalf("InsertTextAt() error = %v", err)
	}
	u2, err := r2.InsertTextAt(block, 0, "World")
	if err != nil {
		t.Fatalf("InsertTextAt() error = %v", err)
	}
	exchange(t, r1, r2, u1, u2)

	got1, got2 := r1.Document().Text(), r2.Document().Text()
	if got1 != got2 {
		t.Fatalf("replicas diverged: %q vs %q", got1, got2)
	}
	if got1 != "HelloWorld" && got1 != "WorldHello" {
		t.Fatalf("Text() = %q, want the two runs unbroken", got1)
	}
	// Equal clocks: the higher replica id sorts first.
	if got1 != "WorldHello" {
		t.Fatalf("Text() = %q, want WorldHello for the replica tiebreak", got1)
	}
	if !reflect.DeepEqual(r1.Snapshot(), r2.Snapshot()) {
		t.Fatalf("snapshots differ after exchanging all updates")
	}
}

// One replica deletes a node while another concurrently edits its
// attributes: the deletion wins, the edit survives in the tombstone.
func TestDeleteWinsOverConcurrentAttrEdit(t *testing.T) {
	r1 := NewStore(1, Options{})
	block, seed := newParagraph(t, r1, 0, "text")
	r2 := NewStore(2, Options{})
	if _, err := r2.ApplyRemote(seed); err != nil {
		t.Fatalf("ApplyRemote() error = %v", err)
	}

	del, err := r1.Delete(block)
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	edit, err := r2.SetAttr([]ID{block}, "align", "center")
	if err != nil {
		t.Fatalf("SetAttr() error = %v", err)
	}
	exchange(t, r1, r2, del, edit)

	for _, s := range []*Store{r1, r2} {
		if got := len(s.Document().Root.Children); got != 0 {
			t.Fatalf("replica %d still shows %d blocks", s.Replica(), got)
		}
		rec, ok := s.Inspect(block)
		if !ok || !rec.Deleted {
			t.Fatalf("replica %d: Inspect() = %+v, %v, want a tombstone", s.Replica(), rec, ok)
		}
		if got := rec.Current()["align"]; got != "center" {
			t.Fatalf("replica %d lost the concurrent attribute edit: %q", s.Replica(), got)
		}
		if edits := rec.Edits("align"); len(edits) != 1 || edits[0].Stamp.Replica != 2 {
			t.Fatalf("replica %d: Edits() = %+v", s.Replica(), edits)
		}
	}
	if !reflect.DeepEqual(r1.Snapshot(), r2.Snapshot()) {
		t.Fatalf("snapshots differ")
	}
}
