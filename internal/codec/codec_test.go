package codec

import (
	"errors"
	"reflect"
	"sync"
	"testing"

	"pgregory.net/rapid"

	"chronicle/collab/internal/crdt"
)

func refGen(allowRoot bool) *rapid.Generator[crdt.ID] {
	return rapid.Custom(func(t *rapid.T) crdt.ID {
		if allowRoot && rapid.Bool().Draw(t, "root") {
			return crdt.Root
		}
		return crdt.ID{
			Replica: rapid.Uint64Range(1, 1<<40).Draw(t, "replica"),
			Seq:     rapid.Uint64Range(0, 99).Draw(t, "seq"),
		}
	})
}

func attrsGen() *rapid.Generator[[]crdt.Attr] {
	return rapid.Custom(func(t *rapid.T) []crdt.Attr {
		n := rapid.IntRange(0, 3).Draw(t, "attrs")
		if n == 0 {
			return nil
		}
		out := make([]crdt.Attr, n)
		for i := range out {
			out[i] = crdt.Attr{
				Key:   rapid.StringMatching(`[a-z]{1,8}`).Draw(t, "key"),
				Value: rapid.StringMatching(`[a-z0-9#]{0,8}`).Draw(t, "value"),
			}
		}
		return out
	})
}

// opGen produces structurally valid operations. Sequence numbers start at 100
// and references stay below it, so no op references itself.
func opGen() *rapid.Generator[crdt.Op] {
	return rapid.Custom(func(t *rapid.T) crdt.Op {
		op := crdt.Op{
			Kind: rapid.SampledFrom([]crdt.OpKind{
				crdt.OpInsertText, crdt.OpInsertNode, crdt.OpDelete, crdt.OpSetAttr, crdt.OpBind,
			}).Draw(t, "kind"),
			ID: crdt.ID{
				Replica: rapid.Uint64Range(1, 1<<40).Draw(t, "replica"),
				Seq:     rapid.Uint64Range(100, 1<<20).Draw(t, "seq"),
			},
			Lamport: rapid.Uint64Range(1, 1<<32).Draw(t, "lamport"),
		}
		switch op.Kind {
		case crdt.OpInsertText:
			op.Parent = refGen(true).Draw(t, "parent")
			op.Origin = refGen(true).Draw(t, "origin")
			op.Text = rapid.StringMatching(`[a-zA-Zäöü✓ ]{1,12}`).Draw(t, "text")
			op.Attrs = attrsGen().Draw(t, "marks")
		case crdt.OpInsertNode:
			op.Parent = refGen(true).Draw(t, "parent")
			op.Origin = refGen(true).Draw(t, "origin")
			op.Type = rapid.SampledFrom([]string{"paragraph", "heading", "list_item"}).Draw(t, "type")
			op.Attrs = attrsGen().Draw(t, "attrs")
		case crdt.OpDelete:
			op.Targets = rapid.SliceOfN(refGen(false), 1, 4).Draw(t, "targets")
		case crdt.OpSetAttr:
			op.Targets = rapid.SliceOfN(refGen(true), 1, 4).Draw(t, "targets")
			op.Key = rapid.StringMatching(`[a-z]{1,8}`).Draw(t, "key")
			op.Value = rapid.StringMatching(`[a-z0-9]{0,8}`).Draw(t, "value")
		case crdt.OpBind:
			op.Subject = rapid.Uint64Range(1, 1<<40).Draw(t, "subject")
			op.User = rapid.StringMatching(`user_[a-z0-9]{1,10}`).Draw(t, "user")
		}
		return op
	})
}

func TestUpdateRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ops := rapid.SliceOfN(opGen(), 0, 8).Draw(t, "ops")
		if len(ops) == 0 {
			ops = nil
		}
		want := crdt.Update{Ops: ops}
		got, err := DecodeUpdate(EncodeUpdate(want))
		if err != nil {
			t.Fatalf("DecodeUpdate() error = %v", err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", got, want)
		}
	})
}

func TestDecodeUpdateNeverPanics(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		payload := rapid.SliceOf(rapid.Byte()).Draw(t, "payload")
		if rapid.Bool().Draw(t, "tagged") {
			payload = append([]byte{byte(FormatUpdateV1)}, payload...)
		}
		_, _ = DecodeUpdate(payload)
	})
}

func TestDecodeRejectsUnknownFormat(t *testing.T) {
	if _, err := DecodeUpdate([]byte{0x7f, 0x01}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("DecodeUpdate() error = %v, want ErrUnsupportedFormat", err)
	}
	sv := EncodeStateVector(crdt.StateVector{1: 3})
	if _, err := DecodeUpdate(sv); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("DecodeUpdate(state vector) error = %v, want ErrUnsupportedFormat", err)
	}
	if _, err := FormatOf(nil); !errors.Is(err, ErrMalformed) {
		t.Fatalf("FormatOf(nil) error = %v, want ErrMalformed", err)
	}
}

func TestDecodeRejectsTruncatedUpdate(t *testing.T) {
	store := crdt.NewStore(1, crdt.Options{})
	update, err := store.InsertText(crdt.Root, crdt.Root, "hello")
	if err != nil {
		t.Fatalf("InsertText() error = %v", err)
	}
	encoded := EncodeUpdate(update)
	if _, err := DecodeUpdate(encoded[:len(encoded)-3]); !errors.Is(err, ErrMalformed) {
		t.Fatalf("DecodeUpdate(truncated) error = %v, want ErrMalformed", err)
	}
}

func TestDecodeRejectsInvalidOps(t *testing.T) {
	invalid := crdt.Update{Ops: []crdt.Op{{Kind: crdt.OpDelete, ID: crdt.ID{Replica: 1, Seq: 4}, Lamport: 2}}}
	if _, err := DecodeUpdate(EncodeUpdate(invalid)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("DecodeUpdate() error = %v, want ErrMalformed", err)
	}
}

func TestStateVectorRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		want := crdt.StateVector(rapid.MapOfN(rapid.Uint64Range(1, 1<<50), rapid.Uint64Range(1, 1<<50), 1, 16).Draw(t, "sv"))
		got, err := DecodeStateVector(EncodeStateVector(want))
		if err != nil {
			t.Fatalf("DecodeStateVector() error = %v", err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("DecodeStateVector() = %v, want %v", got, want)
		}
	})
}

func TestSnapshotRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		store := crdt.NewStore(rapid.Uint64Range(1, 1<<20).Draw(t, "replica"), crdt.Options{})
		var blocks []crdt.ID
		for i := rapid.IntRange(1, 20).Draw(t, "edits"); i > 0; i-- {
			switch {
			case len(blocks) == 0 || rapid.IntRange(0, 3).Draw(t, "action") == 0:
				id, _, err := store.InsertNode(crdt.Root, crdt.Root, "paragraph", crdt.Attr{Key: "align", Value: "left"})
				if err != nil {
					t.Fatalf("InsertNode() error = %v", err)
				}
				blocks = append(blocks, id)
			case rapid.Bool().Draw(t, "delete"):
				block := rapid.SampledFrom(blocks).Draw(t, "block")
				if _, err := store.Delete(block); err != nil {
					t.Fatalf("Delete() error = %v", err)
				}
			default:
				block := rapid.SampledFrom(blocks).Draw(t, "block")
				text := rapid.StringMatching(`[a-zé ]{1,6}`).Draw(t, "text")
				if _, err := store.InsertText(block, crdt.Root, text, crdt.Attr{Key: "em", Value: "true"}); err != nil {
					t.Fatalf("InsertText() error = %v", err)
				}
				if _, err := store.SetAttr([]crdt.ID{block}, "level", text); err != nil {
					t.Fatalf("SetAttr() error = %v", err)
				}
			}
		}
		if _, err := store.Bind(store.Replica(), "user_1"); err != nil {
			t.Fatalf("Bind() error = %v", err)
		}

		want := store.Snapshot()
		got, err := DecodeSnapshot(EncodeSnapshot(want))
		if err != nil {
			t.Fatalf("DecodeSnapshot() error = %v", err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("snapshot round trip mismatch")
		}
	})
}

func TestDecodeSnapshotRejectsGarbage(t *testing.T) {
	payload := append([]byte{byte(FormatSnapshotV1)}, []byte("not zstd at all")...)
	if _, err := DecodeSnapshot(payload); !errors.Is(err, ErrMalformed) {
		t.Fatalf("DecodeSnapshot() error = %v, want ErrMalformed", err)
	}
}

func TestSnapshotCompressionIsSharedSafely(t *testing.T) {
	if snapshotEncoder == nil || snapshotDecoder == nil {
		t.Fatalf("snapshot compression not initialized")
	}
	store := crdt.NewStore(1, crdt.Options{})
	block, _, err := store.InsertNode(crdt.Root, crdt.Root, "paragraph")
	if err != nil {
		t.Fatalf("InsertNode() error = %v", err)
	}
	if _, err := store.InsertText(block, crdt.Root, "shared codec"); err != nil {
		t.Fatalf("InsertText() error = %v", err)
	}
	want := store.Snapshot()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := DecodeSnapshot(EncodeSnapshot(want))
			if err == nil && !reflect.DeepEqual(got, want) {
				err = errors.New("snapshot round trip mismatch")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent round trip error = %v", err)
		}
	}
}
