package gitrepo

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"chronicle/collab/internal/crdt"
	"chronicle/collab/internal/prosemirror"
	"chronicle/collab/internal/relay"
)

func checkpointOf(t *testing.T, store *crdt.Store, author string) relay.Checkpoint {
	t.Helper()
	return relay.Checkpoint{
		DocumentID: "doc-1",
		Snapshot:   []byte("snapshot"),
		Document:   store.Document(),
		Author:     author,
		At:         time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestCheckpointHistoryLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)
	ctx := context.Background()

	store := crdt.NewStore(1, crdt.Options{})
	block, _, err := store.InsertNode(crdt.Root, crdt.Root, "paragraph")
	if err != nil {
		t.Fatalf("InsertNode() error = %v", err)
	}
	if _, err := store.InsertTextAt(block, 0, "first"); err != nil {
		t.Fatalf("InsertTextAt() error = %v", err)
	}
	if _, err := store.Bind(1, "alice"); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	if err := svc.Checkpoint(ctx, checkpointOf(t, store, "Avery")); err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "doc-1", ".git")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}

	// Same content again is not a new commit.
	if err := svc.Checkpoint(ctx, checkpointOf(t, store, "Avery")); err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}

	if _, err := store.InsertTextAt(block, 5, " second"); err != nil {
		t.Fatalf("InsertTextAt() error = %v", err)
	}
	if err := svc.Checkpoint(ctx, checkpointOf(t, store, "")); err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}

	history, err := svc.History("doc-1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("History() = %+v, want 2 commits", history)
	}
	if history[0].Author != "Chronicle" || history[1].Author != "Avery" {
		t.Fatalf("History() authors = %q, %q", history[0].Author, history[1].Author)
	}
	if !strings.HasPrefix(history[0].Message, "Checkpoint doc-1") {
		t.Fatalf("History()[0].Message = %q", history[0].Message)
	}

	head, info, err := svc.ContentAt("doc-1", "")
	if err != nil {
		t.Fatalf("ContentAt() error = %v", err)
	}
	if head.Text != "first second" || info.Hash != history[0].Hash {
		t.Fatalf("ContentAt() = %+v, %+v", head, info)
	}
	if head.Bindings[1] != "alice" {
		t.Fatalf("ContentAt().Bindings = %v", head.Bindings)
	}
	doc, err := prosemirror.Parse(head.Doc)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got := prosemirror.PlainText(doc); got != "first second" {
		t.Fatalf("PlainText() = %q", got)
	}

	first, _, err := svc.ContentAt("doc-1", history[1].Hash)
	if err != nil {
		t.Fatalf("ContentAt(%s) error = %v", history[1].Hash, err)
	}
	if first.Text != "first" {
		t.Fatalf("first checkpoint text = %q", first.Text)
	}

	limited, err := svc.History("doc-1", 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("History(limit 1) = %v, %v", limited, err)
	}
}

func TestHistoryOfUnknownDocument(t *testing.T) {
	svc := New(t.TempDir())
	if _, err := svc.History("missing", 10); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("History() error = %v, want ErrNoHistory", err)
	}
	if _, _, err := svc.ContentAt("missing", ""); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("ContentAt() error = %v, want ErrNoHistory", err)
	}
}

func TestRejectsPathLikeDocumentIDs(t *testing.T) {
	svc := New(t.TempDir())
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		err := svc.Checkpoint(context.Background(), relay.Checkpoint{DocumentID: id})
		if !errors.Is(err, ErrInvalidDocumentID) {
			t.Fatalf("Checkpoint(%q) error = %v, want ErrInvalidDocumentID", id, err)
		}
	}
}

func TestConcurrentCheckpointsOfDifferentDocuments(t *testing.T) {
	svc := New(t.TempDir())
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			store := crdt.NewStore(uint64(i+1), crdt.Options{})
			if _, _, err := store.InsertNode(crdt.Root, crdt.Root, "paragraph"); err != nil {
				errs <- err
				return
			}
			cp := relay.Checkpoint{DocumentID: "doc-" + string(rune('a'+i)), Document: store.Document()}
			errs <- svc.Checkpoint(context.Background(), cp)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Checkpoint() error = %v", err)
		}
	}
}
