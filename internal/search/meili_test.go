package search

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"chronicle/collab/internal/crdt"
	"chronicle/collab/internal/relay"
)

// fakeMeili answers health checks and accepts every other request as an
// enqueued task, recording what was indexed.
type fakeMeili struct {
	mu      sync.Mutex
	healthy bool
	paths   []string
	records []DocumentRecord
}

func (f *fakeMeili) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, r.Method+" "+r.URL.Path)
	w.Header().Set("Content-Type", "application/json")
	if r.URL.Path == "/health" {
		if !f.healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, `{"message":"down","code":"internal","type":"internal","link":""}`)
			return
		}
		_, _ = io.WriteString(w, `{"status":"available"}`)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/indexes/"+idxDocuments+"/documents" {
		var batch []DocumentRecord
		_ = json.NewDecoder(r.Body).Decode(&batch)
		f.records = append(f.records, batch...)
	}
	w.WriteHeader(http.StatusAccepted)
	_, _ = io.WriteString(w, `{"taskUid":1,"indexUid":"`+idxDocuments+`","status":"enqueued","type":"documentAdditionOrUpdate","enqueuedAt":"2026-01-01T00:00:00Z"}`)
}

func (f *fakeMeili) snapshot() ([]string, []DocumentRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...), append([]DocumentRecord(nil), f.records...)
}

func checkpoint(t *testing.T) relay.Checkpoint {
	t.Helper()
	store := crdt.NewStore(1, crdt.Options{})
	for i, text := range []string{"  ", "Quarterly plan", "details"} {
		after := crdt.Root
		if i > 0 {
			after = store.Children(crdt.Root)[i-1].ID
		}
		block, _, err := store.InsertNode(crdt.Root, after, "paragraph")
		if err != nil {
			t.Fatalf("InsertNode() error = %v", err)
		}
		if _, err := store.InsertTextAt(block, 0, text); err != nil {
			t.Fatalf("InsertTextAt() error = %v", err)
		}
	}
	if _, err := store.Bind(1, "bob"); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	return relay.Checkpoint{DocumentID: "doc-1", Document: store.Document(), At: time.Unix(1_700_000_000, 0)}
}

func TestRecordOf(t *testing.T) {
	rec := RecordOf(checkpoint(t))
	if rec.ID != "doc-1" || rec.Title != "Quarterly plan" || rec.UpdatedAt != 1_700_000_000 {
		t.Fatalf("RecordOf() = %+v", rec)
	}
	if len(rec.Authors) != 1 || rec.Authors[0] != "bob" {
		t.Fatalf("RecordOf().Authors = %v", rec.Authors)
	}
	if !strings.Contains(rec.Text, "details") {
		t.Fatalf("RecordOf().Text = %q", rec.Text)
	}
}

func TestCheckpointIndexesDocument(t *testing.T) {
	fake := &fakeMeili{healthy: true}
	server := httptest.NewServer(fake)
	defer server.Close()

	m := newMeili(server.URL, "key", time.Hour)
	defer m.Close()
	if !m.Healthy() {
		t.Fatalf("Healthy() = false")
	}
	if err := m.Checkpoint(context.Background(), checkpoint(t)); err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}

	paths, records := fake.snapshot()
	if len(records) != 1 || records[0].ID != "doc-1" || records[0].Title != "Quarterly plan" {
		t.Fatalf("indexed records = %+v", records)
	}
	var configured bool
	for _, p := range paths {
		if p == "POST /indexes" {
			configured = true
		}
	}
	if !configured {
		t.Fatalf("index was not created, requests = %v", paths)
	}
}

func TestCheckpointSkippedWhileUnhealthy(t *testing.T) {
	fake := &fakeMeili{}
	server := httptest.NewServer(fake)
	defer server.Close()

	m := newMeili(server.URL, "key", time.Hour)
	defer m.Close()
	if err := m.Checkpoint(context.Background(), checkpoint(t)); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Checkpoint() error = %v, want ErrUnavailable", err)
	}
	if _, records := fake.snapshot(); len(records) != 0 {
		t.Fatalf("indexed while unhealthy: %+v", records)
	}
}

func TestHealthLoopRecovers(t *testing.T) {
	fake := &fakeMeili{}
	server := httptest.NewServer(fake)
	defer server.Close()

	m := newMeili(server.URL, "key", 10*time.Millisecond)
	defer m.Close()
	fake.mu.Lock()
	fake.healthy = true
	fake.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for !m.Healthy() {
		if time.Now().After(deadline) {
			t.Fatalf("Healthy() stayed false after recovery")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
