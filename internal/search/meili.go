package search

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"chronicle/collab/internal/relay"
)

const idxDocuments = "collab_documents"

// Meili indexes checkpoints into Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	once    sync.Once
}

// NewMeili creates a Meilisearch client and configures the index. An
// unreachable server is not an error: the health loop keeps probing and
// checkpoints are skipped until it recovers.
func NewMeili(url, apiKey string) *Meili {
	return newMeili(url, apiKey, 10*time.Second)
}

func newMeili(url, apiKey string, checkEvery time.Duration) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}
	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop(checkEvery)
	return m
}

func (m *Meili) configureIndexes() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxDocuments,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxDocuments, err)
	}

	index := m.client.Index(idxDocuments)
	filterable := []interface{}{"authors", "updatedAt"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs for %s: %v", idxDocuments, err)
	}
	searchable := []string{"title", "text"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs for %s: %v", idxDocuments, err)
	}
}

func (m *Meili) healthLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	m.once.Do(func() { close(m.done) })
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

var (
	_ Indexer    = (*Meili)(nil)
	_ relay.Sink = (*Meili)(nil)
)

func (m *Meili) Name() string {
	return "search"
}

// Checkpoint indexes the checkpointed text.
func (m *Meili) Checkpoint(_ context.Context, cp relay.Checkpoint) error {
	if !m.Healthy() {
		return ErrUnavailable
	}
	if err := m.IndexDocument(RecordOf(cp)); err != nil {
		return fmt.Errorf("index document %s: %w", cp.DocumentID, err)
	}
	return nil
}

// IndexDocument adds or updates a document in the search index.
func (m *Meili) IndexDocument(doc DocumentRecord) error {
	_, err := m.client.Index(idxDocuments).AddDocuments([]DocumentRecord{doc}, nil)
	if err != nil {
		m.healthy.Store(false)
	}
	return err
}

// DeleteDocument removes a document from the search index.
func (m *Meili) DeleteDocument(id string) error {
	_, err := m.client.Index(idxDocuments).DeleteDocument(id, nil)
	return err
}
