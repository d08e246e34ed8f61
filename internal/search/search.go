// Package search indexes checkpointed document text for the external search
// service. Queries are served elsewhere.
package search

import (
	"errors"
	"maps"
	"slices"
	"strings"

	"chronicle/collab/internal/relay"
)

var ErrUnavailable = errors.New("search index unavailable")

// DocumentRecord is the data we index for a document.
type DocumentRecord struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Text      string   `json:"text"`
	Authors   []string `json:"authors"`
	UpdatedAt int64    `json:"updatedAt"`
}

// Indexer can push documents into a search index.
type Indexer interface {
	IndexDocument(doc DocumentRecord) error
	DeleteDocument(id string) error
}

// RecordOf builds the index record of a checkpoint. The title is the first
// non-blank line; authors are the users bound to the document's replicas.
func RecordOf(cp relay.Checkpoint) DocumentRecord {
	text := cp.Document.Text()
	rec := DocumentRecord{
		ID:        cp.DocumentID,
		Text:      text,
		UpdatedAt: cp.At.Unix(),
	}
	for _, line := range strings.Split(text, "\n") {
		if title := strings.TrimSpace(line); title != "" {
			rec.Title = title
			break
		}
	}
	authors := map[string]bool{}
	for _, user := range cp.Document.Bindings {
		authors[user] = true
	}
	rec.Authors = slices.Sorted(maps.Keys(authors))
	return rec
}
