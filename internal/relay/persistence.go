package relay

import (
	"context"
	"sync"
	"time"

	"chronicle/collab/internal/crdt"
)

// Persistence stores the replicated state of documents between room
// lifetimes. Payloads are codec encodings: one snapshot plus the updates
// merged since it was taken.
type Persistence interface {
	Load(ctx context.Context, documentID string) (snapshot []byte, updates [][]byte, err error)
	AppendUpdate(ctx context.Context, documentID string, update []byte) error
	// SaveCheckpoint replaces the snapshot, truncates the update log and
	// records the bindings the snapshot carries.
	SaveCheckpoint(ctx context.Context, documentID string, snapshot []byte, bindings map[uint64]string) error
}

// Checkpoint is handed to sinks after the snapshot was saved.
type Checkpoint struct {
	DocumentID string
	Snapshot   []byte
	Document   crdt.Document
	Author     string
	At         time.Time
}

// Sink publishes checkpoints somewhere outside the relay: history, archives,
// search indexes. Failures are logged and never affect the room.
type Sink interface {
	Name() string
	Checkpoint(ctx context.Context, cp Checkpoint) error
}

// Presence records who has a document open, across relay nodes.
type Presence interface {
	Join(ctx context.Context, documentID, userID, name string) error
	Leave(ctx context.Context, documentID, userID string) error
}

// Publisher receives an event for every update a room merged.
type Publisher interface {
	Publish(ev UpdateEvent)
}

type UpdateEvent struct {
	DocumentID string
	Replica    uint64
	UserID     string
	Ops        int
	Update     []byte
	At         time.Time
}

// MemoryPersistence keeps documents in process memory. Used by tests and
// single-node development setups without a database.
type MemoryPersistence struct {
	mu        sync.Mutex
	snapshots map[string][]byte
	updates   map[string][][]byte
	bindings  map[string]map[uint64]string
}

func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{
		snapshots: map[string][]byte{},
		updates:   map[string][][]byte{},
		bindings:  map[string]map[uint64]string{},
	}
}

func (m *MemoryPersistence) Load(_ context.Context, documentID string) ([]byte, [][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshots[documentID], append([][]byte(nil), m.updates[documentID]...), nil
}

func (m *MemoryPersistence) AppendUpdate(_ context.Context, documentID string, update []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates[documentID] = append(m.updates[documentID], update)
	return nil
}

func (m *MemoryPersistence) SaveCheckpoint(_ context.Context, documentID string, snapshot []byte, bindings map[uint64]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[documentID] = snapshot
	delete(m.updates, documentID)
	stored := m.bindings[documentID]
	if stored == nil {
		stored = map[uint64]string{}
		m.bindings[documentID] = stored
	}
	for replica, user := range bindings {
		if _, ok := stored[replica]; !ok {
			stored[replica] = user
		}
	}
	return nil
}

// Pending returns the number of updates logged since the last checkpoint.
func (m *MemoryPersistence) Pending(documentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.updates[documentID])
}

func (m *MemoryPersistence) Bindings(documentID string) map[uint64]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[uint64]string{}
	for replica, user := range m.bindings[documentID] {
		out[replica] = user
	}
	return out
}
