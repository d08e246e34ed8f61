// Package relay is the server side of collaborative editing. A Hub keeps one
// Room per open document; each room is a replica of the document that
// answers handshakes, forwards newly merged operations and awareness to the
// other connections, binds authenticated users to the replicas they edit
// from, and checkpoints the document to persistence and sinks.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"chronicle/collab/internal/codec"
	"chronicle/collab/internal/crdt"
	"chronicle/collab/internal/syncchan"
)

type Options struct {
	// Replica authors the relay's own operations (identity bindings).
	Replica          uint64
	CheckpointEvery  int
	AwarenessTimeout time.Duration
	CausalWindow     time.Duration
	SweepEvery       time.Duration
	SendBuffer       int

	Persistence Persistence
	Sinks       []Sink
	Presence    Presence
	Publisher   Publisher
	Fanout      Fanout
	Now         func() time.Time
}

func (o Options) withDefaults() Options {
	if o.CheckpointEvery <= 0 {
		o.CheckpointEvery = 200
	}
	if o.AwarenessTimeout <= 0 {
		o.AwarenessTimeout = 30 * time.Second
	}
	if o.SweepEvery <= 0 {
		o.SweepEvery = 5 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type Hub struct {
	opts Options

	mu      sync.Mutex
	rooms   map[string]*Room
	refs    map[*Room]int
	closing map[string]chan struct{}
}

func NewHub(opts Options) *Hub {
	return &Hub{
		opts:    opts.withDefaults(),
		rooms:   map[string]*Room{},
		refs:    map[*Room]int{},
		closing: map[string]chan struct{}{},
	}
}

// Serve attaches conn to the document's room, opening it if needed, and
// blocks until the connection ends. The room is closed and checkpointed
// when its last connection leaves.
func (h *Hub) Serve(ctx context.Context, documentID string, peer Peer, conn syncchan.Conn) error {
	room, err := h.acquire(ctx, documentID)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer h.release(room)
	return room.serve(ctx, peer, conn)
}

// Room returns the open room of a document.
func (h *Hub) Room(documentID string) (*Room, bool) {
	h.mu.Lock()
	room, ok := h.rooms[documentID]
	h.mu.Unlock()
	if !ok {
		return nil, false
	}
	<-room.ready
	return room, room.openErr == nil
}

// Document returns the current document, from the open room or from
// persistence.
func (h *Hub) Document(ctx context.Context, documentID string) (crdt.Document, error) {
	if room, ok := h.Room(documentID); ok {
		doc, err := room.Document(ctx)
		if !errors.Is(err, ErrRoomClosed) {
			return doc, err
		}
	}
	store := crdt.NewStore(0, crdt.Options{})
	if h.opts.Persistence != nil {
		snapshot, updates, err := h.opts.Persistence.Load(ctx, documentID)
		if err != nil {
			return crdt.Document{}, fmt.Errorf("load document %s: %w", documentID, err)
		}
		for _, payload := range append([][]byte{snapshot}, updates...) {
			if len(payload) == 0 {
				continue
			}
			if _, err := codec.Apply(store, payload); err != nil {
				return crdt.Document{}, fmt.Errorf("merge document %s: %w", documentID, err)
			}
		}
	}
	return store.Document(), nil
}

// Edit opens the document's room for the duration of fn. See Room.Edit.
func (h *Hub) Edit(ctx context.Context, documentID, author string, fn func(*crdt.Store) (crdt.Update, error)) error {
	room, err := h.acquire(ctx, documentID)
	if err != nil {
		return err
	}
	defer h.release(room)
	return room.Edit(ctx, author, fn)
}

// Close closes every room.
func (h *Hub) Close() {
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, room := range h.rooms {
		rooms = append(rooms, room)
	}
	h.mu.Unlock()
	for _, room := range rooms {
		<-room.ready
		if room.openErr == nil {
			room.close()
		}
	}
}

func (h *Hub) acquire(ctx context.Context, documentID string) (*Room, error) {
	h.mu.Lock()
	if room, ok := h.rooms[documentID]; ok {
		h.refs[room]++
		h.mu.Unlock()
		<-room.ready
		if room.openErr != nil {
			h.release(room)
			return nil, room.openErr
		}
		return room, nil
	}
	previous := h.closing[documentID]
	room := newRoom(documentID, h.opts)
	h.rooms[documentID] = room
	h.refs[room] = 1
	h.mu.Unlock()

	// A room of the same document that is still closing must finish its
	// checkpoint before this one loads.
	if previous != nil {
		<-previous
	}
	room.openErr = room.open(ctx)
	close(room.ready)
	if room.openErr != nil {
		log.Printf("relay: open %s failed: %v", documentID, room.openErr)
		h.release(room)
		return nil, room.openErr
	}
	return room, nil
}

func (h *Hub) release(room *Room) {
	h.mu.Lock()
	h.refs[room]--
	if h.refs[room] > 0 {
		h.mu.Unlock()
		return
	}
	delete(h.refs, room)
	if h.rooms[room.id] == room {
		delete(h.rooms, room.id)
	}
	h.closing[room.id] = room.done
	h.mu.Unlock()

	if room.openErr == nil {
		room.close()
	}

	h.mu.Lock()
	if h.closing[room.id] == room.done {
		delete(h.closing, room.id)
	}
	h.mu.Unlock()
}
