package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"chronicle/collab/internal/awareness"
	"chronicle/collab/internal/codec"
	"chronicle/collab/internal/crdt"
	"chronicle/collab/internal/identity"
	"chronicle/collab/internal/syncchan"
)

var ErrRoomClosed = errors.New("room closed")

// Peer is an authenticated connection to a room.
type Peer struct {
	ConnectionID string
	UserID       string
	Name         string
	ReadOnly     bool
}

// Stats are counters of one room, in operations.
type Stats struct {
	Clients     int
	Received    int64
	Applied     int64
	Duplicates  int64
	Forwarded   int64
	Checkpoints int64
}

type counters struct {
	clients     atomic.Int64
	received    atomic.Int64
	applied     atomic.Int64
	duplicates  atomic.Int64
	forwarded   atomic.Int64
	checkpoints atomic.Int64
}

type client struct {
	peer    Peer
	conn    syncchan.Conn
	send    chan []byte
	replica uint64
	synced  bool
	closed  bool
}

// enqueue never blocks the room. A client that cannot keep up is
// disconnected; it resyncs on reconnect instead of missing frames.
func (c *client) enqueue(f syncchan.Frame) bool {
	if c.closed {
		return false
	}
	select {
	case c.send <- f.Encode():
		return true
	default:
		log.Printf("relay: disconnecting slow connection %s", c.peer.ConnectionID)
		c.close()
		return false
	}
}

func (c *client) close() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

func (c *client) writeLoop() {
	for msg := range c.send {
		if err := c.conn.WriteMessage(msg); err != nil {
			_ = c.conn.Close()
		}
	}
}

type inbound struct {
	client *client
	frame  syncchan.Frame
}

// Room is the relay's replica of one open document. All state is owned by
// the run loop; connections talk to it over channels.
type Room struct {
	id    string
	opts  Options
	store *crdt.Store
	aw    *awareness.Broadcaster
	bind  *identity.Binder

	clients map[*client]struct{}
	joins   chan *client
	leaves  chan *client
	inbox   chan inbound
	queries chan func()
	remote  <-chan syncchan.Frame
	unsub   func()

	dirty      int
	lastAuthor string
	stats      counters

	checkpoints chan Checkpoint
	sinkDone    chan struct{}

	ready   chan struct{}
	openErr error
	stop    chan struct{}
	stopped sync.Once
	done    chan struct{}
}

func newRoom(id string, opts Options) *Room {
	store := crdt.NewStore(opts.Replica, crdt.Options{CausalWindow: opts.CausalWindow, Now: opts.Now})
	return &Room{
		id:          id,
		opts:        opts,
		store:       store,
		aw:          awareness.New(0, "", awareness.Options{Timeout: opts.AwarenessTimeout, Now: opts.Now}),
		bind:        identity.NewBinder(store),
		clients:     map[*client]struct{}{},
		joins:       make(chan *client),
		leaves:      make(chan *client),
		inbox:       make(chan inbound, 64),
		queries:     make(chan func()),
		checkpoints: make(chan Checkpoint, 8),
		sinkDone:    make(chan struct{}),
		ready:       make(chan struct{}),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (r *Room) ID() string {
	return r.id
}

// open loads the persisted state and starts the run loop.
func (r *Room) open(ctx context.Context) error {
	if err := r.load(ctx); err != nil {
		close(r.done)
		return err
	}
	if r.opts.Fanout != nil {
		frames, unsub, err := r.opts.Fanout.Subscribe(ctx, r.id)
		if err != nil {
			log.Printf("relay: fanout unavailable for %s, serving locally: %v", r.id, err)
		} else {
			r.remote, r.unsub = frames, unsub
		}
	}
	go r.sinkLoop()
	go r.run()
	return nil
}

func (r *Room) load(ctx context.Context) error {
	if r.opts.Persistence == nil {
		return nil
	}
	snapshot, updates, err := r.opts.Persistence.Load(ctx, r.id)
	if err != nil {
		return fmt.Errorf("load document %s: %w", r.id, err)
	}
	if len(snapshot) > 0 {
		if _, err := codec.Apply(r.store, snapshot); err != nil {
			return fmt.Errorf("merge snapshot of %s: %w", r.id, err)
		}
	}
	for i, payload := range updates {
		if _, err := codec.Apply(r.store, payload); err != nil {
			log.Printf("relay: skipping stored update %d of %s: %v", i, r.id, err)
		}
	}
	r.dirty = len(updates)
	return nil
}

// close checkpoints, disconnects every client and waits for the loop.
func (r *Room) close() {
	r.stopped.Do(func() { close(r.stop) })
	<-r.done
}

func (r *Room) Stats() Stats {
	return Stats{
		Clients:     int(r.stats.clients.Load()),
		Received:    r.stats.received.Load(),
		Applied:     r.stats.applied.Load(),
		Duplicates:  r.stats.duplicates.Load(),
		Forwarded:   r.stats.forwarded.Load(),
		Checkpoints: r.stats.checkpoints.Load(),
	}
}

// query runs fn on the room loop.
func (r *Room) query(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case r.queries <- func() { fn(); close(finished) }:
	case <-r.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Document returns the live document.
func (r *Room) Document(ctx context.Context) (crdt.Document, error) {
	var doc crdt.Document
	err := r.query(ctx, func() { doc = r.store.Document() })
	return doc, err
}

// Edit runs fn against the room's replica on the room loop and forwards the
// operations it produced to peers, persistence and other nodes.
func (r *Room) Edit(ctx context.Context, author string, fn func(*crdt.Store) (crdt.Update, error)) error {
	var editErr error
	err := r.query(ctx, func() {
		update, err := fn(r.store)
		if err != nil {
			editErr = err
			return
		}
		if update.IsEmpty() {
			return
		}
		r.lastAuthor = author
		r.stats.applied.Add(int64(len(update.Ops)))
		r.forward(update, nil, true)
	})
	if err != nil {
		return err
	}
	return editErr
}

// Checkpoint saves a snapshot now.
func (r *Room) Checkpoint(ctx context.Context) error {
	return r.query(ctx, func() { r.checkpoint() })
}

// serve attaches a connection and blocks until it ends.
func (r *Room) serve(ctx context.Context, peer Peer, conn syncchan.Conn) error {
	c := &client{peer: peer, conn: conn, send: make(chan []byte, r.opts.SendBuffer)}
	select {
	case r.joins <- c:
	case <-r.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	err := r.readLoop(c)
	select {
	case r.leaves <- c:
	case <-r.done:
	}
	_ = conn.Close()
	<-writerDone
	return err
}

func (r *Room) readLoop(c *client) error {
	for {
		msg, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		f, err := syncchan.DecodeFrame(msg)
		if err != nil {
			log.Printf("relay: dropping frame from %s: %v", c.peer.ConnectionID, err)
			continue
		}
		select {
		case r.inbox <- inbound{client: c, frame: f}:
		case <-r.done:
			return ErrRoomClosed
		}
	}
}

func (r *Room) run() {
	defer close(r.done)
	sweep := time.NewTicker(r.opts.SweepEvery)
	defer sweep.Stop()
	for {
		select {
		case c := <-r.joins:
			r.join(c)
		case c := <-r.leaves:
			r.leave(c)
		case in := <-r.inbox:
			r.handle(in.client, in.frame)
		case f, ok := <-r.remote:
			if !ok {
				r.remote = nil
				continue
			}
			r.handleRemote(f)
		case fn := <-r.queries:
			fn()
		case <-sweep.C:
			now := r.opts.Now()
			r.aw.Sweep(now)
			r.store.ExpirePending(now)
			seen := map[string]bool{}
			for c := range r.clients {
				if !seen[c.peer.UserID] {
					seen[c.peer.UserID] = true
					r.touchPresence(c.peer)
				}
			}
		case <-r.stop:
			r.shutdown()
			return
		}
	}
}

func (r *Room) shutdown() {
	if r.dirty > 0 {
		r.checkpoint()
	}
	for c := range r.clients {
		r.leave(c)
	}
	if r.unsub != nil {
		r.unsub()
	}
	close(r.checkpoints)
	<-r.sinkDone
	r.aw.Close()
}

func (r *Room) join(c *client) {
	r.clients[c] = struct{}{}
	r.stats.clients.Add(1)
	c.enqueue(syncchan.HelloFrame(r.store.Replica()))
	if c.peer.ReadOnly {
		c.enqueue(syncchan.ReadOnlyFrame(true))
	}
	c.enqueue(syncchan.Frame{Type: syncchan.FrameSyncStep1, Payload: codec.EncodeStateVector(r.store.StateVector())})
	r.touchPresence(c.peer)
}

// touchPresence records the peer in the presence directory. Joins double as
// heartbeats: the sweep repeats them for every connected user.
func (r *Room) touchPresence(p Peer) {
	if r.opts.Presence == nil || p.UserID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.opts.Presence.Join(ctx, r.id, p.UserID, p.Name); err != nil {
		log.Printf("relay: presence join for %s failed: %v", r.id, err)
	}
}

func (r *Room) connected(userID string) bool {
	for c := range r.clients {
		if c.peer.UserID == userID {
			return true
		}
	}
	return false
}

func (r *Room) leave(c *client) {
	if _, ok := r.clients[c]; !ok {
		return
	}
	delete(r.clients, c)
	r.stats.clients.Add(-1)
	c.close()
	if c.replica != 0 {
		r.bind.Forget(c.replica)
		if removal := r.aw.Remove(c.replica); !removal.IsEmpty() {
			r.broadcastAwareness(removal, nil, true)
		}
	}
	if r.opts.Presence != nil && c.peer.UserID != "" && !r.connected(c.peer.UserID) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := r.opts.Presence.Leave(ctx, r.id, c.peer.UserID); err != nil {
			log.Printf("relay: presence leave for %s failed: %v", r.id, err)
		}
		cancel()
	}
}

func (r *Room) handle(c *client, f syncchan.Frame) {
	if _, ok := r.clients[c]; !ok {
		return
	}
	switch f.Type {
	case syncchan.FrameHello:
		replica, err := syncchan.ParseHello(f.Payload)
		if err != nil {
			log.Printf("relay: bad hello from %s: %v", c.peer.ConnectionID, err)
			return
		}
		if err := r.claim(c, replica); err != nil {
			log.Printf("relay: refusing %s of %s: %v", c.peer.ConnectionID, c.peer.UserID, err)
			c.close()
			return
		}
		c.replica = replica
		if !c.peer.ReadOnly {
			r.bind.BindOnFirstChange(replica, c.peer.UserID)
		}
	case syncchan.FrameSyncStep1:
		sv, err := codec.DecodeStateVector(f.Payload)
		if err != nil {
			log.Printf("relay: bad state vector from %s: %v", c.peer.ConnectionID, err)
			return
		}
		c.enqueue(syncchan.Frame{Type: syncchan.FrameSyncStep2, Payload: codec.EncodeDiff(r.store, sv)})
		c.synced = true
		if full := r.aw.Full(); !full.IsEmpty() {
			if payload, err := awareness.Encode(full); err == nil {
				c.enqueue(syncchan.Frame{Type: syncchan.FrameAwareness, Payload: payload})
			}
		}
	case syncchan.FrameSyncStep2, syncchan.FrameUpdate:
		if c.peer.ReadOnly {
			// Handshake replies of viewers are expected and dropped quietly.
			if f.Type == syncchan.FrameUpdate {
				log.Printf("relay: ignoring update from read-only connection %s", c.peer.ConnectionID)
				c.enqueue(syncchan.ReadOnlyFrame(true))
			}
			return
		}
		r.merge(c, f.Payload)
	case syncchan.FrameAwareness:
		m, err := awareness.Decode(f.Payload)
		if err != nil {
			log.Printf("relay: bad awareness from %s: %v", c.peer.ConnectionID, err)
			return
		}
		r.applyAwareness(c, m)
	}
}

func (r *Room) merge(c *client, payload []byte) {
	format, err := codec.FormatOf(payload)
	if err != nil {
		log.Printf("relay: rejected payload from %s: %v", c.peer.ConnectionID, err)
		return
	}
	before := r.store.StateVector()
	var effect crdt.Effect
	switch format {
	case codec.FormatUpdateV1:
		var u crdt.Update
		if u, err = codec.DecodeUpdate(payload); err == nil {
			r.stats.received.Add(int64(len(u.Ops)))
			admitted, dropped := admitUpdate(c, u)
			if dropped > 0 {
				log.Printf("relay: dropped %d operations of %s not authored by replica %d", dropped, c.peer.UserID, c.replica)
			}
			effect, err = r.store.ApplyRemote(admitted)
		}
	case codec.FormatSnapshotV1:
		var snap *crdt.Snapshot
		if snap, err = codec.DecodeSnapshot(payload); err == nil {
			if err = r.admitSnapshot(c, snap); err == nil {
				effect, err = r.store.Merge(snap)
			}
		}
	default:
		err = fmt.Errorf("%w: %s cannot be merged", codec.ErrUnsupportedFormat, format)
	}
	if err != nil {
		log.Printf("relay: rejected payload from %s: %v", c.peer.ConnectionID, err)
		if !effect.Changed() {
			return
		}
	}
	r.stats.duplicates.Add(int64(effect.Duplicates))
	r.lastAuthor = c.peer.UserID
	if format == codec.FormatSnapshotV1 && !before.Dominates(r.store.StateVector()) {
		r.forwardSnapshot(payload, c, true)
	}
	r.applied(effect, c, true)
}

// forwardSnapshot relays a snapshot that carried content the operation log
// cannot produce. Peers, the update log and other nodes get the snapshot
// itself.
func (r *Room) forwardSnapshot(payload []byte, from *client, publish bool) {
	f := syncchan.Frame{Type: syncchan.FrameUpdate, Payload: payload}
	r.broadcast(f, from, 0)
	r.dirty++
	if !publish {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if r.opts.Persistence != nil {
		if err := r.opts.Persistence.AppendUpdate(ctx, r.id, payload); err != nil {
			log.Printf("relay: append snapshot to %s: %v", r.id, err)
		}
	}
	if r.opts.Fanout != nil {
		if err := r.opts.Fanout.Publish(ctx, r.id, f); err != nil {
			log.Printf("relay: fanout snapshot %s: %v", r.id, err)
		}
	}
}

// applied forwards newly merged operations. Duplicates never reach peers.
func (r *Room) applied(effect crdt.Effect, from *client, publish bool) {
	if !effect.Changed() {
		return
	}
	update := effect.Update()
	r.stats.applied.Add(int64(len(update.Ops)))
	r.forward(update, from, publish)

	binding, err := r.bind.Observe(update.Ops)
	if err != nil {
		log.Printf("relay: binding identity in %s: %v", r.id, err)
	}
	if !binding.IsEmpty() {
		r.forward(binding, nil, publish)
	}
}

func (r *Room) forward(update crdt.Update, from *client, publish bool) {
	payload := codec.EncodeUpdate(update)
	r.broadcast(syncchan.Frame{Type: syncchan.FrameUpdate, Payload: payload}, from, len(update.Ops))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if publish && r.opts.Persistence != nil {
		if err := r.opts.Persistence.AppendUpdate(ctx, r.id, payload); err != nil {
			log.Printf("relay: append update to %s: %v", r.id, err)
		}
	}
	if publish && r.opts.Fanout != nil {
		if err := r.opts.Fanout.Publish(ctx, r.id, syncchan.Frame{Type: syncchan.FrameUpdate, Payload: payload}); err != nil {
			log.Printf("relay: fanout %s: %v", r.id, err)
		}
	}
	if r.opts.Publisher != nil {
		ev := UpdateEvent{DocumentID: r.id, Ops: len(update.Ops), Update: payload, At: r.opts.Now()}
		if len(update.Ops) > 0 {
			ev.Replica = update.Ops[0].ID.Replica
			ev.UserID, _ = r.store.Binding(ev.Replica)
		}
		r.opts.Publisher.Publish(ev)
	}
	r.dirty++
	if r.opts.CheckpointEvery > 0 && r.dirty >= r.opts.CheckpointEvery {
		r.checkpoint()
	}
}

// broadcast sends f to every synced client but except. ops is the number of
// operations f carries.
func (r *Room) broadcast(f syncchan.Frame, except *client, ops int) {
	for c := range r.clients {
		if c == except || !c.synced {
			continue
		}
		if c.enqueue(f) {
			r.stats.forwarded.Add(int64(ops))
		}
	}
}

// applyAwareness relays a connection's own awareness entries. The user id
// is the authenticated one whatever the client claims.
func (r *Room) applyAwareness(c *client, m awareness.Message) {
	if c.replica == 0 {
		return
	}
	var own awareness.Message
	for _, entry := range m.Entries {
		if entry.Replica != c.replica {
			continue
		}
		if entry.State != nil && c.peer.UserID != "" {
			state := *entry.State
			state.UserID = c.peer.UserID
			if state.Name == "" {
				state.Name = c.peer.Name
			}
			entry.State = &state
		}
		own.Entries = append(own.Entries, entry)
	}
	if own.IsEmpty() || !r.aw.ApplyRemote(own) {
		return
	}
	r.broadcastAwareness(own, c, true)
}

func (r *Room) broadcastAwareness(m awareness.Message, except *client, publish bool) {
	payload, err := awareness.Encode(m)
	if err != nil {
		log.Printf("relay: encode awareness for %s: %v", r.id, err)
		return
	}
	f := syncchan.Frame{Type: syncchan.FrameAwareness, Payload: payload}
	r.broadcast(f, except, 0)
	if publish && r.opts.Fanout != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.opts.Fanout.Publish(ctx, r.id, f); err != nil {
			log.Printf("relay: fanout awareness %s: %v", r.id, err)
		}
	}
}

// handleRemote merges frames from rooms of the same document on other nodes.
// Those nodes persisted and published them already.
func (r *Room) handleRemote(f syncchan.Frame) {
	switch f.Type {
	case syncchan.FrameUpdate:
		before := r.store.StateVector()
		effect, err := codec.Apply(r.store, f.Payload)
		if err != nil {
			log.Printf("relay: rejected fanout update for %s: %v", r.id, err)
			return
		}
		if format, _ := codec.FormatOf(f.Payload); format == codec.FormatSnapshotV1 && !before.Dominates(r.store.StateVector()) {
			r.forwardSnapshot(f.Payload, nil, false)
		}
		if !effect.Changed() {
			return
		}
		update := effect.Update()
		r.stats.applied.Add(int64(len(update.Ops)))
		r.broadcast(syncchan.Frame{Type: syncchan.FrameUpdate, Payload: codec.EncodeUpdate(update)}, nil, len(update.Ops))
	case syncchan.FrameAwareness:
		m, err := awareness.Decode(f.Payload)
		if err != nil {
			log.Printf("relay: bad fanout awareness for %s: %v", r.id, err)
			return
		}
		if r.aw.ApplyRemote(m) {
			r.broadcastAwareness(m, nil, false)
		}
	}
}

func (r *Room) checkpoint() {
	if r.opts.Persistence == nil {
		r.dirty = 0
		return
	}
	snapshot := codec.EncodeSnapshot(r.store.Snapshot())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.opts.Persistence.SaveCheckpoint(ctx, r.id, snapshot, r.store.Bindings()); err != nil {
		log.Printf("relay: checkpoint %s failed: %v", r.id, err)
		return
	}
	r.dirty = 0
	r.stats.checkpoints.Add(1)
	if len(r.opts.Sinks) == 0 {
		return
	}
	cp := Checkpoint{DocumentID: r.id, Snapshot: snapshot, Document: r.store.Document(), Author: r.lastAuthor, At: r.opts.Now()}
	select {
	case r.checkpoints <- cp:
	default:
		log.Printf("relay: sinks busy, skipping checkpoint of %s", r.id)
	}
}

// sinkLoop hands checkpoints to the sinks in order.
func (r *Room) sinkLoop() {
	defer close(r.sinkDone)
	for cp := range r.checkpoints {
		for _, sink := range r.opts.Sinks {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := sink.Checkpoint(ctx, cp); err != nil {
				log.Printf("relay: %s sink failed for %s: %v", sink.Name(), cp.DocumentID, err)
			}
			cancel()
		}
	}
}
