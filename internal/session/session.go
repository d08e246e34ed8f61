// Package session runs one replica of a shared document on the client side.
//
// A Session owns the document store, the awareness map, the identity binder,
// the undo stack and the editor adapter of one open document, and drives
// them from a single loop: frames from the sync channel, edits from the
// surface and commands from other goroutines are all handled there in
// order. Nothing in a session outlives it.
package session

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"chronicle/collab/internal/awareness"
	"chronicle/collab/internal/codec"
	"chronicle/collab/internal/crdt"
	"chronicle/collab/internal/editor"
	"chronicle/collab/internal/identity"
	"chronicle/collab/internal/selection"
	"chronicle/collab/internal/syncchan"
	"chronicle/collab/internal/undo"
)

var (
	ErrReadOnly = errors.New("document is read-only")
	ErrClosed   = errors.New("session closed")
)

type Options struct {
	Replica uint64
	UserID  string
	Name    string
	Color   string

	Channel          syncchan.Options
	AwarenessTimeout time.Duration
	SelectionWindow  time.Duration
	CausalWindow     time.Duration
	// HeartbeatEvery re-announces the local awareness state and sweeps
	// silent peers. Defaults to a third of the awareness timeout.
	HeartbeatEvery time.Duration
	Now            func() time.Time
}

func (o Options) withDefaults() Options {
	if o.AwarenessTimeout <= 0 {
		o.AwarenessTimeout = awareness.DefaultTimeout
	}
	if o.SelectionWindow <= 0 {
		o.SelectionWindow = selection.DefaultWindow
	}
	if o.HeartbeatEvery <= 0 {
		o.HeartbeatEvery = o.AwarenessTimeout / 3
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Stats are operation counters of a session.
type Stats struct {
	Sent       int64
	Received   int64
	Applied    int64
	Duplicates int64
}

type Session struct {
	documentID string
	opts       Options

	store    *crdt.Store
	binder   *identity.Binder
	aw       *awareness.Broadcaster
	renderer *selection.Renderer
	undo     *undo.Manager
	adapter  *editor.Adapter
	channel  *syncchan.Channel

	commands chan func()
	poke     chan struct{}
	done     chan struct{}
	started  atomic.Bool

	serverReadOnly bool
	offline        bool
	readOnly       atomic.Bool

	sent       atomic.Int64
	received   atomic.Int64
	applied    atomic.Int64
	duplicates atomic.Int64
}

func New(documentID string, surface editor.Surface, transport syncchan.Transport, opts Options) *Session {
	opts = opts.withDefaults()
	store := crdt.NewStore(opts.Replica, crdt.Options{CausalWindow: opts.CausalWindow, Now: opts.Now})
	s := &Session{
		documentID: documentID,
		opts:       opts,
		store:      store,
		binder:     identity.NewBinder(store),
		aw:         awareness.New(opts.Replica, opts.UserID, awareness.Options{Timeout: opts.AwarenessTimeout, Now: opts.Now}),
		renderer:   selection.NewRenderer(opts.UserID, opts.SelectionWindow),
		undo:       undo.NewManager(store),
		adapter:    editor.NewAdapter(store, surface),
		channel:    syncchan.New(transport, opts.Channel),
		commands:   make(chan func()),
		poke:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	s.binder.BindOnFirstChange(opts.Replica, opts.UserID)
	name, color := opts.Name, opts.Color
	s.aw.SetLocalState(awareness.Partial{Name: &name, Color: &color})
	return s
}

func (s *Session) DocumentID() string {
	return s.documentID
}

// Run connects and processes events until ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return syncchan.ErrStarted
	}
	defer close(s.done)
	if err := s.channel.Connect(ctx, s.documentID); err != nil {
		return err
	}
	defer s.channel.Disconnect()
	defer s.aw.Close()

	ticker := time.NewTicker(s.opts.HeartbeatEvery)
	defer ticker.Stop()
	events := s.channel.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return ctx.Err()
			}
			s.handleEvent(ev)
		case <-s.poke:
			s.flushLocal()
		case fn := <-s.commands:
			fn()
		case <-ticker.C:
			s.tick()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// do runs fn on the session loop and waits for it.
func (s *Session) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case s.commands <- func() { fn(); close(finished) }:
	case <-s.done:
		return ErrClosed
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

// LocalChanged tells the session the surface has new transactions. It never
// blocks.
func (s *Session) LocalChanged() {
	select {
	case s.poke <- struct{}{}:
	default:
	}
}

// SetSelection publishes the local selection; nil clears it.
func (s *Session) SetSelection(ctx context.Context, sel *awareness.Selection) error {
	return s.SetLocalState(ctx, awareness.Partial{Selection: sel, ClearSelection: sel == nil})
}

func (s *Session) SetLocalState(ctx context.Context, p awareness.Partial) error {
	return s.do(ctx, func() { s.sendAwareness(s.aw.SetLocalState(p)) })
}

// Undo reverts the last local change that can still be reverted.
func (s *Session) Undo(ctx context.Context) (bool, error) {
	return s.history(ctx, s.undo.Undo)
}

func (s *Session) Redo(ctx context.Context) (bool, error) {
	return s.history(ctx, s.undo.Redo)
}

func (s *Session) history(ctx context.Context, step func() (crdt.Update, bool, error)) (bool, error) {
	var ok bool
	var stepErr error
	err := s.do(ctx, func() {
		if s.readOnly.Load() {
			stepErr = ErrReadOnly
			return
		}
		s.flushLocal()
		var update crdt.Update
		update, ok, stepErr = step()
		if stepErr != nil || !ok {
			return
		}
		if err := s.adapter.OnLocalUpdate(); err != nil {
			log.Printf("session: showing undo on %s: %v", s.documentID, err)
		}
		s.publish(update)
	})
	if err != nil {
		return false, err
	}
	return ok, stepErr
}

// CanUndo and CanRedo report the state of the undo stack.
func (s *Session) CanUndo(ctx context.Context) (bool, error) {
	var ok bool
	err := s.do(ctx, func() { ok = s.undo.CanUndo() })
	return ok, err
}

func (s *Session) CanRedo(ctx context.Context) (bool, error) {
	var ok bool
	err := s.do(ctx, func() { ok = s.undo.CanRedo() })
	return ok, err
}

func (s *Session) Document(ctx context.Context) (crdt.Document, error) {
	var doc crdt.Document
	err := s.do(ctx, func() { doc = s.store.Document() })
	return doc, err
}

// RemoteStates returns the awareness states of other users.
func (s *Session) RemoteStates(ctx context.Context) (map[string]awareness.State, error) {
	var states map[string]awareness.State
	err := s.do(ctx, func() { states = s.aw.GetRemoteStates() })
	return states, err
}

// Watch subscribes to the remote awareness set.
func (s *Session) Watch(ctx context.Context, buffer int) (<-chan map[string]awareness.State, func(), error) {
	var ch <-chan map[string]awareness.State
	var unsubscribe func()
	if err := s.do(ctx, func() { ch, unsubscribe = s.aw.OnRemoteStatesChanged(buffer) }); err != nil {
		return nil, nil, err
	}
	return ch, func() { _ = s.do(context.Background(), unsubscribe) }, nil
}

// Decorations returns the remote selections to draw inside block.
func (s *Session) Decorations(ctx context.Context, block crdt.ID) ([]selection.Decoration, error) {
	var out []selection.Decoration
	err := s.do(ctx, func() {
		now := s.opts.Now()
		s.renderer.Update(s.aw.GetRemoteStates(), now)
		out = s.renderer.Decorations(block, s.store, now)
	})
	return out, err
}

// ReadOnly reports whether the surface should stop taking edits, because the
// relay said so or because reconnecting keeps failing. Undo and redo are
// refused while it is set.
func (s *Session) ReadOnly() bool {
	return s.readOnly.Load()
}

func (s *Session) Connected() bool {
	return s.channel.Connected()
}

func (s *Session) Synced() bool {
	return s.channel.Synced()
}

// Buffered returns the number of frames waiting for a connection.
func (s *Session) Buffered() int {
	return s.channel.Buffered()
}

func (s *Session) Stats() Stats {
	return Stats{
		Sent:       s.sent.Load(),
		Received:   s.received.Load(),
		Applied:    s.applied.Load(),
		Duplicates: s.duplicates.Load(),
	}
}

func (s *Session) handleEvent(ev syncchan.Event) {
	switch ev.Kind {
	case syncchan.EventConnected:
		if err := s.channel.Send(syncchan.HelloFrame(s.store.Replica())); err != nil {
			log.Printf("session: hello on %s: %v", s.documentID, err)
			return
		}
		step1 := syncchan.Frame{Type: syncchan.FrameSyncStep1, Payload: codec.EncodeStateVector(s.store.StateVector())}
		if err := s.channel.Send(step1); err != nil {
			log.Printf("session: sync step 1 on %s: %v", s.documentID, err)
		}
	case syncchan.EventDisconnected:
		log.Printf("session: %s disconnected, edits are kept until reconnect: %v", s.documentID, ev.Err)
	case syncchan.EventReadOnly:
		s.offline = ev.ReadOnly
		s.updateReadOnly()
	case syncchan.EventFrame:
		s.handleFrame(ev.Frame)
	}
}

func (s *Session) handleFrame(f syncchan.Frame) {
	switch f.Type {
	case syncchan.FrameHello:
	case syncchan.FrameSyncStep1:
		sv, err := codec.DecodeStateVector(f.Payload)
		if err != nil {
			log.Printf("session: bad state vector on %s: %v", s.documentID, err)
			return
		}
		step2 := syncchan.Frame{Type: syncchan.FrameSyncStep2, Payload: codec.EncodeDiff(s.store, sv)}
		if err := s.channel.Send(step2); err != nil {
			log.Printf("session: sync step 2 on %s: %v", s.documentID, err)
			return
		}
		s.channel.MarkSynced()
		s.sendAwareness(s.aw.Heartbeat())
	case syncchan.FrameSyncStep2, syncchan.FrameUpdate:
		s.merge(f.Payload)
	case syncchan.FrameAwareness:
		m, err := awareness.Decode(f.Payload)
		if err != nil {
			log.Printf("session: bad awareness on %s: %v", s.documentID, err)
			return
		}
		if s.aw.ApplyRemote(m) {
			s.renderer.Update(s.aw.GetRemoteStates(), s.opts.Now())
		}
	case syncchan.FrameReadOnly:
		readOnly, err := syncchan.ParseReadOnly(f.Payload)
		if err != nil {
			log.Printf("session: %v", err)
			return
		}
		s.serverReadOnly = readOnly
		s.updateReadOnly()
	}
}

func (s *Session) merge(payload []byte) {
	if format, err := codec.FormatOf(payload); err == nil && format == codec.FormatUpdateV1 {
		if u, err := codec.DecodeUpdate(payload); err == nil {
			s.received.Add(int64(len(u.Ops)))
		}
	}
	version := s.store.Version()
	effect, err := codec.Apply(s.store, payload)
	if err != nil {
		log.Printf("session: rejected payload on %s: %v", s.documentID, err)
		return
	}
	s.applied.Add(int64(len(effect.Applied)))
	s.duplicates.Add(int64(effect.Duplicates))
	if _, err := s.binder.Observe(effect.Applied); err != nil {
		log.Printf("session: %v", err)
	}
	if s.store.Version() == version {
		return
	}
	if err := s.adapter.OnRemoteUpdate(); err != nil {
		log.Printf("session: showing remote change on %s: %v", s.documentID, err)
	}
}

// flushLocal turns pending surface transactions into one undo item and one
// update. Transactions are discarded only when the relay refused edits;
// while reconnecting keeps failing they are kept and buffered like any
// offline edit.
func (s *Session) flushLocal() {
	if s.serverReadOnly {
		n, err := s.adapter.Discard()
		if err != nil {
			log.Printf("session: restoring surface of %s: %v", s.documentID, err)
		}
		if n > 0 {
			log.Printf("session: discarded %d transactions on read-only %s", n, s.documentID)
		}
		return
	}
	s.undo.Begin()
	update, err := s.adapter.Poll()
	if err != nil {
		log.Printf("session: local edit on %s: %v", s.documentID, err)
	}
	s.undo.Capture(update)
	s.undo.End()
	s.publish(update)
}

// publish sends local operations, adding the replica's identity binding the
// first time it edits.
func (s *Session) publish(update crdt.Update) {
	if update.IsEmpty() {
		return
	}
	binding, err := s.binder.Observe(update.Ops)
	if err != nil {
		log.Printf("session: binding %s: %v", s.opts.UserID, err)
	}
	update = crdt.Concat(update, binding)
	s.sent.Add(int64(len(update.Ops)))
	if err := s.channel.Send(syncchan.Frame{Type: syncchan.FrameUpdate, Payload: codec.EncodeUpdate(update)}); err != nil {
		log.Printf("session: send update on %s: %v", s.documentID, err)
	}
}

func (s *Session) sendAwareness(m awareness.Message) {
	if m.IsEmpty() {
		return
	}
	payload, err := awareness.Encode(m)
	if err != nil {
		log.Printf("session: encode awareness: %v", err)
		return
	}
	if err := s.channel.Send(syncchan.Frame{Type: syncchan.FrameAwareness, Payload: payload}); err != nil {
		log.Printf("session: send awareness on %s: %v", s.documentID, err)
	}
}

func (s *Session) tick() {
	now := s.opts.Now()
	if s.channel.Synced() {
		s.sendAwareness(s.aw.Heartbeat())
	}
	if expired := s.aw.Sweep(now); len(expired) > 0 {
		s.renderer.Update(s.aw.GetRemoteStates(), now)
	}
	s.store.ExpirePending(now)
}

func (s *Session) updateReadOnly() {
	readOnly := s.serverReadOnly || s.offline
	if s.readOnly.Swap(readOnly) != readOnly {
		log.Printf("session: %s read-only = %v", s.documentID, readOnly)
	}
}
