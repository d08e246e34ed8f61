// Package syncchan carries sync frames between a replica and the relay.
//
// A Channel owns one logical connection per document and survives the loss of
// the underlying transport: it redials with bounded exponential backoff and
// reports connectivity changes as events. Frames produced while the channel is
// offline or not yet synced are buffered and flushed once the session has
// completed the state-vector handshake.
package syncchan

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrStarted      = errors.New("channel already started")
)

type Options struct {
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// MaxAttempts is the number of consecutive failed dials after which the
	// channel reports itself read-only. Dialing continues afterwards.
	MaxAttempts int
	QueueSize   int
}

func (o Options) withDefaults() Options {
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 250 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	if o.MaxBackoff < o.BaseBackoff {
		o.MaxBackoff = o.BaseBackoff
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 8
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	return o
}

type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventFrame
	EventReadOnly
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventFrame:
		return "frame"
	case EventReadOnly:
		return "read-only"
	}
	return "unknown"
}

type Event struct {
	Kind     EventKind
	Frame    Frame
	ReadOnly bool
	Err      error
}

type Channel struct {
	transport Transport
	opts      Options
	events    chan Event

	mu      sync.Mutex
	started bool
	conn    Conn
	synced  bool
	outbox  []Frame
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(transport Transport, opts Options) *Channel {
	opts = opts.withDefaults()
	return &Channel{
		transport: transport,
		opts:      opts,
		events:    make(chan Event, opts.QueueSize),
		done:      make(chan struct{}),
	}
}

// Events delivers inbound frames and connectivity changes in order. The
// channel is closed once the connection loop has stopped.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// Connect starts the connection loop for a document. It returns immediately;
// progress is reported on Events.
func (c *Channel) Connect(ctx context.Context, documentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrStarted
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx, documentID)
	return nil
}

// Disconnect stops the connection loop and waits for it to exit.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	started := c.started
	c.mu.Unlock()
	if !started {
		return
	}
	cancel()
	<-c.done
}

// Connected reports whether a transport connection is currently open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Synced reports whether the handshake on the current connection finished.
func (c *Channel) Synced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.synced
}

// Buffered returns the number of frames waiting for a synced connection.
func (c *Channel) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbox)
}

// Send writes a frame. Handshake frames go straight to the current
// connection and fail with ErrNotConnected when there is none. Other frames
// are buffered until the connection is synced; a failed write buffers the
// frame and drops the connection so the loop redials.
func (c *Channel) Send(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f.Type.handshake() {
		if c.conn == nil {
			return ErrNotConnected
		}
		if err := c.conn.WriteMessage(f.Encode()); err != nil {
			_ = c.conn.Close()
			return err
		}
		return nil
	}
	if c.conn == nil || !c.synced {
		c.buffer(f)
		return nil
	}
	if err := c.conn.WriteMessage(f.Encode()); err != nil {
		log.Printf("syncchan: write %s failed, buffering: %v", f.Type, err)
		c.buffer(f)
		_ = c.conn.Close()
	}
	return nil
}

// MarkSynced is called once the local state has been sent to the peer as a
// SyncStep2 reply. Buffered updates are covered by that reply and are
// dropped; everything else is flushed in order.
func (c *Channel) MarkSynced() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	c.synced = true
	pending := c.outbox
	c.outbox = nil
	for i, f := range pending {
		if f.Type == FrameUpdate {
			continue
		}
		if err := c.conn.WriteMessage(f.Encode()); err != nil {
			log.Printf("syncchan: flush %s failed: %v", f.Type, err)
			for _, rest := range pending[i:] {
				if rest.Type != FrameUpdate {
					c.outbox = append(c.outbox, rest)
				}
			}
			_ = c.conn.Close()
			return
		}
	}
}

// buffer keeps at most one awareness frame, the latest.
func (c *Channel) buffer(f Frame) {
	if f.Type == FrameAwareness {
		for i := range c.outbox {
			if c.outbox[i].Type == FrameAwareness {
				c.outbox = append(c.outbox[:i], c.outbox[i+1:]...)
				break
			}
		}
	}
	c.outbox = append(c.outbox, f)
}

func (c *Channel) run(ctx context.Context, documentID string) {
	defer close(c.done)
	defer close(c.events)

	attempts := 0
	readOnly := false
	for {
		conn, err := c.transport.Dial(ctx, documentID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempts++
			log.Printf("syncchan: dial %s failed (attempt %d): %v", documentID, attempts, err)
			if attempts == c.opts.MaxAttempts && !readOnly {
				readOnly = true
				if !c.emit(ctx, Event{Kind: EventReadOnly, ReadOnly: true, Err: err}) {
					return
				}
			}
			if !c.wait(ctx, c.backoff(attempts)) {
				return
			}
			continue
		}

		attempts = 0
		c.mu.Lock()
		c.conn = conn
		c.synced = false
		c.mu.Unlock()
		if readOnly {
			readOnly = false
			if !c.emit(ctx, Event{Kind: EventReadOnly, ReadOnly: false}) {
				_ = conn.Close()
				return
			}
		}
		if !c.emit(ctx, Event{Kind: EventConnected}) {
			_ = conn.Close()
			return
		}

		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		err = c.readLoop(ctx, conn)
		stop()
		_ = conn.Close()

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
			c.synced = false
		}
		c.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		log.Printf("syncchan: connection to %s lost: %v", documentID, err)
		if !c.emit(ctx, Event{Kind: EventDisconnected, Err: err}) {
			return
		}
		if !c.wait(ctx, c.opts.BaseBackoff) {
			return
		}
	}
}

func (c *Channel) readLoop(ctx context.Context, conn Conn) error {
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f, err := DecodeFrame(msg)
		if err != nil {
			log.Printf("syncchan: dropping frame: %v", err)
			continue
		}
		if !c.emit(ctx, Event{Kind: EventFrame, Frame: f}) {
			return ctx.Err()
		}
	}
}

func (c *Channel) emit(ctx context.Context, ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Channel) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// backoff doubles from BaseBackoff per failed attempt, capped at MaxBackoff.
func (c *Channel) backoff(attempt int) time.Duration {
	d := c.opts.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.opts.MaxBackoff {
			return c.opts.MaxBackoff
		}
	}
	return d
}
