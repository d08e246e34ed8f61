package syncchan

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func nextEvent(t *testing.T, ch *Channel, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch.Events():
			if !ok {
				t.Fatalf("events closed while waiting for %s", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func readFrame(t *testing.T, conn Conn) Frame {
	t.Helper()
	got := make(chan []byte, 1)
	go func() {
		msg, err := conn.ReadMessage()
		if err == nil {
			got <- msg
		}
	}()
	select {
	case msg := <-got:
		f, err := DecodeFrame(msg)
		if err != nil {
			t.Fatalf("DecodeFrame() error = %v", err)
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame")
	}
	return Frame{}
}

func pipeTransport(servers chan<- Conn) Transport {
	return TransportFunc(func(ctx context.Context, documentID string) (Conn, error) {
		client, server := Pipe()
		servers <- server
		return client, nil
	})
}

func TestFrameEncoding(t *testing.T) {
	f, err := DecodeFrame(HelloFrame(42).Encode())
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	replica, err := ParseHello(f.Payload)
	if err != nil || replica != 42 {
		t.Fatalf("ParseHello() = %d, %v", replica, err)
	}
	if _, err := DecodeFrame(nil); !errors.Is(err, ErrBadFrame) {
		t.Fatalf("DecodeFrame(nil) error = %v", err)
	}
	if _, err := DecodeFrame([]byte{0x40}); !errors.Is(err, ErrBadFrame) {
		t.Fatalf("DecodeFrame(unknown) error = %v", err)
	}
	ro, err := ParseReadOnly(ReadOnlyFrame(true).Payload)
	if err != nil || !ro {
		t.Fatalf("ParseReadOnly() = %v, %v", ro, err)
	}
}

func TestSendBuffersUntilSynced(t *testing.T) {
	servers := make(chan Conn, 1)
	ch := New(pipeTransport(servers), Options{BaseBackoff: time.Millisecond})
	if err := ch.Send(Frame{Type: FrameUpdate, Payload: []byte("offline")}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := ch.Send(HelloFrame(1)); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send(hello) error = %v, want ErrNotConnected", err)
	}
	if err := ch.Connect(context.Background(), "doc-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer ch.Disconnect()
	nextEvent(t, ch, EventConnected)
	server := <-servers

	if err := ch.Send(HelloFrame(1)); err != nil {
		t.Fatalf("Send(hello) error = %v", err)
	}
	if f := readFrame(t, server); f.Type != FrameHello {
		t.Fatalf("first frame = %s, want hello", f.Type)
	}

	_ = ch.Send(Frame{Type: FrameAwareness, Payload: []byte("a1")})
	_ = ch.Send(Frame{Type: FrameAwareness, Payload: []byte("a2")})
	_ = ch.Send(Frame{Type: FrameUpdate, Payload: []byte("u1")})
	if got := ch.Buffered(); got != 3 {
		t.Fatalf("Buffered() = %d, want 3", got)
	}

	ch.MarkSynced()
	f := readFrame(t, server)
	if f.Type != FrameAwareness || !bytes.Equal(f.Payload, []byte("a2")) {
		t.Fatalf("flushed frame = %s %q, want latest awareness", f.Type, f.Payload)
	}
	if got := ch.Buffered(); got != 0 {
		t.Fatalf("Buffered() after sync = %d", got)
	}

	_ = ch.Send(Frame{Type: FrameUpdate, Payload: []byte("live")})
	if f := readFrame(t, server); f.Type != FrameUpdate || string(f.Payload) != "live" {
		t.Fatalf("live frame = %s %q", f.Type, f.Payload)
	}
}

func TestInboundFramesAreDelivered(t *testing.T) {
	servers := make(chan Conn, 1)
	ch := New(pipeTransport(servers), Options{})
	if err := ch.Connect(context.Background(), "doc-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer ch.Disconnect()
	nextEvent(t, ch, EventConnected)
	server := <-servers

	_ = server.WriteMessage([]byte{})
	_ = server.WriteMessage(Frame{Type: FrameSyncStep1, Payload: []byte{1}}.Encode())
	ev := nextEvent(t, ch, EventFrame)
	if ev.Frame.Type != FrameSyncStep1 {
		t.Fatalf("frame = %s, want sync-step-1", ev.Frame.Type)
	}
}

func TestReconnectsAfterConnectionLoss(t *testing.T) {
	servers := make(chan Conn, 2)
	ch := New(pipeTransport(servers), Options{BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})
	if err := ch.Connect(context.Background(), "doc-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer ch.Disconnect()
	nextEvent(t, ch, EventConnected)
	ch.MarkSynced()
	first := <-servers

	_ = first.Close()
	nextEvent(t, ch, EventDisconnected)
	_ = ch.Send(Frame{Type: FrameUpdate, Payload: []byte("while offline")})
	nextEvent(t, ch, EventConnected)
	if ch.Synced() {
		t.Fatalf("Synced() = true on a fresh connection")
	}
	if got := ch.Buffered(); got != 1 {
		t.Fatalf("Buffered() = %d, want 1", got)
	}
	second := <-servers
	ch.MarkSynced()
	if got := ch.Buffered(); got != 0 {
		t.Fatalf("Buffered() after sync = %d, want covered update dropped", got)
	}
	_ = ch.Send(Frame{Type: FrameAwareness, Payload: []byte("{}")})
	if f := readFrame(t, second); f.Type != FrameAwareness {
		t.Fatalf("frame = %s, want awareness", f.Type)
	}
}

func TestReadOnlyAfterMaxAttempts(t *testing.T) {
	var dials atomic.Int32
	servers := make(chan Conn, 1)
	transport := TransportFunc(func(ctx context.Context, documentID string) (Conn, error) {
		if dials.Add(1) <= 3 {
			return nil, errors.New("connection refused")
		}
		return pipeTransport(servers).Dial(ctx, documentID)
	})
	ch := New(transport, Options{BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, MaxAttempts: 3})
	if err := ch.Connect(context.Background(), "doc-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer ch.Disconnect()

	ev := nextEvent(t, ch, EventReadOnly)
	if !ev.ReadOnly || ev.Err == nil {
		t.Fatalf("event = %+v, want read-only with error", ev)
	}
	ev = nextEvent(t, ch, EventReadOnly)
	if ev.ReadOnly {
		t.Fatalf("event = %+v, want writable again after reconnect", ev)
	}
	nextEvent(t, ch, EventConnected)
}

func TestDisconnectClosesEvents(t *testing.T) {
	servers := make(chan Conn, 1)
	ch := New(pipeTransport(servers), Options{})
	if err := ch.Connect(context.Background(), "doc-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := ch.Connect(context.Background(), "doc-1"); !errors.Is(err, ErrStarted) {
		t.Fatalf("second Connect() error = %v, want ErrStarted", err)
	}
	nextEvent(t, ch, EventConnected)
	ch.Disconnect()
	for range ch.Events() {
	}
	if ch.Connected() {
		t.Fatalf("Connected() = true after Disconnect")
	}
}

func TestBackoffIsBounded(t *testing.T) {
	ch := New(nil, Options{BaseBackoff: 100 * time.Millisecond, MaxBackoff: time.Second})
	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for i, w := range want {
		if got := ch.backoff(i + 1); got != w*time.Millisecond {
			t.Fatalf("backoff(%d) = %v, want %v", i+1, got, w*time.Millisecond)
		}
	}
}
