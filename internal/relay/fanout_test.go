package relay

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"chronicle/collab/internal/crdt"
	"chronicle/collab/internal/syncchan"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisFanoutSkipsOwnNode(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()
	n1 := NewRedisFanout(client, "n1")
	n2 := NewRedisFanout(client, "n2")

	frames, unsubscribe, err := n1.Subscribe(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer unsubscribe()

	if err := n1.Publish(ctx, "doc-1", syncchan.Frame{Type: syncchan.FrameUpdate, Payload: []byte("own")}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := n2.Publish(ctx, "doc-1", syncchan.Frame{Type: syncchan.FrameAwareness, Payload: []byte("other")}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	select {
	case f := <-frames:
		if f.Type != syncchan.FrameAwareness || string(f.Payload) != "other" {
			t.Fatalf("frame = %+v, want the other node's awareness", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for fanout frame")
	}
}

func TestRoomsOnDifferentNodesConverge(t *testing.T) {
	client := newTestRedis(t)
	hub1 := NewHub(Options{Replica: 91, Fanout: NewRedisFanout(client, "n1")})
	hub2 := NewHub(Options{Replica: 92, Fanout: NewRedisFanout(client, "n2")})

	b := join(t, hub2, "doc-1", Peer{ConnectionID: "b"}, 2)
	b.handshake(false)
	a := join(t, hub1, "doc-1", Peer{ConnectionID: "a"}, 1)
	a.handshake(false)

	a.paragraph("across nodes")
	b.apply(b.next(syncchan.FrameUpdate))
	if got := b.store.Document().Text(); got != "across nodes" {
		t.Fatalf("Text() = %q", got)
	}

	b.edit(b.store.InsertTextAt(b.store.Children(crdt.Root)[0].ID, 0, ">"))
	a.apply(a.next(syncchan.FrameUpdate))
	if a.store.Document().Text() != b.store.Document().Text() {
		t.Fatalf("nodes diverged: %q vs %q", a.store.Document().Text(), b.store.Document().Text())
	}
}
