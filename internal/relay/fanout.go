package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"chronicle/collab/internal/syncchan"
)

// Fanout carries frames between rooms of the same document on different
// relay nodes.
type Fanout interface {
	Publish(ctx context.Context, documentID string, f syncchan.Frame) error
	// Subscribe delivers frames published by other nodes until the returned
	// function is called.
	Subscribe(ctx context.Context, documentID string) (<-chan syncchan.Frame, func(), error)
}

type fanoutMessage struct {
	Node  string `json:"node"`
	Type  byte   `json:"type"`
	Frame []byte `json:"frame"`
}

// RedisFanout uses Redis pub/sub, one channel per document.
type RedisFanout struct {
	client *redis.Client
	node   string
	prefix string
}

func NewRedisFanout(client *redis.Client, node string) *RedisFanout {
	return &RedisFanout{client: client, node: node, prefix: "collab:doc:"}
}

func (f *RedisFanout) channel(documentID string) string {
	return f.prefix + documentID
}

func (f *RedisFanout) Publish(ctx context.Context, documentID string, frame syncchan.Frame) error {
	payload, err := json.Marshal(fanoutMessage{Node: f.node, Type: byte(frame.Type), Frame: frame.Payload})
	if err != nil {
		return fmt.Errorf("marshal fanout message: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel(documentID), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", documentID, err)
	}
	return nil
}

func (f *RedisFanout) Subscribe(ctx context.Context, documentID string) (<-chan syncchan.Frame, func(), error) {
	ps := f.client.Subscribe(ctx, f.channel(documentID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", documentID, err)
	}
	out := make(chan syncchan.Frame, 64)
	stop := make(chan struct{})
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			var m fanoutMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				log.Printf("relay: dropping fanout message on %s: %v", msg.Channel, err)
				continue
			}
			if m.Node == f.node {
				continue
			}
			select {
			case out <- syncchan.Frame{Type: syncchan.FrameType(m.Type), Payload: m.Frame}:
			case <-stop:
				return
			}
		}
	}()
	closed := false
	return out, func() {
		if closed {
			return
		}
		closed = true
		close(stop)
		_ = ps.Close()
	}, nil
}
