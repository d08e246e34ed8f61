package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"chronicle/collab/internal/relay"
)

func mockProducer(t *testing.T) *mocks.SyncProducer {
	t.Helper()
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	return mocks.NewSyncProducer(t, cfg)
}

func TestPublishSendsEventsKeyedByDocument(t *testing.T) {
	producer := mockProducer(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, want := range []string{"doc-1", "doc-2"} {
		want := want
		producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
			var evt Event
			if err := json.Unmarshal(val, &evt); err != nil {
				return err
			}
			if evt.DocumentID != want || evt.Ops != 3 || string(evt.Update) != "payload" || !evt.At.Equal(at) {
				return fmt.Errorf("unexpected event %+v", evt)
			}
			return nil
		})
	}

	d := NewDispatcher(producer, "collab.updates", Options{Workers: 1})
	d.Publish(relay.UpdateEvent{DocumentID: "doc-1", Replica: 7, UserID: "alice", Ops: 3, Update: []byte("payload"), At: at})
	d.Publish(relay.UpdateEvent{DocumentID: "doc-2", Replica: 7, Ops: 3, Update: []byte("payload"), At: at})
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if d.Sent() != 2 || d.Dropped() != 0 {
		t.Fatalf("Sent() = %d, Dropped() = %d", d.Sent(), d.Dropped())
	}
}

func TestSendRetriesWithBackoff(t *testing.T) {
	producer := mockProducer(t)
	broker := errors.New("leader not available")
	producer.ExpectSendMessageAndFail(broker)
	producer.ExpectSendMessageAndFail(broker)
	producer.ExpectSendMessageAndSucceed()

	d := NewDispatcher(producer, "collab.updates", Options{Workers: 1, MaxRetry: 3, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
	if !d.Enqueue(Event{DocumentID: "doc-1"}) {
		t.Fatalf("Enqueue() = false")
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if d.Sent() != 1 {
		t.Fatalf("Sent() = %d, want 1", d.Sent())
	}
}

func TestEventDroppedAfterMaxRetry(t *testing.T) {
	producer := mockProducer(t)
	broker := errors.New("broker down")
	producer.ExpectSendMessageAndFail(broker)
	producer.ExpectSendMessageAndFail(broker)

	d := NewDispatcher(producer, "collab.updates", Options{Workers: 1, MaxRetry: 1, BaseBackoff: time.Millisecond})
	d.Enqueue(Event{DocumentID: "doc-1"})
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if d.Sent() != 0 || d.Dropped() != 1 {
		t.Fatalf("Sent() = %d, Dropped() = %d", d.Sent(), d.Dropped())
	}
}

func TestEnqueueAfterClose(t *testing.T) {
	d := NewDispatcher(mockProducer(t), "collab.updates", Options{})
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if d.Enqueue(Event{DocumentID: "doc-1"}) {
		t.Fatalf("Enqueue() after Close = true")
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}
