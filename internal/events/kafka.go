// Package events streams applied document updates to Kafka.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"chronicle/collab/internal/relay"
)

// Event is the message value written for every update a relay room merged.
// The key is the document id, so one document's events stay in one partition
// and in order.
type Event struct {
	DocumentID string    `json:"documentId"`
	Replica    uint64    `json:"replica"`
	UserID     string    `json:"userId,omitempty"`
	Ops        int       `json:"ops"`
	Update     []byte    `json:"update"`
	At         time.Time `json:"at"`
}

type Options struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.MaxRetry < 0 {
		o.MaxRetry = 0
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 100 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Second
	}
	return o
}

// Dispatcher puts events on a bounded local queue and sends them from a pool
// of workers with capped exponential retry. Publish never blocks the caller:
// a full queue drops the event. Delivery is best effort.
type Dispatcher struct {
	producer sarama.SyncProducer
	topic    string
	opts     Options

	queue chan Event
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	sent    atomic.Int64
	dropped atomic.Int64
}

// NewProducer connects a sync producer to the brokers.
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect kafka: %w", err)
	}
	return producer, nil
}

func NewDispatcher(producer sarama.SyncProducer, topic string, opts Options) *Dispatcher {
	opts = opts.withDefaults()
	d := &Dispatcher{
		producer: producer,
		topic:    topic,
		opts:     opts,
		queue:    make(chan Event, opts.QueueSize),
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
	return d
}

var _ relay.Publisher = (*Dispatcher)(nil)

// Publish enqueues an event for the update a room merged.
func (d *Dispatcher) Publish(ev relay.UpdateEvent) {
	d.Enqueue(Event{
		DocumentID: ev.DocumentID,
		Replica:    ev.Replica,
		UserID:     ev.UserID,
		Ops:        ev.Ops,
		Update:     ev.Update,
		At:         ev.At.UTC(),
	})
}

// Enqueue reports whether the event was queued.
func (d *Dispatcher) Enqueue(evt Event) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return false
	}
	select {
	case d.queue <- evt:
		return true
	default:
		d.dropped.Add(1)
		log.Printf("events: queue full, drop event doc=%s replica=%d", evt.DocumentID, evt.Replica)
		return false
	}
}

// Close stops accepting events and waits for the queued ones to be sent.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
	return d.producer.Close()
}

func (d *Dispatcher) Sent() int64 {
	return d.sent.Load()
}

func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

func (d *Dispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *Dispatcher) sendWithRetry(workerID int, evt Event) {
	for attempt := 0; attempt <= d.opts.MaxRetry; attempt++ {
		err := d.sendOnce(evt)
		if err == nil {
			d.sent.Add(1)
			return
		}
		if attempt == d.opts.MaxRetry {
			d.dropped.Add(1)
			log.Printf("events: kafka send failed, drop event doc=%s replica=%d worker=%d err=%v",
				evt.DocumentID, evt.Replica, workerID, err)
			return
		}
		backoff := d.opts.BaseBackoff * time.Duration(1<<attempt)
		if backoff > d.opts.MaxBackoff {
			backoff = d.opts.MaxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *Dispatcher) sendOnce(evt Event) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.DocumentID),
		Value: sarama.ByteEncoder(b),
	}
	if _, _, err := d.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}
