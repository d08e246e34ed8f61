// Package awareness keeps the ephemeral presence state of every replica that
// is looking at a document: who they are, their colour and where their
// selection is. Nothing here is persisted.
package awareness

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"chronicle/collab/internal/crdt"
)

const DefaultTimeout = 30 * time.Second

// Position is a point in the document that survives concurrent edits: the gap
// right after item After inside Block. A zero After is the start of Block.
type Position struct {
	Block crdt.ID `json:"block"`
	After crdt.ID `json:"after"`
}

type Selection struct {
	Anchor Position `json:"anchor"`
	Head   Position `json:"head"`
}

type State struct {
	Replica       uint64     `json:"replica"`
	UserID        string     `json:"userId"`
	Name          string     `json:"name,omitempty"`
	Color         string     `json:"color,omitempty"`
	Selection     *Selection `json:"selection,omitempty"`
	LastChangedAt time.Time  `json:"lastChangedAt"`
}

// Partial is a change to the local state. Nil fields are left untouched.
type Partial struct {
	Name           *string
	Color          *string
	Selection      *Selection
	ClearSelection bool
}

// Entry is the state of one replica at a given clock. A nil State announces
// that the replica is gone.
type Entry struct {
	Replica uint64 `json:"replica"`
	Clock   uint64 `json:"clock"`
	State   *State `json:"state,omitempty"`
}

type Message struct {
	Entries []Entry `json:"entries"`
}

func (m Message) IsEmpty() bool {
	return len(m.Entries) == 0
}

func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

func Decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("decode awareness: %w", err)
	}
	for _, entry := range m.Entries {
		if entry.Replica == 0 {
			return Message{}, fmt.Errorf("decode awareness: entry without replica")
		}
	}
	return m, nil
}

type Options struct {
	// Timeout removes remote entries that have not been refreshed for this
	// long.
	Timeout time.Duration
	Now     func() time.Time
}

type remote struct {
	clock uint64
	state State
	seen  time.Time
}

// Broadcaster owns the awareness map of one replica. Like the document store
// it belongs to a single logical thread.
type Broadcaster struct {
	replica uint64
	user    string
	timeout time.Duration
	now     func() time.Time

	clock  uint64
	local  State
	remote map[uint64]remote

	subs    map[int]chan map[string]State
	nextSub int
}

// New creates the awareness map of replica. Replica 0 is an observer: it has
// no local state and only relays what it hears.
func New(replica uint64, userID string, opts Options) *Broadcaster {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Broadcaster{
		replica: replica,
		user:    userID,
		timeout: opts.Timeout,
		now:     opts.Now,
		local:   State{Replica: replica, UserID: userID},
		remote:  map[uint64]remote{},
		subs:    map[int]chan map[string]State{},
	}
}

func (b *Broadcaster) LocalState() State {
	return b.local
}

// SetLocalState applies p and returns the message announcing the new state.
// LastChangedAt only moves when the selection does.
func (b *Broadcaster) SetLocalState(p Partial) Message {
	if p.Name != nil {
		b.local.Name = *p.Name
	}
	if p.Color != nil {
		b.local.Color = *p.Color
	}
	switch {
	case p.ClearSelection:
		if b.local.Selection != nil {
			b.local.Selection = nil
			b.local.LastChangedAt = b.now()
		}
	case p.Selection != nil:
		if b.local.Selection == nil || *b.local.Selection != *p.Selection {
			sel := *p.Selection
			b.local.Selection = &sel
			b.local.LastChangedAt = b.now()
		}
	}
	return b.announce()
}

// Heartbeat re-announces the local state so peers do not time it out.
func (b *Broadcaster) Heartbeat() Message {
	return b.announce()
}

func (b *Broadcaster) announce() Message {
	if b.replica == 0 {
		return Message{}
	}
	b.clock++
	state := b.local
	return Message{Entries: []Entry{{Replica: b.replica, Clock: b.clock, State: &state}}}
}

// ApplyRemote merges an inbound message and reports whether the remote set
// changed. Entries about the local replica and stale clocks are ignored.
func (b *Broadcaster) ApplyRemote(m Message) bool {
	changed := false
	now := b.now()
	for _, entry := range m.Entries {
		if entry.Replica == b.replica {
			continue
		}
		current, known := b.remote[entry.Replica]
		if entry.State == nil {
			if known && entry.Clock >= current.clock {
				delete(b.remote, entry.Replica)
				changed = true
			}
			continue
		}
		if known && entry.Clock <= current.clock {
			continue
		}
		state := *entry.State
		state.Replica = entry.Replica
		b.remote[entry.Replica] = remote{clock: entry.Clock, state: state, seen: now}
		changed = true
	}
	if changed {
		b.notify()
	}
	return changed
}

// Remove drops replicas that disconnected and returns the message that tells
// everyone else.
func (b *Broadcaster) Remove(replicas ...uint64) Message {
	var m Message
	for _, replica := range replicas {
		current, ok := b.remote[replica]
		if !ok {
			continue
		}
		delete(b.remote, replica)
		m.Entries = append(m.Entries, Entry{Replica: replica, Clock: current.clock})
	}
	if !m.IsEmpty() {
		b.notify()
	}
	return m
}

// Sweep expires remote entries that were not refreshed within the timeout
// and returns the expired replicas.
func (b *Broadcaster) Sweep(now time.Time) []uint64 {
	var expired []uint64
	for replica, entry := range b.remote {
		if now.Sub(entry.seen) > b.timeout {
			delete(b.remote, replica)
			expired = append(expired, replica)
		}
	}
	if len(expired) > 0 {
		sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
		b.notify()
	}
	return expired
}

// Full returns a message carrying every known state, the local one included.
// Sent to replicas that just joined.
func (b *Broadcaster) Full() Message {
	var m Message
	if b.replica != 0 {
		state := b.local
		m.Entries = append(m.Entries, Entry{Replica: b.replica, Clock: b.clock, State: &state})
	}
	for _, replica := range b.Replicas() {
		entry := b.remote[replica]
		state := entry.state
		m.Entries = append(m.Entries, Entry{Replica: replica, Clock: entry.clock, State: &state})
	}
	return m
}

// Replicas lists the remote replicas currently present.
func (b *Broadcaster) Replicas() []uint64 {
	out := make([]uint64, 0, len(b.remote))
	for replica := range b.remote {
		out = append(out, replica)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// GetRemoteStates returns the remote states keyed by user. The local user is
// never included, even from another replica. When a user is present on
// several replicas the most recently changed state wins.
func (b *Broadcaster) GetRemoteStates() map[string]State {
	out := make(map[string]State, len(b.remote))
	for _, replica := range b.Replicas() {
		state := b.remote[replica].state
		if state.UserID == "" || (b.user != "" && state.UserID == b.user) {
			continue
		}
		if existing, ok := out[state.UserID]; ok && !state.LastChangedAt.After(existing.LastChangedAt) {
			continue
		}
		out[state.UserID] = state
	}
	return out
}

// OnRemoteStatesChanged subscribes to the full remote set, delivered after
// every change. A slow subscriber only ever misses intermediate sets, never
// the latest one. The returned function unsubscribes and closes the channel.
func (b *Broadcaster) OnRemoteStatesChanged(buffer int) (<-chan map[string]State, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	id := b.nextSub
	b.nextSub++
	ch := make(chan map[string]State, buffer)
	b.subs[id] = ch
	return ch, func() {
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Close unsubscribes every listener.
func (b *Broadcaster) Close() {
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *Broadcaster) notify() {
	if len(b.subs) == 0 {
		return
	}
	states := b.GetRemoteStates()
	for _, ch := range b.subs {
		select {
		case ch <- states:
			continue
		default:
		}
		// Full: replace the oldest pending set.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- states:
		default:
		}
	}
}
