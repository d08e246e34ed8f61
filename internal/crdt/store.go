package crdt

import (
	"fmt"
	"log"
	"sort"
	"time"
)

const defaultCausalWindow = 30 * time.Second

type NodeKind uint8

const (
	KindElement NodeKind = iota + 1
	KindChar
)

// RootType is the node type of the document root.
const RootType = "doc"

// TextType is the node type reported for merged runs of characters.
const TextType = "text"

type Options struct {
	// CausalWindow bounds how long an operation may wait for its
	// dependencies before it is dropped.
	CausalWindow time.Duration
	Now          func() time.Time
}

// Effect describes what a merge did to the store.
type Effect struct {
	Applied    []Op
	Duplicates int
	Rejected   int
	Pending    int
}

func (e Effect) Changed() bool {
	return len(e.Applied) > 0
}

// Update returns the newly applied operations, in application order.
func (e Effect) Update() Update {
	return Update{Ops: e.Applied}
}

type item struct {
	id        ID
	lamport   uint64
	parent    ID
	origin    ID
	kind      NodeKind
	typ       string
	r         rune
	attrs     []AttrChange
	deleted   bool
	deletedBy Stamp
}

func (it *item) stamp() Stamp {
	return Stamp{Lamport: it.lamport, Replica: it.id.Replica}
}

func (it *item) addAttr(change AttrChange) {
	idx := sort.Search(len(it.attrs), func(i int) bool {
		return !attrChangeLess(it.attrs[i], change)
	})
	if idx < len(it.attrs) && it.attrs[idx] == change {
		return
	}
	it.attrs = append(it.attrs, AttrChange{})
	copy(it.attrs[idx+1:], it.attrs[idx:])
	it.attrs[idx] = change
}

// register returns the winning change for key.
func (it *item) register(key string) (AttrChange, bool) {
	for i := len(it.attrs) - 1; i >= 0; i-- {
		if it.attrs[i].Key == key {
			return it.attrs[i], true
		}
	}
	return AttrChange{}, false
}

func (it *item) current() map[string]string {
	var out map[string]string
	for _, change := range it.attrs {
		if out == nil {
			out = make(map[string]string)
		}
		out[change.Key] = change.Value
	}
	for key, value := range out {
		if value == "" {
			delete(out, key)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (it *item) markDeleted(by Stamp) {
	if !it.deleted || by.Less(it.deletedBy) {
		it.deletedBy = by
	}
	it.deleted = true
}

type slot struct {
	parent ID
	origin ID
}

type pendingOp struct {
	op       Op
	received time.Time
}

// Store is one replica's copy of the document: an RGA sequence per element,
// tombstones, per-key last-writer-wins attributes and identity bindings.
//
// A Store is owned by a single logical thread and is not safe for concurrent
// use.
type Store struct {
	replica  uint64
	clock    uint64
	sv       StateVector
	items    map[ID]*item
	slots    map[slot][]ID
	seqCache map[ID][]*item
	bindings map[uint64]Binding
	pending  map[uint64][]pendingOp
	log      map[uint64][]Op
	logBase  map[uint64]uint64
	version  uint64
	window   time.Duration
	now      func() time.Time
}

// NewStore creates an empty document for the given local replica. Replica 0
// yields a store that can merge and serve state but never authors operations.
func NewStore(replica uint64, opts Options) *Store {
	if opts.CausalWindow <= 0 {
		opts.CausalWindow = defaultCausalWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{
		replica:  replica,
		sv:       StateVector{},
		items:    map[ID]*item{Root: {id: Root, kind: KindElement, typ: RootType}},
		slots:    map[slot][]ID{},
		seqCache: map[ID][]*item{},
		bindings: map[uint64]Binding{},
		pending:  map[uint64][]pendingOp{},
		log:      map[uint64][]Op{},
		logBase:  map[uint64]uint64{},
		window:   opts.CausalWindow,
		now:      opts.Now,
	}
	return s
}

func (s *Store) Replica() uint64 {
	return s.replica
}

// Version increases every time the visible or replicated state changes.
func (s *Store) Version() uint64 {
	return s.version
}

func (s *Store) StateVector() StateVector {
	return s.sv.Clone()
}

// ApplyLocal stamps op with the next local id and clock, integrates it and
// returns the update to broadcast. Only the payload fields of op are read.
func (s *Store) ApplyLocal(op Op) (Update, error) {
	if s.replica == 0 {
		return Update{}, ErrNoReplica
	}
	op.ID = ID{Replica: s.replica, Seq: s.sv[s.replica]}
	op.Lamport = s.clock + 1
	if err := op.Validate(); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrInvalidOp, err)
	}
	for _, ref := range op.References() {
		if !s.known(ref) {
			return Update{}, fmt.Errorf("%w: %s", ErrUnknownReference, ref)
		}
	}
	if reason := s.check(op); reason != "" {
		return Update{}, fmt.Errorf("%w: %s", ErrInvalidOp, reason)
	}
	s.integrate(op)
	return Update{Ops: []Op{op}}, nil
}

func (s *Store) InsertText(parent, after ID, text string, attrs ...Attr) (Update, error) {
	return s.ApplyLocal(Op{Kind: OpInsertText, Parent: parent, Origin: after, Text: text, Attrs: attrs})
}

// InsertNode creates an element under parent, right after the item after
// (Root for the start of parent), and returns its id.
func (s *Store) InsertNode(parent, after ID, typ string, attrs ...Attr) (ID, Update, error) {
	update, err := s.ApplyLocal(Op{Kind: OpInsertNode, Parent: parent, Origin: after, Type: typ, Attrs: attrs})
	if err != nil {
		return ID{}, Update{}, err
	}
	return update.Ops[0].ID, update, nil
}

func (s *Store) Delete(targets ...ID) (Update, error) {
	return s.ApplyLocal(Op{Kind: OpDelete, Targets: targets})
}

func (s *Store) SetAttr(targets []ID, key, value string) (Update, error) {
	return s.ApplyLocal(Op{Kind: OpSetAttr, Targets: targets, Key: key, Value: value})
}

func (s *Store) Bind(subject uint64, user string) (Update, error) {
	return s.ApplyLocal(Op{Kind: OpBind, Subject: subject, User: user})
}

// InsertTextAt inserts text at a visible index of parent.
func (s *Store) InsertTextAt(parent ID, index int, text string, attrs ...Attr) (Update, error) {
	after, err := s.Anchor(parent, index)
	if err != nil {
		return Update{}, err
	}
	return s.InsertText(parent, after, text, attrs...)
}

// DeleteRange deletes length visible children of parent starting at index.
func (s *Store) DeleteRange(parent ID, index, length int) (Update, error) {
	visible := s.visible(parent)
	if index < 0 || length <= 0 || index+length > len(visible) {
		return Update{}, fmt.Errorf("%w: delete [%d,%d) of %d", ErrOutOfRange, index, index+length, len(visible))
	}
	targets := make([]ID, 0, length)
	for _, it := range visible[index : index+length] {
		targets = append(targets, it.id)
	}
	return s.Delete(targets...)
}

// Anchor returns the origin to use for an insert at a visible index of parent.
func (s *Store) Anchor(parent ID, index int) (ID, error) {
	if !s.isElement(parent) {
		return ID{}, fmt.Errorf("%w: %s is not an element", ErrUnknownReference, parent)
	}
	visible := s.visible(parent)
	if index < 0 || index > len(visible) {
		return ID{}, fmt.Errorf("%w: index %d of %d", ErrOutOfRange, index, len(visible))
	}
	if index == 0 {
		return Root, nil
	}
	return visible[index-1].id, nil
}

// ApplyRemote merges an update produced elsewhere. Structurally invalid
// updates are rejected as a whole without touching the state. Already seen
// operations are ignored; operations whose dependencies are missing wait in
// the causal buffer.
func (s *Store) ApplyRemote(u Update) (Effect, error) {
	if err := u.Validate(); err != nil {
		log.Printf("crdt: rejecting update on replica %d: %v", s.replica, err)
		return Effect{}, err
	}
	var effect Effect
	received := s.now()
	for _, op := range u.Ops {
		if s.sv.Covers(op.ID) || s.isPending(op.ID) {
			effect.Duplicates++
			continue
		}
		s.enqueue(pendingOp{op: op, received: received})
	}
	s.drain(&effect)
	effect.Pending = s.PendingCount()
	return effect, nil
}

func (s *Store) PendingCount() int {
	count := 0
	for _, queue := range s.pending {
		count += len(queue)
	}
	return count
}

// ExpirePending drops buffered operations that have waited longer than the
// causal window and reports how many were dropped.
func (s *Store) ExpirePending(now time.Time) int {
	cutoff := now.Add(-s.window)
	dropped := 0
	for replica, queue := range s.pending {
		kept := queue[:0]
		for _, p := range queue {
			if p.received.Before(cutoff) {
				dropped++
				continue
			}
			kept = append(kept, p)
		}
		if len(kept) == 0 {
			delete(s.pending, replica)
		} else {
			s.pending[replica] = kept
		}
	}
	if dropped > 0 {
		log.Printf("crdt: dropped %d operations on replica %d after waiting %s for dependencies", dropped, s.replica, s.window)
	}
	return dropped
}

// Diff returns every logged operation the holder of sv has not seen. The
// second result is false when the log was truncated by a snapshot merge and
// can no longer fill the gap; callers then ship a full snapshot instead.
func (s *Store) Diff(sv StateVector) (Update, bool) {
	var out Update
	for _, replica := range s.sv.Replicas() {
		have := sv[replica]
		if have >= s.sv[replica] {
			continue
		}
		if s.logBase[replica] > have {
			return Update{}, false
		}
		for _, op := range s.log[replica] {
			if op.End() > have {
				out.Ops = append(out.Ops, op)
			}
		}
	}
	return out, true
}

func (s *Store) Binding(replica uint64) (string, bool) {
	binding, ok := s.bindings[replica]
	return binding.User, ok
}

func (s *Store) Bindings() map[uint64]string {
	if len(s.bindings) == 0 {
		return nil
	}
	out := make(map[uint64]string, len(s.bindings))
	for replica, binding := range s.bindings {
		out[replica] = binding.User
	}
	return out
}

// Item is a read-only view of one live child.
type Item struct {
	ID    ID
	Kind  NodeKind
	Type  string
	Rune  rune
	Attrs map[string]string
}

// Children lists the visible children of parent in document order.
func (s *Store) Children(parent ID) []Item {
	visible := s.visible(parent)
	out := make([]Item, 0, len(visible))
	for _, it := range visible {
		out = append(out, Item{ID: it.id, Kind: it.kind, Type: it.typ, Rune: it.r, Attrs: it.current()})
	}
	return out
}

// Position returns the visible index of id inside parent. A deleted item
// resolves to the index of the next visible sibling, so positions anchored on
// it survive its removal.
func (s *Store) Position(parent, id ID) (int, bool) {
	index := 0
	for _, it := range s.sequence(parent) {
		if it.id == id {
			return index, true
		}
		if !it.deleted {
			index++
		}
	}
	return 0, false
}

// Offset resolves a position expressed as "right after item after" inside
// parent to a visible index. Root stands for the start of parent. A deleted
// anchor resolves to the gap it left behind.
func (s *Store) Offset(parent, after ID) (int, bool) {
	if after.IsRoot() {
		return 0, s.isElement(parent)
	}
	index := 0
	for _, it := range s.sequence(parent) {
		if !it.deleted {
			index++
		}
		if it.id == after {
			return index, true
		}
	}
	return 0, false
}

// Visible reports whether id is a live item: neither it nor any ancestor is
// deleted.
func (s *Store) Visible(id ID) bool {
	for {
		it, ok := s.items[id]
		if !ok || it.deleted {
			return false
		}
		if id.IsRoot() {
			return true
		}
		id = it.parent
	}
}

// Inspect returns the full record of an item, tombstones included.
func (s *Store) Inspect(id ID) (NodeRecord, bool) {
	it, ok := s.items[id]
	if !ok {
		return NodeRecord{}, false
	}
	return recordOf(it), true
}

func (s *Store) known(ref ID) bool {
	_, ok := s.items[ref]
	return ok
}

func (s *Store) isElement(id ID) bool {
	it, ok := s.items[id]
	return ok && it.kind == KindElement
}

func (s *Store) isPending(id ID) bool {
	for _, p := range s.pending[id.Replica] {
		if p.op.ID == id {
			return true
		}
	}
	return false
}

func (s *Store) enqueue(p pendingOp) {
	queue := s.pending[p.op.ID.Replica]
	idx := sort.Search(len(queue), func(i int) bool { return queue[i].op.ID.Seq >= p.op.ID.Seq })
	queue = append(queue, pendingOp{})
	copy(queue[idx+1:], queue[idx:])
	queue[idx] = p
	s.pending[p.op.ID.Replica] = queue
}

// ready reports whether every reference of op is either integrated or
// provably never going to be (covered by the state vector but not an item).
func (s *Store) ready(op Op) bool {
	for _, ref := range op.References() {
		if s.known(ref) {
			continue
		}
		if !s.sv.Covers(ref) {
			return false
		}
	}
	return true
}

func (s *Store) drain(effect *Effect) {
	for progress := true; progress; {
		progress = false
		replicas := make([]uint64, 0, len(s.pending))
		for replica := range s.pending {
			replicas = append(replicas, replica)
		}
		sort.Slice(replicas, func(i, j int) bool { return replicas[i] < replicas[j] })
		for _, replica := range replicas {
			queue := s.pending[replica]
			for len(queue) > 0 {
				op := queue[0].op
				next := s.sv[replica]
				if op.ID.Seq < next {
					queue = queue[1:]
					effect.Duplicates++
					continue
				}
				if op.ID.Seq > next || !s.ready(op) {
					break
				}
				queue = queue[1:]
				progress = true
				if reason := s.check(op); reason != "" {
					log.Printf("crdt: ignoring %s %s on replica %d: %s", op.Kind, op.ID, s.replica, reason)
					s.advance(op)
					effect.Rejected++
					continue
				}
				s.integrate(op)
				effect.Applied = append(effect.Applied, op)
			}
			if len(queue) == 0 {
				delete(s.pending, replica)
			} else {
				s.pending[replica] = queue
			}
		}
	}
}

// check validates op against the document. A non-empty reason means op can
// never apply anywhere; it still consumes its seqs so that every replica
// ignores it identically.
func (s *Store) check(op Op) string {
	switch op.Kind {
	case OpInsertText, OpInsertNode:
		if !s.isElement(op.Parent) {
			return fmt.Sprintf("parent %s is not an element", op.Parent)
		}
		if !op.Origin.IsRoot() {
			origin, ok := s.items[op.Origin]
			if !ok {
				return fmt.Sprintf("origin %s does not exist", op.Origin)
			}
			if origin.parent != op.Parent {
				return fmt.Sprintf("origin %s is not a child of %s", op.Origin, op.Parent)
			}
		}
	case OpDelete, OpSetAttr:
		for _, target := range op.Targets {
			if !s.known(target) {
				return fmt.Sprintf("target %s does not exist", target)
			}
		}
	}
	return ""
}

func (s *Store) advance(op Op) {
	s.sv[op.ID.Replica] = op.End()
	if last := op.Lamport + op.Len() - 1; last > s.clock {
		s.clock = last
	}
	s.log[op.ID.Replica] = append(s.log[op.ID.Replica], op)
	s.version++
}

func (s *Store) integrate(op Op) {
	switch op.Kind {
	case OpInsertText:
		origin := op.Origin
		i := uint64(0)
		for _, r := range op.Text {
			it := &item{
				id:      ID{Replica: op.ID.Replica, Seq: op.ID.Seq + i},
				lamport: op.Lamport + i,
				parent:  op.Parent,
				origin:  origin,
				kind:    KindChar,
				r:       r,
			}
			for _, attr := range op.Attrs {
				it.addAttr(AttrChange{Key: attr.Key, Value: attr.Value, Stamp: it.stamp()})
			}
			s.place(it)
			origin = it.id
			i++
		}
	case OpInsertNode:
		it := &item{
			id:      op.ID,
			lamport: op.Lamport,
			parent:  op.Parent,
			origin:  op.Origin,
			kind:    KindElement,
			typ:     op.Type,
		}
		for _, attr := range op.Attrs {
			it.addAttr(AttrChange{Key: attr.Key, Value: attr.Value, Stamp: it.stamp()})
		}
		s.place(it)
	case OpDelete:
		for _, target := range op.Targets {
			s.items[target].markDeleted(op.Stamp())
		}
	case OpSetAttr:
		for _, target := range op.Targets {
			s.items[target].addAttr(AttrChange{Key: op.Key, Value: op.Value, Stamp: op.Stamp()})
		}
	case OpBind:
		s.bind(Binding{Replica: op.Subject, User: op.User, Stamp: op.Stamp()})
	}
	s.advance(op)
}

// bind keeps the binding with the lowest stamp: the first writer wins no
// matter in which order concurrent bindings arrive.
func (s *Store) bind(binding Binding) {
	existing, ok := s.bindings[binding.Replica]
	if !ok || binding.Stamp.Less(existing.Stamp) {
		s.bindings[binding.Replica] = binding
	}
}

func (s *Store) place(it *item) {
	s.items[it.id] = it
	key := slot{parent: it.parent, origin: it.origin}
	siblings := s.slots[key]
	// Newer siblings come first.
	idx := sort.Search(len(siblings), func(i int) bool {
		return s.items[siblings[i]].stamp().Less(it.stamp())
	})
	siblings = append(siblings, ID{})
	copy(siblings[idx+1:], siblings[idx:])
	siblings[idx] = it.id
	s.slots[key] = siblings
	delete(s.seqCache, it.parent)
}

// sequence returns every child of parent, tombstones included, in document
// order: a depth-first walk of the origin tree.
func (s *Store) sequence(parent ID) []*item {
	if cached, ok := s.seqCache[parent]; ok {
		return cached
	}
	var out []*item
	var stack []ID
	push := func(origin ID) {
		children := s.slots[slot{parent: parent, origin: origin}]
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}
	push(Root)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, s.items[id])
		push(id)
	}
	s.seqCache[parent] = out
	return out
}

func (s *Store) visible(parent ID) []*item {
	var out []*item
	for _, it := range s.sequence(parent) {
		if !it.deleted {
			out = append(out, it)
		}
	}
	return out
}
