package crdt

import (
	"fmt"
	"log"
	"maps"
	"sort"
	"strings"
)

// AttrChange is one write to an attribute register. Every change is kept so
// that edits made to a node after (or concurrently with) its deletion can
// still be inspected and restored.
type AttrChange struct {
	Key   string
	Value string
	Stamp Stamp
}

func attrChangeLess(a, b AttrChange) bool {
	if a.Stamp != b.Stamp {
		return a.Stamp.Less(b.Stamp)
	}
	if a.Key != b.Key {
		return a.Key < b.Key
	}
	return a.Value < b.Value
}

type Binding struct {
	Replica uint64
	User    string
	Stamp   Stamp
}

// NodeRecord is the replicated state of a single item.
type NodeRecord struct {
	ID        ID
	Lamport   uint64
	Parent    ID
	Origin    ID
	Kind      NodeKind
	Type      string
	Rune      rune
	Attrs     []AttrChange
	Deleted   bool
	DeletedBy Stamp
}

// Current resolves the attribute registers to their winning values.
func (r NodeRecord) Current() map[string]string {
	it := &item{attrs: r.Attrs}
	return it.current()
}

// Edits returns the attribute history for key, oldest first.
func (r NodeRecord) Edits(key string) []AttrChange {
	var out []AttrChange
	for _, change := range r.Attrs {
		if change.Key == key {
			out = append(out, change)
		}
	}
	return out
}

func recordOf(it *item) NodeRecord {
	return NodeRecord{
		ID:        it.id,
		Lamport:   it.lamport,
		Parent:    it.parent,
		Origin:    it.origin,
		Kind:      it.kind,
		Type:      it.typ,
		Rune:      it.r,
		Attrs:     append([]AttrChange(nil), it.attrs...),
		Deleted:   it.deleted,
		DeletedBy: it.deletedBy,
	}
}

// Snapshot is the complete replicated state of a document, tombstones
// included, in canonical order. Two replicas that integrated the same
// operations produce equal snapshots.
type Snapshot struct {
	StateVector StateVector
	Clock       uint64
	Nodes       []NodeRecord
	Bindings    []Binding
}

func (s *Store) Snapshot() *Snapshot {
	snap := &Snapshot{StateVector: s.sv.Clone(), Clock: s.clock}
	snap.Nodes = make([]NodeRecord, 0, len(s.items))
	for _, it := range s.items {
		snap.Nodes = append(snap.Nodes, recordOf(it))
	}
	sort.Slice(snap.Nodes, func(i, j int) bool {
		return snap.Nodes[i].ID.Compare(snap.Nodes[j].ID) < 0
	})
	for _, binding := range s.bindings {
		snap.Bindings = append(snap.Bindings, binding)
	}
	sort.Slice(snap.Bindings, func(i, j int) bool {
		return snap.Bindings[i].Replica < snap.Bindings[j].Replica
	})
	return snap
}

// Validate checks a snapshot for internal consistency before it is merged.
func (snap *Snapshot) Validate() error {
	seen := make(map[ID]NodeKind, len(snap.Nodes))
	seen[Root] = KindElement
	for _, rec := range snap.Nodes {
		if rec.ID.IsRoot() {
			continue
		}
		if rec.ID.Replica == 0 {
			return fmt.Errorf("%w: node %s uses reserved replica 0", ErrMalformedUpdate, rec.ID)
		}
		if !snap.StateVector.Covers(rec.ID) {
			return fmt.Errorf("%w: node %s is beyond the snapshot frontier", ErrMalformedUpdate, rec.ID)
		}
		switch rec.Kind {
		case KindElement:
			if rec.Type == "" {
				return fmt.Errorf("%w: element %s has no type", ErrMalformedUpdate, rec.ID)
			}
		case KindChar:
		default:
			return fmt.Errorf("%w: node %s has unknown kind %d", ErrMalformedUpdate, rec.ID, rec.Kind)
		}
		seen[rec.ID] = rec.Kind
	}
	for _, rec := range snap.Nodes {
		if rec.ID.IsRoot() {
			continue
		}
		if kind, ok := seen[rec.Parent]; !ok || kind != KindElement {
			return fmt.Errorf("%w: node %s has no parent element %s", ErrMalformedUpdate, rec.ID, rec.Parent)
		}
		if _, ok := seen[rec.Origin]; !ok {
			return fmt.Errorf("%w: node %s has unknown origin %s", ErrMalformedUpdate, rec.ID, rec.Origin)
		}
	}
	for _, binding := range snap.Bindings {
		if binding.Replica == 0 || binding.User == "" {
			return fmt.Errorf("%w: binding without replica or user", ErrMalformedUpdate)
		}
	}
	return nil
}

// Merge folds a snapshot into the store. Merging is a join: commutative,
// idempotent, and safe to combine with operation-based updates. Operations
// whose seqs the snapshot covers are no longer available for Diff.
func (s *Store) Merge(snap *Snapshot) (Effect, error) {
	if err := snap.Validate(); err != nil {
		log.Printf("crdt: rejecting snapshot on replica %d: %v", s.replica, err)
		return Effect{}, err
	}
	for _, rec := range snap.Nodes {
		it, ok := s.items[rec.ID]
		if !ok {
			it = &item{
				id:      rec.ID,
				lamport: rec.Lamport,
				parent:  rec.Parent,
				origin:  rec.Origin,
				kind:    rec.Kind,
				typ:     rec.Type,
				r:       rec.Rune,
			}
			s.place(it)
		}
		for _, change := range rec.Attrs {
			it.addAttr(change)
		}
		if rec.Deleted {
			it.markDeleted(rec.DeletedBy)
		}
	}
	for _, binding := range snap.Bindings {
		s.bind(binding)
	}
	for replica, next := range snap.StateVector {
		if next <= s.sv[replica] {
			continue
		}
		s.sv[replica] = next
		delete(s.log, replica)
		s.logBase[replica] = next
	}
	if snap.Clock > s.clock {
		s.clock = snap.Clock
	}
	s.version++
	var effect Effect
	s.drain(&effect)
	effect.Pending = s.PendingCount()
	return effect, nil
}

// Node is one element or text run of the live document.
type Node struct {
	ID       ID                `json:"id"`
	Type     string            `json:"type"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Text     string            `json:"text,omitempty"`
	Children []Node            `json:"children,omitempty"`
}

// Document is the resolved, tombstone-free view of a store.
type Document struct {
	Root     Node              `json:"root"`
	Bindings map[uint64]string `json:"bindings,omitempty"`
}

// Text returns the plain text of the document, one line per block.
func (d Document) Text() string {
	var lines []string
	for _, block := range d.Root.Children {
		lines = append(lines, block.PlainText())
	}
	return strings.Join(lines, "\n")
}

// PlainText concatenates every text run below n.
func (n Node) PlainText() string {
	if n.Type == TextType {
		return n.Text
	}
	var b strings.Builder
	for _, child := range n.Children {
		b.WriteString(child.PlainText())
	}
	return b.String()
}

func (s *Store) Document() Document {
	return Document{Root: s.buildNode(s.items[Root]), Bindings: s.Bindings()}
}

// Document resolves the snapshot without keeping a store around.
func (snap *Snapshot) Document() (Document, error) {
	store := NewStore(0, Options{})
	if _, err := store.Merge(snap); err != nil {
		return Document{}, err
	}
	return store.Document(), nil
}

func (s *Store) buildNode(it *item) Node {
	node := Node{ID: it.id, Type: it.typ, Attrs: it.current()}
	var run *Node
	var text []rune
	flush := func() {
		if run == nil {
			return
		}
		run.Text = string(text)
		node.Children = append(node.Children, *run)
		run, text = nil, nil
	}
	for _, child := range s.sequence(it.id) {
		if child.deleted {
			continue
		}
		if child.kind == KindChar {
			attrs := child.current()
			if run == nil || !maps.Equal(run.Attrs, attrs) {
				flush()
				run = &Node{ID: child.id, Type: TextType, Attrs: attrs}
			}
			text = append(text, child.r)
			continue
		}
		flush()
		node.Children = append(node.Children, s.buildNode(child))
	}
	flush()
	return node
}
