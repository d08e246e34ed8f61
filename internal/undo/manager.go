// Package undo implements a replica-local undo stack on top of the document
// store. Undo never rewinds the store: it authors new operations that
// compensate for the captured ones, after checking that remote edits have not
// made the compensation unsafe.
package undo

import (
	"fmt"
	"maps"
	"slices"

	"chronicle/collab/internal/crdt"
)

// Item is one captured local transaction.
type Item struct {
	Ops      []crdt.Op
	FirstSeq uint64
	LastSeq  uint64
}

func newItem(ops []crdt.Op) Item {
	return Item{Ops: ops, FirstSeq: ops[0].ID.Seq, LastSeq: ops[len(ops)-1].End() - 1}
}

type State int

const (
	Idle State = iota
	Capturing
)

func (s State) String() string {
	if s == Capturing {
		return "capturing"
	}
	return "idle"
}

type Manager struct {
	store   *crdt.Store
	state   State
	current []crdt.Op
	undo    []Item
	redo    []Item
	// restored maps a register write made by undo to the write whose value
	// it brought back.
	restored map[register]crdt.Stamp
}

type register struct {
	target crdt.ID
	key    string
	stamp  crdt.Stamp
}

func NewManager(store *crdt.Store) *Manager {
	return &Manager{store: store, restored: map[register]crdt.Stamp{}}
}

func (m *Manager) State() State {
	return m.state
}

// Begin starts capturing a local transaction.
func (m *Manager) Begin() {
	m.state = Capturing
	m.current = nil
}

// Capture records the local operations of u. Operations from other replicas
// and identity bindings are ignored. Outside Begin/End every call is its own
// transaction.
func (m *Manager) Capture(u crdt.Update) {
	implicit := m.state == Idle
	if implicit {
		m.Begin()
	}
	for _, op := range u.Ops {
		if op.ID.Replica != m.store.Replica() || op.Kind == crdt.OpBind {
			continue
		}
		m.current = append(m.current, op)
	}
	if implicit {
		m.End()
	}
}

// End closes the transaction. A non-empty capture becomes an undo item and
// makes redo unavailable.
func (m *Manager) End() {
	if m.state != Capturing {
		return
	}
	m.state = Idle
	if len(m.current) == 0 {
		return
	}
	m.undo = append(m.undo, newItem(m.current))
	m.current = nil
	m.redo = nil
}

func (m *Manager) CanUndo() bool {
	return len(m.undo) > 0
}

// CanRedo is the RedoAvailable flag.
func (m *Manager) CanRedo() bool {
	return len(m.redo) > 0
}

// Undo reverts the most recent item that can still be reverted and returns
// the compensating update to broadcast. Items made entirely obsolete by
// remote edits are discarded on the way.
func (m *Manager) Undo() (crdt.Update, bool, error) {
	return m.pop(&m.undo, &m.redo)
}

func (m *Manager) Redo() (crdt.Update, bool, error) {
	return m.pop(&m.redo, &m.undo)
}

func (m *Manager) pop(from, to *[]Item) (crdt.Update, bool, error) {
	m.End()
	for len(*from) > 0 {
		it := (*from)[len(*from)-1]
		*from = (*from)[:len(*from)-1]
		update, err := m.invert(it)
		if err != nil {
			return crdt.Update{}, false, err
		}
		if update.IsEmpty() {
			continue
		}
		*to = append(*to, newItem(update.Ops))
		return update, true, nil
	}
	return crdt.Update{}, false, nil
}

func (m *Manager) invert(it Item) (crdt.Update, error) {
	var out crdt.Update
	for i := len(it.Ops) - 1; i >= 0; i-- {
		update, err := m.invertOp(it.Ops[i])
		if err != nil {
			return out, fmt.Errorf("invert %s %s: %w", it.Ops[i].Kind, it.Ops[i].ID, err)
		}
		out = crdt.Concat(out, update)
	}
	return out, nil
}

func (m *Manager) invertOp(op crdt.Op) (crdt.Update, error) {
	switch op.Kind {
	case crdt.OpInsertText, crdt.OpInsertNode:
		return m.uninsert(op)
	case crdt.OpDelete:
		return m.undelete(op)
	case crdt.OpSetAttr:
		return m.unset(op)
	}
	return crdt.Update{}, nil
}

// uninsert deletes whatever the insert created that is still alive. Items a
// remote replica already deleted are skipped.
func (m *Manager) uninsert(op crdt.Op) (crdt.Update, error) {
	var targets []crdt.ID
	for _, id := range op.Items() {
		rec, ok := m.store.Inspect(id)
		if !ok || rec.Deleted {
			continue
		}
		targets = append(targets, id)
	}
	if len(targets) == 0 {
		return crdt.Update{}, nil
	}
	return m.store.Delete(targets...)
}

// undelete recreates copies of the deleted items right after their
// tombstones, with their current attributes: edits that reached the items
// after the delete are carried over. Items whose parent is gone are skipped.
func (m *Manager) undelete(op crdt.Op) (crdt.Update, error) {
	var out crdt.Update
	var run []crdt.NodeRecord
	flush := func() error {
		if len(run) == 0 {
			return nil
		}
		text := make([]rune, len(run))
		for i, rec := range run {
			text[i] = rec.Rune
		}
		update, err := m.store.InsertText(run[0].Parent, run[0].ID, string(text), attrsOf(run[0].Current())...)
		run = run[:0]
		if err != nil {
			return err
		}
		out = crdt.Concat(out, update)
		return nil
	}

	for _, target := range op.Targets {
		rec, ok := m.store.Inspect(target)
		if !ok || !rec.Deleted || !m.store.Visible(rec.Parent) {
			continue
		}
		if rec.Kind == crdt.KindChar {
			if n := len(run); n > 0 && (rec.Parent != run[0].Parent || rec.Origin != run[n-1].ID || !maps.Equal(rec.Current(), run[0].Current())) {
				if err := flush(); err != nil {
					return out, err
				}
			}
			run = append(run, rec)
			continue
		}
		if err := flush(); err != nil {
			return out, err
		}
		update, err := m.recreateElement(rec)
		if err != nil {
			return out, err
		}
		out = crdt.Concat(out, update)
	}
	if err := flush(); err != nil {
		return out, err
	}
	return out, nil
}

func (m *Manager) recreateElement(rec crdt.NodeRecord) (crdt.Update, error) {
	id, out, err := m.store.InsertNode(rec.Parent, rec.ID, rec.Type, attrsOf(rec.Current())...)
	if err != nil {
		return out, err
	}
	copied, err := m.copyChildren(rec.ID, id)
	return crdt.Concat(out, copied), err
}

// copyChildren copies the live children of from into the empty element to,
// keeping runs of equally marked characters together.
func (m *Manager) copyChildren(from, to crdt.ID) (crdt.Update, error) {
	var out crdt.Update
	after := crdt.Root
	children := m.store.Children(from)
	for i := 0; i < len(children); {
		child := children[i]
		if child.Kind == crdt.KindElement {
			id, update, err := m.store.InsertNode(to, after, child.Type, attrsOf(child.Attrs)...)
			if err != nil {
				return out, err
			}
			out = crdt.Concat(out, update)
			nested, err := m.copyChildren(child.ID, id)
			if err != nil {
				return out, err
			}
			out = crdt.Concat(out, nested)
			after = id
			i++
			continue
		}
		j := i
		var text []rune
		for j < len(children) && children[j].Kind == crdt.KindChar && maps.Equal(children[j].Attrs, child.Attrs) {
			text = append(text, children[j].Rune)
			j++
		}
		update, err := m.store.InsertText(to, after, string(text), attrsOf(child.Attrs)...)
		if err != nil {
			return out, err
		}
		out = crdt.Concat(out, update)
		first := update.Ops[0].ID
		after = crdt.ID{Replica: first.Replica, Seq: first.Seq + uint64(len(text)) - 1}
		i = j
	}
	return out, nil
}

// unset restores the value a register had before op, on the targets where
// op still wins the register, directly or through a value undo brought back
// for it. A later write, local or remote, takes precedence even when it
// wrote the same value; deleted targets are left alone too.
func (m *Manager) unset(op crdt.Op) (crdt.Update, error) {
	type restore struct {
		value string
		from  crdt.Stamp
	}
	byValue := map[string][]crdt.ID{}
	from := map[crdt.ID]crdt.Stamp{}
	for _, target := range op.Targets {
		rec, ok := m.store.Inspect(target)
		if !ok || !m.store.Visible(target) {
			continue
		}
		edits := rec.Edits(op.Key)
		if len(edits) == 0 || !m.owns(target, op, edits[len(edits)-1].Stamp) {
			continue
		}
		var previous restore
		for _, change := range edits {
			if change.Stamp.Less(op.Stamp()) {
				previous = restore{value: change.Value, from: change.Stamp}
			}
		}
		byValue[previous.value] = append(byValue[previous.value], target)
		if previous.from != (crdt.Stamp{}) {
			from[target] = previous.from
		}
	}
	var out crdt.Update
	for _, value := range slices.Sorted(maps.Keys(byValue)) {
		update, err := m.store.SetAttr(byValue[value], op.Key, value)
		if err != nil {
			return out, err
		}
		written := update.Ops[0].Stamp()
		for _, target := range byValue[value] {
			if stamp, ok := from[target]; ok {
				m.restored[register{target: target, key: op.Key, stamp: written}] = stamp
			}
		}
		out = crdt.Concat(out, update)
	}
	return out, nil
}

// owns reports whether winner, the stamp holding target's register, is op's
// write or a restore of it.
func (m *Manager) owns(target crdt.ID, op crdt.Op, winner crdt.Stamp) bool {
	for winner != op.Stamp() {
		next, ok := m.restored[register{target: target, key: op.Key, stamp: winner}]
		if !ok {
			return false
		}
		winner = next
	}
	return true
}

func attrsOf(values map[string]string) []crdt.Attr {
	if len(values) == 0 {
		return nil
	}
	out := make([]crdt.Attr, 0, len(values))
	for _, key := range slices.Sorted(maps.Keys(values)) {
		out = append(out, crdt.Attr{Key: key, Value: values[key]})
	}
	return out
}
