// Package identity records which user a replica belongs to. A binding is only
// written once the replica has produced a change, so replicas that merely
// looked at a document leave no trace in its metadata.
package identity

import (
	"fmt"
	"log"

	"chronicle/collab/internal/crdt"
)

// Binder watches operations for the first change of each registered replica.
// It writes bindings through the document store, so they replicate and
// converge like any other operation: the lowest stamp wins.
type Binder struct {
	store   *crdt.Store
	watches map[uint64]string
}

func NewBinder(store *crdt.Store) *Binder {
	return &Binder{store: store, watches: map[uint64]string{}}
}

// BindOnFirstChange registers user for replica. It returns false and changes
// nothing when replica is already watched or already bound.
func (b *Binder) BindOnFirstChange(replica uint64, user string) bool {
	if replica == 0 || user == "" {
		return false
	}
	if _, ok := b.watches[replica]; ok {
		return false
	}
	if _, ok := b.store.Binding(replica); ok {
		return false
	}
	b.watches[replica] = user
	return true
}

func (b *Binder) Watching(replica uint64) bool {
	_, ok := b.watches[replica]
	return ok
}

// Forget drops a watch that never fired, e.g. when the replica disconnects
// without editing.
func (b *Binder) Forget(replica uint64) {
	delete(b.watches, replica)
}

// Observe inspects applied operations, local or remote. The first content
// change of a watched replica writes its binding unless one already exists;
// a binding written elsewhere ends the watch. The returned update holds the
// new binding operations and must be broadcast.
func (b *Binder) Observe(ops []crdt.Op) (crdt.Update, error) {
	var out crdt.Update
	for _, op := range ops {
		if op.Kind == crdt.OpBind {
			delete(b.watches, op.Subject)
			continue
		}
		replica := op.ID.Replica
		user, ok := b.watches[replica]
		if !ok {
			continue
		}
		delete(b.watches, replica)
		if _, bound := b.store.Binding(replica); bound {
			continue
		}
		update, err := b.store.Bind(replica, user)
		if err != nil {
			return out, fmt.Errorf("bind replica %d: %w", replica, err)
		}
		log.Printf("identity: bound replica %d to %s", replica, user)
		out = crdt.Concat(out, update)
	}
	return out, nil
}
