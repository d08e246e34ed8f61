package relay

import (
	"errors"
	"fmt"

	"chronicle/collab/internal/crdt"
)

var (
	// ErrReplicaClaimed is returned for a hello naming a replica that belongs
	// to another user.
	ErrReplicaClaimed = errors.New("replica belongs to another user")
	// ErrForeignContent is returned for a snapshot carrying state the
	// connection did not author.
	ErrForeignContent = errors.New("payload carries content of another replica")
)

// claim checks that c may speak for replica.
func (r *Room) claim(c *client, replica uint64) error {
	if c.replica != 0 && c.replica != replica {
		return fmt.Errorf("%w: connection already speaks for replica %d", ErrReplicaClaimed, c.replica)
	}
	if user, ok := r.store.Binding(replica); ok && user != c.peer.UserID {
		return fmt.Errorf("%w: replica %d is bound to %s", ErrReplicaClaimed, replica, user)
	}
	for other := range r.clients {
		if other != c && other.replica == replica && other.peer.UserID != c.peer.UserID {
			return fmt.Errorf("%w: replica %d is in use by %s", ErrReplicaClaimed, replica, other.peer.UserID)
		}
	}
	return nil
}

// admitUpdate keeps the operations c may author: those of its own replica.
// A binding written by c always binds its replica to its authenticated user.
// Bindings are rewritten rather than dropped so the replica's seqs stay
// contiguous.
func admitUpdate(c *client, u crdt.Update) (crdt.Update, int) {
	var out crdt.Update
	dropped := 0
	for _, op := range u.Ops {
		if c.replica == 0 || op.ID.Replica != c.replica {
			dropped++
			continue
		}
		if op.Kind == crdt.OpBind && (op.Subject != c.replica || op.User != c.peer.UserID) {
			if c.peer.UserID == "" {
				// Anonymous connections cannot bind; the rest of the
				// replica's ops wait for a seq that never comes.
				dropped++
				continue
			}
			op.Subject = c.replica
			op.User = c.peer.UserID
		}
		out.Ops = append(out.Ops, op)
	}
	return out, dropped
}

// admitSnapshot accepts a snapshot from c only when everything it adds was
// authored by c's replica. State of other replicas must already be known.
func (r *Room) admitSnapshot(c *client, snap *crdt.Snapshot) error {
	if c.replica == 0 {
		return fmt.Errorf("%w: connection has not said hello", ErrForeignContent)
	}
	own := func(replica uint64) bool { return replica == c.replica }
	sv := r.store.StateVector()
	for replica, next := range snap.StateVector {
		if !own(replica) && next > sv[replica] {
			return fmt.Errorf("%w: operations of replica %d", ErrForeignContent, replica)
		}
	}
	for _, binding := range snap.Bindings {
		if own(binding.Replica) && binding.User == c.peer.UserID {
			continue
		}
		if user, ok := r.store.Binding(binding.Replica); ok && user == binding.User {
			continue
		}
		return fmt.Errorf("%w: binding of replica %d", ErrForeignContent, binding.Replica)
	}
	for _, rec := range snap.Nodes {
		if rec.ID.IsRoot() {
			continue
		}
		known, ok := r.store.Inspect(rec.ID)
		if !ok {
			if own(rec.ID.Replica) {
				continue
			}
			return fmt.Errorf("%w: node %s", ErrForeignContent, rec.ID)
		}
		if rec.Deleted && !known.Deleted && !own(rec.DeletedBy.Replica) {
			return fmt.Errorf("%w: deletion of %s", ErrForeignContent, rec.ID)
		}
		for _, change := range rec.Attrs {
			if !own(change.Stamp.Replica) && !hasChange(known.Attrs, change) {
				return fmt.Errorf("%w: attribute %s of %s", ErrForeignContent, change.Key, rec.ID)
			}
		}
	}
	return nil
}

func hasChange(changes []crdt.AttrChange, want crdt.AttrChange) bool {
	for _, change := range changes {
		if change == want {
			return true
		}
	}
	return false
}
