package identity

import (
	"testing"

	"chronicle/collab/internal/crdt"
)

func edit(t *testing.T, s *crdt.Store) crdt.Update {
	t.Helper()
	_, update, err := s.InsertNode(crdt.Root, crdt.Root, "paragraph")
	if err != nil {
		t.Fatalf("InsertNode() error = %v", err)
	}
	return update
}

func TestFirstBindingIsKept(t *testing.T) {
	store := crdt.NewStore(1, crdt.Options{})
	binder := NewBinder(store)
	if !binder.BindOnFirstChange(1, "alice") {
		t.Fatalf("BindOnFirstChange() = false for a new replica")
	}
	if binder.BindOnFirstChange(1, "bob") {
		t.Fatalf("BindOnFirstChange() = true for a watched replica")
	}

	bind, err := binder.Observe(edit(t, store).Ops)
	if err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	if len(bind.Ops) != 1 || bind.Ops[0].Kind != crdt.OpBind {
		t.Fatalf("Observe() = %+v, want one bind op", bind)
	}
	if user, _ := store.Binding(1); user != "alice" {
		t.Fatalf("Binding() = %q, want alice", user)
	}

	if binder.BindOnFirstChange(1, "bob") {
		t.Fatalf("BindOnFirstChange() = true for a bound replica")
	}
	again, err := binder.Observe(edit(t, store).Ops)
	if err != nil || !again.IsEmpty() {
		t.Fatalf("Observe() = %+v, %v, want nothing", again, err)
	}
	if user, _ := store.Binding(1); user != "alice" {
		t.Fatalf("Binding() = %q after second edit, want alice", user)
	}
}

func TestReplicasThatNeverEditAreNotBound(t *testing.T) {
	store := crdt.NewStore(1, crdt.Options{})
	binder := NewBinder(store)
	binder.BindOnFirstChange(5, "viewer")
	if _, err := binder.Observe(edit(t, store).Ops); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	if _, ok := store.Binding(5); ok {
		t.Fatalf("replica 5 was bound without editing")
	}
	binder.Forget(5)
	if binder.Watching(5) {
		t.Fatalf("Watching() = true after Forget")
	}
}

func TestConcurrentObserversConverge(t *testing.T) {
	client := crdt.NewStore(1, crdt.Options{})
	relay := crdt.NewStore(99, crdt.Options{})
	clientBinder := NewBinder(client)
	relayBinder := NewBinder(relay)
	clientBinder.BindOnFirstChange(1, "alice")
	relayBinder.BindOnFirstChange(1, "alice@sso")

	change := edit(t, client)
	fromClient, err := clientBinder.Observe(change.Ops)
	if err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	effect, err := relay.ApplyRemote(change)
	if err != nil {
		t.Fatalf("ApplyRemote() error = %v", err)
	}
	fromRelay, err := relayBinder.Observe(effect.Applied)
	if err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	if fromClient.IsEmpty() || fromRelay.IsEmpty() {
		t.Fatalf("both observers should have written a binding")
	}

	if _, err := client.ApplyRemote(fromRelay); err != nil {
		t.Fatalf("ApplyRemote() error = %v", err)
	}
	effect, err = relay.ApplyRemote(fromClient)
	if err != nil {
		t.Fatalf("ApplyRemote() error = %v", err)
	}
	if extra, _ := relayBinder.Observe(effect.Applied); !extra.IsEmpty() {
		t.Fatalf("relay re-bound after receiving the client's binding")
	}
	cu, _ := client.Binding(1)
	ru, _ := relay.Binding(1)
	if cu != ru || cu != "alice" {
		t.Fatalf("bindings = %q / %q, want both alice", cu, ru)
	}
}

func TestRemoteBindingEndsWatch(t *testing.T) {
	other := crdt.NewStore(3, crdt.Options{})
	bind, err := other.Bind(3, "carol")
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	store := crdt.NewStore(1, crdt.Options{})
	binder := NewBinder(store)
	binder.BindOnFirstChange(3, "carol")
	effect, err := store.ApplyRemote(bind)
	if err != nil {
		t.Fatalf("ApplyRemote() error = %v", err)
	}
	if out, _ := binder.Observe(effect.Applied); !out.IsEmpty() {
		t.Fatalf("Observe() wrote a second binding")
	}
	if binder.Watching(3) {
		t.Fatalf("Watching() = true after remote binding")
	}
}
