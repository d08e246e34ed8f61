package editor

import (
	"sync"
)

// Transaction is one local change captured from the surface.
type Transaction struct {
	// BaseVersion is the view version the surface last received; Steps are
	// positions relative to it.
	BaseVersion uint64
	Steps       []Step
	// Batched marks transactions whose steps cannot be trusted positionally:
	// grouped input, paste or history rewrites.
	Batched bool
	Before  Content
	After   Content
}

// ExternalChange replaces what the surface shows. Remote changes must not
// scroll the viewport and must not come back as transactions.
type ExternalChange struct {
	Content        Content
	Version        uint64
	Remote         bool
	ScrollIntoView bool
}

// Surface is the narrow interface an editing surface implements to take part
// in collaboration.
type Surface interface {
	CaptureTransaction() (Transaction, bool)
	ApplyExternalChange(ExternalChange) error
}

// BufferSurface is an in-memory surface. The headless replica edits through
// it and tests use it to play the user.
type BufferSurface struct {
	mu      sync.Mutex
	content Content
	version uint64
	pending []Transaction
	changes []ExternalChange
}

func NewBufferSurface() *BufferSurface {
	return &BufferSurface{}
}

func (b *BufferSurface) Content() Content {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.content.Clone()
}

func (b *BufferSurface) Version() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version
}

// Edit applies steps the way a user would and queues the transaction.
func (b *BufferSurface) Edit(steps ...Step) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	after, err := b.content.Apply(steps...)
	if err != nil {
		return err
	}
	b.pending = append(b.pending, Transaction{BaseVersion: b.version, Steps: steps, Before: b.content, After: after})
	b.content = after
	return nil
}

// Replace swaps the whole content in one batched transaction, like a paste
// over everything or an undo of the surface's own history.
func (b *BufferSurface) Replace(after Content) {
	b.mu.Lock()
	defer b.mu.Unlock()
	after = after.Clone()
	b.pending = append(b.pending, Transaction{BaseVersion: b.version, Batched: true, Before: b.content, After: after})
	b.content = after
}

func (b *BufferSurface) CaptureTransaction() (Transaction, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return Transaction{}, false
	}
	tx := b.pending[0]
	b.pending = b.pending[1:]
	return tx, true
}

func (b *BufferSurface) ApplyExternalChange(change ExternalChange) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.content = change.Content.Clone()
	b.version = change.Version
	b.changes = append(b.changes, change)
	return nil
}

// Changes returns every external change applied so far.
func (b *BufferSurface) Changes() []ExternalChange {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ExternalChange(nil), b.changes...)
}

func (b *BufferSurface) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
