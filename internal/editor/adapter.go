// Package editor connects an editing surface to the document store.
//
// Local transactions are turned into store operations. When the surface's
// positional steps can be trusted (the transaction is based on the view the
// store currently shows and is not a batched rewrite) they are translated
// directly; otherwise the adapter diffs the before and after contents and
// recreates the change on top of CRDT ids. Remote changes flow the other way
// as external changes that never scroll and never come back as local
// transactions.
package editor

import (
	"fmt"
	"log"

	"chronicle/collab/internal/crdt"
)

const viewHistory = 32

type Result struct {
	Update    crdt.Update
	Recreated bool
	Skipped   bool
}

type Adapter struct {
	store   *crdt.Store
	surface Surface
	view    View
	history map[uint64]View
	order   []uint64
}

func NewAdapter(store *crdt.Store, surface Surface) *Adapter {
	a := &Adapter{store: store, surface: surface, history: map[uint64]View{}}
	a.refresh()
	return a
}

func (a *Adapter) View() View {
	return a.view
}

// Reset pushes the whole document to the surface, e.g. after the initial
// sync.
func (a *Adapter) Reset() error {
	a.refresh()
	return a.push(true)
}

// OnRemoteUpdate shows the current document on the surface after remote
// operations were merged.
func (a *Adapter) OnRemoteUpdate() error {
	if a.store.Version() == a.view.Version {
		return nil
	}
	a.refresh()
	return a.push(true)
}

// OnLocalUpdate shows operations this replica authored outside the surface,
// such as an undo, and scrolls to them.
func (a *Adapter) OnLocalUpdate() error {
	if a.store.Version() == a.view.Version {
		return nil
	}
	a.refresh()
	return a.push(false)
}

// Discard drops pending transactions without applying them and restores the
// store's content on the surface. Used while the document is read-only.
func (a *Adapter) Discard() (int, error) {
	dropped := 0
	for {
		if _, ok := a.surface.CaptureTransaction(); !ok {
			break
		}
		dropped++
	}
	if dropped == 0 {
		return 0, nil
	}
	a.refresh()
	return dropped, a.push(true)
}

// Poll drains the surface's pending transactions, applies them and returns
// the operations to broadcast. The surface is then brought in line with the
// store; if the result differs from what the user typed (remote edits were
// merged in between, or a transaction was skipped) it is pushed as a remote
// change.
func (a *Adapter) Poll() (crdt.Update, error) {
	var out crdt.Update
	var last Content
	processed, resync := 0, false
	for {
		tx, ok := a.surface.CaptureTransaction()
		if !ok {
			break
		}
		processed++
		res := a.OnLocalTransaction(tx)
		out = crdt.Concat(out, res.Update)
		resync = resync || res.Skipped
		last = tx.After
	}
	if processed == 0 {
		return out, nil
	}
	a.refresh()
	remote := resync || last == nil || !a.view.Content().Equal(last)
	if err := a.push(remote); err != nil {
		return out, err
	}
	return out, nil
}

// OnLocalTransaction applies one transaction to the store. It never fails: a
// transaction that cannot be mapped safely is skipped with a warning and the
// store stays authoritative.
func (a *Adapter) OnLocalTransaction(tx Transaction) Result {
	if a.trusted(tx) {
		update, err := a.applySteps(tx.Steps)
		a.refresh()
		if err == nil {
			return Result{Update: update}
		}
		log.Printf("editor: positional steps failed after validation: %v", err)
		return Result{Update: update, Skipped: true}
	}

	if tx.After == nil {
		log.Printf("editor: skipping transaction based on version %d: no content to diff", tx.BaseVersion)
		return Result{Skipped: true}
	}
	base, ok := a.baseView(tx)
	if !ok {
		log.Printf("editor: skipping transaction based on version %d: no view matches its content", tx.BaseVersion)
		return Result{Skipped: true}
	}
	transform, err := Recreate(base, tx.Before, tx.After)
	if err != nil {
		log.Printf("editor: skipping transaction based on version %d: %v", tx.BaseVersion, err)
		return Result{Skipped: true}
	}
	update, err := a.apply(transform)
	a.refresh()
	if err != nil {
		log.Printf("editor: recreated transaction partially applied: %v", err)
		return Result{Update: update, Recreated: true, Skipped: true}
	}
	return Result{Update: update, Recreated: true}
}

func (a *Adapter) trusted(tx Transaction) bool {
	if tx.Batched || len(tx.Steps) == 0 || tx.BaseVersion != a.view.Version {
		return false
	}
	current := a.view.Content()
	if tx.Before != nil && !current.Equal(tx.Before) {
		return false
	}
	_, err := current.Apply(tx.Steps...)
	return err == nil
}

// baseView finds the view the transaction was made against.
func (a *Adapter) baseView(tx Transaction) (View, bool) {
	candidates := []View{a.view}
	if v, ok := a.history[tx.BaseVersion]; ok {
		candidates = []View{v, a.view}
	}
	for _, v := range candidates {
		if tx.Before == nil || v.Content().Equal(tx.Before) {
			return v, true
		}
	}
	return View{}, false
}

func (a *Adapter) refresh() {
	a.view = BuildView(a.store)
	if _, ok := a.history[a.view.Version]; ok {
		return
	}
	a.history[a.view.Version] = a.view
	a.order = append(a.order, a.view.Version)
	if len(a.order) > viewHistory {
		delete(a.history, a.order[0])
		a.order = a.order[1:]
	}
}

func (a *Adapter) push(remote bool) error {
	change := ExternalChange{
		Content:        a.view.Content(),
		Version:        a.view.Version,
		Remote:         remote,
		ScrollIntoView: !remote,
	}
	if err := a.surface.ApplyExternalChange(change); err != nil {
		return fmt.Errorf("apply external change: %w", err)
	}
	return nil
}

func (a *Adapter) applySteps(steps []Step) (crdt.Update, error) {
	var out crdt.Update
	for _, step := range steps {
		update, err := a.applyStep(BuildView(a.store), step)
		out = crdt.Concat(out, update)
		if err != nil {
			return out, fmt.Errorf("%s: %w", step.Kind, err)
		}
	}
	return out, nil
}

func (a *Adapter) applyStep(view View, step Step) (crdt.Update, error) {
	if step.Kind == StepInsertBlock {
		after := crdt.Root
		if step.Block > 0 {
			after = view.Blocks[step.Block-1].ID
		}
		id, update, err := a.store.InsertNode(crdt.Root, after, step.Type, attrList(step.Attrs)...)
		if err != nil || step.Text == "" {
			return update, err
		}
		text, err := a.store.InsertText(id, crdt.Root, step.Text, attrList(step.Marks)...)
		return crdt.Concat(update, text), err
	}

	block := view.Blocks[step.Block]
	span := func(from, length int) []crdt.ID {
		ids := make([]crdt.ID, 0, length)
		for _, c := range block.Chars[from : from+length] {
			ids = append(ids, c.ID)
		}
		return ids
	}
	switch step.Kind {
	case StepInsertText:
		after := crdt.Root
		if step.Offset > 0 {
			after = block.Chars[step.Offset-1].ID
		}
		return a.store.InsertText(block.ID, after, step.Text, attrList(step.Marks)...)
	case StepDeleteText:
		if step.Length == 0 {
			return crdt.Update{}, nil
		}
		return a.store.Delete(span(step.Offset, step.Length)...)
	case StepDeleteBlock:
		return a.store.Delete(block.ID)
	case StepSetBlockAttr:
		return a.store.SetAttr([]crdt.ID{block.ID}, step.Key, step.Value)
	case StepSetMark:
		if step.Length == 0 {
			return crdt.Update{}, nil
		}
		return a.store.SetAttr(span(step.Offset, step.Length), step.Key, step.Value)
	case StepSplitBlock:
		return a.split(block, step.Offset)
	}
	return crdt.Update{}, fmt.Errorf("%w: unknown kind %d", ErrBadStep, step.Kind)
}

// split moves the text after offset into a new block of the same type.
func (a *Adapter) split(block ViewBlock, offset int) (crdt.Update, error) {
	id, out, err := a.store.InsertNode(crdt.Root, block.ID, block.Type, attrList(block.Attrs)...)
	if err != nil {
		return out, err
	}
	tail := block.Chars[offset:]
	if len(tail) == 0 {
		return out, nil
	}
	chars := make([]char, len(tail))
	moved := make([]crdt.ID, len(tail))
	for i, c := range tail {
		chars[i] = char{r: c.Rune, marks: c.Marks}
		moved[i] = c.ID
	}
	after := crdt.Root
	for _, run := range runsOf(chars) {
		update, err := a.store.InsertText(id, after, run.Text, attrList(run.Marks)...)
		out = crdt.Concat(out, update)
		if err != nil {
			return out, err
		}
		op := update.Ops[0]
		after = crdt.ID{Replica: op.ID.Replica, Seq: op.End() - 1}
	}
	update, err := a.store.Delete(moved...)
	return crdt.Concat(out, update), err
}

func (a *Adapter) apply(t Transform) (crdt.Update, error) {
	var out crdt.Update
	created := make([]crdt.ID, len(t.Edits))
	resolve := func(ref Ref) crdt.ID {
		if ref.Created > 0 {
			return created[ref.Created-1]
		}
		return ref.ID
	}
	for i, edit := range t.Edits {
		var update crdt.Update
		var err error
		switch edit.Kind {
		case EditInsertBlock:
			created[i], update, err = a.store.InsertNode(resolve(edit.Parent), resolve(edit.After), edit.Type, edit.Attrs...)
		case EditInsertText:
			update, err = a.store.InsertText(resolve(edit.Parent), resolve(edit.After), edit.Text, edit.Attrs...)
			if err == nil {
				op := update.Ops[0]
				created[i] = crdt.ID{Replica: op.ID.Replica, Seq: op.End() - 1}
			}
		case EditDelete:
			update, err = a.store.Delete(edit.Targets...)
		case EditSetAttr:
			update, err = a.store.SetAttr(edit.Targets, edit.Key, edit.Value)
		default:
			err = fmt.Errorf("unknown edit kind %d", edit.Kind)
		}
		out = crdt.Concat(out, update)
		if err != nil {
			return out, fmt.Errorf("edit %d: %w", i, err)
		}
	}
	return out, nil
}
