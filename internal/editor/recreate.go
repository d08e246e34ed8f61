package editor

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"

	"chronicle/collab/internal/crdt"
)

var (
	ErrViewMismatch  = errors.New("content does not match the view")
	ErrTooManyBlocks = errors.New("too many distinct blocks to diff")
)

// Ref names an item: either an existing one by id, or the last item created
// by an earlier edit of the same transform (Created is its 1-based index).
// The zero Ref is the document root, i.e. the start of a parent.
type Ref struct {
	ID      crdt.ID
	Created int
}

func existing(id crdt.ID) Ref { return Ref{ID: id} }
func created(edit int) Ref { return Ref{Created: edit + 1} }

type EditKind int

const (
	EditInsertBlock EditKind = iota + 1
	EditInsertText
	EditDelete
	EditSetAttr
)

// Edit is a store operation whose references may point at items created
// earlier in the same transform.
type Edit struct {
	Kind    EditKind
	Parent  Ref
	After   Ref
	Type    string
	Text    string
	Attrs   []crdt.Attr
	Targets []crdt.ID
	Key     string
	Value   string
}

// Transform is the result of diffing two contents against a view.
type Transform struct {
	Edits []Edit
}

func (t Transform) IsEmpty() bool {
	return len(t.Edits) == 0
}

type recreator struct {
	edits []Edit
}

func (r *recreator) add(e Edit) int {
	r.edits = append(r.edits, e)
	return len(r.edits) - 1
}

// Recreate computes the edits that turn before into after, anchored on the
// ids of view. before must be what view shows; pass nil to use the view's own
// content. Blocks are matched first, then the text of matched blocks is
// diffed character by character.
func Recreate(view View, before, after Content) (Transform, error) {
	if before == nil {
		before = view.Content()
	} else if !view.Content().Equal(before) {
		return Transform{}, ErrViewMismatch
	}
	oldKeys, newKeys, err := blockKeys(before, after)
	if err != nil {
		return Transform{}, err
	}

	dmp := diffmatchpatch.New()
	r := &recreator{}
	var deleted []crdt.ID
	var dels, ins []int
	prev := Ref{}
	oi, ni := 0, 0

	flush := func() {
		pairs := min(len(dels), len(ins))
		for k := 0; k < pairs; k++ {
			old := view.Blocks[dels[k]]
			if old.Type == after[ins[k]].Type {
				r.modifyBlock(dmp, old, after[ins[k]])
				prev = existing(old.ID)
				continue
			}
			deleted = append(deleted, old.ID)
			prev = r.insertBlock(prev, after[ins[k]])
		}
		for _, idx := range dels[pairs:] {
			deleted = append(deleted, view.Blocks[idx].ID)
		}
		for _, idx := range ins[pairs:] {
			prev = r.insertBlock(prev, after[idx])
		}
		dels, ins = dels[:0], ins[:0]
	}

	for _, d := range dmp.DiffMainRunes(oldKeys, newKeys, false) {
		n := utf8.RuneCountInString(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			flush()
			oi += n
			ni += n
			prev = existing(view.Blocks[oi-1].ID)
		case diffmatchpatch.DiffDelete:
			for ; n > 0; n-- {
				dels = append(dels, oi)
				oi++
			}
		case diffmatchpatch.DiffInsert:
			for ; n > 0; n-- {
				ins = append(ins, ni)
				ni++
			}
		}
	}
	flush()
	if len(deleted) > 0 {
		r.add(Edit{Kind: EditDelete, Targets: deleted})
	}
	return Transform{Edits: r.edits}, nil
}

func (r *recreator) insertBlock(after Ref, block Block) Ref {
	idx := r.add(Edit{Kind: EditInsertBlock, Parent: existing(crdt.Root), After: after, Type: block.Type, Attrs: attrList(block.Attrs)})
	parent := created(idx)
	prev := Ref{}
	for _, run := range block.Runs {
		if run.Text == "" {
			continue
		}
		text := r.add(Edit{Kind: EditInsertText, Parent: parent, After: prev, Text: run.Text, Attrs: attrList(run.Marks)})
		prev = created(text)
	}
	return parent
}

func (r *recreator) modifyBlock(dmp *diffmatchpatch.DiffMatchPatch, old ViewBlock, next Block) {
	r.setChanged([]crdt.ID{old.ID}, old.Attrs, next.Attrs)

	oldRunes := make([]rune, len(old.Chars))
	for i, c := range old.Chars {
		oldRunes[i] = c.Rune
	}
	nextChars := charsOf(next)
	newRunes := make([]rune, len(nextChars))
	for i, c := range nextChars {
		newRunes[i] = c.r
	}

	parent := existing(old.ID)
	prev := Ref{}
	var deleted []crdt.ID
	var marks []markChange
	i, j := 0, 0
	for _, d := range dmp.DiffMainRunes(oldRunes, newRunes, false) {
		n := utf8.RuneCountInString(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			for k := 0; k < n; k++ {
				marks = appendMarkChanges(marks, old.Chars[i+k].ID, old.Chars[i+k].Marks, nextChars[j+k].marks)
			}
			i += n
			j += n
			prev = existing(old.Chars[i-1].ID)
		case diffmatchpatch.DiffDelete:
			for k := 0; k < n; k++ {
				deleted = append(deleted, old.Chars[i+k].ID)
			}
			i += n
			// Inserts that follow go right after the tombstones.
			prev = existing(old.Chars[i-1].ID)
		case diffmatchpatch.DiffInsert:
			for _, run := range runsOf(nextChars[j : j+n]) {
				idx := r.add(Edit{Kind: EditInsertText, Parent: parent, After: prev, Text: run.Text, Attrs: attrList(run.Marks)})
				prev = created(idx)
			}
			j += n
		}
	}
	if len(deleted) > 0 {
		r.add(Edit{Kind: EditDelete, Targets: deleted})
	}
	r.addMarkChanges(marks)
}

type markChange struct {
	key, value string
	target     crdt.ID
}

func appendMarkChanges(out []markChange, id crdt.ID, before, after map[string]string) []markChange {
	for key, value := range after {
		if before[key] != value {
			out = append(out, markChange{key: key, value: value, target: id})
		}
	}
	for key := range before {
		if _, ok := after[key]; !ok {
			out = append(out, markChange{key: key, target: id})
		}
	}
	return out
}

// addMarkChanges emits one SetAttr per distinct key and value.
func (r *recreator) addMarkChanges(changes []markChange) {
	type register struct{ key, value string }
	grouped := map[register][]crdt.ID{}
	var order []register
	for _, c := range changes {
		reg := register{c.key, c.value}
		if _, ok := grouped[reg]; !ok {
			order = append(order, reg)
		}
		grouped[reg] = append(grouped[reg], c.target)
	}
	slices.SortFunc(order, func(a, b register) int {
		if c := strings.Compare(a.key, b.key); c != 0 {
			return c
		}
		return strings.Compare(a.value, b.value)
	})
	for _, reg := range order {
		r.add(Edit{Kind: EditSetAttr, Targets: grouped[reg], Key: reg.key, Value: reg.value})
	}
}

func (r *recreator) setChanged(targets []crdt.ID, before, after map[string]string) {
	var changes []markChange
	for _, target := range targets {
		changes = appendMarkChanges(changes, target, before, after)
	}
	r.addMarkChanges(changes)
}

// blockKeys maps every distinct block to one rune so the block sequence can
// be diffed like text.
func blockKeys(before, after Content) ([]rune, []rune, error) {
	const base = 0xF0000
	keys := map[string]rune{}
	encode := func(c Content) ([]rune, error) {
		out := make([]rune, len(c))
		for i, block := range c {
			sig := blockSignature(block)
			r, ok := keys[sig]
			if !ok {
				if len(keys) >= 0xFFFE {
					return nil, ErrTooManyBlocks
				}
				r = rune(base + len(keys))
				keys[sig] = r
			}
			out[i] = r
		}
		return out, nil
	}
	oldKeys, err := encode(before)
	if err != nil {
		return nil, nil, err
	}
	newKeys, err := encode(after)
	if err != nil {
		return nil, nil, err
	}
	return oldKeys, newKeys, nil
}

func blockSignature(b Block) string {
	var sb strings.Builder
	sb.WriteString(b.Type)
	writeMarks(&sb, b.Attrs)
	for _, c := range charsOf(b) {
		sb.WriteRune(c.r)
		writeMarks(&sb, c.marks)
	}
	return sb.String()
}

func writeMarks(sb *strings.Builder, marks map[string]string) {
	sb.WriteByte(0x1e)
	for _, key := range slices.Sorted(maps.Keys(marks)) {
		fmt.Fprintf(sb, "%s\x1f%s\x1f", key, marks[key])
	}
	sb.WriteByte(0x1e)
}

func attrList(values map[string]string) []crdt.Attr {
	if len(values) == 0 {
		return nil
	}
	out := make([]crdt.Attr, 0, len(values))
	for _, key := range slices.Sorted(maps.Keys(values)) {
		out = append(out, crdt.Attr{Key: key, Value: values[key]})
	}
	return out
}
