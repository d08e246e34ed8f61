package editor

import (
	"chronicle/collab/internal/crdt"
)

type ViewChar struct {
	ID    crdt.ID
	Rune  rune
	Marks map[string]string
}

type ViewBlock struct {
	ID    crdt.ID
	Type  string
	Attrs map[string]string
	Chars []ViewChar
}

// View is the content of the surface at a store version, with the CRDT id of
// every block and character. Positions the surface reports are translated
// through it.
type View struct {
	Version uint64
	Blocks  []ViewBlock
}

// BuildView reads the top-level blocks of the document. Text directly under
// the root and elements nested inside blocks are not shown by a flat surface
// and are left out.
func BuildView(store *crdt.Store) View {
	v := View{Version: store.Version()}
	for _, child := range store.Children(crdt.Root) {
		if child.Kind != crdt.KindElement {
			continue
		}
		block := ViewBlock{ID: child.ID, Type: child.Type, Attrs: child.Attrs}
		for _, it := range store.Children(child.ID) {
			if it.Kind == crdt.KindChar {
				block.Chars = append(block.Chars, ViewChar{ID: it.ID, Rune: it.Rune, Marks: it.Attrs})
			}
		}
		v.Blocks = append(v.Blocks, block)
	}
	return v
}

func (v View) Content() Content {
	out := make(Content, len(v.Blocks))
	for i, block := range v.Blocks {
		chars := make([]char, len(block.Chars))
		for j, c := range block.Chars {
			chars[j] = char{r: c.Rune, marks: c.Marks}
		}
		out[i] = Block{Type: block.Type, Attrs: block.Attrs, Runs: runsOf(chars)}
	}
	return out
}
