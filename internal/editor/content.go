package editor

import (
	"errors"
	"fmt"
	"maps"
	"strings"
)

var ErrBadStep = errors.New("bad step")

// Run is a stretch of text sharing the same marks.
type Run struct {
	Text  string            `json:"text"`
	Marks map[string]string `json:"marks,omitempty"`
}

type Block struct {
	Type  string            `json:"type"`
	Attrs map[string]string `json:"attrs,omitempty"`
	Runs  []Run             `json:"runs,omitempty"`
}

func (b Block) Text() string {
	var sb strings.Builder
	for _, run := range b.Runs {
		sb.WriteString(run.Text)
	}
	return sb.String()
}

// Content is what an editing surface shows: a flat list of blocks.
type Content []Block

func (c Content) Text() string {
	lines := make([]string, len(c))
	for i, block := range c {
		lines[i] = block.Text()
	}
	return strings.Join(lines, "\n")
}

// Equal compares content ignoring how text is split into runs and whether
// empty maps are nil.
func (c Content) Equal(other Content) bool {
	if len(c) != len(other) {
		return false
	}
	for i := range c {
		a, b := c[i], other[i]
		if a.Type != b.Type || !sameMarks(a.Attrs, b.Attrs) {
			return false
		}
		ca, cb := charsOf(a), charsOf(b)
		if len(ca) != len(cb) {
			return false
		}
		for j := range ca {
			if ca[j].r != cb[j].r || !sameMarks(ca[j].marks, cb[j].marks) {
				return false
			}
		}
	}
	return true
}

func (c Content) Clone() Content {
	out := make(Content, len(c))
	for i, block := range c {
		out[i] = Block{Type: block.Type, Attrs: maps.Clone(block.Attrs)}
		for _, run := range block.Runs {
			out[i].Runs = append(out[i].Runs, Run{Text: run.Text, Marks: maps.Clone(run.Marks)})
		}
	}
	return out
}

func sameMarks(a, b map[string]string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return maps.Equal(a, b)
}

type char struct {
	r     rune
	marks map[string]string
}

func charsOf(b Block) []char {
	var out []char
	for _, run := range b.Runs {
		for _, r := range run.Text {
			out = append(out, char{r: r, marks: run.Marks})
		}
	}
	return out
}

func runsOf(chars []char) []Run {
	var out []Run
	for _, c := range chars {
		if n := len(out); n > 0 && sameMarks(out[n-1].Marks, c.marks) {
			out[n-1].Text += string(c.r)
			continue
		}
		var marks map[string]string
		if len(c.marks) > 0 {
			marks = maps.Clone(c.marks)
		}
		out = append(out, Run{Text: string(c.r), Marks: marks})
	}
	return out
}

type StepKind int

const (
	StepInsertText StepKind = iota + 1
	StepDeleteText
	StepInsertBlock
	StepDeleteBlock
	StepSplitBlock
	StepSetBlockAttr
	StepSetMark
)

func (k StepKind) String() string {
	switch k {
	case StepInsertText:
		return "insert-text"
	case StepDeleteText:
		return "delete-text"
	case StepInsertBlock:
		return "insert-block"
	case StepDeleteBlock:
		return "delete-block"
	case StepSplitBlock:
		return "split-block"
	case StepSetBlockAttr:
		return "set-block-attr"
	case StepSetMark:
		return "set-mark"
	}
	return fmt.Sprintf("step(%d)", int(k))
}

// Step is one positional change as the surface saw it. Positions refer to
// the content produced by the previous step.
type Step struct {
	Kind   StepKind
	Block  int
	Offset int
	Length int
	Text   string
	Type   string
	Attrs  map[string]string
	Marks  map[string]string
	Key    string
	Value  string
}

// Apply returns the content after steps. c is left untouched.
func (c Content) Apply(steps ...Step) (Content, error) {
	out := c.Clone()
	for _, step := range steps {
		var err error
		if out, err = out.apply(step); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c Content) apply(step Step) (Content, error) {
	if step.Kind == StepInsertBlock {
		if step.Block < 0 || step.Block > len(c) {
			return nil, fmt.Errorf("%w: insert block at %d of %d", ErrBadStep, step.Block, len(c))
		}
		block := Block{Type: step.Type, Attrs: maps.Clone(step.Attrs)}
		if step.Text != "" {
			block.Runs = []Run{{Text: step.Text, Marks: maps.Clone(step.Marks)}}
		}
		c = append(c, Block{})
		copy(c[step.Block+1:], c[step.Block:])
		c[step.Block] = block
		return c, nil
	}
	if step.Block < 0 || step.Block >= len(c) {
		return nil, fmt.Errorf("%w: %s on block %d of %d", ErrBadStep, step.Kind, step.Block, len(c))
	}
	block := &c[step.Block]
	chars := charsOf(*block)
	inRange := func(from, length int) error {
		if from < 0 || length < 0 || from+length > len(chars) {
			return fmt.Errorf("%w: %s [%d,%d) of %d", ErrBadStep, step.Kind, from, from+length, len(chars))
		}
		return nil
	}
	switch step.Kind {
	case StepInsertText:
		if err := inRange(step.Offset, 0); err != nil {
			return nil, err
		}
		var inserted []char
		for _, r := range step.Text {
			inserted = append(inserted, char{r: r, marks: step.Marks})
		}
		chars = append(chars[:step.Offset], append(inserted, chars[step.Offset:]...)...)
	case StepDeleteText:
		if err := inRange(step.Offset, step.Length); err != nil {
			return nil, err
		}
		chars = append(chars[:step.Offset], chars[step.Offset+step.Length:]...)
	case StepSetMark:
		if err := inRange(step.Offset, step.Length); err != nil {
			return nil, err
		}
		for i := step.Offset; i < step.Offset+step.Length; i++ {
			marks := maps.Clone(chars[i].marks)
			if marks == nil {
				marks = map[string]string{}
			}
			if step.Value == "" {
				delete(marks, step.Key)
			} else {
				marks[step.Key] = step.Value
			}
			chars[i].marks = marks
		}
	case StepSetBlockAttr:
		if block.Attrs == nil {
			block.Attrs = map[string]string{}
		}
		if step.Value == "" {
			delete(block.Attrs, step.Key)
		} else {
			block.Attrs[step.Key] = step.Value
		}
		return c, nil
	case StepDeleteBlock:
		return append(c[:step.Block], c[step.Block+1:]...), nil
	case StepSplitBlock:
		if err := inRange(step.Offset, 0); err != nil {
			return nil, err
		}
		tail := Block{Type: block.Type, Attrs: maps.Clone(block.Attrs), Runs: runsOf(chars[step.Offset:])}
		block.Runs = runsOf(chars[:step.Offset])
		c = append(c, Block{})
		copy(c[step.Block+2:], c[step.Block+1:])
		c[step.Block+1] = tail
		return c, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrBadStep, step.Kind)
	}
	block.Runs = runsOf(chars)
	return c, nil
}
