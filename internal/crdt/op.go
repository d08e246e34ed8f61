package crdt

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	ErrMalformedUpdate  = errors.New("malformed update")
	ErrInvalidOp        = errors.New("invalid operation")
	ErrUnknownReference = errors.New("unknown reference")
	ErrOutOfRange       = errors.New("index out of range")
	ErrNoReplica        = errors.New("store has no local replica")
)

type OpKind uint8

const (
	OpInsertText OpKind = iota + 1
	OpInsertNode
	OpDelete
	OpSetAttr
	OpBind
)

func (k OpKind) String() string {
	switch k {
	case OpInsertText:
		return "insert_text"
	case OpInsertNode:
		return "insert_node"
	case OpDelete:
		return "delete"
	case OpSetAttr:
		return "set_attr"
	case OpBind:
		return "bind"
	}
	return fmt.Sprintf("op(%d)", uint8(k))
}

type Attr struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Op is a single replicated mutation. Which payload fields are meaningful
// depends on Kind:
//
//	insert_text  Parent, Origin, Text, Attrs (marks applied to every character)
//	insert_node  Parent, Origin, Type, Attrs
//	delete       Targets
//	set_attr     Targets, Key, Value (empty value clears the attribute)
//	bind         Subject, User
type Op struct {
	Kind    OpKind
	ID      ID
	Lamport uint64
	Parent  ID
	Origin  ID
	Type    string
	Text    string
	Attrs   []Attr
	Targets []ID
	Key     string
	Value   string
	Subject uint64
	User    string
}

// Len is the number of seqs (and Lamport ticks) the operation consumes.
func (op Op) Len() uint64 {
	if op.Kind == OpInsertText {
		return uint64(utf8.RuneCountInString(op.Text))
	}
	return 1
}

// End is the seq following the last one consumed by op.
func (op Op) End() uint64 {
	return op.ID.Seq + op.Len()
}

func (op Op) Stamp() Stamp {
	return Stamp{Lamport: op.Lamport, Replica: op.ID.Replica}
}

// Items returns the ids of the items an insert creates.
func (op Op) Items() []ID {
	if op.Kind != OpInsertText && op.Kind != OpInsertNode {
		return nil
	}
	out := make([]ID, 0, op.Len())
	for i := uint64(0); i < op.Len(); i++ {
		out = append(out, ID{Replica: op.ID.Replica, Seq: op.ID.Seq + i})
	}
	return out
}

// References lists the ids an operation needs integrated before it applies.
func (op Op) References() []ID {
	switch op.Kind {
	case OpInsertText, OpInsertNode:
		return []ID{op.Parent, op.Origin}
	case OpDelete, OpSetAttr:
		return op.Targets
	}
	return nil
}

// Validate checks the structural well-formedness of an operation. It does not
// look at document state.
func (op Op) Validate() error {
	if op.ID.Replica == 0 {
		return fmt.Errorf("%w: %s uses reserved replica 0", ErrMalformedUpdate, op.Kind)
	}
	if op.Lamport == 0 {
		return fmt.Errorf("%w: %s %s has no clock", ErrMalformedUpdate, op.Kind, op.ID)
	}
	switch op.Kind {
	case OpInsertText:
		if op.Text == "" || !utf8.ValidString(op.Text) {
			return fmt.Errorf("%w: insert_text %s has no valid text", ErrMalformedUpdate, op.ID)
		}
	case OpInsertNode:
		if op.Type == "" {
			return fmt.Errorf("%w: insert_node %s has no type", ErrMalformedUpdate, op.ID)
		}
	case OpDelete:
		if len(op.Targets) == 0 {
			return fmt.Errorf("%w: delete %s has no targets", ErrMalformedUpdate, op.ID)
		}
		for _, target := range op.Targets {
			if target.IsRoot() {
				return fmt.Errorf("%w: delete %s targets the root", ErrMalformedUpdate, op.ID)
			}
		}
	case OpSetAttr:
		if len(op.Targets) == 0 || op.Key == "" {
			return fmt.Errorf("%w: set_attr %s needs targets and a key", ErrMalformedUpdate, op.ID)
		}
	case OpBind:
		if op.Subject == 0 || op.User == "" {
			return fmt.Errorf("%w: bind %s needs a subject and a user", ErrMalformedUpdate, op.ID)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrMalformedUpdate, uint8(op.Kind))
	}
	for _, ref := range op.References() {
		if ref.Replica == op.ID.Replica && ref.Seq >= op.ID.Seq && !ref.IsRoot() {
			return fmt.Errorf("%w: %s %s references %s which it does not follow", ErrMalformedUpdate, op.Kind, op.ID, ref)
		}
	}
	return nil
}

// Update is an immutable batch of operations exchanged between replicas.
type Update struct {
	Ops []Op
}

func (u Update) IsEmpty() bool {
	return len(u.Ops) == 0
}

func (u Update) Validate() error {
	for _, op := range u.Ops {
		if err := op.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Concat joins updates in order, skipping empty ones.
func Concat(updates ...Update) Update {
	var out Update
	for _, u := range updates {
		out.Ops = append(out.Ops, u.Ops...)
	}
	return out
}
