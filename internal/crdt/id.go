package crdt

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ID identifies an item or an operation. Seq is the originating replica's own
// counter; every character of an inserted text run consumes one seq.
type ID struct {
	Replica uint64 `json:"replica"`
	Seq     uint64 `json:"seq"`
}

// Root is the id of the document root element. Replica 0 is reserved for it.
var Root = ID{}

func (id ID) IsRoot() bool {
	return id == Root
}

func (id ID) String() string {
	return strconv.FormatUint(id.Replica, 10) + "." + strconv.FormatUint(id.Seq, 10)
}

// Compare orders ids canonically: by replica, then seq.
func (id ID) Compare(other ID) int {
	switch {
	case id.Replica < other.Replica:
		return -1
	case id.Replica > other.Replica:
		return 1
	case id.Seq < other.Seq:
		return -1
	case id.Seq > other.Seq:
		return 1
	}
	return 0
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseID parses the "replica.seq" form produced by ID.String.
func ParseID(value string) (ID, error) {
	replicaPart, seqPart, ok := strings.Cut(value, ".")
	if !ok {
		return ID{}, fmt.Errorf("parse id %q: missing separator", value)
	}
	replica, err := strconv.ParseUint(replicaPart, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("parse id %q: %w", value, err)
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("parse id %q: %w", value, err)
	}
	return ID{Replica: replica, Seq: seq}, nil
}

// Stamp is the total order used to break ties between concurrent operations:
// the Lamport clock first, the replica id second.
type Stamp struct {
	Lamport uint64 `json:"lamport"`
	Replica uint64 `json:"replica"`
}

func (s Stamp) Less(other Stamp) bool {
	if s.Lamport != other.Lamport {
		return s.Lamport < other.Lamport
	}
	return s.Replica < other.Replica
}

func (s Stamp) IsZero() bool {
	return s == Stamp{}
}

// StateVector maps a replica to the next seq expected from it, which is also
// the number of seqs from that replica already integrated.
type StateVector map[uint64]uint64

func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for replica, next := range sv {
		out[replica] = next
	}
	return out
}

// Covers reports whether the operation or item with the given id is already
// reflected by this frontier.
func (sv StateVector) Covers(id ID) bool {
	return id.Seq < sv[id.Replica]
}

// Merge raises every entry to the maximum of both vectors.
func (sv StateVector) Merge(other StateVector) {
	for replica, next := range other {
		if next > sv[replica] {
			sv[replica] = next
		}
	}
}

// Dominates reports whether sv has seen everything other has seen.
func (sv StateVector) Dominates(other StateVector) bool {
	for replica, next := range other {
		if sv[replica] < next {
			return false
		}
	}
	return true
}

// Replicas returns the replica ids in ascending order.
func (sv StateVector) Replicas() []uint64 {
	out := make([]uint64, 0, len(sv))
	for replica := range sv {
		out = append(out, replica)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
