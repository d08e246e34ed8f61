package codec

import (
	"fmt"
	"unicode/utf8"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"

	"chronicle/collab/internal/crdt"
)

const maxSnapshotSize = 64 << 20

var (
	snapshotEncoder *zstd.Encoder
	snapshotDecoder *zstd.Decoder
)

func init() {
	var err error
	if snapshotEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault)); err != nil {
		panic(fmt.Sprintf("codec: snapshot encoder: %v", err))
	}
	if snapshotDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxSnapshotSize)); err != nil {
		panic(fmt.Sprintf("codec: snapshot decoder: %v", err))
	}
}

// Field numbers of the snapshot message and its node records.
const (
	snapStateVector protowire.Number = 1
	snapClock       protowire.Number = 2
	snapNode        protowire.Number = 3
	snapBinding     protowire.Number = 4

	nodeID        protowire.Number = 1
	nodeLamport   protowire.Number = 2
	nodeParent    protowire.Number = 3
	nodeOrigin    protowire.Number = 4
	nodeKind      protowire.Number = 5
	nodeType      protowire.Number = 6
	nodeRune      protowire.Number = 7
	nodeAttr      protowire.Number = 8
	nodeDeleted   protowire.Number = 9
	nodeDeletedBy protowire.Number = 10
)

// EncodeSnapshot serializes the full replicated state of a document and
// compresses it. Used for catching up new replicas and for checkpoints.
func EncodeSnapshot(snap *crdt.Snapshot) []byte {
	var body []byte
	for _, replica := range snap.StateVector.Replicas() {
		body = appendMessage(body, snapStateVector, appendPair(nil, replica, snap.StateVector[replica]))
	}
	if snap.Clock != 0 {
		body = appendVarint(body, snapClock, snap.Clock)
	}
	for _, rec := range snap.Nodes {
		body = appendMessage(body, snapNode, appendNode(nil, rec))
	}
	for _, binding := range snap.Bindings {
		var entry []byte
		entry = appendVarint(entry, 1, binding.Replica)
		entry = appendString(entry, 2, binding.User)
		entry = appendMessage(entry, 3, appendStamp(nil, binding.Stamp))
		body = appendMessage(body, snapBinding, entry)
	}
	out := []byte{byte(FormatSnapshotV1)}
	return snapshotEncoder.EncodeAll(body, out)
}

func DecodeSnapshot(b []byte) (*crdt.Snapshot, error) {
	compressed, err := expectFormat(b, FormatSnapshotV1)
	if err != nil {
		return nil, err
	}
	body, err := snapshotDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress snapshot: %v", ErrMalformed, err)
	}
	snap := &crdt.Snapshot{StateVector: crdt.StateVector{}}
	err = readFields(body, func(f field) error {
		switch f.num {
		case snapStateVector:
			replica, next, err := f.pair()
			if err != nil {
				return err
			}
			snap.StateVector[replica] = next
		case snapClock:
			if err := f.expect(protowire.VarintType); err != nil {
				return err
			}
			snap.Clock = f.varint
		case snapNode:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			rec, err := parseNode(f.bytes)
			if err != nil {
				return err
			}
			snap.Nodes = append(snap.Nodes, rec)
		case snapBinding:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			binding, err := parseBinding(f.bytes)
			if err != nil {
				return err
			}
			snap.Bindings = append(snap.Bindings, binding)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return snap, nil
}

func appendNode(b []byte, rec crdt.NodeRecord) []byte {
	if !rec.ID.IsRoot() {
		b = appendMessage(b, nodeID, appendID(nil, rec.ID))
	}
	if rec.Lamport != 0 {
		b = appendVarint(b, nodeLamport, rec.Lamport)
	}
	if !rec.Parent.IsRoot() {
		b = appendMessage(b, nodeParent, appendID(nil, rec.Parent))
	}
	if !rec.Origin.IsRoot() {
		b = appendMessage(b, nodeOrigin, appendID(nil, rec.Origin))
	}
	b = appendVarint(b, nodeKind, uint64(rec.Kind))
	b = appendString(b, nodeType, rec.Type)
	if rec.Kind == crdt.KindChar {
		b = appendVarint(b, nodeRune, uint64(rec.Rune))
	}
	for _, change := range rec.Attrs {
		var entry []byte
		entry = appendString(entry, 1, change.Key)
		entry = appendString(entry, 2, change.Value)
		entry = appendMessage(entry, 3, appendStamp(nil, change.Stamp))
		b = appendMessage(b, nodeAttr, entry)
	}
	if rec.Deleted {
		b = appendVarint(b, nodeDeleted, 1)
		b = appendMessage(b, nodeDeletedBy, appendStamp(nil, rec.DeletedBy))
	}
	return b
}

func parseNode(b []byte) (crdt.NodeRecord, error) {
	var rec crdt.NodeRecord
	err := readFields(b, func(f field) error {
		var err error
		switch f.num {
		case nodeID:
			rec.ID, err = f.id()
		case nodeLamport:
			err = f.expect(protowire.VarintType)
			rec.Lamport = f.varint
		case nodeParent:
			rec.Parent, err = f.id()
		case nodeOrigin:
			rec.Origin, err = f.id()
		case nodeKind:
			err = f.expect(protowire.VarintType)
			rec.Kind = crdt.NodeKind(f.varint)
		case nodeType:
			rec.Type, err = f.str()
		case nodeRune:
			err = f.expect(protowire.VarintType)
			if err == nil && (f.varint > utf8.MaxRune || !utf8.ValidRune(rune(f.varint))) {
				err = fmt.Errorf("%w: invalid rune %d", ErrMalformed, f.varint)
			}
			rec.Rune = rune(f.varint)
		case nodeAttr:
			var change crdt.AttrChange
			change, err = f.attrChange()
			rec.Attrs = append(rec.Attrs, change)
		case nodeDeleted:
			err = f.expect(protowire.VarintType)
			rec.Deleted = f.varint != 0
		case nodeDeletedBy:
			rec.DeletedBy, err = f.stamp()
		}
		return err
	})
	return rec, err
}

func parseBinding(b []byte) (crdt.Binding, error) {
	var binding crdt.Binding
	err := readFields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			err = f.expect(protowire.VarintType)
			binding.Replica = f.varint
		case 2:
			binding.User, err = f.str()
		case 3:
			binding.Stamp, err = f.stamp()
		}
		return err
	})
	return binding, err
}

func (f field) attrChange() (crdt.AttrChange, error) {
	if err := f.expect(protowire.BytesType); err != nil {
		return crdt.AttrChange{}, err
	}
	var change crdt.AttrChange
	err := readFields(f.bytes, func(inner field) error {
		var err error
		switch inner.num {
		case 1:
			change.Key, err = inner.str()
		case 2:
			change.Value, err = inner.str()
		case 3:
			change.Stamp, err = inner.stamp()
		}
		return err
	})
	return change, err
}
