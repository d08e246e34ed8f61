// Package codec serializes updates, snapshots and state vectors for the wire
// and for storage.
//
// Every payload starts with a one-byte format tag so that encodings can evolve
// without breaking replicas that are still running an older build. The body
// uses the protobuf wire format, written field by field with protowire; there
// is no generated schema.
package codec

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"

	"chronicle/collab/internal/crdt"
)

type Format byte

const (
	FormatUpdateV1      Format = 0x11
	FormatSnapshotV1    Format = 0x21
	FormatStateVectorV1 Format = 0x31
)

func (f Format) String() string {
	switch f {
	case FormatUpdateV1:
		return "update/v1"
	case FormatSnapshotV1:
		return "snapshot/v1"
	case FormatStateVectorV1:
		return "state-vector/v1"
	}
	return fmt.Sprintf("format(0x%02x)", byte(f))
}

var (
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrMalformed         = errors.New("malformed payload")
)

// FormatOf reads the format tag of an encoded payload.
func FormatOf(b []byte) (Format, error) {
	if len(b) == 0 {
		return 0, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	switch f := Format(b[0]); f {
	case FormatUpdateV1, FormatSnapshotV1, FormatStateVectorV1:
		return f, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, f)
	}
}

func expectFormat(b []byte, want Format) ([]byte, error) {
	got, err := FormatOf(b)
	if err != nil {
		return nil, err
	}
	if got != want {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrUnsupportedFormat, got, want)
	}
	return b[1:], nil
}

// Field numbers of the op message.
const (
	opKind    protowire.Number = 1
	opID      protowire.Number = 2
	opLamport protowire.Number = 3
	opParent  protowire.Number = 4
	opOrigin  protowire.Number = 5
	opType    protowire.Number = 6
	opText    protowire.Number = 7
	opAttr    protowire.Number = 8
	opTarget  protowire.Number = 9
	opKey     protowire.Number = 10
	opValue   protowire.Number = 11
	opSubject protowire.Number = 12
	opUser    protowire.Number = 13
)

// EncodeUpdate serializes an update. Empty updates are valid.
func EncodeUpdate(u crdt.Update) []byte {
	out := []byte{byte(FormatUpdateV1)}
	for _, op := range u.Ops {
		out = protowire.AppendTag(out, 1, protowire.BytesType)
		out = protowire.AppendBytes(out, appendOp(nil, op))
	}
	return out
}

// DecodeUpdate parses and validates an encoded update.
func DecodeUpdate(b []byte) (crdt.Update, error) {
	body, err := expectFormat(b, FormatUpdateV1)
	if err != nil {
		return crdt.Update{}, err
	}
	var u crdt.Update
	err = readFields(body, func(f field) error {
		if f.num != 1 {
			return nil
		}
		if err := f.expect(protowire.BytesType); err != nil {
			return err
		}
		op, err := parseOp(f.bytes)
		if err != nil {
			return err
		}
		u.Ops = append(u.Ops, op)
		return nil
	})
	if err != nil {
		return crdt.Update{}, err
	}
	if err := u.Validate(); err != nil {
		return crdt.Update{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return u, nil
}

func appendOp(b []byte, op crdt.Op) []byte {
	b = appendVarint(b, opKind, uint64(op.Kind))
	b = appendMessage(b, opID, appendID(nil, op.ID))
	b = appendVarint(b, opLamport, op.Lamport)
	if !op.Parent.IsRoot() {
		b = appendMessage(b, opParent, appendID(nil, op.Parent))
	}
	if !op.Origin.IsRoot() {
		b = appendMessage(b, opOrigin, appendID(nil, op.Origin))
	}
	b = appendString(b, opType, op.Type)
	b = appendString(b, opText, op.Text)
	for _, attr := range op.Attrs {
		var entry []byte
		entry = protowire.AppendTag(entry, 1, protowire.BytesType)
		entry = protowire.AppendString(entry, attr.Key)
		entry = protowire.AppendTag(entry, 2, protowire.BytesType)
		entry = protowire.AppendString(entry, attr.Value)
		b = appendMessage(b, opAttr, entry)
	}
	for _, target := range op.Targets {
		b = appendMessage(b, opTarget, appendID(nil, target))
	}
	b = appendString(b, opKey, op.Key)
	b = appendString(b, opValue, op.Value)
	if op.Subject != 0 {
		b = appendVarint(b, opSubject, op.Subject)
	}
	b = appendString(b, opUser, op.User)
	return b
}

func parseOp(b []byte) (crdt.Op, error) {
	var op crdt.Op
	err := readFields(b, func(f field) error {
		var err error
		switch f.num {
		case opKind:
			err = f.expect(protowire.VarintType)
			op.Kind = crdt.OpKind(f.varint)
		case opID:
			op.ID, err = f.id()
		case opLamport:
			err = f.expect(protowire.VarintType)
			op.Lamport = f.varint
		case opParent:
			op.Parent, err = f.id()
		case opOrigin:
			op.Origin, err = f.id()
		case opType:
			op.Type, err = f.str()
		case opText:
			op.Text, err = f.str()
		case opAttr:
			var attr crdt.Attr
			attr, err = f.attr()
			op.Attrs = append(op.Attrs, attr)
		case opTarget:
			var target crdt.ID
			target, err = f.id()
			op.Targets = append(op.Targets, target)
		case opKey:
			op.Key, err = f.str()
		case opValue:
			op.Value, err = f.str()
		case opSubject:
			err = f.expect(protowire.VarintType)
			op.Subject = f.varint
		case opUser:
			op.User, err = f.str()
		}
		return err
	})
	return op, err
}

// EncodeStateVector serializes a causal frontier, entries sorted by replica.
func EncodeStateVector(sv crdt.StateVector) []byte {
	out := []byte{byte(FormatStateVectorV1)}
	for _, replica := range sv.Replicas() {
		var entry []byte
		entry = protowire.AppendTag(entry, 1, protowire.VarintType)
		entry = protowire.AppendVarint(entry, replica)
		entry = protowire.AppendTag(entry, 2, protowire.VarintType)
		entry = protowire.AppendVarint(entry, sv[replica])
		out = appendMessage(out, 1, entry)
	}
	return out
}

func DecodeStateVector(b []byte) (crdt.StateVector, error) {
	body, err := expectFormat(b, FormatStateVectorV1)
	if err != nil {
		return nil, err
	}
	sv := crdt.StateVector{}
	err = readFields(body, func(f field) error {
		if f.num != 1 {
			return nil
		}
		replica, next, err := f.pair()
		if err != nil {
			return err
		}
		sv[replica] = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sv, nil
}

type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

// readFields walks a protobuf message. Fields with wire types other than
// varint and bytes are skipped so that newer encoders can add them.
func readFields(b []byte, visit func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			f.varint = v
			b = b[m:]
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			f.bytes = v
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			b = b[m:]
			continue
		}
		if err := visit(f); err != nil {
			return err
		}
	}
	return nil
}

func (f field) expect(typ protowire.Type) error {
	if f.typ != typ {
		return fmt.Errorf("%w: field %d has wire type %d", ErrMalformed, f.num, f.typ)
	}
	return nil
}

func (f field) str() (string, error) {
	if err := f.expect(protowire.BytesType); err != nil {
		return "", err
	}
	if !utf8.Valid(f.bytes) {
		return "", fmt.Errorf("%w: field %d is not valid UTF-8", ErrMalformed, f.num)
	}
	return string(f.bytes), nil
}

// pair decodes a message of two varints, fields 1 and 2.
func (f field) pair() (uint64, uint64, error) {
	if err := f.expect(protowire.BytesType); err != nil {
		return 0, 0, err
	}
	var first, second uint64
	err := readFields(f.bytes, func(inner field) error {
		if err := inner.expect(protowire.VarintType); err != nil {
			return err
		}
		switch inner.num {
		case 1:
			first = inner.varint
		case 2:
			second = inner.varint
		}
		return nil
	})
	return first, second, err
}

func (f field) id() (crdt.ID, error) {
	replica, seq, err := f.pair()
	return crdt.ID{Replica: replica, Seq: seq}, err
}

func (f field) stamp() (crdt.Stamp, error) {
	lamport, replica, err := f.pair()
	return crdt.Stamp{Lamport: lamport, Replica: replica}, err
}

func (f field) attr() (crdt.Attr, error) {
	if err := f.expect(protowire.BytesType); err != nil {
		return crdt.Attr{}, err
	}
	var attr crdt.Attr
	err := readFields(f.bytes, func(inner field) error {
		var err error
		switch inner.num {
		case 1:
			attr.Key, err = inner.str()
		case 2:
			attr.Value, err = inner.str()
		}
		return err
	})
	return attr, err
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendID(b []byte, id crdt.ID) []byte {
	return appendPair(b, id.Replica, id.Seq)
}

func appendStamp(b []byte, s crdt.Stamp) []byte {
	return appendPair(b, s.Lamport, s.Replica)
}

func appendPair(b []byte, first, second uint64) []byte {
	if first != 0 {
		b = appendVarint(b, 1, first)
	}
	if second != 0 {
		b = appendVarint(b, 2, second)
	}
	return b
}
