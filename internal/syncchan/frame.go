package syncchan

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var ErrBadFrame = errors.New("bad frame")

// FrameType is the first byte of every message exchanged over a Conn.
type FrameType byte

const (
	// FrameHello announces the sender's replica id.
	FrameHello FrameType = iota + 1
	// FrameSyncStep1 carries the sender's state vector; the receiver answers
	// with FrameSyncStep2.
	FrameSyncStep1
	// FrameSyncStep2 carries an encoded update or snapshot covering whatever
	// the other side's state vector was missing.
	FrameSyncStep2
	// FrameUpdate carries an incremental encoded update.
	FrameUpdate
	// FrameAwareness carries an encoded awareness message.
	FrameAwareness
	// FrameReadOnly tells a replica whether it may publish edits.
	FrameReadOnly
)

func (t FrameType) String() string {
	switch t {
	case FrameHello:
		return "hello"
	case FrameSyncStep1:
		return "sync-step-1"
	case FrameSyncStep2:
		return "sync-step-2"
	case FrameUpdate:
		return "update"
	case FrameAwareness:
		return "awareness"
	case FrameReadOnly:
		return "read-only"
	}
	return fmt.Sprintf("frame(%d)", byte(t))
}

// handshake frames are only meaningful on the connection they were produced
// for and are never buffered.
func (t FrameType) handshake() bool {
	return t == FrameHello || t == FrameSyncStep1 || t == FrameSyncStep2
}

type Frame struct {
	Type    FrameType
	Payload []byte
}

func (f Frame) Encode() []byte {
	out := make([]byte, 0, len(f.Payload)+1)
	out = append(out, byte(f.Type))
	return append(out, f.Payload...)
}

func DecodeFrame(b []byte) (Frame, error) {
	if len(b) == 0 {
		return Frame{}, fmt.Errorf("%w: empty message", ErrBadFrame)
	}
	t := FrameType(b[0])
	if t < FrameHello || t > FrameReadOnly {
		return Frame{}, fmt.Errorf("%w: unknown type %d", ErrBadFrame, b[0])
	}
	return Frame{Type: t, Payload: b[1:]}, nil
}

func HelloFrame(replica uint64) Frame {
	return Frame{Type: FrameHello, Payload: protowire.AppendVarint(nil, replica)}
}

func ParseHello(payload []byte) (uint64, error) {
	replica, n := protowire.ConsumeVarint(payload)
	if n < 0 || replica == 0 {
		return 0, fmt.Errorf("%w: hello without replica", ErrBadFrame)
	}
	return replica, nil
}

func ReadOnlyFrame(readOnly bool) Frame {
	payload := []byte{0}
	if readOnly {
		payload[0] = 1
	}
	return Frame{Type: FrameReadOnly, Payload: payload}
}

func ParseReadOnly(payload []byte) (bool, error) {
	if len(payload) != 1 {
		return false, fmt.Errorf("%w: read-only flag", ErrBadFrame)
	}
	return payload[0] == 1, nil
}
