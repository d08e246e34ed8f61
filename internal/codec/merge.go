package codec

import (
	"fmt"

	"chronicle/collab/internal/crdt"
)

// EncodeDiff encodes what the holder of sv is missing: the logged operations
// when the store still has them, the full snapshot otherwise.
func EncodeDiff(store *crdt.Store, sv crdt.StateVector) []byte {
	if diff, ok := store.Diff(sv); ok {
		return EncodeUpdate(diff)
	}
	return EncodeSnapshot(store.Snapshot())
}

// Apply merges an encoded update or snapshot into store. Nothing is applied
// when the payload does not decode.
func Apply(store *crdt.Store, payload []byte) (crdt.Effect, error) {
	format, err := FormatOf(payload)
	if err != nil {
		return crdt.Effect{}, err
	}
	switch format {
	case FormatUpdateV1:
		u, err := DecodeUpdate(payload)
		if err != nil {
			return crdt.Effect{}, err
		}
		return store.ApplyRemote(u)
	case FormatSnapshotV1:
		snap, err := DecodeSnapshot(payload)
		if err != nil {
			return crdt.Effect{}, err
		}
		return store.Merge(snap)
	}
	return crdt.Effect{}, fmt.Errorf("%w: %s cannot be merged", ErrUnsupportedFormat, format)
}
