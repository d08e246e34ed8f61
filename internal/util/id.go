package util

import (
	"crypto/rand"
	"encoding/binary"
	"strings"

	"github.com/oklog/ulid/v2"
)

// NewID returns a sortable unique id, optionally prefixed ("conn_01J...").
func NewID(prefix string) string {
	id := strings.ToLower(ulid.Make().String())
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// NewReplicaID draws a random non-zero replica id. Ids fit in 53 bits so
// browser peers can hold them as numbers.
func NewReplicaID() uint64 {
	var b [8]byte
	for {
		_, _ = rand.Read(b[:])
		id := binary.BigEndian.Uint64(b[:]) & (1<<53 - 1)
		if id != 0 {
			return id
		}
	}
}
