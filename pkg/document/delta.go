package document

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/ConstantineB6/femtanyl.systems/pkg/model"
)

// Delta is one accepted mutation, rewritten into the engine's total order.
// It moves a replica from version From to To (always From+1) and records
// which session originated it and the HLC tick assigned at admission.
type Delta struct {
	From   uint64
	To     uint64
	Origin model.SessionID
	HLC    uint64
	Ops    []model.Op
}

// Entry is one key/value pair inside a snapshot.
type Entry struct {
	Key   string
	Value []byte
}

// Snapshot is a full, immutable copy of a document at one version.
// Entries are sorted by key.
type Snapshot struct {
	Version uint64
	Entries []Entry
}

// Fingerprint hashes version and sorted entries. Used by convergence
// checks and the inspect tool.
func (s Snapshot) Fingerprint() [32]byte {
	h := sha256.New()
	var vbuf [8]byte
	binary.BigEndian.PutUint64(vbuf[:], s.Version)
	h.Write(vbuf[:])
	for _, e := range s.Entries {
		var lbuf [4]byte
		binary.BigEndian.PutUint32(lbuf[:], uint32(len(e.Key)))
		h.Write(lbuf[:])
		h.Write([]byte(e.Key))
		binary.BigEndian.PutUint32(lbuf[:], uint32(len(e.Value)))
		h.Write(lbuf[:])
		h.Write(e.Value)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
