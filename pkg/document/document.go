// Package document holds the converged shared state: a key/value mapping
// plus a monotonically increasing version. The reconciliation engine owns
// the one mutable instance per document id; everything else sees snapshots.
package document

import (
	"fmt"
	"sort"

	"github.com/ConstantineB6/femtanyl.systems/pkg/model"
)

// Document is the shared state for one document id. Not safe for
// concurrent use; the engine serializes all access.
type Document struct {
	version uint64
	entries map[string][]byte
}

func New() *Document {
	return &Document{entries: make(map[string][]byte)}
}

func (d *Document) Version() uint64 { return d.version }

func (d *Document) Len() int { return len(d.entries) }

// Get returns the current value for key, if present.
func (d *Document) Get(key string) ([]byte, bool) {
	v, ok := d.entries[key]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

// Apply executes a delta against the document. The delta must continue the
// version sequence exactly; anything else means the caller lost track of
// its replica and needs a full resync.
func (d *Document) Apply(delta Delta) error {
	if delta.From != d.version {
		return fmt.Errorf("delta base %d does not match document version %d", delta.From, d.version)
	}
	if delta.To != delta.From+1 {
		return fmt.Errorf("delta advances %d -> %d, want single step", delta.From, delta.To)
	}
	d.applyOps(delta.Ops)
	d.version = delta.To
	return nil
}

func (d *Document) applyOps(ops []model.Op) {
	for _, op := range ops {
		switch op.Kind {
		case model.OpKindPut:
			v := make([]byte, len(op.Value))
			copy(v, op.Value)
			d.entries[op.Key] = v
		case model.OpKindDel:
			delete(d.entries, op.Key)
		}
	}
}

// Snapshot returns a deep copy of the current state.
func (d *Document) Snapshot() Snapshot {
	entries := make([]Entry, 0, len(d.entries))
	for k, v := range d.entries {
		val := make([]byte, len(v))
		copy(val, v)
		entries = append(entries, Entry{Key: k, Value: val})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return Snapshot{Version: d.version, Entries: entries}
}

// Reset replaces the whole document with the snapshot contents. Used when
// a degraded replica resynchronizes.
func (d *Document) Reset(snap Snapshot) {
	d.entries = make(map[string][]byte, len(snap.Entries))
	for _, e := range snap.Entries {
		v := make([]byte, len(e.Value))
		copy(v, e.Value)
		d.entries[e.Key] = v
	}
	d.version = snap.Version
}

// Fingerprint hashes the sorted entries plus version. Two replicas that
// applied the same delta stream produce identical fingerprints.
func (d *Document) Fingerprint() [32]byte {
	return d.Snapshot().Fingerprint()
}
