package model

import (
	"bytes"
	"encoding/hex"

	"github.com/google/uuid"
)

// A SessionID is a compact identity for one protocol participant.
// It is minted when the transport connection is accepted and never changes
// for the lifetime of that session.
type SessionID [16]byte

func NewSessionID() SessionID {
	uid := uuid.New()

	var sid SessionID
	copy(sid[:], uid[:])
	return sid
}

// SessionIDFromString derives a stable id from an arbitrary label by
// copying its bytes. Useful for tools and tests that need human-chosen
// identities with a predictable ordering.
func SessionIDFromString(s string) SessionID {
	var sid SessionID
	copy(sid[:], s)
	return sid
}

func (s SessionID) String() string { return hex.EncodeToString(s[:]) }

// Less orders session ids lexicographically. The reconciliation engine
// uses this as its deterministic conflict tie-break.
func (s SessionID) Less(other SessionID) bool {
	return bytes.Compare(s[:], other[:]) < 0
}

func (s SessionID) IsZero() bool {
	var zero SessionID
	return s == zero
}
