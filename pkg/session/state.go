// Package session tracks per-connection protocol state. Each session walks
// Connecting -> Handshaking -> Synchronized <-> Degraded -> Closed; every
// transition is validated and reported to an observability hook that never
// blocks and carries no control logic.
package session

import (
	"errors"
	"fmt"
)

type State uint8

const (
	Connecting State = iota
	Handshaking
	Synchronized
	Degraded
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Synchronized:
		return "synchronized"
	case Degraded:
		return "degraded"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// ErrProtocol reports a message that is illegal for the current state.
// The session is forced to Closed; no other session is affected.
var ErrProtocol = errors.New("session: protocol violation")

var legal = map[State][]State{
	Connecting:   {Handshaking, Closed},
	Handshaking:  {Synchronized, Closed},
	Synchronized: {Degraded, Closed},
	Degraded:     {Synchronized, Closed},
	Closed:       {},
}

// CanTransition reports whether from -> to is a legal step.
func CanTransition(from, to State) bool {
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}
