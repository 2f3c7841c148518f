package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ConstantineB6/femtanyl.systems/pkg/model"
)

// Hook receives every state transition. Fire-and-forget: implementations
// must not block, and the session never waits on them.
type Hook func(id model.SessionID, from, to State, at time.Time)

// Session is the per-connection view: current state, sequence counters for
// gap detection, and the last version the peer acknowledged. Created at
// accept, destroyed at close.
type Session struct {
	id  model.SessionID
	doc string

	mu      sync.Mutex
	state   State
	sendSeq uint32
	recvSeq uint32
	lastAck uint64

	hook Hook
	log  *slog.Logger
}

type Option func(*Session)

func WithHook(h Hook) Option {
	return func(s *Session) { s.hook = h }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

func New(id model.SessionID, opts ...Option) *Session {
	s := &Session{
		id:    id,
		state: Connecting,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Session) ID() model.SessionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// AdoptID installs the server-assigned identity on a client-side session.
// The client starts its handshake before it knows who it is; sequence
// counters and state are unaffected.
func (s *Session) AdoptID(id model.SessionID) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

// Doc returns the document id the session bound to during handshake.
func (s *Session) Doc() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc
}

func (s *Session) BindDoc(doc string) {
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Advance moves the state machine. Illegal steps return ErrProtocol and
// leave the state untouched; the caller is expected to close the session.
func (s *Session) Advance(to State) error {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return nil
	}
	if !CanTransition(from, to) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrProtocol, from, to)
	}
	s.state = to
	id := s.id
	s.mu.Unlock()

	s.log.Debug("session_transition", "session", id.String(), "from", from.String(), "to", to.String())
	if s.hook != nil {
		s.hook(id, from, to, time.Now())
	}
	return nil
}

// NextSendSeq stamps an outgoing frame.
func (s *Session) NextSendSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendSeq++
	return s.sendSeq
}

// CheckRecvSeq validates an incoming frame's sequence number. A first
// frame establishes the baseline; any later discontinuity is a delivery
// gap and the caller must degrade the session.
func (s *Session) CheckRecvSeq(seq uint32) (gap bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := s.recvSeq + 1
	s.recvSeq = seq
	return seq != want
}

// ResetRecvSeq re-arms gap detection after a resync. The next frame is
// expected to carry seq.
func (s *Session) ResetRecvSeq(seq uint32) {
	s.mu.Lock()
	s.recvSeq = seq
	s.mu.Unlock()
}

func (s *Session) LastAck() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAck
}

func (s *Session) SetLastAck(v uint64) {
	s.mu.Lock()
	if v > s.lastAck {
		s.lastAck = v
	}
	s.mu.Unlock()
}
