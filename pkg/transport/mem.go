package transport

import (
	"context"
	"fmt"
	"sync"
)

// Switch connects in-memory listeners and dialers. Frames pass through
// buffered channels, so delivery is ordered and reliable, which is exactly
// the precondition the session layer assumes.
type Switch struct {
	mu        sync.Mutex
	listeners map[string]*MemListener
}

func NewSwitch() *Switch {
	return &Switch{listeners: make(map[string]*MemListener)}
}

// MemListener accepts in-memory connections for one address.
type MemListener struct {
	sw      *Switch
	addr    string
	backlog chan *memConn
	closed  chan struct{}
	once    sync.Once
}

func (s *Switch) Listen(addr string) (*MemListener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.listeners[addr]; exists {
		return nil, fmt.Errorf("address already in use: %s", addr)
	}
	l := &MemListener{
		sw:      s,
		addr:    addr,
		backlog: make(chan *memConn, 16),
		closed:  make(chan struct{}),
	}
	s.listeners[addr] = l
	return l, nil
}

// Dial creates a conn pair, hands one end to the listener's backlog, and
// returns the other.
func (s *Switch) Dial(addr string) (Conn, error) {
	s.mu.Lock()
	l, ok := s.listeners[addr]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown address: %s", addr)
	}

	client, server := newMemPair(addr)
	select {
	case l.backlog <- server:
		return client, nil
	case <-l.closed:
		return nil, ErrClosed
	}
}

func (l *MemListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case <-l.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case c := <-l.backlog:
		return c, nil
	}
}

func (l *MemListener) Close() {
	l.once.Do(func() {
		close(l.closed)
		l.sw.mu.Lock()
		delete(l.sw.listeners, l.addr)
		l.sw.mu.Unlock()
	})
}

func (l *MemListener) Addr() string { return l.addr }

type memConn struct {
	label  string
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   *sync.Once
}

// newMemPair builds two conns sharing a pair of channels, one per
// direction.
func newMemPair(label string) (client, server *memConn) {
	a := make(chan []byte, 128)
	b := make(chan []byte, 128)
	closed := make(chan struct{})
	once := &sync.Once{}
	client = &memConn{label: label, in: b, out: a, closed: closed, once: once}
	server = &memConn{label: label, in: a, out: b, closed: closed, once: once}
	return client, server
}

func (c *memConn) Send(frame []byte) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.out <- cp:
		return nil
	case <-c.closed:
		return ErrClosed
	}
}

func (c *memConn) Recv(ctx context.Context) ([]byte, bool) {
	// drain anything already delivered, even after close
	select {
	case f := <-c.in:
		return f, true
	default:
	}
	select {
	case <-c.closed:
		return nil, false
	case <-ctx.Done():
		return nil, false
	case f := <-c.in:
		return f, true
	}
}

func (c *memConn) Close() {
	c.once.Do(func() { close(c.closed) })
}

func (c *memConn) RemoteAddr() string { return "mem:" + c.label }
