package transport

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"
)

// TCPListener wraps a net.Listener into the transport contract. Frames are
// length-prefixed on the stream.
type TCPListener struct {
	ln      net.Listener
	backlog chan Conn
	closed  chan struct{}
	once    sync.Once
}

func ListenTCP(addr string) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &TCPListener{
		ln:      ln,
		backlog: make(chan Conn, 16),
		closed:  make(chan struct{}),
	}
	go l.acceptLoop()
	return l, nil
}

func (l *TCPListener) acceptLoop() {
	for {
		c, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.closed:
				return
			default:
				// brief sleep to avoid tight loop on transient errors
				time.Sleep(50 * time.Millisecond)
				continue
			}
		}
		tc := newTCPConn(c)
		select {
		case l.backlog <- tc:
		case <-l.closed:
			tc.Close()
			return
		}
	}
}

func (l *TCPListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case <-l.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case c := <-l.backlog:
		return c, nil
	}
}

func (l *TCPListener) Close() {
	l.once.Do(func() {
		close(l.closed)
		_ = l.ln.Close()
	})
}

func (l *TCPListener) Addr() string { return l.ln.Addr().String() }

// DialTCP connects to a TCP listener and returns the client side conn.
func DialTCP(addr string, timeout time.Duration) (Conn, error) {
	c, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	return newTCPConn(c), nil
}

type tcpConn struct {
	c      net.Conn
	r      *bufio.Reader
	wmu    sync.Mutex
	in     chan []byte
	closed chan struct{}
	once   sync.Once
}

func newTCPConn(c net.Conn) *tcpConn {
	tc := &tcpConn{
		c:      c,
		r:      bufio.NewReader(c),
		in:     make(chan []byte, 128),
		closed: make(chan struct{}),
	}
	go tc.readLoop()
	return tc
}

func (t *tcpConn) readLoop() {
	for {
		b, err := readFrame(t.r)
		if err != nil {
			t.Close()
			return
		}
		select {
		case t.in <- b:
		case <-t.closed:
			return
		}
	}
}

func (t *tcpConn) Send(frame []byte) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	// prevent indefinite blocking on slow/broken peers
	_ = t.c.SetWriteDeadline(time.Now().Add(5 * time.Second))
	err := writeFrame(t.c, frame)
	_ = t.c.SetWriteDeadline(time.Time{})
	if err != nil {
		t.Close()
	}
	return err
}

func (t *tcpConn) Recv(ctx context.Context) ([]byte, bool) {
	select {
	case f := <-t.in:
		return f, true
	default:
	}
	select {
	case <-t.closed:
		return nil, false
	case <-ctx.Done():
		return nil, false
	case f := <-t.in:
		return f, true
	}
}

func (t *tcpConn) Close() {
	t.once.Do(func() {
		close(t.closed)
		_ = t.c.Close()
	})
}

func (t *tcpConn) RemoteAddr() string { return t.c.RemoteAddr().String() }
