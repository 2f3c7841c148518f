package transport

import (
	"context"
	"sync"

	"golang.org/x/net/websocket"
)

// WSListener adapts inbound WebSocket connections to the transport
// contract. Mount Handler() on an HTTP router; each upgraded connection
// shows up in Accept. Frames map one-to-one onto binary WebSocket
// messages, so ordering and reliability come from the underlying TCP
// stream.
type WSListener struct {
	addr    string
	backlog chan Conn
	closed  chan struct{}
	once    sync.Once
}

func NewWSListener(addr string) *WSListener {
	return &WSListener{
		addr:    addr,
		backlog: make(chan Conn, 16),
		closed:  make(chan struct{}),
	}
}

// Handler returns the websocket handler to mount. It blocks until the
// session is over because x/net/websocket closes the conn when the
// handler returns.
func (l *WSListener) Handler() websocket.Handler {
	return func(ws *websocket.Conn) {
		ws.PayloadType = websocket.BinaryFrame
		c := newWSConn(ws)
		select {
		case l.backlog <- c:
		case <-l.closed:
			c.Close()
			return
		}
		<-c.closed
	}
}

func (l *WSListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case <-l.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case c := <-l.backlog:
		return c, nil
	}
}

func (l *WSListener) Close() {
	l.once.Do(func() { close(l.closed) })
}

func (l *WSListener) Addr() string { return l.addr }

// DialWS connects to a WebSocket endpoint and returns the client conn.
func DialWS(url, origin string) (Conn, error) {
	ws, err := websocket.Dial(url, "", origin)
	if err != nil {
		return nil, err
	}
	ws.PayloadType = websocket.BinaryFrame
	return newWSConn(ws), nil
}

type wsConn struct {
	ws     *websocket.Conn
	wmu    sync.Mutex
	in     chan []byte
	closed chan struct{}
	once   sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	c := &wsConn{
		ws:     ws,
		in:     make(chan []byte, 128),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *wsConn) readLoop() {
	for {
		var b []byte
		if err := websocket.Message.Receive(c.ws, &b); err != nil {
			c.Close()
			return
		}
		select {
		case c.in <- b:
		case <-c.closed:
			return
		}
	}
}

func (c *wsConn) Send(frame []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := websocket.Message.Send(c.ws, frame); err != nil {
		c.Close()
		return err
	}
	return nil
}

func (c *wsConn) Recv(ctx context.Context) ([]byte, bool) {
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

func (c *wsConn) Close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

func (c *wsConn) RemoteAddr() string {
	if c.ws.Request() != nil {
		return c.ws.Request().RemoteAddr
	}
	return c.ws.RemoteAddr().String()
}
