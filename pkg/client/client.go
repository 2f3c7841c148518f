// Package client implements the client half of the sync protocol: it
// handshakes, keeps a read-only replica of the shared document, applies
// broadcast deltas, and turns delivery gaps into full resynchronizations.
// The terminal client and the sim command both sit on top of this.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ConstantineB6/femtanyl.systems/pkg/document"
	"github.com/ConstantineB6/femtanyl.systems/pkg/model"
	"github.com/ConstantineB6/femtanyl.systems/pkg/session"
	"github.com/ConstantineB6/femtanyl.systems/pkg/transport"
	"github.com/ConstantineB6/femtanyl.systems/pkg/wire"
)

var (
	ErrHandshake = errors.New("client: handshake failed")
	ErrClosed    = errors.New("client: closed")
)

// Client drives one session against the server.
type Client struct {
	conn transport.Conn
	doc  string
	name string

	sess    *session.Session
	replica *document.Document
	repMu   sync.Mutex

	// one outstanding submit at a time
	subMu   sync.Mutex
	pendMu  sync.Mutex
	pending *pendingSubmit

	// serializes encode+send so frame order matches seq order
	sendMu sync.Mutex

	events chan Event
	log    *slog.Logger
	hook   session.Hook

	handshakeTO time.Duration
	pingEvery   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

type pendingSubmit struct {
	ops      []model.Op
	resubmit uint64 // resubmit once the replica reaches this version; 0 = none
	done     chan submitOutcome
}

type submitOutcome struct {
	version uint64
	err     error
}

type Option func(*Client)

func WithDoc(doc string) Option              { return func(c *Client) { c.doc = doc } }
func WithName(name string) Option            { return func(c *Client) { c.name = name } }
func WithEvents(ch chan Event) Option        { return func(c *Client) { c.events = ch } }
func WithLogger(l *slog.Logger) Option       { return func(c *Client) { c.log = l } }
func WithHook(h session.Hook) Option         { return func(c *Client) { c.hook = h } }
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) { c.handshakeTO = d }
}
func WithPingEvery(d time.Duration) Option { return func(c *Client) { c.pingEvery = d } }

func New(conn transport.Conn, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:        conn,
		doc:         "main",
		name:        "client",
		replica:     document.New(),
		log:         slog.Default(),
		handshakeTO: 5 * time.Second,
		pingEvery:   15 * time.Second,
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Connect performs the handshake and starts the receive and ping loops.
// On return the client is Synchronized with a full copy of the document.
func (c *Client) Connect(ctx context.Context) error {
	c.sess = session.New(model.SessionID{}, session.WithHook(c.hook), session.WithLogger(c.log))
	if err := c.sess.Advance(session.Handshaking); err != nil {
		return err
	}

	if err := c.send(wire.Hello{Proto: wire.ProtoVersion, DocID: c.doc, ClientName: c.name}); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	hctx, cancel := context.WithTimeout(ctx, c.handshakeTO)
	defer cancel()

	// Welcome, then the initial Snapshot, in that order
	msg, err := c.recvMsg(hctx)
	if err != nil {
		c.fail()
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	welcome, ok := msg.(wire.Welcome)
	if !ok {
		c.fail()
		return fmt.Errorf("%w: unexpected %T before welcome", ErrHandshake, msg)
	}
	if welcome.Proto != wire.ProtoVersion {
		c.fail()
		return fmt.Errorf("%w: protocol mismatch: server=%d client=%d", ErrHandshake, welcome.Proto, wire.ProtoVersion)
	}

	msg, err = c.recvMsg(hctx)
	if err != nil {
		c.fail()
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	snap, ok := msg.(wire.Snapshot)
	if !ok {
		c.fail()
		return fmt.Errorf("%w: unexpected %T before snapshot", ErrHandshake, msg)
	}

	// adopt the server-assigned identity; seq counters carry on
	c.sess.AdoptID(welcome.Session)
	c.repMu.Lock()
	c.replica.Reset(snap.Doc)
	c.repMu.Unlock()
	if err := c.sess.Advance(session.Synchronized); err != nil {
		return err
	}
	c.emit(EventConnected, map[string]any{"session": welcome.Session.String(), "version": snap.Doc.Version})

	c.wg.Add(1)
	go c.recvLoop()
	if c.pingEvery > 0 {
		c.wg.Add(1)
		go c.pingLoop()
	}
	return nil
}

// SessionID returns the server-assigned identity. Zero before Connect.
func (c *Client) SessionID() model.SessionID {
	if c.sess == nil {
		return model.SessionID{}
	}
	return c.sess.ID()
}

func (c *Client) State() session.State {
	if c.sess == nil {
		return session.Connecting
	}
	return c.sess.State()
}

// Version returns the replica's current version.
func (c *Client) Version() uint64 {
	c.repMu.Lock()
	defer c.repMu.Unlock()
	return c.replica.Version()
}

// Snapshot returns a copy of the replica.
func (c *Client) Snapshot() document.Snapshot {
	c.repMu.Lock()
	defer c.repMu.Unlock()
	return c.replica.Snapshot()
}

// Fingerprint hashes the replica for convergence checks.
func (c *Client) Fingerprint() [32]byte {
	c.repMu.Lock()
	defer c.repMu.Unlock()
	return c.replica.Fingerprint()
}

// Get reads one key from the replica.
func (c *Client) Get(key string) ([]byte, bool) {
	c.repMu.Lock()
	defer c.repMu.Unlock()
	return c.replica.Get(key)
}

// Submit proposes a mutation against the replica's current version and
// blocks until it is admitted. Conflicts are handled by rebasing on the
// fresher state and resubmitting, so the call only fails on close or ctx
// expiry. Returns the version at which the mutation landed.
func (c *Client) Submit(ctx context.Context, ops ...model.Op) (uint64, error) {
	if len(ops) == 0 {
		return c.Version(), nil
	}
	c.subMu.Lock()
	defer c.subMu.Unlock()

	done := make(chan submitOutcome, 1)
	c.setPending(&pendingSubmit{ops: ops, done: done})
	defer c.setPending(nil)

	if err := c.sendSubmit(); err != nil {
		return 0, err
	}

	select {
	case out := <-done:
		return out.version, out.err
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-c.ctx.Done():
		return 0, ErrClosed
	}
}

// Resync forces a full snapshot exchange, as if a gap had been detected.
func (c *Client) Resync() error {
	if err := c.sess.Advance(session.Degraded); err != nil {
		return err
	}
	c.emit(EventDegraded, map[string]any{"reason": "manual"})
	return c.send(wire.ResyncReq{Have: c.Version()})
}

// Close ends the session. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		_ = c.send(wire.Close{Reason: wire.CloseNormal})
		c.shutdown("close")
	})
}

func (c *Client) shutdown(reason string) {
	if c.sess != nil {
		_ = c.sess.Advance(session.Closed)
	}
	c.cancel()
	c.conn.Close()
	c.emit(EventClosed, map[string]any{"reason": reason})
}

func (c *Client) fail() {
	if c.sess != nil {
		_ = c.sess.Advance(session.Closed)
	}
	c.cancel()
	c.conn.Close()
}

func (c *Client) send(m wire.Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	frame, err := wire.EncodeMessage(c.seq(), m)
	if err != nil {
		return err
	}
	return c.conn.Send(frame)
}

func (c *Client) seq() uint32 {
	if c.sess == nil {
		return 1
	}
	return c.sess.NextSendSeq()
}

func (c *Client) recvMsg(ctx context.Context) (wire.Message, error) {
	frame, ok := c.conn.Recv(ctx)
	if !ok {
		return nil, transport.ErrClosed
	}
	seq, msg, err := wire.DecodeMessage(frame)
	if err != nil {
		return nil, err
	}
	if c.sess != nil && c.sess.CheckRecvSeq(seq) {
		return msg, errGap
	}
	return msg, nil
}

var errGap = errors.New("client: delivery gap")
