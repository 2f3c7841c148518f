package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ConstantineB6/femtanyl.systems/pkg/document"
	"github.com/ConstantineB6/femtanyl.systems/pkg/model"
	"github.com/ConstantineB6/femtanyl.systems/pkg/session"
	"github.com/ConstantineB6/femtanyl.systems/pkg/transport"
	"github.com/ConstantineB6/femtanyl.systems/pkg/wire"
)

// fakeServer scripts the server side of a session over the mem switch.
type fakeServer struct {
	t    *testing.T
	conn transport.Conn
	sid  model.SessionID
	seq  uint32
}

func newPair(t *testing.T, opts ...Option) (*Client, *fakeServer) {
	t.Helper()
	sw := transport.NewSwitch()
	ln, err := sw.Listen("srv")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(ln.Close)

	cc, err := sw.Dial("srv")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sc, err := ln.Accept(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	c := New(cc, opts...)
	t.Cleanup(c.Close)
	return c, &fakeServer{t: t, conn: sc, sid: model.NewSessionID()}
}

func (s *fakeServer) send(m wire.Message) {
	s.t.Helper()
	s.seq++
	frame, err := wire.EncodeMessage(s.seq, m)
	if err != nil {
		s.t.Fatalf("encode: %v", err)
	}
	if err := s.conn.Send(frame); err != nil {
		s.t.Fatalf("send: %v", err)
	}
}

func (s *fakeServer) recv() wire.Message {
	s.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	frame, ok := s.conn.Recv(ctx)
	if !ok {
		s.t.Fatalf("recv: connection closed")
	}
	_, msg, err := wire.DecodeMessage(frame)
	if err != nil {
		s.t.Fatalf("decode: %v", err)
	}
	return msg
}

// connect drives a full handshake serving the given snapshot.
func connect(t *testing.T, c *Client, s *fakeServer, snap document.Snapshot) {
	t.Helper()
	errc := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		errc <- c.Connect(ctx)
	}()

	hello, ok := s.recv().(wire.Hello)
	if !ok {
		t.Fatalf("expected hello")
	}
	if hello.Proto != wire.ProtoVersion {
		t.Fatalf("unexpected proto %d", hello.Proto)
	}
	s.send(wire.Welcome{Session: s.sid, Proto: wire.ProtoVersion, Version: snap.Version})
	s.send(wire.Snapshot{Doc: snap})

	if err := <-errc; err != nil {
		t.Fatalf("connect: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectAdoptsServerState(t *testing.T) {
	c, s := newPair(t, WithDoc("board"), WithName("tester"))
	connect(t, c, s, document.Snapshot{
		Version: 3,
		Entries: []document.Entry{{Key: "title", Value: []byte("draft")}},
	})

	if c.SessionID() != s.sid {
		t.Fatalf("expected adopted session id %s, got %s", s.sid, c.SessionID())
	}
	if c.State() != session.Synchronized {
		t.Fatalf("expected synchronized, got %s", c.State())
	}
	if c.Version() != 3 {
		t.Fatalf("expected version 3, got %d", c.Version())
	}
	if v, ok := c.Get("title"); !ok || string(v) != "draft" {
		t.Fatalf("snapshot entry missing, got %q ok=%v", v, ok)
	}
}

func TestConnectRejectsNonWelcome(t *testing.T) {
	c, s := newPair(t)
	errc := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		errc <- c.Connect(ctx)
	}()

	s.recv() // hello
	s.send(wire.Ping{})

	if err := <-errc; !errors.Is(err, ErrHandshake) {
		t.Fatalf("expected handshake error, got %v", err)
	}
}

func TestSubmitLandsOnAck(t *testing.T) {
	c, s := newPair(t)
	connect(t, c, s, document.Snapshot{})

	type result struct {
		v   uint64
		err error
	}
	resc := make(chan result, 1)
	go func() {
		v, err := c.Submit(context.Background(), model.Put("k", []byte("v")))
		resc <- result{v, err}
	}()

	sub, ok := s.recv().(wire.Submit)
	if !ok {
		t.Fatalf("expected submit")
	}
	if sub.Base != 0 {
		t.Fatalf("expected base 0, got %d", sub.Base)
	}
	s.send(wire.Ack{Version: 1})

	res := <-resc
	if res.err != nil {
		t.Fatalf("submit: %v", res.err)
	}
	if res.v != 1 {
		t.Fatalf("expected version 1, got %d", res.v)
	}
	if v, ok := c.Get("k"); !ok || string(v) != "v" {
		t.Fatalf("acked write not in replica, got %q ok=%v", v, ok)
	}
}

func TestConflictRebasesAndResubmits(t *testing.T) {
	c, s := newPair(t)
	connect(t, c, s, document.Snapshot{})

	resc := make(chan uint64, 1)
	go func() {
		v, err := c.Submit(context.Background(), model.Put("mine", []byte("1")))
		if err != nil {
			t.Errorf("submit: %v", err)
		}
		resc <- v
	}()

	if _, ok := s.recv().(wire.Submit); !ok {
		t.Fatalf("expected first submit")
	}
	// a concurrent writer won the tie-break at version 1
	s.send(wire.Conflict{Current: 1})
	s.send(wire.Delta{Delta: document.Delta{
		From:   0,
		To:     1,
		Origin: model.NewSessionID(),
		Ops:    []model.Op{model.Put("theirs", []byte("2"))},
	}})

	retry, ok := s.recv().(wire.Submit)
	if !ok {
		t.Fatalf("expected resubmission")
	}
	if retry.Base != 1 {
		t.Fatalf("expected rebase on version 1, got base %d", retry.Base)
	}
	s.send(wire.Ack{Version: 2})

	if v := <-resc; v != 2 {
		t.Fatalf("expected landing at version 2, got %d", v)
	}
	if _, ok := c.Get("theirs"); !ok {
		t.Fatalf("replica missing the winning write")
	}
	if _, ok := c.Get("mine"); !ok {
		t.Fatalf("replica missing the rebased write")
	}
}

func TestDeltaGapForcesResync(t *testing.T) {
	c, s := newPair(t)
	connect(t, c, s, document.Snapshot{})

	// versions 1 and 2 never arrive
	s.send(wire.Delta{Delta: document.Delta{
		From:   2,
		To:     3,
		Origin: model.NewSessionID(),
		Ops:    []model.Op{model.Put("late", []byte("x"))},
	}})

	req, ok := s.recv().(wire.ResyncReq)
	if !ok {
		t.Fatalf("expected resync request after version gap")
	}
	if req.Have != 0 {
		t.Fatalf("expected have 0, got %d", req.Have)
	}
	s.send(wire.Snapshot{Doc: document.Snapshot{
		Version: 3,
		Entries: []document.Entry{{Key: "late", Value: []byte("x")}},
	}})

	waitFor(t, "resync to complete", func() bool {
		return c.Version() == 3 && c.State() == session.Synchronized
	})
}

func TestSeqGapForcesResync(t *testing.T) {
	c, s := newPair(t)
	connect(t, c, s, document.Snapshot{})

	s.seq++ // drop one outbound frame on the floor
	s.send(wire.Pong{})

	if _, ok := s.recv().(wire.ResyncReq); !ok {
		t.Fatalf("expected resync request after sequence gap")
	}
	s.send(wire.Snapshot{Doc: document.Snapshot{Version: 0}})

	waitFor(t, "session to recover", func() bool {
		return c.State() == session.Synchronized
	})
}

func TestServerCloseEndsSession(t *testing.T) {
	c, s := newPair(t)
	connect(t, c, s, document.Snapshot{})

	s.send(wire.Close{Reason: wire.CloseShutdown})

	waitFor(t, "session to close", func() bool {
		return c.State() == session.Closed
	})
}
