package hub

import (
	"context"
	"sync"

	"github.com/ConstantineB6/femtanyl.systems/pkg/document"
	"github.com/ConstantineB6/femtanyl.systems/pkg/engine"
	"github.com/ConstantineB6/femtanyl.systems/pkg/metrics"
	"github.com/ConstantineB6/femtanyl.systems/pkg/model"
	"github.com/ConstantineB6/femtanyl.systems/pkg/session"
	"github.com/ConstantineB6/femtanyl.systems/pkg/transport"
	"github.com/ConstantineB6/femtanyl.systems/pkg/wire"
)

// conn is one live protocol session. The reader goroutine drives the
// state machine; the writer owns outbound sequencing; the pump forwards
// engine broadcasts, turning the session's own deltas into acks so both
// travel the same ordered stream.
type conn struct {
	h    *Hub
	tc   transport.Conn
	sess *session.Session
	doc  string

	out    chan wire.Message
	deltas chan document.Delta

	// serializes encode+send so frame order matches seq order
	sendMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

func (h *Hub) handle(parent context.Context, tc transport.Conn) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer tc.Close()

	opts := []session.Option{session.WithLogger(h.log)}
	if h.events != nil {
		opts = append(opts, session.WithHook(h.events.Hook()))
	}
	sess := session.New(model.NewSessionID(), opts...)
	_ = sess.Advance(session.Handshaking)

	c := &conn{
		h:      h,
		tc:     tc,
		sess:   sess,
		out:    make(chan wire.Message, 64),
		deltas: make(chan document.Delta, 64),
		ctx:    ctx,
		cancel: cancel,
	}

	if !c.handshake() {
		_ = sess.Advance(session.Closed)
		return
	}

	metrics.SessionsTotal.Inc()
	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()
	defer h.eng.Detach(c.doc, sess.ID())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer wg.Done()
		c.pump()
	}()

	c.readLoop()
	cancel()
	wg.Wait()
	_ = sess.Advance(session.Closed)
	h.log.Info("session_closed", "session", sess.ID().String(), "doc", c.doc)
}

// handshake runs the Hello/Welcome/Snapshot exchange under the handshake
// timeout. Returns false when the connection should be dropped.
func (c *conn) handshake() bool {
	hctx, cancel := context.WithTimeout(c.ctx, c.h.handshakeTimeout)
	defer cancel()

	frame, ok := c.tc.Recv(hctx)
	if !ok {
		c.h.log.Info("handshake_timeout", "remote", c.tc.RemoteAddr())
		return false
	}
	seq, msg, err := wire.DecodeMessage(frame)
	if err != nil {
		c.h.log.Warn("handshake_codec_error", "remote", c.tc.RemoteAddr(), "err", err)
		_ = c.send(wire.Close{Reason: wire.CloseCodecError, Detail: err.Error()})
		return false
	}
	if gap := c.sess.CheckRecvSeq(seq); gap {
		_ = c.send(wire.Close{Reason: wire.CloseHandshakeFail, Detail: "sequence gap in handshake"})
		return false
	}
	hello, ok := msg.(wire.Hello)
	if !ok {
		_ = c.send(wire.Close{Reason: wire.CloseProtocolError, Detail: "expected hello"})
		return false
	}
	if hello.Proto != wire.ProtoVersion {
		c.h.log.Info("handshake_proto_mismatch", "remote", c.tc.RemoteAddr(), "proto", hello.Proto)
		_ = c.send(wire.Close{Reason: wire.CloseHandshakeFail, Detail: "unsupported protocol version"})
		return false
	}

	c.doc = hello.DocID
	if c.doc == "" {
		c.doc = "main"
	}
	c.sess.BindDoc(c.doc)

	snap, err := c.h.eng.Attach(hctx, c.doc, c.sess.ID(), c.deltas)
	if err != nil {
		c.h.log.Warn("attach_failed", "doc", c.doc, "err", err)
		_ = c.send(wire.Close{Reason: wire.CloseHandshakeFail, Detail: "document unavailable"})
		return false
	}

	if err := c.send(wire.Welcome{Session: c.sess.ID(), Proto: wire.ProtoVersion, Version: snap.Version}); err != nil {
		return false
	}
	if err := c.send(wire.Snapshot{Doc: snap}); err != nil {
		return false
	}
	if err := c.sess.Advance(session.Synchronized); err != nil {
		return false
	}
	c.h.log.Info("session_open",
		"session", c.sess.ID().String(),
		"doc", c.doc,
		"client", hello.ClientName,
		"remote", c.tc.RemoteAddr(),
		"version", snap.Version)
	return true
}

func (c *conn) readLoop() {
	for {
		rctx := c.ctx
		cancel := func() {}
		if c.h.idleTimeout > 0 {
			rctx, cancel = context.WithTimeout(c.ctx, c.h.idleTimeout)
		}
		frame, ok := c.tc.Recv(rctx)
		idle := !ok && rctx.Err() != nil && c.ctx.Err() == nil
		cancel()
		if !ok {
			if idle {
				c.h.log.Info("session_idle", "session", c.sess.ID().String(), "doc", c.doc)
				_ = c.send(wire.Close{Reason: wire.CloseIdleTimeout})
			}
			return
		}

		seq, msg, err := wire.DecodeMessage(frame)
		if err != nil {
			c.h.log.Warn("codec_error", "session", c.sess.ID().String(), "err", err)
			_ = c.send(wire.Close{Reason: wire.CloseCodecError, Detail: err.Error()})
			return
		}
		if gap := c.sess.CheckRecvSeq(seq); gap {
			// an inbound frame went missing; re-establish shared state
			c.resync("recv_gap")
		}
		if done := c.dispatch(msg); done {
			return
		}
	}
}

func (c *conn) dispatch(msg wire.Message) (done bool) {
	switch m := msg.(type) {
	case wire.Submit:
		return c.onSubmit(m)
	case wire.ResyncReq:
		c.h.log.Info("resync_requested", "session", c.sess.ID().String(), "doc", c.doc, "have", m.Have)
		c.resync("requested")
	case wire.Ping:
		c.enqueue(wire.Pong{})
	case wire.Pong:
		// liveness only
	case wire.Close:
		c.h.log.Info("client_close", "session", c.sess.ID().String(), "reason", m.Reason, "detail", m.Detail)
		return true
	default:
		// client-to-server direction never carries these
		c.h.log.Warn("illegal_message", "session", c.sess.ID().String(), "type", m.MsgType(), "state", c.sess.State().String())
		_ = c.send(wire.Close{Reason: wire.CloseProtocolError})
		return true
	}
	return false
}

func (c *conn) onSubmit(m wire.Submit) (done bool) {
	if st := c.sess.State(); st != session.Synchronized {
		c.h.log.Warn("submit_in_state", "session", c.sess.ID().String(), "state", st.String())
		_ = c.send(wire.Close{Reason: wire.CloseProtocolError, Detail: "submit while " + st.String()})
		return true
	}
	res, err := c.h.eng.Submit(c.ctx, engine.Submission{
		Doc:    c.doc,
		Origin: c.sess.ID(),
		Base:   m.Base,
		Ops:    m.Ops,
	})
	if err != nil {
		_ = c.send(wire.Close{Reason: wire.CloseShutdown})
		return true
	}
	switch res.Status {
	case engine.Accepted:
		// the ack reaches the client through the delta pump, in
		// broadcast order
		metrics.MutationsAccepted.Inc()
	case engine.Conflict:
		metrics.MutationsConflicted.Inc()
		c.enqueue(wire.Conflict{Current: res.Version})
	case engine.StaleBase:
		metrics.MutationsStale.Inc()
		c.resync("stale_base")
	}
	return false
}

// resync marks the session degraded and ships a fresh snapshot.
func (c *conn) resync(reason string) {
	if c.sess.State() == session.Synchronized {
		_ = c.sess.Advance(session.Degraded)
	}
	snap, err := c.h.eng.Snapshot(c.ctx, c.doc)
	if err != nil {
		return
	}
	metrics.Resyncs.Inc()
	c.h.log.Info("resync", "session", c.sess.ID().String(), "doc", c.doc, "reason", reason, "version", snap.Version)
	c.enqueue(wire.Snapshot{Doc: snap})
	if c.sess.State() == session.Degraded {
		_ = c.sess.Advance(session.Synchronized)
	}
}

// pump forwards engine broadcasts to the writer. The session's own deltas
// become acks, everyone else's stay deltas, so the client sees one
// totally ordered stream.
func (c *conn) pump() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case d := <-c.deltas:
			if d.Origin == c.sess.ID() {
				c.enqueue(wire.Ack{Version: d.To})
			} else {
				c.enqueue(wire.Delta{Delta: d})
			}
		}
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case m := <-c.out:
			if err := c.send(m); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *conn) enqueue(m wire.Message) {
	select {
	case c.out <- m:
	case <-c.ctx.Done():
	}
}

func (c *conn) send(m wire.Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	frame, err := wire.EncodeMessage(c.sess.NextSendSeq(), m)
	if err != nil {
		return err
	}
	return c.tc.Send(frame)
}
