package client

import (
	"errors"
	"time"

	"github.com/ConstantineB6/femtanyl.systems/pkg/document"
	"github.com/ConstantineB6/femtanyl.systems/pkg/session"
	"github.com/ConstantineB6/femtanyl.systems/pkg/transport"
	"github.com/ConstantineB6/femtanyl.systems/pkg/wire"
)

func (c *Client) recvLoop() {
	defer c.wg.Done()
	for {
		msg, err := c.recvMsg(c.ctx)
		switch {
		case err == nil:
		case errors.Is(err, errGap):
			// the frame itself is intact; degrade, then still dispatch it
			c.degrade("seq_gap")
		case errors.Is(err, transport.ErrClosed):
			c.shutdown("transport_closed")
			return
		case errors.Is(err, wire.ErrMalformed) || errors.Is(err, wire.ErrUnknownType):
			// fatal for this session only
			c.log.Warn("codec_error", "err", err)
			_ = c.send(wire.Close{Reason: wire.CloseCodecError, Detail: err.Error()})
			c.shutdown("codec_error")
			return
		default:
			if c.ctx.Err() != nil {
				return
			}
			c.shutdown("recv_error")
			return
		}
		if msg == nil {
			continue
		}
		if done := c.dispatch(msg); done {
			return
		}
	}
}

func (c *Client) dispatch(msg wire.Message) (done bool) {
	switch m := msg.(type) {
	case wire.Delta:
		c.onDelta(m.Delta)
	case wire.Ack:
		c.onAck(m.Version)
	case wire.Conflict:
		c.onConflict(m.Current)
	case wire.Snapshot:
		c.onSnapshot(m.Doc)
	case wire.Ping:
		_ = c.send(wire.Pong{})
	case wire.Pong:
		// liveness only
	case wire.Close:
		c.log.Info("server_close", "reason", m.Reason, "detail", m.Detail)
		c.shutdown("server_close")
		return true
	default:
		// server-to-client direction never carries these
		c.log.Warn("illegal_message", "type", m.MsgType(), "state", c.sess.State().String())
		_ = c.send(wire.Close{Reason: wire.CloseProtocolError})
		c.shutdown("protocol_error")
		return true
	}
	return false
}

func (c *Client) onDelta(d document.Delta) {
	c.repMu.Lock()
	cur := c.replica.Version()
	if d.To <= cur {
		// already reflected, typically by a snapshot that raced the broadcast
		c.repMu.Unlock()
		return
	}
	if d.From != cur {
		c.repMu.Unlock()
		// missed at least one broadcast: full resync instead of guessing
		c.degrade("version_gap")
		return
	}
	if err := c.replica.Apply(d); err != nil {
		c.repMu.Unlock()
		c.degrade("apply_failed")
		return
	}
	version := c.replica.Version()
	c.repMu.Unlock()

	c.emit(EventDelta, map[string]any{"version": version, "origin": d.Origin.String(), "ops": len(d.Ops)})
	c.maybeResubmit(version)
}

// onAck lands the client's own pending mutation. The hub routes Ack
// through the same per-session stream as Delta broadcasts, so at this
// point the replica is exactly one version behind.
func (c *Client) onAck(version uint64) {
	p := c.getPending()
	if p == nil {
		c.log.Warn("ack_without_pending", "version", version)
		return
	}
	c.repMu.Lock()
	if version <= c.replica.Version() {
		// a snapshot already covers this version
		c.repMu.Unlock()
		c.sess.SetLastAck(version)
		resolve(p, submitOutcome{version: version})
		return
	}
	err := c.replica.Apply(document.Delta{
		From:   version - 1,
		To:     version,
		Origin: c.sess.ID(),
		Ops:    p.ops,
	})
	c.repMu.Unlock()
	if err != nil {
		c.degrade("ack_out_of_order")
		return
	}
	c.sess.SetLastAck(version)
	c.emit(EventAck, map[string]any{"version": version})
	resolve(p, submitOutcome{version: version})
}

// onConflict: a concurrent mutation won the tie-break. Rebase on the
// fresher state and resubmit once the replica has caught up to it.
func (c *Client) onConflict(current uint64) {
	p := c.getPending()
	if p == nil {
		c.log.Warn("conflict_without_pending", "current", current)
		return
	}
	c.emit(EventConflict, map[string]any{"current": current})
	if c.Version() >= current {
		if err := c.sendSubmit(); err != nil {
			resolve(p, submitOutcome{err: err})
		}
		return
	}
	p.resubmit = current
}

func (c *Client) onSnapshot(snap document.Snapshot) {
	c.repMu.Lock()
	c.replica.Reset(snap)
	c.repMu.Unlock()

	if c.sess.State() == session.Degraded {
		if err := c.sess.Advance(session.Synchronized); err != nil {
			c.log.Warn("resync_transition", "err", err)
		}
	}
	c.emit(EventResynced, map[string]any{"version": snap.Version})

	// a submit in flight during the gap may or may not have been
	// admitted; ops are plain puts/deletes, so resubmitting is safe
	if p := c.getPending(); p != nil {
		if err := c.sendSubmit(); err != nil {
			resolve(p, submitOutcome{err: err})
		}
	}
}

// maybeResubmit retries a conflicted mutation once the replica reaches
// the version the conflict told us about.
func (c *Client) maybeResubmit(version uint64) {
	p := c.getPending()
	if p == nil || p.resubmit == 0 || version < p.resubmit {
		return
	}
	p.resubmit = 0
	if err := c.sendSubmit(); err != nil {
		resolve(p, submitOutcome{err: err})
	}
}

func (c *Client) degrade(reason string) {
	if c.sess.State() != session.Synchronized {
		return
	}
	if err := c.sess.Advance(session.Degraded); err != nil {
		return
	}
	c.emit(EventDegraded, map[string]any{"reason": reason})
	if err := c.send(wire.ResyncReq{Have: c.Version()}); err != nil {
		c.log.Warn("resync_req_send", "err", err)
	}
}

func (c *Client) sendSubmit() error {
	p := c.getPending()
	if p == nil {
		return nil
	}
	return c.send(wire.Submit{Base: c.Version(), Ops: p.ops})
}

// resolve completes a pending submit at most once.
func resolve(p *pendingSubmit, out submitOutcome) {
	select {
	case p.done <- out:
	default:
	}
}

func (c *Client) setPending(p *pendingSubmit) {
	c.pendMu.Lock()
	c.pending = p
	c.pendMu.Unlock()
}

func (c *Client) getPending() *pendingSubmit {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	return c.pending
}

func (c *Client) pingLoop() {
	defer c.wg.Done()
	t := time.NewTicker(c.pingEvery)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			if err := c.send(wire.Ping{}); err != nil {
				return
			}
		}
	}
}
