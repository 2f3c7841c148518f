package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/ConstantineB6/femtanyl.systems/pkg/document"
	"github.com/ConstantineB6/femtanyl.systems/pkg/metrics"
	"github.com/ConstantineB6/femtanyl.systems/pkg/model"
)

type command interface{}

type submitCmd struct {
	sub  Submission
	resp chan Result
}

type attachCmd struct {
	sid  model.SessionID
	ch   chan document.Delta
	resp chan document.Snapshot
}

type detachCmd struct {
	sid model.SessionID
}

type snapshotCmd struct {
	resp chan document.Snapshot
}

// docActor owns one Document. All reads and writes happen on its loop
// goroutine; the rest of the process only ever sees copies.
type docActor struct {
	e    *Engine
	id   string
	doc  *document.Document
	hist []document.Delta // oldest first, capped at e.history
	subs map[model.SessionID]chan document.Delta

	inbox chan command
	done  chan struct{}
	once  sync.Once
}

func newDocActor(e *Engine, id string, snap *document.Snapshot) *docActor {
	a := &docActor{
		e:     e,
		id:    id,
		doc:   document.New(),
		subs:  make(map[model.SessionID]chan document.Delta),
		inbox: make(chan command, 256),
		done:  make(chan struct{}),
	}
	if snap != nil {
		a.doc.Reset(*snap)
	}
	go a.loop()
	return a
}

func (a *docActor) post(ctx context.Context, cmd command) error {
	select {
	case a.inbox <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return ErrClosed
	}
}

func (a *docActor) stop() {
	a.once.Do(func() { close(a.done) })
}

func (a *docActor) loop() {
	for {
		select {
		case <-a.done:
			return
		case cmd := <-a.inbox:
			switch c := cmd.(type) {
			case submitCmd:
				a.handleBatch(c)
			case attachCmd:
				a.subs[c.sid] = c.ch
				c.resp <- a.doc.Snapshot()
			case detachCmd:
				delete(a.subs, c.sid)
			case snapshotCmd:
				c.resp <- a.doc.Snapshot()
			}
		}
	}
}

// handleBatch drains every submission already waiting in the inbox and
// admits them in deterministic order: by base version, then by origin
// session id. Concurrent mutations against the same base therefore
// resolve identically no matter how arrival happened to interleave, and
// the lexicographically smaller session id wins a same-base conflict.
func (a *docActor) handleBatch(first submitCmd) {
	batch := []submitCmd{first}
drain:
	for {
		select {
		case cmd := <-a.inbox:
			switch c := cmd.(type) {
			case submitCmd:
				batch = append(batch, c)
			case attachCmd:
				a.subs[c.sid] = c.ch
				c.resp <- a.doc.Snapshot()
			case detachCmd:
				delete(a.subs, c.sid)
			case snapshotCmd:
				c.resp <- a.doc.Snapshot()
			}
		default:
			break drain
		}
	}

	sort.SliceStable(batch, func(i, j int) bool {
		si, sj := batch[i].sub, batch[j].sub
		if si.Base != sj.Base {
			return si.Base < sj.Base
		}
		return si.Origin.Less(sj.Origin)
	})

	for _, c := range batch {
		c.resp <- a.admit(c.sub)
	}
}

func (a *docActor) admit(sub Submission) Result {
	cur := a.doc.Version()

	switch {
	case sub.Base > cur:
		// the client claims to have seen a future we never produced
		a.e.log.Warn("submit_stale_base", "doc", a.id, "origin", sub.Origin.String(), "base", sub.Base, "current", cur)
		return Result{Status: StaleBase, Version: cur}

	case sub.Base < cur:
		if !a.baseRetained(sub.Base) {
			a.e.log.Warn("submit_base_evicted", "doc", a.id, "origin", sub.Origin.String(), "base", sub.Base, "current", cur)
			return Result{Status: StaleBase, Version: cur}
		}
		if a.overlapsSince(sub.Base, sub.Ops) {
			a.e.log.Info("submit_conflict", "doc", a.id, "origin", sub.Origin.String(), "base", sub.Base, "current", cur)
			return Result{Status: Conflict, Version: cur}
		}
		// concurrent but disjoint: trivially rebased onto the current tip
	}

	return a.apply(sub)
}

func (a *docActor) apply(sub Submission) Result {
	cur := a.doc.Version()
	ops := make([]model.Op, len(sub.Ops))
	copy(ops, sub.Ops)
	delta := document.Delta{
		From:   cur,
		To:     cur + 1,
		Origin: sub.Origin,
		HLC:    a.e.clock.Now(),
		Ops:    ops,
	}
	if err := a.doc.Apply(delta); err != nil {
		// cannot happen: From is read under the same serialization
		a.e.log.Error("apply_failed", "doc", a.id, "err", err)
		return Result{Status: StaleBase, Version: cur}
	}

	a.hist = append(a.hist, delta)
	if len(a.hist) > a.e.history {
		a.hist = a.hist[len(a.hist)-a.e.history:]
	}

	a.e.log.Debug("delta_admitted", "doc", a.id, "origin", sub.Origin.String(), "version", delta.To, "ops", len(ops))
	a.broadcast(delta)
	return Result{Status: Accepted, Version: delta.To, Delta: delta}
}

// baseRetained reports whether every delta in (base, current] is still in
// the history window, i.e. the engine can still reason about what the
// client has not seen.
func (a *docActor) baseRetained(base uint64) bool {
	if len(a.hist) == 0 {
		return false
	}
	return base >= a.hist[0].From
}

func (a *docActor) overlapsSince(base uint64, ops []model.Op) bool {
	touched := make(map[string]struct{})
	for _, d := range a.hist {
		if d.From < base {
			continue
		}
		for _, op := range d.Ops {
			touched[op.Key] = struct{}{}
		}
	}
	return model.Overlaps(ops, touched)
}

// broadcast fans the delta out without ever blocking the actor. A
// subscriber whose queue is full simply misses the delta; its replica
// will notice the version gap and resynchronize with a snapshot.
func (a *docActor) broadcast(delta document.Delta) {
	metrics.BroadcastFanout.Observe(float64(len(a.subs)))
	for sid, ch := range a.subs {
		select {
		case ch <- delta:
		default:
			a.e.log.Warn("subscriber_overrun", "doc", a.id, "session", sid.String(), "version", delta.To)
		}
	}
}
