// Package engine serializes mutations into one total order per document.
// Each document runs as a single goroutine that owns the only mutable
// Document instance; sessions talk to it exclusively through message
// passing, so no error or stall in one session can corrupt another's view.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ConstantineB6/femtanyl.systems/pkg/document"
	"github.com/ConstantineB6/femtanyl.systems/pkg/hlc"
	"github.com/ConstantineB6/femtanyl.systems/pkg/model"
)

// ErrStaleBase reports a mutation whose base version is outside the
// retained delta history. The session cannot rebase incrementally and must
// resynchronize with a full snapshot.
var ErrStaleBase = errors.New("engine: stale base version")

var ErrClosed = errors.New("engine: closed")

type Status uint8

const (
	// Accepted: the mutation was admitted, the version advanced by one,
	// and the delta was broadcast.
	Accepted Status = iota
	// Conflict: a concurrent mutation against the same base won the
	// tie-break; the origin must rebase against Version and resubmit.
	Conflict
	// StaleBase: the base is unknown or too old to rebase against.
	StaleBase
)

func (s Status) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case Conflict:
		return "conflict"
	case StaleBase:
		return "stale_base"
	}
	return "unknown"
}

// Submission is one mutation proposal: origin session, the version the
// client last observed, and the ops to apply atomically.
type Submission struct {
	Doc    string
	Origin model.SessionID
	Base   uint64
	Ops    []model.Op
}

// Result is the engine's verdict on a submission. Version is the new
// document version on Accepted and the current version otherwise, so a
// conflicted client knows what to rebase against.
type Result struct {
	Status  Status
	Version uint64
	Delta   document.Delta // populated on Accepted
}

const defaultHistory = 256

// Engine hosts one actor per document. Documents are independent; there
// is no cross-document coordination of any kind.
type Engine struct {
	mu     sync.Mutex
	docs   map[string]*docActor
	closed bool

	clock   *hlc.Clock
	history int
	log     *slog.Logger
}

type Option func(*Engine)

// WithHistory sets how many deltas each document retains for incremental
// rebase. Older bases force a full resync.
func WithHistory(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.history = n
		}
	}
}

func WithClock(c *hlc.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func New(opts ...Option) *Engine {
	e := &Engine{
		docs:    make(map[string]*docActor),
		clock:   hlc.New(),
		history: defaultHistory,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Open ensures the document exists, seeding it from snap when the actor
// is created for the first time (boot from a checkpoint).
func (e *Engine) Open(doc string, snap *document.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if _, ok := e.docs[doc]; ok {
		return
	}
	e.docs[doc] = newDocActor(e, doc, snap)
}

func (e *Engine) actor(doc string) (*docActor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	a, ok := e.docs[doc]
	if !ok {
		a = newDocActor(e, doc, nil)
		e.docs[doc] = a
	}
	return a, nil
}

// Docs lists the documents currently hosted.
func (e *Engine) Docs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.docs))
	for id := range e.docs {
		out = append(out, id)
	}
	return out
}

// Submit hands a mutation to the document's actor and waits for the
// verdict.
func (e *Engine) Submit(ctx context.Context, sub Submission) (Result, error) {
	a, err := e.actor(sub.Doc)
	if err != nil {
		return Result{}, err
	}
	resp := make(chan Result, 1)
	if err := a.post(ctx, submitCmd{sub: sub, resp: resp}); err != nil {
		return Result{}, err
	}
	select {
	case r := <-resp:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-a.done:
		return Result{}, ErrClosed
	}
}

// Attach registers a delta subscriber and returns a snapshot consistent
// with the subscription point: every delta after the snapshot's version
// arrives on ch, none before it.
func (e *Engine) Attach(ctx context.Context, doc string, sid model.SessionID, ch chan document.Delta) (document.Snapshot, error) {
	a, err := e.actor(doc)
	if err != nil {
		return document.Snapshot{}, err
	}
	resp := make(chan document.Snapshot, 1)
	if err := a.post(ctx, attachCmd{sid: sid, ch: ch, resp: resp}); err != nil {
		return document.Snapshot{}, err
	}
	select {
	case s := <-resp:
		return s, nil
	case <-ctx.Done():
		return document.Snapshot{}, ctx.Err()
	case <-a.done:
		return document.Snapshot{}, ErrClosed
	}
}

// Detach removes a subscriber. Pending deltas for that subscriber are
// discarded; admitted mutations are never rolled back.
func (e *Engine) Detach(doc string, sid model.SessionID) {
	e.mu.Lock()
	a, ok := e.docs[doc]
	e.mu.Unlock()
	if !ok {
		return
	}
	_ = a.post(context.Background(), detachCmd{sid: sid})
}

// Snapshot returns a consistent full copy of the document, for resyncs
// and checkpoints.
func (e *Engine) Snapshot(ctx context.Context, doc string) (document.Snapshot, error) {
	a, err := e.actor(doc)
	if err != nil {
		return document.Snapshot{}, err
	}
	resp := make(chan document.Snapshot, 1)
	if err := a.post(ctx, snapshotCmd{resp: resp}); err != nil {
		return document.Snapshot{}, err
	}
	select {
	case s := <-resp:
		return s, nil
	case <-ctx.Done():
		return document.Snapshot{}, ctx.Err()
	case <-a.done:
		return document.Snapshot{}, ErrClosed
	}
}

// Close stops every document actor. Outstanding submissions fail with
// ErrClosed.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	actors := make([]*docActor, 0, len(e.docs))
	for _, a := range e.docs {
		actors = append(actors, a)
	}
	e.mu.Unlock()

	for _, a := range actors {
		a.stop()
	}
}
