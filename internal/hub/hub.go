// Package hub accepts transport connections and speaks the sync protocol
// on behalf of the reconciliation engine. One goroutine pair per
// connection: a reader that drives the session state machine and a writer
// that owns the outbound sequence numbers.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ConstantineB6/femtanyl.systems/pkg/document"
	"github.com/ConstantineB6/femtanyl.systems/pkg/engine"
	"github.com/ConstantineB6/femtanyl.systems/pkg/session"
	"github.com/ConstantineB6/femtanyl.systems/pkg/transport"
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultIdleTimeout      = 5 * time.Minute
	defaultCheckpointEvery  = 30 * time.Second
)

// Checkpointer persists document snapshots between restarts.
type Checkpointer interface {
	SaveDocument(ctx context.Context, doc string, snap document.Snapshot) error
}

// Hub serves sync sessions over any transport.Listener.
type Hub struct {
	eng    *engine.Engine
	log    *slog.Logger
	events *session.Notifier

	handshakeTimeout time.Duration
	idleTimeout      time.Duration

	store           Checkpointer
	checkpointEvery time.Duration

	wg sync.WaitGroup
}

type Option func(*Hub)

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.log = l }
}

// WithNotifier publishes session state transitions to subscribers.
func WithNotifier(n *session.Notifier) Option {
	return func(h *Hub) { h.events = n }
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.handshakeTimeout = d
		}
	}
}

// WithIdleTimeout closes sessions that send nothing for d. Zero disables
// the watchdog.
func WithIdleTimeout(d time.Duration) Option {
	return func(h *Hub) { h.idleTimeout = d }
}

// WithCheckpointer persists every hosted document to cp at the given
// interval while Checkpoint runs.
func WithCheckpointer(cp Checkpointer, every time.Duration) Option {
	return func(h *Hub) {
		h.store = cp
		if every > 0 {
			h.checkpointEvery = every
		}
	}
}

func New(eng *engine.Engine, opts ...Option) *Hub {
	h := &Hub{
		eng:              eng,
		log:              slog.Default(),
		handshakeTimeout: defaultHandshakeTimeout,
		idleTimeout:      defaultIdleTimeout,
		checkpointEvery:  defaultCheckpointEvery,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Serve accepts connections from l until ctx is canceled or the listener
// closes. It blocks, and waits for in-flight sessions before returning.
func (h *Hub) Serve(ctx context.Context, l transport.Listener) error {
	defer h.wg.Wait()
	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.handle(ctx, conn)
		}()
	}
}

// Checkpoint periodically snapshots every hosted document into the
// configured store. It blocks until ctx is canceled, then writes one
// final checkpoint.
func (h *Hub) Checkpoint(ctx context.Context) error {
	if h.store == nil {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(h.checkpointEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.checkpointAll(ctx)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			h.checkpointAll(flushCtx)
			cancel()
			return nil
		}
	}
}

func (h *Hub) checkpointAll(ctx context.Context) {
	for _, doc := range h.eng.Docs() {
		snap, err := h.eng.Snapshot(ctx, doc)
		if err != nil {
			h.log.Warn("checkpoint_snapshot_failed", "doc", doc, "err", err)
			continue
		}
		if err := h.store.SaveDocument(ctx, doc, snap); err != nil {
			h.log.Warn("checkpoint_save_failed", "doc", doc, "err", err)
			continue
		}
		h.log.Debug("checkpoint_saved", "doc", doc, "version", snap.Version)
	}
}

