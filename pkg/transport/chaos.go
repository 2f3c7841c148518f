package transport

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// ChaosConfig shapes the fault model a ChaosConn injects. The protocol
// assumes reliable ordered delivery, so every fault here must surface at
// the session layer as a sequence gap and push it into degraded mode.
type ChaosConfig struct {
	// Probabilities [0..1]
	Loss    float64 // drop frame
	Dup     float64 // duplicate once
	Reorder float64 // add extra delay to cause reordering

	// Latency model
	BaseDelay time.Duration
	Jitter    time.Duration // +/- uniformly
	MaxQueue  int           // cap inbound queue

	// Link toggle
	Up bool

	// Seed. If 0, uses time.Now().UnixNano().
	Seed int64
}

// ChaosConn wraps a Conn so both directions pass through the fault model.
// Used by tests and the sim command to exercise gap detection and resync.
type ChaosConn struct {
	under Conn

	in     chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	up atomic.Bool

	cfgMu sync.RWMutex
	cfg   ChaosConfig

	rngMu sync.Mutex
	rng   *rand.Rand
}

func WrapChaos(under Conn, cfg ChaosConfig) *ChaosConn {
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 1024
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	cc := &ChaosConn{
		under: under,
		in:    make(chan []byte, cfg.MaxQueue),
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
	}
	cc.up.Store(cfg.Up)

	cc.ctx, cc.cancel = context.WithCancel(context.Background())
	cc.wg.Add(1)
	go cc.pumpRecv()
	return cc
}

func (c *ChaosConn) Close() {
	c.cancel()
	c.under.Close()
	c.wg.Wait()
}

func (c *ChaosConn) RemoteAddr() string { return c.under.RemoteAddr() }

func (c *ChaosConn) Recv(ctx context.Context) ([]byte, bool) {
	select {
	case f := <-c.in:
		return f, true
	default:
	}
	select {
	case <-ctx.Done():
		return nil, false
	case <-c.ctx.Done():
		return nil, false
	case f := <-c.in:
		return f, true
	}
}

func (c *ChaosConn) Send(frame []byte) error {
	if !c.up.Load() {
		// link down behaves like an I/O error
		return ErrClosed
	}
	cfg := c.getCfg()

	// Drop?
	if c.roll() < cfg.Loss {
		return nil
	}

	deliver := func(cp []byte, extraDelay time.Duration) {
		delay := c.delayWithJitter(cfg) + extraDelay
		if delay <= 0 {
			_ = c.under.Send(cp)
			return
		}
		time.AfterFunc(delay, func() { _ = c.under.Send(cp) })
	}

	deliver(clone(frame), 0)

	// Dup?
	if c.roll() < cfg.Dup {
		deliver(clone(frame), c.delayWithJitter(cfg))
	}
	return nil
}

func (c *ChaosConn) pumpRecv() {
	defer c.wg.Done()
	for {
		frame, ok := c.under.Recv(c.ctx)
		if !ok {
			return
		}
		cfg := c.getCfg()
		if c.roll() < cfg.Loss || !c.up.Load() {
			continue
		}

		extra := time.Duration(0)
		if c.roll() < cfg.Reorder {
			extra = c.delayWithJitter(cfg)
		}

		delay := c.delayWithJitter(cfg) + extra
		cp := clone(frame)
		if delay <= 0 {
			select {
			case c.in <- cp:
			default:
				// drop if receiver queue full
			}
			continue
		}
		time.AfterFunc(delay, func() {
			select {
			case c.in <- cp:
			default:
			}
		})
	}
}

// --- controls ---

func (c *ChaosConn) SetUp(up bool)     { c.up.Store(up) }
func (c *ChaosConn) SetLoss(p float64) { c.cfgMu.Lock(); c.cfg.Loss = clamp01(p); c.cfgMu.Unlock() }
func (c *ChaosConn) SetDup(p float64)  { c.cfgMu.Lock(); c.cfg.Dup = clamp01(p); c.cfgMu.Unlock() }
func (c *ChaosConn) SetReorder(p float64) {
	c.cfgMu.Lock()
	c.cfg.Reorder = clamp01(p)
	c.cfgMu.Unlock()
}

func (c *ChaosConn) getCfg() ChaosConfig { c.cfgMu.RLock(); defer c.cfgMu.RUnlock(); return c.cfg }

func (c *ChaosConn) delayWithJitter(cfg ChaosConfig) time.Duration {
	if cfg.Jitter <= 0 {
		return cfg.BaseDelay
	}
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	j := time.Duration(c.rng.Int63n(int64(cfg.Jitter)*2)) - cfg.Jitter
	return cfg.BaseDelay + j
}

func (c *ChaosConn) roll() float64 {
	c.rngMu.Lock()
	x := c.rng.Float64()
	c.rngMu.Unlock()
	return x
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
