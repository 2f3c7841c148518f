// Command sim runs an in-process cluster: one hub and N clients joined
// over chaotic links. Writers mutate a shared keyspace for most of the
// run, then quiesce so convergence can be measured.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ConstantineB6/femtanyl.systems/internal/hub"
	"github.com/ConstantineB6/femtanyl.systems/pkg/client"
	"github.com/ConstantineB6/femtanyl.systems/pkg/engine"
	"github.com/ConstantineB6/femtanyl.systems/pkg/model"
	"github.com/ConstantineB6/femtanyl.systems/pkg/transport"
)

var (
	flClients       = flag.Int("clients", 5, "number of clients")
	flDuration      = flag.Duration("duration", 30*time.Second, "run duration")
	flWriteInterval = flag.Duration("write-interval", 250*time.Millisecond, "mean interval between writes per client")
	flKeyspace      = flag.Int("keyspace", 16, "distinct keys; smaller means more conflicts")
	flHistory       = flag.Int("history", 256, "delta history window")
	flQuiesce       = flag.Duration("quiesce", 5*time.Second, "stop writers this long before the end")
	flSeed          = flag.Int64("seed", 1, "rng seed")

	// chaos knobs
	flLoss   = flag.Float64("loss", 0.02, "drop probability [0..1]")
	flDup    = flag.Float64("dup", 0.01, "dup probability [0..1]")
	flReord  = flag.Float64("reorder", 0.05, "reorder probability [0..1]")
	flDelay  = flag.Duration("delay", 2*time.Millisecond, "base one-way delay")
	flJitter = flag.Duration("jitter", 3*time.Millisecond, "jitter (+/-)")

	flFailurePeriod = flag.Duration("failure-period", 0, "mean time between random link failures (0=off)")
	flRecoveryDelay = flag.Duration("recovery-delay", 2*time.Second, "time a failed link stays down")

	flPrintEvents = flag.Bool("print-events", false, "print client protocol events")
)

type simClient struct {
	name  string
	c     *client.Client
	chaos *transport.ChaosConn
}

type tally struct {
	submits   atomic.Int64
	accepted  atomic.Int64
	errors    atomic.Int64
	conflicts atomic.Int64
	degraded  atomic.Int64
	resyncs   atomic.Int64
}

func main() {
	flag.Parse()
	if *flClients < 2 {
		fmt.Println("need at least 2 clients")
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sw := transport.NewSwitch()
	ln, err := sw.Listen("hub")
	if err != nil {
		panic(err)
	}
	eng := engine.New(engine.WithHistory(*flHistory), engine.WithLogger(logger))
	h := hub.New(eng, hub.WithLogger(logger))
	go func() { _ = h.Serve(ctx, ln) }()

	var stats tally
	var wg sync.WaitGroup

	clients := make([]*simClient, *flClients)
	for i := range clients {
		conn, err := sw.Dial("hub")
		if err != nil {
			panic(err)
		}
		cc := transport.WrapChaos(conn, transport.ChaosConfig{
			Loss:      *flLoss,
			Dup:       *flDup,
			Reorder:   *flReord,
			BaseDelay: *flDelay,
			Jitter:    *flJitter,
			Up:        true,
			Seed:      *flSeed + int64(i),
		})
		name := fmt.Sprintf("C%02d", i)
		events := make(chan client.Event, 256)
		c := client.New(cc,
			client.WithName(name),
			client.WithEvents(events),
			client.WithLogger(logger),
			client.WithPingEvery(time.Second),
		)
		cctx, ccancel := context.WithTimeout(ctx, 5*time.Second)
		err = c.Connect(cctx)
		ccancel()
		if err != nil {
			panic(fmt.Sprintf("connect %s: %v", name, err))
		}
		clients[i] = &simClient{name: name, c: c, chaos: cc}

		wg.Add(1)
		go func() {
			defer wg.Done()
			drainEvents(ctx, name, events, &stats)
		}()
	}

	// writers run until the quiesce point
	writeCtx, stopWrites := context.WithTimeout(ctx, *flDuration-*flQuiesce)
	defer stopWrites()
	for i, sc := range clients {
		wg.Add(1)
		go func(i int, sc *simClient) {
			defer wg.Done()
			writer(writeCtx, sc, rand.New(rand.NewSource(*flSeed+100+int64(i))), &stats)
		}(i, sc)
	}

	if *flFailurePeriod > 0 {
		go linkBreaker(writeCtx, clients, rand.New(rand.NewSource(*flSeed+999)))
	}

	<-writeCtx.Done()
	fmt.Printf("writers stopped, quiescing for %s\n", *flQuiesce)

	convergedAt := waitConvergence(ctx, eng, clients, *flQuiesce)

	snap, err := eng.Snapshot(ctx, "main")
	if err != nil {
		panic(err)
	}
	fmt.Printf("\n--- run report ---\n")
	fmt.Printf("clients          %d\n", *flClients)
	fmt.Printf("final version    %d\n", snap.Version)
	fmt.Printf("keys             %d\n", len(snap.Entries))
	fmt.Printf("submits          %d (accepted %d, errors %d)\n",
		stats.submits.Load(), stats.accepted.Load(), stats.errors.Load())
	fmt.Printf("conflicts        %d\n", stats.conflicts.Load())
	fmt.Printf("degraded events  %d\n", stats.degraded.Load())
	fmt.Printf("resyncs          %d\n", stats.resyncs.Load())
	if convergedAt >= 0 {
		fmt.Printf("converged        yes, %s after quiesce\n", convergedAt.Round(time.Millisecond))
	} else {
		fmt.Printf("converged        NO\n")
	}

	for _, sc := range clients {
		sc.c.Close()
	}
	cancel()
	wg.Wait()
	eng.Close()

	if convergedAt < 0 {
		os.Exit(1)
	}
}

func writer(ctx context.Context, sc *simClient, rng *rand.Rand, stats *tally) {
	for {
		mean := float64(*flWriteInterval)
		sleep := time.Duration(rng.ExpFloat64() * mean)
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}

		key := fmt.Sprintf("key-%02d", rng.Intn(*flKeyspace))
		val := []byte(fmt.Sprintf("%s@%d", sc.name, time.Now().UnixNano()))
		stats.submits.Add(1)

		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := sc.c.Submit(sctx, model.Put(key, val))
		cancel()
		if err != nil {
			stats.errors.Add(1)
			continue
		}
		stats.accepted.Add(1)
	}
}

func drainEvents(ctx context.Context, name string, events chan client.Event, stats *tally) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			switch ev.Type {
			case client.EventConflict:
				stats.conflicts.Add(1)
			case client.EventDegraded:
				stats.degraded.Add(1)
			case client.EventResynced:
				stats.resyncs.Add(1)
			}
			if *flPrintEvents {
				fmt.Printf("[%s] %s %v\n", name, ev.Type, ev.Fields)
			}
		}
	}
}

// linkBreaker takes random links down for a while, forcing gap detection
// and resync on recovery.
func linkBreaker(ctx context.Context, clients []*simClient, rng *rand.Rand) {
	for {
		sleep := time.Duration(rng.ExpFloat64() * float64(*flFailurePeriod))
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
		sc := clients[rng.Intn(len(clients))]
		fmt.Printf("[%s] link down\n", sc.name)
		sc.chaos.SetUp(false)
		time.AfterFunc(*flRecoveryDelay, func() {
			fmt.Printf("[%s] link up\n", sc.name)
			sc.chaos.SetUp(true)
		})
	}
}

// waitConvergence polls until every replica matches the engine's document
// or the deadline passes. Returns the time it took, or -1.
func waitConvergence(ctx context.Context, eng *engine.Engine, clients []*simClient, window time.Duration) time.Duration {
	start := time.Now()
	deadline := start.Add(window)
	for time.Now().Before(deadline) {
		snap, err := eng.Snapshot(ctx, "main")
		if err != nil {
			return -1
		}
		want := snap.Fingerprint()
		all := true
		for _, sc := range clients {
			if sc.c.Fingerprint() != want {
				all = false
				break
			}
		}
		if all {
			return time.Since(start)
		}
		time.Sleep(50 * time.Millisecond)
	}
	return -1
}
