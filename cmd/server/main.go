// Command server hosts synchronized documents over websocket and raw TCP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ConstantineB6/femtanyl.systems/internal/config"
	"github.com/ConstantineB6/femtanyl.systems/internal/hub"
	"github.com/ConstantineB6/femtanyl.systems/internal/store"
	"github.com/ConstantineB6/femtanyl.systems/pkg/engine"
	"github.com/ConstantineB6/femtanyl.systems/pkg/metrics"
	"github.com/ConstantineB6/femtanyl.systems/pkg/session"
	"github.com/ConstantineB6/femtanyl.systems/pkg/transport"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server_failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	st, err := store.Open(cfg.DataPath)
	if err != nil {
		return err
	}
	defer st.Close()

	eng := engine.New(
		engine.WithHistory(cfg.HistoryWindow),
		engine.WithLogger(logger),
	)
	defer eng.Close()

	names, err := st.ListDocuments(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		snap, err := st.LoadDocument(ctx, name)
		if err != nil {
			return err
		}
		eng.Open(name, &snap)
		logger.Info("document_loaded", "doc", name, "version", snap.Version)
	}

	if err := metrics.Register(nil); err != nil {
		return err
	}

	notifier := session.NewNotifier()
	h := hub.New(eng,
		hub.WithLogger(logger),
		hub.WithNotifier(notifier),
		hub.WithHandshakeTimeout(cfg.HandshakeTimeout),
		hub.WithIdleTimeout(cfg.IdleTimeout),
		hub.WithCheckpointer(st, cfg.CheckpointInterval),
	)

	wsl := transport.NewWSListener(cfg.HTTPAddr())

	r := chi.NewRouter()
	r.Handle("/ws", wsl.Handler())
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	httpSrv := &http.Server{Addr: cfg.HTTPAddr(), Handler: r}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return h.Serve(ctx, wsl) })
	g.Go(func() error { return h.Checkpoint(ctx) })

	if cfg.TCPAddr != "" {
		tln, err := transport.ListenTCP(cfg.TCPAddr)
		if err != nil {
			return err
		}
		g.Go(func() error { return h.Serve(ctx, tln) })
		g.Go(func() error {
			<-ctx.Done()
			tln.Close()
			return nil
		})
	}

	g.Go(func() error {
		err := httpSrv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		wsl.Close()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutCtx)
	})

	g.Go(func() error {
		events := notifier.Subscribe(128)
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-events:
				logger.Debug("session_state",
					"session", ev.Session.String(),
					"from", ev.From.String(),
					"to", ev.To.String())
			}
		}
	})

	logger.Info("server_listening", "http", cfg.HTTPAddr(), "tcp", cfg.TCPAddr, "data", cfg.DataPath)
	return g.Wait()
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
