// Command irc-relay keeps a set of IRC sessions connected and relays their
// traffic to browser viewers over WebSocket and SSE.
//
// It:
//   - Loads configuration and initializes structured logging.
//   - Opens the history store and applies migrations.
//   - Restores cached history and unseen highlights.
//   - Connects every configured server and runs the event pipeline.
//   - Serves /ws, /events, /status, /metrics and the admin API.
//   - Reloads server and channel lists when the config file changes.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/irc-relay/chat"
	"github.com/onnwee/irc-relay/config"
	"github.com/onnwee/irc-relay/db"
	"github.com/onnwee/irc-relay/linelog"
	"github.com/onnwee/irc-relay/notify"
	"github.com/onnwee/irc-relay/pipeline"
	"github.com/onnwee/irc-relay/server"
	"github.com/onnwee/irc-relay/telemetry"
)

const version = "1.0.0"

func main() {
	// Local dev convenience only; production relies on real env.
	_ = godotenv.Load(".env")

	if err := run(); err != nil {
		slog.Error("relay exited with error", slog.Any("err", err))
		os.Exit(1)
	}
}

func run() error {
	path := config.GetConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		// logging is not configured yet
		slog.Error("config load failed", slog.String("path", path), slog.Any("err", err))
		return err
	}

	logFile := telemetry.SetupLogging(telemetry.LogOptions{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	defer func() { _ = logFile.Close() }()

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing(telemetry.TracingOptions{
		ServiceName:    "irc-relay",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
		Servers:        cfg.ServerNames(),
	})
	if err != nil {
		return err
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := db.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	slog.Info("running database migrations", slog.String("component", "db_migrate"), slog.String("driver", store.Driver()))
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	var lines *linelog.Writer
	if cfg.Persist.LogDir != "" {
		lines = linelog.New(cfg.Persist.LogDir, cfg.Persist.LogMaxSizeMB, cfg.Persist.LogMaxBackups)
		defer func() { _ = lines.Close() }()
	}
	var persister *pipeline.Persister
	if lines != nil {
		persister = pipeline.NewPersister(store, lines)
	} else {
		persister = pipeline.NewPersister(store, nil)
	}

	mgr := chat.NewManager(ctx, nil, 0)
	for _, s := range cfg.Servers {
		if _, err := mgr.AddServer(s); err != nil {
			return err
		}
	}

	pusher, err := notify.New(cfg.Push)
	if err != nil {
		return err
	}
	opts := pipeline.Options{Config: cfg, Manager: mgr, Persister: persister}
	if pusher != nil {
		opts.Notifier = pusher
	}
	engine := pipeline.New(opts)
	if err := engine.Warm(ctx, store); err != nil {
		slog.Warn("history warm-up failed; starting with empty caches", slog.Any("err", err))
	}

	h := server.NewHandlers(ctx, cfg, engine, mgr, store)
	if pusher != nil {
		h.EnablePush(pusher)
	}

	startPprof()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error {
		persister.Run(gctx, cfg.Persist.FlushInterval.Duration)
		return nil
	})
	if pusher != nil {
		g.Go(func() error { return pusher.Run(gctx) })
	}
	g.Go(func() error {
		return db.StartRetentionJob(gctx, store, db.RetentionFromConfig(cfg.Retention))
	})
	g.Go(func() error { return server.Start(gctx, cfg.HTTPAddr, h) })
	g.Go(func() error {
		return config.Watch(gctx, path, func(next *config.Config) {
			mgr.Apply(next.Servers)
			engine.Reconfigure(next)
			h.SetConfig(next)
		})
	})

	slog.Info("connecting servers", slog.Int("count", len(cfg.Servers)))
	mgr.ConnectAll()

	<-gctx.Done()
	slog.Info("shutting down")
	mgr.Close()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// startPprof serves /debug/pprof when ENABLE_PPROF=1.
func startPprof() {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
	addr := os.Getenv("PPROF_ADDR")
	if addr == "" {
		addr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", addr))
		srv := &http.Server{
			Addr:              addr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
