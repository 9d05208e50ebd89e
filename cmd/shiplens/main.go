// Shiplens is a multi-tenant engineering delivery telemetry platform.
//
// One process hosts the sync workers, the job scheduler, the tenant
// websocket endpoints and the Prometheus metrics endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/shiplens/shiplens/internal/bus"
	"github.com/shiplens/shiplens/internal/config"
	"github.com/shiplens/shiplens/internal/insights"
	"github.com/shiplens/shiplens/internal/metrics"
	"github.com/shiplens/shiplens/internal/scheduler"
	"github.com/shiplens/shiplens/internal/secrets"
	"github.com/shiplens/shiplens/internal/store"
	"github.com/shiplens/shiplens/internal/telemetry"
	"github.com/shiplens/shiplens/internal/ws"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	configPath := flag.String("config", os.Getenv("SHIPLENS_CONFIG"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shiplens: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shiplens: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer func() {
		tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer tcancel()
		_ = shutdownTracing(tctx)
	}()

	st, err := store.Open(cfg.DatabaseURL, logger.Named("store"))
	if err != nil {
		logger.Fatal("cannot open store", zap.Error(err))
	}
	defer st.Close()

	var b bus.Bus
	if cfg.RedisURL != "" {
		rb, err := bus.NewRedisBus(cfg.RedisURL, logger.Named("bus"))
		if err != nil {
			logger.Fatal("cannot connect to redis", zap.Error(err))
		}
		b = rb
		logger.Info("redis bus connected")
	} else {
		b = bus.NewMemoryBus(256)
		logger.Info("in-memory bus (single node)")
	}
	defer b.Close()

	var box *secrets.Box
	if cfg.SealKey != "" {
		box, err = secrets.NewBox(cfg.SealKey)
		if err != nil {
			logger.Fatal("invalid seal key", zap.Error(err))
		}
	} else {
		logger.Warn("no seal key configured, source credentials cannot be opened")
	}

	gen := insights.NewGenerator(b, cfg.AI, logger.Named("insights"))

	sched := scheduler.New(st, cfg.Workers, logger.Named("scheduler"))
	sched.SetBus(b)
	tasks := &scheduler.Tasks{
		Root:      st,
		Bus:       b,
		Box:       box,
		Generator: gen,
		Logger:    logger.Named("tasks"),
	}
	tasks.Register(sched)
	if err := sched.Start(ctx); err != nil {
		logger.Fatal("scheduler start failed", zap.Error(err))
	}
	defer sched.Stop()

	go metrics.WatchQueueDepth(ctx.Done(), st, 15*time.Second)

	hub := ws.NewHub(st, b, ws.TokenAuthenticator(cfg.AdminToken, cfg.SessionSecret), logger.Named("ws"))

	mux := http.NewServeMux()
	hub.Routes(mux)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s (%s)\n", version, commit)
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting shiplens",
		zap.String("addr", cfg.ListenAddr),
		zap.String("version", version),
		zap.Int("workers", cfg.Workers),
		zap.Bool("redis", cfg.RedisURL != ""),
		zap.Bool("tracing", cfg.OTLPEndpoint != ""))

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		var err error
		lvl, err = zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q", level)
		}
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
