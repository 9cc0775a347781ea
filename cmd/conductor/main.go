package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/ErlanBelekov/dist-job-scheduler/config"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/board/fetch"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/conductor"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/engine/memstore"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/health"
	ctxlog "github.com/ErlanBelekov/dist-job-scheduler/internal/log"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/metrics"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/notifier"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
)

// runner is satisfied by both conductor.Blocking and conductor.NonBlocking.
type runner interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	Run(ctx context.Context, maxDispatches int) error
	Stop()
	Wait(timeout time.Duration) bool
	Notifier() *notifier.Notifier
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	// Shared across the board (which creates flow details at post time)
	// and the conductor (which loads them at dispatch time) — they must
	// be the same in-process store, not independent instances.
	persistence := memstore.NewPersistence()

	b, err := fetch.Fetch(fetch.Spec{
		Backend:        cfg.BoardBackend,
		Root:           cfg.BoardRoot,
		Servers:        cfg.ZKServers,
		SessionTimeout: cfg.ZKSessionTimeout,
		Addr:           cfg.RedisAddr,
		Lease:          cfg.RedisLease,
		Persistence:    persistence,
	})
	if err != nil {
		stop()
		log.Fatalf("board: %v", err)
	}

	metrics.Register()
	checker := health.NewChecker(b, logger, prometheus.DefaultRegisterer)

	opts := conductor.Options{
		Persistence:        persistence,
		Loader:             memstore.NewLoader(),
		WaitTimeout:        cfg.WaitTimeout,
		CompilerErrorLimit: cfg.CompilerErrorLimit,
		Logger:             logger,
	}

	var c runner
	if cfg.Blocking {
		c, err = conductor.NewBlocking(cfg.Name, b, opts)
	} else {
		poolSize := cfg.PoolSize
		c, err = conductor.NewNonBlocking(cfg.Name, b, opts, func() *pool.Pool {
			return pool.New().WithMaxGoroutines(poolSize)
		})
	}
	if err != nil {
		stop()
		log.Fatalf("conductor: %v", err)
	}

	metrics.Bind(c.Notifier())
	metrics.ConductorStartTime.SetToCurrentTime()

	if err := c.Connect(ctx); err != nil {
		stop()
		log.Fatalf("conductor connect: %v", err)
	}
	logger.Info("conductor connected", "name", cfg.Name)

	go func() {
		if err := c.Run(ctx, cfg.MaxDispatches); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("conductor run loop exited", "error", err)
		}
	}()

	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker)
	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()
	metrics.ConductorShutdownsTotal.Inc()
	c.Stop()
	if !c.Wait(10 * time.Second) {
		logger.Warn("conductor shutdown timed out waiting for in-flight dispatches")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}
	if err := c.Close(shutdownCtx); err != nil {
		logger.Error("conductor close", "error", err)
	}

	logger.Info("conductor shut down")
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var inner slog.Handler
	if env == "local" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}
	return slog.New(ctxlog.NewContextHandler(inner))
}
