package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"durable-job-queue/internal/archive"
	"durable-job-queue/internal/config"
	"durable-job-queue/internal/dispatcher"
	"durable-job-queue/internal/handlers"
	"durable-job-queue/internal/logging"
	"durable-job-queue/internal/store"
	"durable-job-queue/internal/telemetry"
	"durable-job-queue/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open store", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer st.Close()

	shutdownTracing := telemetry.InstallTracing(logger)
	defer shutdownTracing(context.Background())

	registry := worker.NewRegistry()
	if err := handlers.Register(registry, cfg, logger); err != nil {
		logger.Fatal("register handlers", zap.Error(err))
	}
	pool := worker.NewPool(cfg.WorkerConcurrency, registry,
		worker.WithTimeout(cfg.JobTimeout),
		worker.WithLogger(logger),
	)
	disp := dispatcher.New(st, pool, dispatcher.OptionsFromConfig(cfg), logger)

	if cfg.RetentionPeriod > 0 {
		sink, err := archive.NewSink(ctx, cfg)
		if err != nil {
			logger.Fatal("init archive sink", zap.Error(err))
		}
		sweeper, err := archive.New(st, sink, cfg.RetentionPeriod, logger).Schedule(ctx, cfg.RetentionSchedule, 5*time.Minute)
		if err != nil {
			logger.Fatal("schedule retention sweep", zap.Error(err))
		}
		defer sweeper.Stop()
	}

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		logger.Info("worker started",
			zap.String("worker_id", disp.WorkerID()),
			zap.Strings("job_types", registry.Types()),
			zap.Duration("job_timeout", cfg.JobTimeout),
			zap.Duration("backoff_initial", cfg.BackoffInitial),
		)
		return disp.Run(gctx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("worker stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
