// Package main provides the queue server: the REST API, the event stream and
// the ingestion scheduler.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raphaelgruber/knowhow-ingest/internal/backend"
	"github.com/raphaelgruber/knowhow-ingest/internal/config"
	"github.com/raphaelgruber/knowhow-ingest/internal/ingest"
	"github.com/raphaelgruber/knowhow-ingest/internal/metrics"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
	"github.com/raphaelgruber/knowhow-ingest/internal/retry"
	"github.com/raphaelgruber/knowhow-ingest/internal/server"
)

func main() {
	if err := run(); err != nil {
		slog.Error("knowhow-queue-server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Parse flags
	wipeDB := flag.Bool("wipe", false, "wipe all queue data on startup (testing only)")
	noWorker := flag.Bool("no-worker", false, "serve the API without running the scheduler")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logging
	logger, closeLog := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer func() { _ = closeLog() }()
	slog.SetDefault(logger)

	logger.Info("starting knowhow-queue-server", "port", cfg.ServerPort, "backend", cfg.Backend)

	policy, err := retry.NewPolicy(cfg.RetryDelays)
	if err != nil {
		return fmt.Errorf("retry policy: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := backend.Open(ctx, cfg, logger)
	cancel()
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(context.Background()); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}()

	// Wipe database if requested (via flag or env var)
	if *wipeDB || os.Getenv("KNOWHOW_WIPE_DB") == "true" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := store.WipeData(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("wipe data: %w", err)
		}
		logger.Warn("queue data wiped")
	}

	bus := queue.NewBus(64)
	defer bus.Close()
	collector := metrics.NewCollector()

	srv := server.New(store, server.Options{
		Bus:               bus,
		Collector:         collector,
		Logger:            logger,
		DefaultMaxRetries: &cfg.DefaultMaxRetries,
	})

	httpServer := &http.Server{
		Addr:        ":" + cfg.ServerPort,
		Handler:     srv.Handler(),
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)

	var scheduler *queue.Scheduler
	if cfg.WorkerEnabled && !*noWorker {
		fetcher := ingest.NewFetcher(&http.Client{}, logger)
		scheduler = queue.NewScheduler(store, fetcher, policy, queue.Options{
			MaxConcurrent: cfg.MaxConcurrentJobs,
			PollInterval:  cfg.PollInterval,
			JobTimeout:    cfg.JobTimeout,
			StaleAfter:    cfg.StaleAfter,
		},
			queue.WithBus(bus),
			queue.WithMetrics(collector),
			queue.WithLogger(logger.With("component", "scheduler")),
		)
		go func() {
			if err := scheduler.Run(ctx); err != nil {
				errCh <- fmt.Errorf("scheduler: %w", err)
			}
		}()
	} else {
		logger.Info("scheduler disabled, serving API only")
	}

	// Start server in goroutine
	go func() {
		logger.Info("queue API available", "url", fmt.Sprintf("http://localhost:%s/queue", cfg.ServerPort))
		logger.Info("metrics available", "url", fmt.Sprintf("http://localhost:%s/metrics", cfg.ServerPort))

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	// Wait for interrupt signal or a fatal component error
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down server...")
	case runErr = <-errCh:
		logger.Error("shutting down after failure", "error", runErr)
		stop()
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	if scheduler != nil {
		scheduler.Wait()
	}

	logger.Info("server stopped")
	return runErr
}
