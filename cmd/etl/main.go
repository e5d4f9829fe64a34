package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/aseinotegi/dgt-beacon-etl/internal/adapter/feed"
	"github.com/aseinotegi/dgt-beacon-etl/internal/adapter/httpadapter"
	kafkaadapter "github.com/aseinotegi/dgt-beacon-etl/internal/adapter/kafka"
	"github.com/aseinotegi/dgt-beacon-etl/internal/adapter/overpass"
	"github.com/aseinotegi/dgt-beacon-etl/internal/adapter/store"
	"github.com/aseinotegi/dgt-beacon-etl/internal/config"
	"github.com/aseinotegi/dgt-beacon-etl/internal/observability"
	"github.com/aseinotegi/dgt-beacon-etl/internal/pipeline"
	"github.com/aseinotegi/dgt-beacon-etl/internal/reconcile"
	"github.com/jonboulle/clockwork"
)

// isolationBatch caps how many beacons one prefetch run scores.
const isolationBatch = 50

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	db, err := store.Open(cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	if err := db.Migrate(context.Background()); err != nil {
		logger.Error("failed to migrate store", "error", err)
		os.Exit(1)
	}

	fetcher := feed.NewClient(feed.Options{
		Timeout:        cfg.FetchTimeout,
		ConnectTimeout: cfg.FetchConnectTimeout,
		MaxBytes:       cfg.FetchMaxBytes,
	}, clock, logger, metrics)
	engine := reconcile.NewEngine(db, clock, logger, reconcile.WithSkipUnchanged(cfg.SkipUnchanged))

	// Lifecycle events are optional (KAFKA_ENABLED).
	var publisher *kafkaadapter.Publisher
	var changes pipeline.ChangePublisher
	if cfg.KafkaEnabled {
		publisher = kafkaadapter.NewPublisher(cfg, logger)
		changes = publisher
		logger.Info("beacon event publishing enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	} else {
		logger.Info("beacon event publishing disabled")
	}

	coordinator := pipeline.New(feed.Endpoints(cfg), fetcher, engine, db, changes, clock, logger, metrics)
	srv := httpadapter.NewServer(cfg.HTTPAddr, coordinator, coordinator, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start sync coordinator.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := coordinator.Run(ctx, cfg.SyncInterval); err != nil {
			logger.Error("coordinator error", "error", err)
		}
	}()

	// Start isolation prefetch (feature-flagged via ISOLATION_ENABLED).
	if cfg.IsolationEnabled {
		client := overpass.NewClient(cfg.OverpassURL, cfg.OverpassTimeout, cfg.OverpassMinInterval, clock, logger, metrics)
		scorer := overpass.NewCachedScorer(client, cfg.IsolationCacheTTL, clock, logger, metrics)
		job := pipeline.NewIsolationJob(db, scorer, clock, logger, isolationBatch)
		logger.Info("isolation prefetch enabled", "interval", cfg.IsolationInterval, "cache_ttl", cfg.IsolationCacheTTL)

		wg.Add(1)
		go func() {
			defer wg.Done()
			job.Run(ctx, cfg.IsolationInterval)
		}()
	} else {
		logger.Info("isolation prefetch disabled")
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("sync cycle still running at shutdown deadline")
	}

	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}
	if err := db.Close(); err != nil {
		logger.Error("store close error", "error", err)
	}

	logger.Info("shutdown complete")
}
