// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/fluxtrack/bitset"
	bitsetbadger "github.com/absmach/fluxtrack/bitset/badger"
	"github.com/absmach/fluxtrack/config"
	"github.com/absmach/fluxtrack/otel"
	"github.com/absmach/fluxtrack/reaper"
	"github.com/absmach/fluxtrack/store"
	storebadger "github.com/absmach/fluxtrack/store/badger"
	"github.com/absmach/fluxtrack/store/memory"
	"github.com/absmach/fluxtrack/subscription"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	otelglobal "go.opentelemetry.io/otel"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	instanceID := uuid.NewString()
	slog.Info("Starting delivery tracker", "version", "0.1.0", "instance", instanceID)
	slog.Info("Configuration loaded",
		"storage", cfg.Storage.Type,
		"block_size", cfg.Tracker.BlockSize,
		"rollback_policy", cfg.Tracker.RollbackPolicy,
		"reaper_workers", cfg.Reaper.Workers,
		"metrics_enabled", cfg.Metrics.Enabled,
		"log_level", cfg.Log.Level)

	var otelShutdown func(context.Context) error
	if cfg.Metrics.Enabled || cfg.Metrics.TracesEnabled {
		shutdown, err := otel.InitProvider(cfg.Metrics, instanceID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Metrics.OTLPEndpoint)
	}

	volatile, err := bitset.NewMemoryFactory(bitset.Config{BlockSize: cfg.Tracker.BlockSize})
	if err != nil {
		slog.Error("Failed to create memory block factory", "error", err)
		os.Exit(1)
	}

	var (
		messages store.MessageStore
		durable  bitset.Factory
		db       *badger.DB
	)
	switch cfg.Storage.Type {
	case "memory":
		messages = memory.NewMessageStore()
		durable = volatile
		slog.Info("Using in-memory storage")
	case "badger":
		opts := badger.DefaultOptions(cfg.Storage.BadgerDir).
			WithSyncWrites(cfg.Storage.SyncWrites).
			WithLogger(nil)
		db, err = badger.Open(opts)
		if err != nil {
			slog.Error("Failed to open BadgerDB", "error", err)
			os.Exit(1)
		}
		messages = storebadger.New(db)
		f, err := bitsetbadger.New(db, bitsetbadger.Config{
			Dir:           cfg.Storage.BadgerDir,
			BlockSize:     cfg.Tracker.BlockSize,
			SyncWrites:    cfg.Storage.SyncWrites,
			FlushInterval: cfg.Storage.FlushInterval,
			GCInterval:    cfg.Storage.GCInterval,
			Compression:   bitsetbadger.Compression(cfg.Storage.Compression),
		}, logger)
		if err != nil {
			slog.Error("Failed to create persistent block factory", "error", err)
			os.Exit(1)
		}
		durable = f
		slog.Info("Using BadgerDB persistent storage", "dir", cfg.Storage.BadgerDir)
	default:
		slog.Error("Unknown storage type", "type", cfg.Storage.Type)
		os.Exit(1)
	}

	rp, err := reaper.New(cfg.Reaper, messages, logger)
	if err != nil {
		slog.Error("Failed to create reaper", "error", err)
		os.Exit(1)
	}

	subs, err := subscription.New(cfg.Tracker, subscription.Factories{
		Durable:  durable,
		Volatile: volatile,
	}, rp, logger)
	if err != nil {
		slog.Error("Failed to create subscription manager", "error", err)
		os.Exit(1)
	}

	var (
		metrics *otel.Metrics
		rec     recorder
	)
	if cfg.Metrics.Enabled {
		metrics, err = otel.NewMetrics(otelglobal.GetMeterProvider(), subs, rp)
		if err != nil {
			slog.Error("Failed to create metrics", "error", err)
			os.Exit(1)
		}
		rec = metrics
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if cfg.Workload.Duration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, cfg.Workload.Duration)
		defer stop()
	}

	w := newWorkload(cfg.Workload, subs, messages, rp, rec, logger)
	slog.Info("Delivery tracker started")
	if err := w.Run(ctx); err != nil {
		slog.Error("Workload failed", "error", err)
	}
	slog.Info("Shutting down", "published", w.Published())

	if metrics != nil {
		if err := metrics.Close(); err != nil {
			slog.Error("Failed to unregister metrics", "error", err)
		}
	}
	if err := subs.Close(); err != nil {
		slog.Error("Failed to close subscriptions", "error", err)
	}
	if err := rp.Close(); err != nil {
		slog.Error("Failed to stop reaper", "error", err)
	}
	if f, ok := durable.(*bitsetbadger.Factory); ok {
		if err := f.Close(); err != nil {
			slog.Error("Failed to flush block factory", "error", err)
		}
	}
	if err := volatile.Close(); err != nil {
		slog.Error("Failed to close memory block factory", "error", err)
	}
	if err := messages.Close(); err != nil {
		slog.Error("Failed to close message store", "error", err)
	}
	if db != nil {
		if err := db.Close(); err != nil {
			slog.Error("Failed to close BadgerDB", "error", err)
		}
	}

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	slog.Info("Delivery tracker stopped")
}
