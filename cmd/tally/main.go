package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	corecfg "github.com/tally-lab/tally/internal/core/config"
	"github.com/tally-lab/tally/internal/core/storage/postgres"
	"github.com/tally-lab/tally/internal/ingestion"
	"github.com/tally-lab/tally/internal/migrations"
	"github.com/tally-lab/tally/internal/projection"
	"github.com/tally-lab/tally/internal/rollup"
	"github.com/tally-lab/tally/internal/server"
)

func main() {
	configPath := flag.String("config", "tally.yaml", "Path to configuration file")
	flag.Parse()

	// 0. Initialize Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 1. Load Configuration (includes the stat catalog)
	cfg, err := corecfg.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("Loaded config", "stats", cfg.Stats.Len(), "catalog_dir", cfg.Catalog.Dir)

	// 2. Initialize Storage (PostgreSQL)
	dbAdapter, err := postgres.NewAdapter(
		cfg.Database.DSN,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
	)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer dbAdapter.Close()

	// 2.1. Run Database Migrations
	if err := migrations.RunMigrations(dbAdapter.DB(), cfg.Database.AutoMigrate); err != nil {
		slog.Error("Failed to run database migrations", "error", err)
		os.Exit(1)
	}

	// 3. Initialize the count store and rollup engine
	countStore := postgres.NewCountAdapter(dbAdapter.DB())
	engine := rollup.NewEngine(cfg.Stats, countStore, cfg.Rollup.MaxBucketsPerRun)

	scheduler := rollup.NewScheduler(
		cfg.Rollup.EffectiveTickInterval(),
		engine,
		cfg.Stats,
		cfg.Rollup.WorkerCount,
	)

	slog.Info("Rollup scheduler initialized",
		"interval", cfg.Rollup.EffectiveTickInterval(),
		"enabled", cfg.Rollup.Enabled,
		"max_buckets_per_run", cfg.Rollup.MaxBucketsPerRun,
		"worker_count", cfg.Rollup.WorkerCount,
	)

	// 4. Initialize Ingestion (source events + logging increments)
	ingestionSvc := ingestion.NewService(cfg.Stats, dbAdapter, countStore, cfg.Server.MaxBodySizeMB)

	// 5. Initialize Projection (query API)
	projectionSvc := projection.NewService(cfg.Stats, countStore, countStore, countStore)

	// 6. Initialize Server
	srv := server.New(
		fmtAddr(cfg.Server.Host, cfg.Server.Port),
		dbAdapter.DB(),
		countStore,
		cfg.Rollup.EffectiveBusyTimeout(),
		cfg.Server.Mode,
	)
	ingestionSvc.RegisterRoutes(srv.Engine)
	projectionSvc.RegisterRoutes(srv.Engine)

	// 7. Start Services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Rollup.Enabled {
		go func() {
			if err := scheduler.Start(ctx); err != nil {
				slog.Error("Scheduler stopped with error", "error", err)
			}
		}()
	} else {
		slog.Info("Rollup scheduler disabled by config")
	}

	// Signal handler triggers the shutdown sequence below.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	// HTTP server blocks until ctx is cancelled.
	if err := srv.Run(ctx); err != nil {
		slog.Error("Server stopped with error", "error", err)
	}

	slog.Info("Shutdown complete")
}

func fmtAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
