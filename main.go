package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"stockbit-ingest/config"
	"stockbit-ingest/internal/api"
	"stockbit-ingest/internal/credentials"
	"stockbit-ingest/internal/csvsink"
	"stockbit-ingest/internal/daemon"
	"stockbit-ingest/internal/jobstore"
	"stockbit-ingest/internal/logging"
	"stockbit-ingest/internal/scheduler"
	"stockbit-ingest/internal/stockbit"
	"stockbit-ingest/internal/stream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	ring := logging.NewRing(logging.DefaultCapacity)
	logger := logging.NewLogger(cfg.LoggingConfig.Level, cfg.LoggingConfig.JSONFormat, ring)
	logger.Info().Str("api_base", cfg.StockbitConfig.APIBaseURL).Msg("starting stockbit-ingest")

	for _, dir := range []string{cfg.StorageConfig.DataDir, cfg.StorageConfig.ConfigDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	loc, err := cfg.CSVLocation()
	if err != nil {
		return err
	}

	creds := credentials.NewStore(cfg.CredentialPath(), logger)

	trades := csvsink.New(cfg.StorageConfig.DataDir, "running_trade", csvsink.RunningTradeColumns, loc, logger)
	orderbook := csvsink.New(cfg.StorageConfig.DataDir, "orderbook", csvsink.OrderbookColumns, loc, logger)
	defer trades.Close()
	defer orderbook.Close()

	jobs, err := jobstore.Open(cfg.JobsDBPath(), logger)
	if err != nil {
		return fmt.Errorf("open job database: %w", err)
	}
	defer jobs.Close()

	client := stockbit.NewClient(cfg.StockbitConfig.APIBaseURL, cfg.HTTPTimeout(), creds, logger)

	sched := scheduler.New(jobs, client, trades, creds, logger)
	sched.Start()

	streams := stream.NewManager(stream.Config{URL: cfg.StockbitConfig.StreamURL}, creds, client, orderbook, logger)

	var dmn *daemon.Daemon
	if cfg.DaemonConfig.Enabled {
		dmn = daemon.New(streams, cfg.WatchlistPath(), logger)
		dmn.Start()
		logger.Info().Msg("market-hours daemon enabled")
	}

	server := api.NewServer(
		api.ServerConfig{
			Host:           cfg.ServerConfig.Host,
			Port:           cfg.ServerConfig.Port,
			ProductionMode: cfg.ServerConfig.ProductionMode,
		},
		creds, sched, jobs, streams, dmn, ring,
		map[string]*csvsink.Sink{"running_trade": trades, "orderbook": orderbook},
		cfg.StorageConfig.DataDir, logger,
	)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	if dmn != nil {
		dmn.Stop()
	}
	streams.StopAll()
	if err := sched.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("scheduler did not stop cleanly")
	}
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("http server did not stop cleanly")
	}

	logger.Info().Msg("shutdown complete")
	return nil
}
