// Command ingestd runs the exchange rate ingestion workers.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/quotelab/ratefeed/internal/config"
	"github.com/quotelab/ratefeed/internal/ingest"
	"github.com/quotelab/ratefeed/internal/logging"
	"github.com/quotelab/ratefeed/internal/notify"
	mongostore "github.com/quotelab/ratefeed/internal/store/mongo"
	"github.com/quotelab/ratefeed/internal/upstream"
)

func main() {
	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Options{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "ingestd",
	})
	cfg.LogConfig(logger)

	if cfg.UpstreamURL == "" {
		logger.Fatal().Msg("EMCONT_EXCHANGE_RATES_URL is required")
	}
	if cfg.DatabaseURI == "" || cfg.DatabaseName == "" {
		logger.Fatal().Msg("MONGO_CONNECTION_URI and MONGO_INITDB_DATABASE are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := mongostore.Connect(ctx, cfg.DatabaseURI, cfg.DatabaseName, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to MongoDB")
	}
	defer store.Close(context.Background())

	// The server owns index creation on a shared deployment, but the worker
	// may boot first; creating the same indexes twice is a no-op.
	if err := store.EnsureIndexes(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to ensure indexes")
	}

	var notifier notify.Notifier = notify.Noop{}
	if cfg.NATSURL != "" {
		nc, err := notify.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer nc.Close()
		notifier = nc
	}

	scheduler := ingest.New(
		store,
		upstream.NewFetcher(cfg.UpstreamURL),
		notifier,
		logger,
		ingest.Options{
			Workers:   cfg.IngestWorkers,
			Interval:  cfg.IngestInterval,
			AssetList: cfg.AssetList,
		},
	)

	logger.Info().Int("workers", cfg.IngestWorkers).Msg("Starting ingestion workers")
	if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		// Fail fast: a degraded worker pool must not keep sampling at a
		// reduced rate. The supervisor restarts the process.
		logger.Fatal().Err(err).Msg("Ingestion failed")
	}
	logger.Info().Msg("Ingestion stopped")
}
