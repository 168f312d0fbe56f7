// Command ratefeed serves live exchange rate streams over WebSocket.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/quotelab/ratefeed/internal/config"
	"github.com/quotelab/ratefeed/internal/logging"
	"github.com/quotelab/ratefeed/internal/notify"
	"github.com/quotelab/ratefeed/internal/rates"
	"github.com/quotelab/ratefeed/internal/server"
	mongostore "github.com/quotelab/ratefeed/internal/store/mongo"
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
		Service: "ratefeed",
	})
	cfg.LogConfig(logger)

	if cfg.DatabaseURI == "" || cfg.DatabaseName == "" {
		logger.Fatal().Msg("MONGO_CONNECTION_URI and MONGO_INITDB_DATABASE are required")
	}

	ctx := context.Background()
	store, err := mongostore.Connect(ctx, cfg.DatabaseURI, cfg.DatabaseName, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to MongoDB")
	}
	defer store.Close(context.Background())

	if err := store.EnsureIndexes(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to ensure indexes")
	}

	if err := store.InitializeAssets(ctx, cfg.AssetList); err != nil {
		if errors.Is(err, rates.ErrAlreadyPopulated) {
			logger.Info().Msg("Assets already populated")
		} else {
			logger.Fatal().Err(err).Msg("Failed to initialize assets")
		}
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

	srv := server.New(cfg, store, notifier, logger)
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
}
