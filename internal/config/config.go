// Package config loads the process configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds the configuration shared by the streaming server and the
// ingestion worker.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
//	required: Must be provided (no default)
type Config struct {
	// Upstream provider
	UpstreamURL string `env:"EMCONT_EXCHANGE_RATES_URL"`

	// Server bind address
	Host string `env:"SERVER_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"SERVER_PORT" envDefault:"8000"`

	// Tracked instruments, in ID order (ID = position + 1)
	AssetList []string `env:"ASSET_LIST" envSeparator:","`

	// Mongo
	DatabaseURI  string `env:"MONGO_CONNECTION_URI"`
	DatabaseName string `env:"MONGO_INITDB_DATABASE"`

	// Optional NATS wake channel; empty selects pure polling
	NATSURL string `env:"NATS_URL"`

	// Ingestion
	IngestWorkers  int           `env:"INGEST_WORKERS" envDefault:"4"`
	IngestInterval time.Duration `env:"INGEST_INTERVAL" envDefault:"500ms"`

	// Connection admission
	MaxConnections     int     `env:"WS_MAX_CONNECTIONS" envDefault:"500"`
	ConnRateIPBurst    int     `env:"WS_CONN_RATE_IP_BURST" envDefault:"5"`
	ConnRateIPPerSec   float64 `env:"WS_CONN_RATE_IP_PER_SEC" envDefault:"1"`
	ConnRateGlobal     int     `env:"WS_CONN_RATE_GLOBAL_BURST" envDefault:"100"`
	ConnRatePerSec     float64 `env:"WS_CONN_RATE_GLOBAL_PER_SEC" envDefault:"50"`
	CPURejectThreshold float64 `env:"WS_CPU_REJECT_THRESHOLD" envDefault:"85.0"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Addr returns the host:port bind address for the server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load reads configuration from an optional .env file and the environment.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be 1-65535, got %d", c.Port)
	}
	if c.IngestWorkers < 1 {
		return fmt.Errorf("INGEST_WORKERS must be > 0, got %d", c.IngestWorkers)
	}
	if c.IngestInterval <= 0 {
		return fmt.Errorf("INGEST_INTERVAL must be positive, got %s", c.IngestInterval)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("WS_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	for _, name := range c.AssetList {
		if name == "" {
			return fmt.Errorf("ASSET_LIST contains an empty asset name")
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig logs the effective configuration with structured fields.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr()).
		Str("upstream_url", c.UpstreamURL).
		Strs("asset_list", c.AssetList).
		Str("database", c.DatabaseName).
		Str("nats_url", c.NATSURL).
		Int("ingest_workers", c.IngestWorkers).
		Dur("ingest_interval", c.IngestInterval).
		Int("max_connections", c.MaxConnections).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Configuration loaded")
}
