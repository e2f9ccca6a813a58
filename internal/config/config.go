// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL artifact store (optional, takes precedence over ArtifactDir)

	// Model artifacts
	ArtifactDir string // Filesystem artifact store root (optional, uses in-memory if neither is set)

	// Training
	TrainLookbackDays int     // History window for model training
	ScoreLookbackDays int     // History window for scoring and anomaly queries
	MinProtocols      int     // Smallest population a model trains on
	Contamination     float64 // Assumed anomalous share for detector thresholds
	Seed              int64   // RNG seed for reproducible training

	// Batch orchestration
	Workers int // Concurrent per-protocol workers in batch operations

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint (optional, tracing disabled if not set)
	MetricsAddr  string // Listen address for the Prometheus scrape endpoint
}

const (
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultTrainLookbackDays = 90
	DefaultScoreLookbackDays = 30
	DefaultMinProtocols      = 20
	DefaultContamination     = 0.1
	DefaultSeed              = 42
	DefaultWorkers           = 8
	DefaultMetricsAddr       = ":9090"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		ArtifactDir:       os.Getenv("ARTIFACT_DIR"),
		TrainLookbackDays: int(getEnvInt64("TRAIN_LOOKBACK_DAYS", DefaultTrainLookbackDays)),
		ScoreLookbackDays: int(getEnvInt64("SCORE_LOOKBACK_DAYS", DefaultScoreLookbackDays)),
		MinProtocols:      int(getEnvInt64("MIN_PROTOCOLS", DefaultMinProtocols)),
		Contamination:     getEnvFloat("CONTAMINATION", DefaultContamination),
		Seed:              getEnvInt64("SEED", DefaultSeed),
		Workers:           int(getEnvInt64("WORKERS", DefaultWorkers)),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		MetricsAddr:       getEnv("METRICS_ADDR", DefaultMetricsAddr),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all configuration values are usable
func (c *Config) Validate() error {
	if c.TrainLookbackDays <= 0 {
		return fmt.Errorf("TRAIN_LOOKBACK_DAYS must be positive, got %d", c.TrainLookbackDays)
	}
	if c.ScoreLookbackDays <= 0 {
		return fmt.Errorf("SCORE_LOOKBACK_DAYS must be positive, got %d", c.ScoreLookbackDays)
	}
	if c.ScoreLookbackDays > c.TrainLookbackDays {
		return fmt.Errorf("SCORE_LOOKBACK_DAYS (%d) cannot exceed TRAIN_LOOKBACK_DAYS (%d)",
			c.ScoreLookbackDays, c.TrainLookbackDays)
	}
	if c.MinProtocols < 2 {
		return fmt.Errorf("MIN_PROTOCOLS must be at least 2, got %d", c.MinProtocols)
	}
	if c.Contamination <= 0 || c.Contamination >= 0.5 {
		return fmt.Errorf("CONTAMINATION must be in (0, 0.5), got %v", c.Contamination)
	}
	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be at least 1, got %d", c.Workers)
	}
	return nil
}

// TrainLookback returns the training history window as a duration
func (c *Config) TrainLookback() time.Duration {
	return time.Duration(c.TrainLookbackDays) * 24 * time.Hour
}

// ScoreLookback returns the scoring history window as a duration
func (c *Config) ScoreLookback() time.Duration {
	return time.Duration(c.ScoreLookbackDays) * 24 * time.Hour
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
