// Package config loads server configuration from environment variables. An
// optional .env file in the working directory is read first; variables that
// are already set take precedence over it.
//
// Required variables:
//   - DATABASE_URL: PostgreSQL connection string.
//
// Optional variables:
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - GRPC_ADDR: listen address for the gRPC server (default ":9090").
//   - LOG_LEVEL: debug, info, warn or error (default "info").
//   - STREAM_POLL_INTERVAL: polling interval for SSE and gRPC streaming
//     (default "1s", must be > 0).
//   - AUTH_RATE_LIMIT: failed auth attempts per minute per client IP
//     (default "10", must be > 0).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", must be > 0).
//   - EVENT_BATCH_SIZE: max number of events returned per stream poll query
//     (default "1000", must be > 0).
//   - CACHE_RESYNC_INTERVAL: safety-net snapshot reload interval
//     (default "1m", must be > 0).
//   - EXPOSURE_WINDOW: exposure deduplication window (default "30m").
//   - EXPOSURE_QUEUE_SIZE: bounded exposure queue length (default "1024").
//   - EXPOSURE_DEDUP_CAPACITY: in-memory dedup LRU capacity (default "100000").
//   - EXPOSURE_SINK: log, postgres or none (default "postgres").
//   - REDIS_URL: enables the Redis exposure dedup store when set.
//   - FALLBACK_FLAGS: comma separated key=true|false pairs served when no
//     snapshot is available.
//   - OTEL_EXPORTER_OTLP_ENDPOINT: enables OTLP trace export when set.
//   - OTEL_SERVICE_NAME: service name reported to the collector
//     (default "rolloutz").
//   - OTEL_TRACES_SAMPLE_RATIO: parent-based sampling ratio in [0, 1]
//     (default "1").
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Exposure sink names accepted by EXPOSURE_SINK.
const (
	ExposureSinkLog      = "log"
	ExposureSinkPostgres = "postgres"
	ExposureSinkNone     = "none"
)

// Config holds the runtime configuration for the rolloutz server.
type Config struct {
	DatabaseURL         string        `env:"DATABASE_URL,required,notEmpty"`
	HTTPAddr            string        `env:"HTTP_ADDR" envDefault:":8080"`
	GRPCAddr            string        `env:"GRPC_ADDR" envDefault:":9090"`
	LogLevel            string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat           string        `env:"LOG_FORMAT" envDefault:"json"`
	StreamPollInterval  time.Duration `env:"STREAM_POLL_INTERVAL" envDefault:"1s"`
	AuthRateLimit       int           `env:"AUTH_RATE_LIMIT" envDefault:"10"`
	APIKeyCacheTTL      time.Duration `env:"API_KEY_CACHE_TTL" envDefault:"30s"`
	MaxJSONBodySize     int64         `env:"MAX_JSON_BODY_SIZE" envDefault:"1048576"`
	EventBatchSize      int           `env:"EVENT_BATCH_SIZE" envDefault:"1000"`
	CacheResyncInterval time.Duration `env:"CACHE_RESYNC_INTERVAL" envDefault:"1m"`

	ExposureWindow        time.Duration `env:"EXPOSURE_WINDOW" envDefault:"30m"`
	ExposureQueueSize     int           `env:"EXPOSURE_QUEUE_SIZE" envDefault:"1024"`
	ExposureDedupCapacity int           `env:"EXPOSURE_DEDUP_CAPACITY" envDefault:"100000"`
	ExposureSink          string        `env:"EXPOSURE_SINK" envDefault:"postgres"`
	RedisURL              string        `env:"REDIS_URL"`

	FallbackFlags map[string]bool `env:"FALLBACK_FLAGS" envSeparator:"," envKeyValSeparator:"="`

	OTLPEndpoint     string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName      string  `env:"OTEL_SERVICE_NAME" envDefault:"rolloutz"`
	TraceSampleRatio float64 `env:"OTEL_TRACES_SAMPLE_RATIO" envDefault:"1"`
}

// Load reads configuration from the environment, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// values fail validation.
func Load() (Config, error) {
	// A missing .env file is not an error.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) normalize() {
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.HTTPAddr = strings.TrimSpace(c.HTTPAddr)
	c.GRPCAddr = strings.TrimSpace(c.GRPCAddr)
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.ExposureSink = strings.ToLower(strings.TrimSpace(c.ExposureSink))
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.OTLPEndpoint = strings.TrimSpace(c.OTLPEndpoint)
	c.ServiceName = strings.TrimSpace(c.ServiceName)

	if len(c.FallbackFlags) > 0 {
		flags := make(map[string]bool, len(c.FallbackFlags))
		for key, value := range c.FallbackFlags {
			if key = strings.TrimSpace(key); key != "" {
				flags[key] = value
			}
		}
		c.FallbackFlags = flags
	}
}

// Validate reports the first invalid setting in c.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.HTTPAddr == "" {
		return errors.New("HTTP_ADDR must not be empty")
	}
	if c.GRPCAddr == "" {
		return errors.New("GRPC_ADDR must not be empty")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	if c.StreamPollInterval <= 0 {
		return errors.New("STREAM_POLL_INTERVAL must be > 0")
	}
	if c.AuthRateLimit <= 0 {
		return errors.New("AUTH_RATE_LIMIT must be > 0")
	}
	if c.APIKeyCacheTTL < 0 {
		return errors.New("API_KEY_CACHE_TTL must be >= 0")
	}
	if c.MaxJSONBodySize <= 0 {
		return errors.New("MAX_JSON_BODY_SIZE must be > 0")
	}
	if c.EventBatchSize <= 0 {
		return errors.New("EVENT_BATCH_SIZE must be > 0")
	}
	if c.CacheResyncInterval <= 0 {
		return errors.New("CACHE_RESYNC_INTERVAL must be > 0")
	}
	if c.ExposureWindow <= 0 {
		return errors.New("EXPOSURE_WINDOW must be > 0")
	}
	if c.ExposureQueueSize <= 0 {
		return errors.New("EXPOSURE_QUEUE_SIZE must be > 0")
	}
	if c.ExposureDedupCapacity <= 0 {
		return errors.New("EXPOSURE_DEDUP_CAPACITY must be > 0")
	}

	switch c.ExposureSink {
	case ExposureSinkLog, ExposureSinkPostgres, ExposureSinkNone:
	default:
		return fmt.Errorf("EXPOSURE_SINK must be one of %s, %s or %s, got %q",
			ExposureSinkLog, ExposureSinkPostgres, ExposureSinkNone, c.ExposureSink)
	}

	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return errors.New("OTEL_TRACES_SAMPLE_RATIO must be between 0 and 1")
	}

	return nil
}
