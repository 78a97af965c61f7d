// Package config loads server configuration from environment variables.
//
// Required variables:
//   - DATABASE_URL: PostgreSQL connection string.
//
// Optional variables:
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - LOG_LEVEL: minimum log level (default "info").
//   - SWEEP_INTERVAL: rollout health sweep interval
//     (default "30s", must be > 0 if set).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", must be > 0 if set).
//   - CACHE_RESYNC_INTERVAL: safety-net flag cache refresh interval
//     (default "1m", must be > 0 if set).
//   - TRACK_BUFFER_SIZE: experiment event buffer capacity
//     (default "1024", must be > 0 if set).
//   - NOTIFY_WEBHOOK_URL: webhook for rollout notifications; log-only when
//     unset.
//   - HEALTH_METRICS_URL: JSON endpoint for rollout health samples; the
//     server's own request metrics are used when unset.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPAddr                  = ":8080"
	defaultSweepInterval             = 30 * time.Second
	defaultTSStateDir                = "tsnet-state"
	defaultAuthRateLimit             = 10
	defaultMaxJSONBodySize     int64 = 1 << 20 // 1MB
	defaultTrackBufferSize           = 1024
	defaultCacheResyncInterval       = time.Minute
)

// Config holds the runtime configuration for the canaryz server.
type Config struct {
	DatabaseURL         string
	HTTPAddr            string
	LogLevel            string
	AuthRateLimit       int
	AdminHostname       string
	TSAuthKey           string
	TSStateDir          string
	MaxJSONBodySize     int64
	CacheResyncInterval time.Duration
	SweepInterval       time.Duration
	TrackBufferSize     int
	NotifyWebhookURL    string
	HealthMetricsURL    string
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// optional values fail validation.
func Load() (Config, error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}

	authRateLimit := defaultAuthRateLimit
	if value := strings.TrimSpace(os.Getenv("AUTH_RATE_LIMIT")); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse AUTH_RATE_LIMIT: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("AUTH_RATE_LIMIT must be > 0")
		}
		authRateLimit = parsed
	}

	sweepInterval := defaultSweepInterval
	if value := strings.TrimSpace(os.Getenv("SWEEP_INTERVAL")); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse SWEEP_INTERVAL: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("SWEEP_INTERVAL must be > 0")
		}
		sweepInterval = parsed
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = n
	}

	trackBufferSize := defaultTrackBufferSize
	if v := strings.TrimSpace(os.Getenv("TRACK_BUFFER_SIZE")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, errors.New("TRACK_BUFFER_SIZE must be a positive integer")
		}
		trackBufferSize = n
	}

	cacheResyncInterval := defaultCacheResyncInterval
	if v := strings.TrimSpace(os.Getenv("CACHE_RESYNC_INTERVAL")); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse CACHE_RESYNC_INTERVAL: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("CACHE_RESYNC_INTERVAL must be > 0")
		}
		cacheResyncInterval = parsed
	}

	return Config{
		DatabaseURL:         databaseURL,
		HTTPAddr:            envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
		AuthRateLimit:       authRateLimit,
		AdminHostname:       strings.TrimSpace(os.Getenv("ADMIN_HOSTNAME")),
		TSAuthKey:           os.Getenv("TS_AUTH_KEY"),
		TSStateDir:          envOrDefault("TS_STATE_DIR", defaultTSStateDir),
		MaxJSONBodySize:     maxJSONBodySize,
		CacheResyncInterval: cacheResyncInterval,
		SweepInterval:       sweepInterval,
		TrackBufferSize:     trackBufferSize,
		NotifyWebhookURL:    strings.TrimSpace(os.Getenv("NOTIFY_WEBHOOK_URL")),
		HealthMetricsURL:    strings.TrimSpace(os.Getenv("HEALTH_METRICS_URL")),
	}, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
