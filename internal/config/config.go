// Package config loads and validates all runtime configuration for the
// proxy.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file, matching the
// precedence the upstream gateway's config loader uses.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level, immutable-after-startup configuration container
// (spec §3 ProxyConfig / §6 recognized environment variables).
type Config struct {
	// ListenAddr is the TCP address the HTTP server binds to. Default ":7000".
	ListenAddr string

	// LogLevel controls the minimum slog level: debug, info, warn, error.
	LogLevel string

	// LogSink selects the async request logger's backend: "stdout" (slog
	// only) or "clickhouse" (also inserts into ClickHouse). Default "stdout".
	LogSink string

	// Upstream holds the connection details for the custom upstream API.
	Upstream UpstreamConfig

	// Region is echoed into the x-ms-region header on every 2xx response.
	Region string

	// SystemFingerprint is the constant injected into generated responses
	// when the upstream doesn't supply its own.
	SystemFingerprint string

	// MaxBodyBytes bounds the accepted request body size (spec §4.2).
	MaxBodyBytes int64

	// Timeouts control the three deadlines from spec §5.
	Timeouts TimeoutConfig

	// ClickHouse holds connection details, read only when LogSink=="clickhouse".
	ClickHouse ClickHouseConfig

	// CORSOrigins is the list of allowed CORS origins. ["*"] allows any.
	CORSOrigins []string

	// AllowMultipleImages relaxes the single-image-per-request vision
	// validation rule (spec §9: kept behind a capability flag, unlike the
	// unconditional vision+streaming rejection). Default false.
	AllowMultipleImages bool
}

// UpstreamConfig holds the custom upstream's connection details.
type UpstreamConfig struct {
	// BaseURL is the upstream's base URL, e.g. "https://upstream.internal".
	BaseURL string
	// APIKey is sent to the upstream as the "api-key" header. The proxy
	// authenticates to the upstream on its own account; the caller's
	// credential is never forwarded (spec §4.4).
	APIKey string
}

// TimeoutConfig holds the three independent deadlines from spec §5.
type TimeoutConfig struct {
	// ConnectTimeout bounds establishing the upstream TCP/TLS connection.
	ConnectTimeout time.Duration
	// BufferedTotal bounds a full buffered (non-streaming) request.
	BufferedTotal time.Duration
	// StreamTotal bounds a streaming request end-to-end.
	StreamTotal time.Duration
	// StreamIdle bounds the gap between any two bytes received from the
	// upstream while streaming.
	StreamIdle time.Duration
}

// ClickHouseConfig holds the optional analytics sink's connection details.
type ClickHouseConfig struct {
	DSN   string
	Table string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("LISTEN_ADDR", ":7000")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_SINK", "stdout")
	v.SetDefault("REGION_TAG", "East US")
	v.SetDefault("SYSTEM_FINGERPRINT", "fp_custom_proxy")
	v.SetDefault("MAX_BODY_BYTES", 10*1024*1024)
	v.SetDefault("CONNECT_TIMEOUT_MS", 5000)
	v.SetDefault("TOTAL_TIMEOUT_BUFFERED_MS", 30000)
	v.SetDefault("TOTAL_TIMEOUT_STREAM_MS", 600000)
	v.SetDefault("IDLE_TIMEOUT_MS", 60000)
	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("CLICKHOUSE_TABLE", "proxy_requests")
	v.SetDefault("ALLOW_MULTIPLE_IMAGES", false)

	cfg := &Config{
		ListenAddr: v.GetString("LISTEN_ADDR"),
		LogLevel:   strings.ToLower(v.GetString("LOG_LEVEL")),
		LogSink:    strings.ToLower(v.GetString("LOG_SINK")),

		Upstream: UpstreamConfig{
			BaseURL: strings.TrimRight(v.GetString("UPSTREAM_BASE_URL"), "/"),
			APIKey:  v.GetString("UPSTREAM_API_KEY"),
		},

		Region:            v.GetString("REGION_TAG"),
		SystemFingerprint: v.GetString("SYSTEM_FINGERPRINT"),
		MaxBodyBytes:      v.GetInt64("MAX_BODY_BYTES"),

		Timeouts: TimeoutConfig{
			ConnectTimeout: time.Duration(v.GetInt("CONNECT_TIMEOUT_MS")) * time.Millisecond,
			BufferedTotal:  time.Duration(v.GetInt("TOTAL_TIMEOUT_BUFFERED_MS")) * time.Millisecond,
			StreamTotal:    time.Duration(v.GetInt("TOTAL_TIMEOUT_STREAM_MS")) * time.Millisecond,
			StreamIdle:     time.Duration(v.GetInt("IDLE_TIMEOUT_MS")) * time.Millisecond,
		},

		ClickHouse: ClickHouseConfig{
			DSN:   v.GetString("CLICKHOUSE_DSN"),
			Table: v.GetString("CLICKHOUSE_TABLE"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),

		AllowMultipleImages: v.GetBool("ALLOW_MULTIPLE_IMAGES"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Upstream.BaseURL == "" {
		return errors.New("config: UPSTREAM_BASE_URL is required")
	}
	if c.Upstream.APIKey == "" {
		return errors.New("config: UPSTREAM_API_KEY is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}
	switch c.LogSink {
	case "stdout", "clickhouse":
	default:
		return fmt.Errorf("config: invalid LOG_SINK %q; must be one of: stdout, clickhouse", c.LogSink)
	}
	if c.LogSink == "clickhouse" && c.ClickHouse.DSN == "" {
		return errors.New("config: CLICKHOUSE_DSN is required when LOG_SINK=clickhouse")
	}
	if c.MaxBodyBytes <= 0 {
		return errors.New("config: MAX_BODY_BYTES must be positive")
	}
	if c.Timeouts.BufferedTotal <= 0 || c.Timeouts.StreamTotal <= 0 || c.Timeouts.StreamIdle <= 0 || c.Timeouts.ConnectTimeout <= 0 {
		return errors.New("config: all timeout values must be positive durations")
	}
	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
