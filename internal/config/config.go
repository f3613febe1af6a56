// ha-ingestor - Home Assistant Telemetry Ingestion Platform
// Copyright 2026 W. Thornton (wtthornton)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wtthornton/ha-ingestor-sub013

// Package config loads and validates service configuration using Koanf v2
// with layered sources: built-in defaults, an optional YAML file, and
// environment variables (highest priority).
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the ingestion service.
type Config struct {
	HomeAssistant HomeAssistantConfig `koanf:"home_assistant"`
	Weather       WeatherConfig       `koanf:"weather"`
	Database      DatabaseConfig      `koanf:"database"`
	Storage       StorageConfig       `koanf:"storage"`
	Pipeline      PipelineConfig      `koanf:"pipeline"`
	Health        HealthConfig        `koanf:"health"`
	Server        ServerConfig        `koanf:"server"`
	API           APIConfig           `koanf:"api"`
	Logging       LoggingConfig       `koanf:"logging"`
}

// HomeAssistantConfig describes the WebSocket connection to the event source.
type HomeAssistantConfig struct {
	// URL is the Home Assistant base URL (http://host:8123). The WebSocket
	// endpoint /api/websocket is derived from it.
	URL string `koanf:"url" validate:"required,url"`

	// Token is the long-lived access token used in the auth handshake.
	Token string `koanf:"token" validate:"required"`

	// EventTypes are the event types subscribed on connect.
	EventTypes []string `koanf:"event_types"`

	// ReconnectInitialDelay is the first reconnect backoff delay.
	ReconnectInitialDelay time.Duration `koanf:"reconnect_initial_delay"`

	// ReconnectMaxDelay caps the exponential backoff.
	ReconnectMaxDelay time.Duration `koanf:"reconnect_max_delay"`

	// HeartbeatInterval is how often application-level pings are sent.
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`

	// HeartbeatTimeout is how long the connection may stay silent before
	// it is considered dead and forcibly closed.
	HeartbeatTimeout time.Duration `koanf:"heartbeat_timeout"`

	// HandshakeTimeout bounds the WebSocket dial and auth handshake.
	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`

	// RegistrySync enables entity/device registry list queries after each
	// successful subscription.
	RegistrySync bool `koanf:"registry_sync"`
}

// WeatherConfig describes the enrichment lookup.
type WeatherConfig struct {
	// Enabled toggles weather enrichment. When false every event passes
	// through with enrichment status "skipped".
	Enabled bool `koanf:"enabled"`

	// URL is the weather API endpoint.
	URL string `koanf:"url" validate:"omitempty,url"`

	// APIKey authenticates against the weather API.
	APIKey string `koanf:"api_key"`

	// Latitude/Longitude select the forecast location.
	Latitude  float64 `koanf:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `koanf:"longitude" validate:"gte=-180,lte=180"`

	// CacheTTL is how long one weather snapshot is reused before a fresh
	// fetch. Weather changes slowly; 15 minutes is a sensible default.
	CacheTTL time.Duration `koanf:"cache_ttl"`

	// FetchTimeout bounds a single weather API call.
	FetchTimeout time.Duration `koanf:"fetch_timeout"`

	// RateLimitPerMinute caps outbound weather API calls.
	RateLimitPerMinute int `koanf:"rate_limit_per_minute"`
}

// DatabaseConfig describes the DuckDB time-series store.
type DatabaseConfig struct {
	// Path is the DuckDB database file. ":memory:" is allowed for tests.
	Path string `koanf:"path" validate:"required"`

	// MaxMemory is the DuckDB memory limit (e.g. "1GB").
	MaxMemory string `koanf:"max_memory"`

	// Threads is the DuckDB thread count; 0 means runtime.NumCPU().
	Threads int `koanf:"threads" validate:"gte=0"`
}

// StorageConfig describes event batching and write retries.
type StorageConfig struct {
	// BatchSize is the flush threshold in events.
	BatchSize int `koanf:"batch_size" validate:"gt=0"`

	// FlushInterval flushes partial batches on a timer.
	FlushInterval time.Duration `koanf:"flush_interval"`

	// RetryAttempts bounds write retries for a failing batch.
	RetryAttempts int `koanf:"retry_attempts" validate:"gt=0"`

	// RetryDelay is the initial backoff between write retries.
	RetryDelay time.Duration `koanf:"retry_delay"`

	// ShutdownTimeout bounds the final flush on graceful shutdown.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// PipelineConfig describes the in-process Watermill router.
type PipelineConfig struct {
	// BufferSize is the gochannel buffer between the WebSocket reader and
	// the enrichment/storage handler. The reader never blocks while this
	// buffer has room.
	BufferSize int `koanf:"buffer_size" validate:"gt=0"`

	// RetryCount is the router-level redelivery count before a message is
	// routed to the poison topic.
	RetryCount int `koanf:"retry_count" validate:"gte=0"`

	// RetryInitialInterval is the first router retry delay.
	RetryInitialInterval time.Duration `koanf:"retry_initial_interval"`

	// CloseTimeout bounds the router drain on shutdown.
	CloseTimeout time.Duration `koanf:"close_timeout"`
}

// HealthConfig describes the health aggregator's grace periods.
type HealthConfig struct {
	// CheckTimeout bounds a single component health check.
	CheckTimeout time.Duration `koanf:"check_timeout"`

	// ConnectionGrace is how long the connection may stay Disconnected
	// before overall status escalates to unhealthy. A single missed
	// heartbeat must not flip the verdict.
	ConnectionGrace time.Duration `koanf:"connection_grace"`

	// WriteGrace is how long the store may go without a successful write
	// (while events are flowing) before escalating to unhealthy.
	WriteGrace time.Duration `koanf:"write_grace"`
}

// ServerConfig describes the admin HTTP server.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port" validate:"gt=0,lte=65535"`
	Timeout time.Duration `koanf:"timeout"`
}

// APIConfig describes query-facade behavior.
type APIConfig struct {
	DefaultPageSize int `koanf:"default_page_size" validate:"gt=0"`
	MaxPageSize     int `koanf:"max_page_size" validate:"gt=0"`

	// RateLimitReqs/RateLimitWindow configure per-IP request limits.
	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"gt=0"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`

	// CORSOrigins lists allowed origins for the dashboard.
	CORSOrigins []string `koanf:"cors_origins"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn warning error fatal disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		HomeAssistant: HomeAssistantConfig{
			URL:                   "",
			Token:                 "",
			EventTypes:            []string{"state_changed"},
			ReconnectInitialDelay: 1 * time.Second,
			ReconnectMaxDelay:     32 * time.Second,
			HeartbeatInterval:     30 * time.Second,
			HeartbeatTimeout:      60 * time.Second,
			HandshakeTimeout:      10 * time.Second,
			RegistrySync:          true,
		},
		Weather: WeatherConfig{
			Enabled:            false, // opt-in: requires an API key
			URL:                "https://api.openweathermap.org/data/2.5/weather",
			APIKey:             "",
			Latitude:           0.0,
			Longitude:          0.0,
			CacheTTL:           15 * time.Minute,
			FetchTimeout:       5 * time.Second,
			RateLimitPerMinute: 30,
		},
		Database: DatabaseConfig{
			Path:      "/data/ha-events.duckdb",
			MaxMemory: "1GB",
			Threads:   0, // 0 = use runtime.NumCPU()
		},
		Storage: StorageConfig{
			BatchSize:       100,
			FlushInterval:   5 * time.Second,
			RetryAttempts:   3,
			RetryDelay:      500 * time.Millisecond,
			ShutdownTimeout: 30 * time.Second,
		},
		Pipeline: PipelineConfig{
			BufferSize:           1024,
			RetryCount:           3,
			RetryInitialInterval: 100 * time.Millisecond,
			CloseTimeout:         30 * time.Second,
		},
		Health: HealthConfig{
			CheckTimeout:    5 * time.Second,
			ConnectionGrace: 60 * time.Second,
			WriteGrace:      5 * time.Minute,
		},
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8124,
			Timeout: 30 * time.Second,
		},
		API: APIConfig{
			DefaultPageSize: 100,
			MaxPageSize:     1000,
			RateLimitReqs:   300,
			RateLimitWindow: 1 * time.Minute,
			CORSOrigins:     []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Validate checks the configuration for structural and semantic problems.
// Struct tags are checked with go-playground/validator; cross-field rules
// are checked explicitly.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	if _, err := url.Parse(c.HomeAssistant.URL); err != nil {
		return fmt.Errorf("home_assistant.url: %w", err)
	}
	if c.Weather.Enabled && c.Weather.APIKey == "" {
		return fmt.Errorf("weather.api_key is required when weather enrichment is enabled")
	}
	if c.API.DefaultPageSize > c.API.MaxPageSize {
		return fmt.Errorf("api.default_page_size (%d) exceeds api.max_page_size (%d)",
			c.API.DefaultPageSize, c.API.MaxPageSize)
	}
	if c.HomeAssistant.ReconnectInitialDelay > c.HomeAssistant.ReconnectMaxDelay {
		return fmt.Errorf("home_assistant.reconnect_initial_delay exceeds reconnect_max_delay")
	}
	if c.HomeAssistant.HeartbeatInterval >= c.HomeAssistant.HeartbeatTimeout {
		return fmt.Errorf("home_assistant.heartbeat_interval must be shorter than heartbeat_timeout")
	}
	if len(c.HomeAssistant.EventTypes) == 0 {
		return fmt.Errorf("home_assistant.event_types must name at least one event type")
	}
	return nil
}
