// Package config loads engine configuration from a JSON file with
// COLDCHAIN_* environment overrides layered on top. A local .env file is
// honored when present.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/c360/coldchain/errors"
	"github.com/c360/coldchain/gateway"
	"github.com/c360/coldchain/history"
	"github.com/c360/coldchain/processor"
	"github.com/c360/coldchain/store"
)

// DefaultEnvPrefix is the prefix for environment variable overrides.
const DefaultEnvPrefix = "COLDCHAIN"

// NATSConfig defines the stream connection settings.
type NATSConfig struct {
	URL           string        `json:"url"`
	Name          string        `json:"name,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	CredsUser     string        `json:"creds_user,omitempty"`
	CredsPassword string        `json:"creds_password,omitempty"`
}

// Config is the complete engine configuration.
type Config struct {
	LogLevel  string            `json:"log_level"`
	LogFormat string            `json:"log_format"`
	NATS      NATSConfig        `json:"nats"`
	Redis     store.RedisConfig `json:"redis"`
	History   history.Config    `json:"history"`
	Processor processor.Config  `json:"processor"`
	Gateway   gateway.Config    `json:"gateway"`
}

// Default returns the configuration used when no file and no overrides are
// present: a single-node local deployment.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		NATS: NATSConfig{
			URL:  "nats://localhost:4222",
			Name: "coldchain-engine",
		},
		Redis: store.RedisConfig{
			Addr: "localhost:6379",
		},
		History: history.Config{
			Host:     "localhost",
			Port:     5432,
			User:     "coldchain",
			Database: "coldchain",
		},
		Gateway: gateway.Config{
			Port: 8080,
		},
	}
}

// Loader loads and validates configuration.
type Loader struct {
	envPrefix string
}

// NewLoader creates a loader. An empty prefix falls back to the default.
func NewLoader(envPrefix string) *Loader {
	if envPrefix == "" {
		envPrefix = DefaultEnvPrefix
	}
	return &Loader{envPrefix: envPrefix}
}

// Load builds the effective configuration: defaults, then the JSON file at
// path (optional, empty path skips), then environment overrides. The result
// is validated before being returned.
func (l *Loader) Load(path string) (*Config, error) {
	// Best effort; a missing .env is the normal case.
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "read config file")
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "parse config file")
		}
	}

	l.applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "validate")
	}
	return cfg, nil
}

func (l *Loader) applyEnvOverrides(cfg *Config) {
	l.setString(&cfg.LogLevel, "LOG_LEVEL")
	l.setString(&cfg.LogFormat, "LOG_FORMAT")

	l.setString(&cfg.NATS.URL, "NATS_URL")
	l.setString(&cfg.NATS.Name, "NATS_NAME")
	l.setString(&cfg.NATS.CredsUser, "NATS_USER")
	l.setString(&cfg.NATS.CredsPassword, "NATS_PASSWORD")

	l.setString(&cfg.Redis.Addr, "REDIS_ADDR")
	l.setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	l.setInt(&cfg.Redis.DB, "REDIS_DB")
	l.setInt(&cfg.Redis.PoolSize, "REDIS_POOL_SIZE")

	l.setString(&cfg.History.Host, "POSTGRES_HOST")
	l.setInt(&cfg.History.Port, "POSTGRES_PORT")
	l.setString(&cfg.History.User, "POSTGRES_USER")
	l.setString(&cfg.History.Password, "POSTGRES_PASSWORD")
	l.setString(&cfg.History.Database, "POSTGRES_DATABASE")

	l.setString(&cfg.Processor.StreamName, "STREAM_NAME")
	l.setString(&cfg.Processor.DurablePrefix, "DURABLE_PREFIX")
	l.setDuration(&cfg.Processor.AlertTTL, "ALERT_TTL")
	l.setInt(&cfg.Processor.HistoryWorkers, "HISTORY_WORKERS")

	l.setInt(&cfg.Gateway.Port, "HTTP_PORT")
}

func (l *Loader) setString(dst *string, key string) {
	if val := os.Getenv(l.envPrefix + "_" + key); val != "" {
		*dst = val
	}
}

func (l *Loader) setInt(dst *int, key string) {
	if val := os.Getenv(l.envPrefix + "_" + key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func (l *Loader) setDuration(dst *time.Duration, key string) {
	if val := os.Getenv(l.envPrefix + "_" + key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}

// Validate checks the configuration before any dependency is touched.
// Absent required settings report ErrMissingConfig, malformed values
// ErrInvalidConfig.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log_level %q is not one of debug, info, warn, error", errors.ErrInvalidConfig, c.LogLevel)
	}

	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("%w: log_format %q is not one of json, text", errors.ErrInvalidConfig, c.LogFormat)
	}

	if c.NATS.URL == "" {
		return fmt.Errorf("%w: nats.url", errors.ErrMissingConfig)
	}
	if !strings.HasPrefix(c.NATS.URL, "nats://") && !strings.HasPrefix(c.NATS.URL, "tls://") {
		return fmt.Errorf("%w: nats.url %q must use the nats:// or tls:// scheme", errors.ErrInvalidConfig, c.NATS.URL)
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("%w: redis.addr", errors.ErrMissingConfig)
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("%w: redis.db must not be negative", errors.ErrInvalidConfig)
	}

	if c.History.Host == "" {
		return fmt.Errorf("%w: history.host", errors.ErrMissingConfig)
	}
	if c.History.Port <= 0 || c.History.Port > 65535 {
		return fmt.Errorf("%w: history.port %d is out of range", errors.ErrInvalidConfig, c.History.Port)
	}
	if c.History.User == "" {
		return fmt.Errorf("%w: history.user", errors.ErrMissingConfig)
	}
	if c.History.Database == "" {
		return fmt.Errorf("%w: history.database", errors.ErrMissingConfig)
	}

	if c.Processor.AlertTTL < 0 {
		return fmt.Errorf("%w: processor.alert_ttl must not be negative", errors.ErrInvalidConfig)
	}

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("%w: gateway.port %d is out of range", errors.ErrInvalidConfig, c.Gateway.Port)
	}

	return nil
}
