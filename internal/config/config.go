// Package config loads geosyncd configuration from a YAML file and
// GEOSYNC_-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the root configuration.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Log     LogConfig     `koanf:"log"`
	Store   StoreConfig   `koanf:"store"`
	Sync    SyncConfig    `koanf:"sync"`
	Network NetworkConfig `koanf:"network"`
}

// ServerConfig configures the sidecar HTTP servers.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port" validate:"required"`
	MetricsPort       string        `koanf:"metrics_port" validate:"required"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

// StoreConfig selects and configures the durable queue backend.
type StoreConfig struct {
	Driver             string        `koanf:"driver" validate:"oneof=sqlite postgres memory"`
	Path               string        `koanf:"path"` // sqlite database file
	URL                string        `koanf:"url"`  // postgres connection string
	DeadLetterCapacity int           `koanf:"dead_letter_capacity" validate:"gt=0"`
	MaxOpenConns       int           `koanf:"max_open_conns"`
	MaxIdleConns       int           `koanf:"max_idle_conns"`
	ConnMaxLifetime    time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout     time.Duration `koanf:"connect_timeout"`
	ConnectAttempts    int           `koanf:"connect_attempts"`
}

// SyncConfig configures the delivery engine.
type SyncConfig struct {
	Endpoint          string            `koanf:"endpoint" validate:"required,url"`
	Method            string            `koanf:"method" validate:"oneof=POST PUT PATCH"`
	Headers           map[string]string `koanf:"headers"`
	Params            map[string]string `koanf:"params"`
	Extras            map[string]any    `koanf:"extras"`
	MaxRetry          int               `koanf:"max_retry" validate:"gte=0"`
	RetryDelay        time.Duration     `koanf:"retry_delay" validate:"gt=0"`
	RetryMultiplier   float64           `koanf:"retry_multiplier" validate:"gte=1"`
	MaxRetryDelay     time.Duration     `koanf:"max_retry_delay" validate:"gt=0"`
	BatchSync         bool              `koanf:"batch_sync"`
	MaxBatchSize      int               `koanf:"max_batch_size" validate:"gt=0"`
	AutoSyncThreshold int               `koanf:"auto_sync_threshold" validate:"gte=0"`
	RestrictOnMetered bool              `koanf:"restrict_on_metered"`
	IdempotencyHeader string            `koanf:"idempotency_header"`
	RootProperty      string            `koanf:"root_property"`
	HTTPTimeout       time.Duration     `koanf:"http_timeout" validate:"gt=0"`
	HookTimeout       time.Duration     `koanf:"hook_timeout" validate:"gt=0"`
	Heartbeat         time.Duration     `koanf:"heartbeat"`
	RateLimit         float64           `koanf:"rate_limit" validate:"gte=0"`
	RetentionMaxAge   time.Duration     `koanf:"retention_max_age"`
	RetentionMaxCount int               `koanf:"retention_max_count"`
}

// NetworkConfig configures the connectivity observer.
type NetworkConfig struct {
	ProbeAddress  string        `koanf:"probe_address"`
	ProbeInterval time.Duration `koanf:"probe_interval"`
}

var defaults = map[string]any{
	"server.host":                "0.0.0.0",
	"server.port":                "8080",
	"server.metrics_port":        "9090",
	"server.read_timeout":        "10s",
	"server.read_header_timeout": "5s",
	"server.write_timeout":       "30s",
	"server.idle_timeout":        "60s",

	"log.level":  "info",
	"log.format": "json",

	"store.driver":               "sqlite",
	"store.path":                 "geosync.db",
	"store.dead_letter_capacity": 100,
	"store.max_open_conns":       10,
	"store.max_idle_conns":       2,
	"store.conn_max_lifetime":    "30m",
	"store.connect_timeout":      "10s",
	"store.connect_attempts":     3,

	"sync.method":              "POST",
	"sync.max_retry":           3,
	"sync.retry_delay":         "5s",
	"sync.retry_multiplier":    2.0,
	"sync.max_retry_delay":     "5m",
	"sync.batch_sync":          true,
	"sync.max_batch_size":      50,
	"sync.auto_sync_threshold": 10,
	"sync.idempotency_header":  "X-Idempotency-Key",
	"sync.root_property":       "locations",
	"sync.http_timeout":        "30s",
	"sync.hook_timeout":        "10s",
	"sync.heartbeat":           "1m",

	"network.probe_interval": "30s",
}

// Load reads configuration from an optional YAML file, then environment
// variables (GEOSYNC_SYNC_ENDPOINT maps to sync.endpoint), over defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	for key, value := range defaults {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("set default %s: %w", key, err)
		}
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("GEOSYNC_", ".", func(key string) string {
		return strings.Replace(
			strings.ToLower(strings.TrimPrefix(key, "GEOSYNC_")), "_", ".", 1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}
