// Package config loads alumsync settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Storage selects the durable session slot backend.
type Storage string

const (
	// StorageFile keeps each slot in its own file under the state directory.
	StorageFile Storage = "file"
	// StorageSQLite keeps slots in a single sqlite database under the state directory.
	StorageSQLite Storage = "sqlite"
	// StorageMemory keeps slots for the lifetime of the process only.
	StorageMemory Storage = "memory"
)

// Config is the resolved client configuration.
type Config struct {
	APIURL            string        `env:"ALUMSYNC_API_URL"             envDefault:"http://localhost:5001"`
	SocketURL         string        `env:"ALUMSYNC_SOCKET_URL"          envDefault:"ws://localhost:5001/ws"`
	StateDir          string        `env:"ALUMSYNC_STATE_DIR"           envDefault:".cache/alumsync"`
	Storage           Storage       `env:"ALUMSYNC_STORAGE"             envDefault:"file"`
	CacheTTL          time.Duration `env:"ALUMSYNC_CACHE_TTL"           envDefault:"5m"`
	ReconnectDelay    time.Duration `env:"ALUMSYNC_RECONNECT_DELAY"     envDefault:"1s"`
	ReconnectMaxDelay time.Duration `env:"ALUMSYNC_RECONNECT_MAX_DELAY" envDefault:"5s"`
	ReconnectAttempts int           `env:"ALUMSYNC_RECONNECT_ATTEMPTS"  envDefault:"5"`
	DialTimeout       time.Duration `env:"ALUMSYNC_DIAL_TIMEOUT"        envDefault:"20s"`
	ShutdownTimeout   time.Duration `env:"ALUMSYNC_SHUTDOWN_TIMEOUT"    envDefault:"10s"`
	LogLevel          string        `env:"ALUMSYNC_LOG_LEVEL"           envDefault:"info"`
	LogFormat         string        `env:"ALUMSYNC_LOG_FORMAT"          envDefault:"text"`
	OTELEndpoint      string        `env:"ALUMSYNC_OTEL_ENDPOINT"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate rejects settings the runtime cannot honor.
func (c Config) Validate() error {
	if err := validateURL(c.APIURL, "ALUMSYNC_API_URL", "http", "https"); err != nil {
		return err
	}
	if err := validateURL(c.SocketURL, "ALUMSYNC_SOCKET_URL", "ws", "wss"); err != nil {
		return err
	}
	switch c.Storage {
	case StorageFile, StorageSQLite:
		if strings.TrimSpace(c.StateDir) == "" {
			return fmt.Errorf("ALUMSYNC_STATE_DIR is required for %s storage", c.Storage)
		}
	case StorageMemory:
	default:
		return fmt.Errorf("ALUMSYNC_STORAGE: unsupported storage %q", c.Storage)
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{name: "ALUMSYNC_CACHE_TTL", value: c.CacheTTL},
		{name: "ALUMSYNC_RECONNECT_DELAY", value: c.ReconnectDelay},
		{name: "ALUMSYNC_RECONNECT_MAX_DELAY", value: c.ReconnectMaxDelay},
		{name: "ALUMSYNC_DIAL_TIMEOUT", value: c.DialTimeout},
		{name: "ALUMSYNC_SHUTDOWN_TIMEOUT", value: c.ShutdownTimeout},
	}
	for _, duration := range durations {
		if duration.value <= 0 {
			return fmt.Errorf("%s: must be > 0", duration.name)
		}
	}
	if c.ReconnectMaxDelay < c.ReconnectDelay {
		return fmt.Errorf("ALUMSYNC_RECONNECT_MAX_DELAY: must be >= ALUMSYNC_RECONNECT_DELAY")
	}
	if c.ReconnectAttempts <= 0 {
		return fmt.Errorf("ALUMSYNC_RECONNECT_ATTEMPTS: must be > 0")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("ALUMSYNC_LOG_LEVEL: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "json", "text":
	default:
		return fmt.Errorf("ALUMSYNC_LOG_FORMAT: unsupported format %q", c.LogFormat)
	}

	return nil
}

// SessionDir is where file storage keeps its slots.
func (c Config) SessionDir() string {
	return filepath.Join(c.StateDir, "session")
}

// SessionDatabase is the sqlite file used by sqlite storage.
func (c Config) SessionDatabase() string {
	return filepath.Join(c.StateDir, "session.db")
}

// ParseLogLevel maps a configured level name to a slog level.
func ParseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported level %q", raw)
	}
}

func validateURL(raw string, name string, schemes ...string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s: host is required", name)
	}
	for _, scheme := range schemes {
		if parsed.Scheme == scheme {
			return nil
		}
	}

	return fmt.Errorf("%s: scheme must be one of %v", name, schemes)
}
