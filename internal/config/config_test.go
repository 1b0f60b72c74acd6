package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:5001", cfg.APIURL)
	assert.Equal(t, "ws://localhost:5001/ws", cfg.SocketURL)
	assert.Equal(t, StorageFile, cfg.Storage)
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL)
	assert.Equal(t, time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 5*time.Second, cfg.ReconnectMaxDelay)
	assert.Equal(t, 5, cfg.ReconnectAttempts)
	assert.Equal(t, 20*time.Second, cfg.DialTimeout)
	assert.Empty(t, cfg.OTELEndpoint)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ALUMSYNC_API_URL", "https://alumni.example.edu")
	t.Setenv("ALUMSYNC_SOCKET_URL", "wss://alumni.example.edu/ws")
	t.Setenv("ALUMSYNC_STORAGE", "sqlite")
	t.Setenv("ALUMSYNC_STATE_DIR", "/var/lib/alumsync")
	t.Setenv("ALUMSYNC_CACHE_TTL", "30s")
	t.Setenv("ALUMSYNC_RECONNECT_ATTEMPTS", "2")
	t.Setenv("ALUMSYNC_LOG_LEVEL", "debug")
	t.Setenv("ALUMSYNC_OTEL_ENDPOINT", "http://collector:4318")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://alumni.example.edu", cfg.APIURL)
	assert.Equal(t, StorageSQLite, cfg.Storage)
	assert.Equal(t, "/var/lib/alumsync/session.db", cfg.SessionDatabase())
	assert.Equal(t, "/var/lib/alumsync/session", cfg.SessionDir())
	assert.Equal(t, 30*time.Second, cfg.CacheTTL)
	assert.Equal(t, 2, cfg.ReconnectAttempts)
	assert.Equal(t, "http://collector:4318", cfg.OTELEndpoint)
}

func TestLoadParseError(t *testing.T) {
	t.Setenv("ALUMSYNC_CACHE_TTL", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env:")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			APIURL:            "http://localhost:5001",
			SocketURL:         "ws://localhost:5001/ws",
			StateDir:          ".cache/alumsync",
			Storage:           StorageFile,
			CacheTTL:          time.Minute,
			ReconnectDelay:    time.Second,
			ReconnectMaxDelay: 5 * time.Second,
			ReconnectAttempts: 5,
			DialTimeout:       time.Second,
			ShutdownTimeout:   time.Second,
			LogLevel:          "info",
			LogFormat:         "json",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "memory storage without state dir", mutate: func(c *Config) {
			c.Storage = StorageMemory
			c.StateDir = ""
		}},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage = "redis" }, wantErr: "ALUMSYNC_STORAGE"},
		{name: "file storage without state dir", mutate: func(c *Config) { c.StateDir = " " }, wantErr: "ALUMSYNC_STATE_DIR"},
		{name: "api scheme", mutate: func(c *Config) { c.APIURL = "ws://localhost" }, wantErr: "ALUMSYNC_API_URL"},
		{name: "socket scheme", mutate: func(c *Config) { c.SocketURL = "http://localhost/ws" }, wantErr: "ALUMSYNC_SOCKET_URL"},
		{name: "missing host", mutate: func(c *Config) { c.APIURL = "http://" }, wantErr: "host is required"},
		{name: "zero ttl", mutate: func(c *Config) { c.CacheTTL = 0 }, wantErr: "ALUMSYNC_CACHE_TTL"},
		{name: "max below base delay", mutate: func(c *Config) { c.ReconnectMaxDelay = time.Millisecond }, wantErr: "ALUMSYNC_RECONNECT_MAX_DELAY"},
		{name: "zero attempts", mutate: func(c *Config) { c.ReconnectAttempts = 0 }, wantErr: "ALUMSYNC_RECONNECT_ATTEMPTS"},
		{name: "bad level", mutate: func(c *Config) { c.LogLevel = "trace" }, wantErr: "ALUMSYNC_LOG_LEVEL"},
		{name: "bad format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: "ALUMSYNC_LOG_FORMAT"},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			cfg := valid()
			testCase.mutate(&cfg)
			err := cfg.Validate()
			if testCase.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), testCase.wantErr)
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: " WARN ", want: slog.LevelWarn},
		{input: "warning", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "trace", wantErr: true},
	}

	for _, testCase := range tests {
		t.Run(testCase.input, func(t *testing.T) {
			t.Parallel()

			got, err := ParseLogLevel(testCase.input)
			if testCase.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, testCase.want, got)
		})
	}
}
