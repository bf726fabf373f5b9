package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, BackendPostgres, cfg.Backend)
	assert.Equal(t, 20, cfg.PageSize)
	assert.Equal(t, 100, cfg.MaxPageSize)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("FEED_BACKEND", "redis")
	t.Setenv("FEED_REDIS_ADDR", "cache:6380")
	t.Setenv("FEED_PAGE_SIZE", "50")
	t.Setenv("FEED_SHUTDOWN_TIMEOUT", "3s")
	t.Setenv("FEED_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, BackendRedis, cfg.Backend)
	assert.Equal(t, "cache:6380", cfg.RedisAddr)
	assert.Equal(t, 50, cfg.PageSize)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend: badger\nbadger_path: /tmp/feed\nmax_page_size: 40\n"), 0o600))
	t.Setenv("FEED_MAX_PAGE_SIZE", "60")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendBadger, cfg.Backend)
	assert.Equal(t, "/tmp/feed", cfg.BadgerPath)
	assert.Equal(t, 60, cfg.MaxPageSize)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "OK", mutate: func(*Config) {}},
		{name: "Memory", mutate: func(c *Config) { c.Backend = BackendMemory; c.PostgresDSN = "" }},
		{name: "UnknownBackend", mutate: func(c *Config) { c.Backend = "mongo" }, wantErr: true},
		{name: "MissingDSN", mutate: func(c *Config) { c.PostgresDSN = "" }, wantErr: true},
		{name: "PageSizeAboveMax", mutate: func(c *Config) { c.PageSize = 500 }, wantErr: true},
		{name: "BadLevel", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{
				Backend:     BackendPostgres,
				PostgresDSN: "postgres://localhost/feed",
				PageSize:    20,
				MaxPageSize: 100,
				LogLevel:    "info",
			}
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
