package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(ConfigFileEnv, "")
	t.Setenv("KNOWHOW_QUEUE_RETRY_DELAYS_SECONDS", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, BackendSurrealDB, cfg.Backend)
	assert.True(t, cfg.WorkerEnabled)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, 3, cfg.DefaultMaxRetries)
	assert.Equal(t, []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}, cfg.RetryDelays)
	assert.Equal(t, 30*24*time.Hour, cfg.Retention())
}

func TestLoadEnv(t *testing.T) {
	t.Setenv(ConfigFileEnv, "")
	t.Setenv("KNOWHOW_QUEUE_BACKEND", "postgres")
	t.Setenv("KNOWHOW_QUEUE_MAX_CONCURRENT_JOBS", "12")
	t.Setenv("KNOWHOW_QUEUE_RETRY_DELAYS_SECONDS", "10, 20,40")
	t.Setenv("KNOWHOW_QUEUE_WORKER_ENABLED", "false")
	t.Setenv("KNOWHOW_QUEUE_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendPostgres, cfg.Backend)
	assert.Equal(t, 12, cfg.MaxConcurrentJobs)
	assert.False(t, cfg.WorkerEnabled)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second}, cfg.RetryDelays)
}

func TestLoadFileOverlaysEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
poll_interval_seconds: 5
max_concurrent_jobs: 2
retry_delays_seconds: [1, 2, 3, 4]
default_max_retries: 4
worker_enabled: false
`), 0o600))

	t.Setenv(ConfigFileEnv, path)
	t.Setenv("KNOWHOW_QUEUE_MAX_CONCURRENT_JOBS", "9")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 2, cfg.MaxConcurrentJobs)
	assert.Equal(t, 4, cfg.DefaultMaxRetries)
	assert.Len(t, cfg.RetryDelays, 4)
	assert.False(t, cfg.WorkerEnabled)
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_concurrent_jobs: [nope"), 0o600))
	t.Setenv(ConfigFileEnv, path)

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Backend:           BackendSurrealDB,
			PollInterval:      time.Second,
			MaxConcurrentJobs: 1,
			RetryDelays:       []time.Duration{time.Second, time.Minute},
			DefaultMaxRetries: 2,
			JobTimeout:        time.Minute,
			ItemRetentionDays: 1,
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"valid", func(*Config) {}, ""},
		{"zero retries", func(c *Config) { c.DefaultMaxRetries = 0 }, ""},
		{"unknown backend", func(c *Config) { c.Backend = "redis" }, "unknown backend"},
		{"zero interval", func(c *Config) { c.PollInterval = 0 }, "poll_interval_seconds"},
		{"zero concurrency", func(c *Config) { c.MaxConcurrentJobs = 0 }, "max_concurrent_jobs"},
		{"short table", func(c *Config) { c.DefaultMaxRetries = 3 }, "need at least"},
		{"decreasing table", func(c *Config) {
			c.RetryDelays = []time.Duration{time.Minute, time.Second}
		}, "non-decreasing"},
		{"zero delay", func(c *Config) {
			c.RetryDelays = []time.Duration{0, time.Second}
		}, "must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("item claimed", "item_id", "abc")

	assert.NotContains(t, stderr.String(), "hidden")
	assert.Contains(t, stderr.String(), "item_id=abc")
	assert.Contains(t, file.String(), `"item_id":"abc"`)
}

func TestSetupLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "queue.log")
	logger, cleanup := SetupLogger(path, slog.LevelInfo)
	logger.Info("started")
	require.NoError(t, cleanup())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"started"`)
}
