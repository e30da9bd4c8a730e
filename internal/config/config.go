// Package config loads queue configuration from the environment and an
// optional YAML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendSurrealDB = "surrealdb"
	BackendPostgres  = "postgres"
)

// ConfigFileEnv names the env var pointing at the YAML overlay.
const ConfigFileEnv = "KNOWHOW_QUEUE_CONFIG"

// Config holds all configuration values.
type Config struct {
	Backend string

	// SurrealDB connection
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	SurrealDBAuthLevel string

	// PostgreSQL connection
	DatabaseURL string

	// Scheduler
	WorkerEnabled     bool
	PollInterval      time.Duration
	MaxConcurrentJobs int
	RetryDelays       []time.Duration
	DefaultMaxRetries int
	JobTimeout        time.Duration
	StaleAfter        time.Duration
	ItemRetentionDays int

	// HTTP
	ServerPort string
	ServerURL  string

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// fileConfig mirrors the overlay file. Absent keys leave the env value alone.
type fileConfig struct {
	Backend            *string `yaml:"backend"`
	WorkerEnabled      *bool   `yaml:"worker_enabled"`
	PollIntervalSecs   *int    `yaml:"poll_interval_seconds"`
	MaxConcurrentJobs  *int    `yaml:"max_concurrent_jobs"`
	RetryDelaysSecs    []int   `yaml:"retry_delays_seconds"`
	DefaultMaxRetries  *int    `yaml:"default_max_retries"`
	ItemRetentionDays  *int    `yaml:"item_retention_days"`
	JobTimeoutSecs     *int    `yaml:"job_timeout_seconds"`
	StaleAfterSecs     *int    `yaml:"stale_after_seconds"`
	ServerPort         *string `yaml:"server_port"`
	ServerURL          *string `yaml:"server_url"`
	LogFile            *string `yaml:"log_file"`
	LogLevel           *string `yaml:"log_level"`
	DatabaseURL        *string `yaml:"database_url"`
	SurrealDBURL       *string `yaml:"surrealdb_url"`
	SurrealDBNamespace *string `yaml:"surrealdb_namespace"`
	SurrealDBDatabase  *string `yaml:"surrealdb_database"`
}

// Load reads configuration from environment variables, then applies the YAML
// file named by KNOWHOW_QUEUE_CONFIG if set.
func Load() (Config, error) {
	cfg := Config{
		Backend: getEnv("KNOWHOW_QUEUE_BACKEND", BackendSurrealDB),

		SurrealDBURL:       getEnv("SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: getEnv("SURREALDB_NAMESPACE", "knowledge"),
		SurrealDBDatabase:  getEnv("SURREALDB_DATABASE", "queue"),
		SurrealDBUser:      getEnv("SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: getEnv("SURREALDB_AUTH_LEVEL", "root"),

		DatabaseURL: getEnv("DATABASE_URL", "postgres://localhost:5432/knowhow?sslmode=disable"),

		WorkerEnabled:     getEnv("KNOWHOW_QUEUE_WORKER_ENABLED", "true") == "true",
		PollInterval:      seconds(getEnvInt("KNOWHOW_QUEUE_POLL_INTERVAL_SECONDS", 30)),
		MaxConcurrentJobs: getEnvInt("KNOWHOW_QUEUE_MAX_CONCURRENT_JOBS", 4),
		RetryDelays:       parseDelays(getEnv("KNOWHOW_QUEUE_RETRY_DELAYS_SECONDS", "60,300,900")),
		DefaultMaxRetries: getEnvInt("KNOWHOW_QUEUE_DEFAULT_MAX_RETRIES", 3),
		JobTimeout:        seconds(getEnvInt("KNOWHOW_QUEUE_JOB_TIMEOUT_SECONDS", 600)),
		StaleAfter:        seconds(getEnvInt("KNOWHOW_QUEUE_STALE_AFTER_SECONDS", 1800)),
		ItemRetentionDays: getEnvInt("KNOWHOW_QUEUE_ITEM_RETENTION_DAYS", 30),

		ServerPort: getEnv("KNOWHOW_QUEUE_PORT", "8484"),
		ServerURL:  getEnv("KNOWHOW_QUEUE_URL", "http://localhost:8484"),

		LogFile:  getEnv("KNOWHOW_QUEUE_LOG_FILE", "/tmp/knowhow-queue.log"),
		LogLevel: parseLogLevel(getEnv("KNOWHOW_QUEUE_LOG_LEVEL", "INFO")),
	}

	if path := os.Getenv(ConfigFileEnv); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&c.Backend, f.Backend)
	setString(&c.DatabaseURL, f.DatabaseURL)
	setString(&c.SurrealDBURL, f.SurrealDBURL)
	setString(&c.SurrealDBNamespace, f.SurrealDBNamespace)
	setString(&c.SurrealDBDatabase, f.SurrealDBDatabase)
	setString(&c.ServerPort, f.ServerPort)
	setString(&c.ServerURL, f.ServerURL)
	setString(&c.LogFile, f.LogFile)
	if f.LogLevel != nil {
		c.LogLevel = parseLogLevel(*f.LogLevel)
	}
	if f.WorkerEnabled != nil {
		c.WorkerEnabled = *f.WorkerEnabled
	}
	setInt(&c.MaxConcurrentJobs, f.MaxConcurrentJobs)
	setInt(&c.DefaultMaxRetries, f.DefaultMaxRetries)
	setInt(&c.ItemRetentionDays, f.ItemRetentionDays)
	if f.PollIntervalSecs != nil {
		c.PollInterval = seconds(*f.PollIntervalSecs)
	}
	if f.JobTimeoutSecs != nil {
		c.JobTimeout = seconds(*f.JobTimeoutSecs)
	}
	if f.StaleAfterSecs != nil {
		c.StaleAfter = seconds(*f.StaleAfterSecs)
	}
	if f.RetryDelaysSecs != nil {
		c.RetryDelays = make([]time.Duration, len(f.RetryDelaysSecs))
		for i, s := range f.RetryDelaysSecs {
			c.RetryDelays[i] = seconds(s)
		}
	}
	return nil
}

// Validate rejects settings the scheduler cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendSurrealDB, BackendPostgres:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval_seconds must be positive"))
	}
	if c.MaxConcurrentJobs <= 0 {
		errs = append(errs, errors.New("max_concurrent_jobs must be positive"))
	}
	if c.JobTimeout <= 0 {
		errs = append(errs, errors.New("job_timeout_seconds must be positive"))
	}
	if c.StaleAfter < 0 {
		errs = append(errs, errors.New("stale_after_seconds must not be negative"))
	}
	if c.DefaultMaxRetries < 0 {
		errs = append(errs, errors.New("default_max_retries must not be negative"))
	}
	if c.ItemRetentionDays <= 0 {
		errs = append(errs, errors.New("item_retention_days must be positive"))
	}
	if len(c.RetryDelays) < c.DefaultMaxRetries {
		errs = append(errs, fmt.Errorf("retry_delays_seconds has %d entries, need at least default_max_retries (%d)",
			len(c.RetryDelays), c.DefaultMaxRetries))
	}
	for i, d := range c.RetryDelays {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("retry delay %d must be positive", i+1))
		} else if i > 0 && d < c.RetryDelays[i-1] {
			errs = append(errs, fmt.Errorf("retry delays must be non-decreasing at entry %d", i+1))
		}
	}
	return errors.Join(errs...)
}

// Retention is how long terminal items are kept before purge.
func (c Config) Retention() time.Duration {
	return time.Duration(c.ItemRetentionDays) * 24 * time.Hour
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		slog.Warn("ignoring non-numeric env value", "key", key, "value", val)
		return defaultVal
	}
	return n
}

// parseDelays reads a comma-separated list of seconds. Bad entries become 0
// so Validate reports them.
func parseDelays(s string) []time.Duration {
	var out []time.Duration
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			n = 0
		}
		out = append(out, seconds(n))
	}
	return out
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
