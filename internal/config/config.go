// Package config provides unified configuration loading for the prospectus engine.
// Supports YAML files, environment variables, and programmatic overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the prospectus engine.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Store         StoreConfig         `yaml:"store"`
	Queue         QueueConfig         `yaml:"queue"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Oracle        OracleConfig        `yaml:"oracle"`
	Extraction    ExtractionConfig    `yaml:"extraction"`
	Worker        WorkerConfig        `yaml:"worker"`
	Callback      CallbackConfig      `yaml:"callback"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
	MaxUploadBytes   int64         `yaml:"max_upload_bytes"`
}

// StoreConfig holds job store settings.
type StoreConfig struct {
	Driver string      `yaml:"driver"` // memory or redis
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Prefix   string `yaml:"prefix"`
}

// QueueConfig holds work queue settings.
type QueueConfig struct {
	LeaseTimeout    time.Duration `yaml:"lease_timeout"`
	ReclaimInterval time.Duration `yaml:"reclaim_interval"`
	DequeueBlock    time.Duration `yaml:"dequeue_block"`
}

// ArchiveConfig holds terminal-job archive settings.
type ArchiveConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Driver   string         `yaml:"driver"` // sqlite or postgres
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	JournalMode  string `yaml:"journal_mode"`
}

// PostgresConfig holds Postgres-specific settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// OracleConfig holds vision model client settings.
type OracleConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	Model          string        `yaml:"model"`
	MaxTokens      int           `yaml:"max_tokens"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// ExtractionConfig holds per-page extraction protocol settings.
type ExtractionConfig struct {
	MaxRetries      int    `yaml:"max_retries"`      // retries after the first attempt
	Completeness    string `yaml:"completeness"`     // oracle, schema, or strict
	PageConcurrency int    `yaml:"page_concurrency"` // parallel pages per job
	JPEGQuality     int    `yaml:"jpeg_quality"`
	WorkDir         string `yaml:"work_dir"` // per-job upload and page image root
	CleanupImages   bool   `yaml:"cleanup_images"`
}

// WorkerConfig holds dispatcher settings.
type WorkerConfig struct {
	Count int `yaml:"count"` // concurrent jobs per process
}

// CallbackConfig holds outbound notification settings.
type CallbackConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	ServiceName string `yaml:"service_name"`
}

// Completeness policies for the page extraction protocol.
const (
	CompletenessOracle = "oracle" // the model's own repeat flag decides
	CompletenessSchema = "schema" // required-field validation decides
	CompletenessStrict = "strict" // both must agree
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     60 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 10 * time.Second,
			MaxUploadBytes:   64 << 20,
		},
		Store: StoreConfig{
			Driver: "memory",
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				DB:       0,
				PoolSize: 10,
				Prefix:   "pe:",
			},
		},
		Queue: QueueConfig{
			LeaseTimeout:    5 * time.Minute,
			ReclaimInterval: 30 * time.Second,
			DequeueBlock:    5 * time.Second,
		},
		Archive: ArchiveConfig{
			Enabled: false,
			Driver:  "sqlite",
			SQLite: SQLiteConfig{
				Path:         "/tmp/prospectus-engine.db",
				MaxOpenConns: 1,
				JournalMode:  "WAL",
			},
			Postgres: PostgresConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Oracle: OracleConfig{
			BaseURL:        "https://openrouter.ai/api/v1/chat/completions",
			Model:          "openai/gpt-4o-2024-11-20",
			MaxTokens:      16383,
			RequestTimeout: 2 * time.Minute,
			InitialBackoff: 1 * time.Second,
			MaxBackoff:     30 * time.Second,
		},
		Extraction: ExtractionConfig{
			MaxRetries:      3,
			Completeness:    CompletenessStrict,
			PageConcurrency: 2,
			JPEGQuality:     85,
			WorkDir:         filepath.Join(os.TempDir(), "prospectus-jobs"),
			CleanupImages:   true,
		},
		Worker: WorkerConfig{
			Count: 2,
		},
		Callback: CallbackConfig{
			Timeout: 15 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:    "debug",
			LogFormat:   "json",
			ServiceName: "prospectus-engine",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Store.Driver != "memory" && c.Store.Driver != "redis" {
		return fmt.Errorf("invalid store driver: %s", c.Store.Driver)
	}

	if c.Archive.Enabled && c.Archive.Driver != "sqlite" && c.Archive.Driver != "postgres" {
		return fmt.Errorf("invalid archive driver: %s", c.Archive.Driver)
	}

	switch c.Extraction.Completeness {
	case CompletenessOracle, CompletenessSchema, CompletenessStrict:
	default:
		return fmt.Errorf("invalid completeness policy: %s", c.Extraction.Completeness)
	}

	if c.Extraction.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}

	if c.Extraction.PageConcurrency < 1 {
		return fmt.Errorf("page_concurrency must be at least 1")
	}

	if c.Extraction.JPEGQuality < 1 || c.Extraction.JPEGQuality > 100 {
		return fmt.Errorf("jpeg_quality must be between 1 and 100")
	}

	if c.Extraction.WorkDir == "" {
		return fmt.Errorf("work_dir must not be empty")
	}

	if c.Worker.Count < 1 {
		return fmt.Errorf("worker count must be at least 1")
	}

	if c.Queue.LeaseTimeout <= 0 {
		return fmt.Errorf("lease_timeout must be positive")
	}

	return nil
}

// IsDevelopment returns true if running against the in-memory store.
func (c *Config) IsDevelopment() bool {
	return c.Store.Driver == "memory"
}

// ArchiveDSN returns the connection string for the configured archive driver.
func (c *Config) ArchiveDSN() string {
	if c.Archive.Driver == "sqlite" {
		return c.Archive.SQLite.Path
	}
	return c.Archive.Postgres.DSN
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Store.Driver = "redis"
		cfg.Store.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}

	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Store.Redis.Password = v
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Archive.Enabled = true
		if strings.HasPrefix(v, "sqlite:") {
			cfg.Archive.Driver = "sqlite"
			cfg.Archive.SQLite.Path = strings.TrimPrefix(v, "sqlite:")
		} else if strings.HasPrefix(v, "postgres") {
			cfg.Archive.Driver = "postgres"
			cfg.Archive.Postgres.DSN = v
		}
	}

	// OPENROUTER_API_KEY wins; OPENAI_API_KEY kept for compatibility with
	// older deployments.
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		cfg.Oracle.APIKey = v
	} else if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Oracle.APIKey = v
	}

	if v := os.Getenv("ORACLE_BASE_URL"); v != "" {
		cfg.Oracle.BaseURL = v
	}

	if v := os.Getenv("ORACLE_MODEL"); v != "" {
		cfg.Oracle.Model = v
	}

	if v := os.Getenv("EXTRACTION_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Extraction.MaxRetries = n
		}
	}

	if v := os.Getenv("EXTRACTION_COMPLETENESS"); v != "" {
		cfg.Extraction.Completeness = v
	}

	if v := os.Getenv("EXTRACTION_WORK_DIR"); v != "" {
		cfg.Extraction.WorkDir = v
	}

	if v := os.Getenv("WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.Count = n
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}

// ResolveRelativePath resolves a path relative to the config file location.
func ResolveRelativePath(configPath, targetPath string) string {
	if filepath.IsAbs(targetPath) {
		return targetPath
	}
	configDir := filepath.Dir(configPath)
	return filepath.Join(configDir, targetPath)
}
