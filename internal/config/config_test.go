package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 3, cfg.Extraction.MaxRetries)
	assert.Equal(t, CompletenessStrict, cfg.Extraction.Completeness)
	assert.Equal(t, 5*time.Minute, cfg.Queue.LeaseTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	data := `
server:
  port: 9090
store:
  driver: redis
  redis:
    addr: redis.internal:6379
extraction:
  max_retries: 1
  completeness: oracle
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Store.Driver)
	assert.Equal(t, "redis.internal:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, 1, cfg.Extraction.MaxRetries)
	assert.Equal(t, CompletenessOracle, cfg.Extraction.Completeness)

	// Unset fields keep defaults.
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 2, cfg.Worker.Count)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "3000")
	t.Setenv("REDIS_URL", "redis://cache:6379")
	t.Setenv("OPENROUTER_API_KEY", "sk-or-test")
	t.Setenv("EXTRACTION_COMPLETENESS", "schema")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Store.Driver)
	assert.Equal(t, "cache:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, "sk-or-test", cfg.Oracle.APIKey)
	assert.Equal(t, CompletenessSchema, cfg.Extraction.Completeness)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"bad store driver", func(c *Config) { c.Store.Driver = "dynamo" }},
		{"bad completeness", func(c *Config) { c.Extraction.Completeness = "lenient" }},
		{"negative retries", func(c *Config) { c.Extraction.MaxRetries = -1 }},
		{"zero page concurrency", func(c *Config) { c.Extraction.PageConcurrency = 0 }},
		{"zero workers", func(c *Config) { c.Worker.Count = 0 }},
		{"bad archive driver", func(c *Config) {
			c.Archive.Enabled = true
			c.Archive.Driver = "mysql"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestResolveRelativePath(t *testing.T) {
	assert.Equal(t, "/etc/pe/jobs.db", ResolveRelativePath("/etc/pe/config.yaml", "jobs.db"))
	assert.Equal(t, "/var/lib/jobs.db", ResolveRelativePath("/etc/pe/config.yaml", "/var/lib/jobs.db"))
}

func TestArchiveDSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Archive.SQLite.Path = "/var/lib/pe/jobs.db"
	assert.Equal(t, "/var/lib/pe/jobs.db", cfg.ArchiveDSN())

	cfg.Archive.Driver = "postgres"
	cfg.Archive.Postgres.DSN = "postgres://pe:pe@localhost/pe"
	assert.Equal(t, "postgres://pe:pe@localhost/pe", cfg.ArchiveDSN())
}
