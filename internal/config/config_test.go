package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/devrev/pairdb/tsbucket/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, int64(64<<20), cfg.Storage.SegmentSize)
	assert.Equal(t, "file", cfg.Collections.Store)
	assert.Equal(t, 16, cfg.Commit.Workers)
	assert.Equal(t, 3, cfg.Commit.MaxRetries)
	assert.Equal(t, "memory", cfg.Idempotency.Store)
	assert.Equal(t, 10*time.Minute, cfg.Idempotency.TTL)
	assert.Equal(t, 95.0, cfg.Disk.CircuitBreakerThreshold)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	path := writeConfig(t, `
server:
  node_id: node-7
  port: 9000
storage:
  data_dir: /var/lib/tsbucket
  sync_writes: true
collections:
  store: postgres
  postgres:
    host: db.internal
    database: series
commit:
  workers: 4
  timeout: 5s
`)
	t.Setenv("TSBUCKET_COMMIT_MAX_RETRIES", "7")
	t.Setenv("TSBUCKET_LOGGING_LEVEL", "debug")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "node-7", cfg.Server.NodeID)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "/var/lib/tsbucket", cfg.Storage.DataDir)
	assert.True(t, cfg.Storage.SyncWrites)
	assert.Equal(t, "postgres", cfg.Collections.Store)
	assert.Equal(t, "db.internal", cfg.Collections.Postgres.Host)
	assert.Equal(t, 5432, cfg.Collections.Postgres.Port)
	assert.Equal(t, 4, cfg.Commit.Workers)
	assert.Equal(t, 5*time.Second, cfg.Commit.Timeout)
	assert.Equal(t, 7, cfg.Commit.MaxRetries)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_MissingFileIsAnError(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *config.Config {
		cfg, err := config.Load(writeConfig(t, "{}\n"))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"bad port", func(c *config.Config) { c.Server.Port = 70000 }},
		{"no node id", func(c *config.Config) { c.Server.NodeID = "" }},
		{"no data dir", func(c *config.Config) { c.Storage.DataDir = "" }},
		{"zero segment size", func(c *config.Config) { c.Storage.SegmentSize = 0 }},
		{"inverted disk thresholds", func(c *config.Config) { c.Disk.ThrottleThreshold = 99 }},
		{"unknown collection store", func(c *config.Config) { c.Collections.Store = "etcd" }},
		{"postgres without host", func(c *config.Config) {
			c.Collections.Store = "postgres"
			c.Collections.Postgres.Host = ""
		}},
		{"no commit workers", func(c *config.Config) { c.Commit.Workers = 0 }},
		{"negative retries", func(c *config.Config) { c.Commit.MaxRetries = -1 }},
		{"unknown idempotency store", func(c *config.Config) { c.Idempotency.Store = "memcached" }},
		{"rate limiter without rate", func(c *config.Config) { c.RateLimiter.RequestsPerSecond = 0 }},
		{"bad log level", func(c *config.Config) { c.Logging.Level = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
