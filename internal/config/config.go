// Package config loads node configuration from a YAML file and TSBUCKET_*
// environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete configuration of a tsbucket node
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Disk        DiskConfig        `mapstructure:"disk"`
	Collections CollectionsConfig `mapstructure:"collections"`
	Commit      CommitConfig      `mapstructure:"commit"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	RateLimiter RateLimiterConfig `mapstructure:"rate_limiter"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	NodeID          string        `mapstructure:"node_id"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StorageConfig holds bucket store configuration
type StorageConfig struct {
	DataDir     string `mapstructure:"data_dir"`
	SegmentSize int64  `mapstructure:"segment_size"`
	SyncWrites  bool   `mapstructure:"sync_writes"`
}

// DiskConfig holds disk usage thresholds, as percentages
type DiskConfig struct {
	CheckInterval           time.Duration `mapstructure:"check_interval"`
	WarningThreshold        float64       `mapstructure:"warning_threshold"`
	ThrottleThreshold       float64       `mapstructure:"throttle_threshold"`
	CircuitBreakerThreshold float64       `mapstructure:"circuit_breaker_threshold"`
}

// CollectionsConfig selects where collection definitions are kept
type CollectionsConfig struct {
	// Store is "file" or "postgres"
	Store    string         `mapstructure:"store"`
	File     string         `mapstructure:"file"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// CommitConfig holds commit pool and retry settings
type CommitConfig struct {
	Workers    int           `mapstructure:"workers"`
	QueueSize  int           `mapstructure:"queue_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// IdempotencyConfig selects the idempotency store
type IdempotencyConfig struct {
	// Store is "none", "memory" or "redis"
	Store string        `mapstructure:"store"`
	TTL   time.Duration `mapstructure:"ttl"`
	Redis RedisConfig   `mapstructure:"redis"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RateLimiterConfig holds rate limiter configuration
type RateLimiterConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from configPath (or ./config.yaml,
// /etc/tsbucket/config.yaml) and the environment. A missing file is not an
// error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/tsbucket/")
	}

	v.SetEnvPrefix("TSBUCKET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.node_id", "tsbucket-1")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("storage.data_dir", "./data/buckets")
	v.SetDefault("storage.segment_size", 64<<20)
	v.SetDefault("storage.sync_writes", false)

	v.SetDefault("disk.check_interval", "10s")
	v.SetDefault("disk.warning_threshold", 80.0)
	v.SetDefault("disk.throttle_threshold", 90.0)
	v.SetDefault("disk.circuit_breaker_threshold", 95.0)

	v.SetDefault("collections.store", "file")
	v.SetDefault("collections.file", "./data/collections.yaml")
	v.SetDefault("collections.postgres.host", "localhost")
	v.SetDefault("collections.postgres.port", 5432)
	v.SetDefault("collections.postgres.database", "tsbucket")
	v.SetDefault("collections.postgres.user", "postgres")
	v.SetDefault("collections.postgres.max_conns", 10)
	v.SetDefault("collections.postgres.min_conns", 1)

	v.SetDefault("commit.workers", 16)
	v.SetDefault("commit.queue_size", 1024)
	v.SetDefault("commit.timeout", "30s")
	v.SetDefault("commit.max_retries", 3)

	v.SetDefault("idempotency.store", "memory")
	v.SetDefault("idempotency.ttl", "10m")
	v.SetDefault("idempotency.redis.host", "localhost")
	v.SetDefault("idempotency.redis.port", 6379)
	v.SetDefault("idempotency.redis.db", 0)

	v.SetDefault("rate_limiter.enabled", true)
	v.SetDefault("rate_limiter.requests_per_second", 1000.0)
	v.SetDefault("rate_limiter.burst_size", 100)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks the configuration for values the node cannot run with
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.NodeID == "" {
		return fmt.Errorf("server node_id is required")
	}

	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage data_dir is required")
	}
	if c.Storage.SegmentSize <= 0 {
		return fmt.Errorf("storage segment_size must be positive")
	}

	d := c.Disk
	if !(0 < d.WarningThreshold && d.WarningThreshold <= d.ThrottleThreshold &&
		d.ThrottleThreshold <= d.CircuitBreakerThreshold && d.CircuitBreakerThreshold <= 100) {
		return fmt.Errorf("disk thresholds must satisfy 0 < warning <= throttle <= circuit_breaker <= 100")
	}

	switch c.Collections.Store {
	case "file":
		if c.Collections.File == "" {
			return fmt.Errorf("collections file is required for the file store")
		}
	case "postgres":
		if c.Collections.Postgres.Host == "" || c.Collections.Postgres.Database == "" {
			return fmt.Errorf("collections postgres host and database are required")
		}
	default:
		return fmt.Errorf("unknown collections store: %q", c.Collections.Store)
	}

	if c.Commit.Workers <= 0 {
		return fmt.Errorf("commit workers must be positive")
	}
	if c.Commit.QueueSize <= 0 {
		return fmt.Errorf("commit queue_size must be positive")
	}
	if c.Commit.Timeout <= 0 {
		return fmt.Errorf("commit timeout must be positive")
	}
	if c.Commit.MaxRetries < 0 {
		return fmt.Errorf("commit max_retries cannot be negative")
	}

	switch c.Idempotency.Store {
	case "none", "memory":
	case "redis":
		if c.Idempotency.Redis.Host == "" {
			return fmt.Errorf("idempotency redis host is required")
		}
	default:
		return fmt.Errorf("unknown idempotency store: %q", c.Idempotency.Store)
	}

	if c.RateLimiter.Enabled {
		if c.RateLimiter.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate limiter requests per second must be positive")
		}
		if c.RateLimiter.BurstSize <= 0 {
			return fmt.Errorf("rate limiter burst size must be positive")
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %q", c.Logging.Level)
	}

	return nil
}
