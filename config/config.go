// Package config loads the TOML configuration of the tern storage core.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// LoggingConfig controls the structured logger output.
type LoggingConfig struct {
	Output string `toml:"output"` // "stdout", "stderr", "syslog" or a file path
	Format string `toml:"format"` // "console" or "json"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// PebbleConfig holds options for the embedded pebble engine.
type PebbleConfig struct {
	Path string `toml:"path"`
}

// PostgresConfig holds options for the external PostgreSQL engine.
type PostgresConfig struct {
	Hosts           []string `toml:"hosts"`
	Port            int      `toml:"port"` // default 5432
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	Name            string   `toml:"name"`
	TLSMode         bool     `toml:"tls"`
	MaxConns        int      `toml:"max_conns"`
	MinConns        int      `toml:"min_conns"`
	MaxConnLifetime string   `toml:"max_conn_lifetime"`
	MaxConnIdleTime string   `toml:"max_conn_idle_time"`
}

// GetMaxConnLifetime parses the max connection lifetime duration.
func (p *PostgresConfig) GetMaxConnLifetime() (time.Duration, error) {
	if p.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return time.ParseDuration(p.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time duration.
func (p *PostgresConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if p.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return time.ParseDuration(p.MaxConnIdleTime)
}

// BackendConfig selects and configures the physical storage engine.
type BackendConfig struct {
	Engine   string          `toml:"engine"` // "pebble" or "postgres"
	Pebble   *PebbleConfig   `toml:"pebble"`
	Postgres *PostgresConfig `toml:"postgres"`
}

// S3Config holds options for the S3 blob backend.
type S3Config struct {
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	UseTLS    bool   `toml:"tls"`
	Trace     bool   `toml:"trace"`
}

// FSConfig holds options for the local filesystem blob backend.
type FSConfig struct {
	Path string `toml:"path"`
}

// BlobConfig selects and configures blob storage.
type BlobConfig struct {
	Backend       string    `toml:"backend"`        // "s3" or "fs"
	GracePeriod   string    `toml:"grace_period"`   // sweep grace for zero-reference blobs, default "1h"
	EncryptionKey string    `toml:"encryption_key"` // hex-encoded 32 bytes; empty disables encryption
	S3            *S3Config `toml:"s3"`
	FS            *FSConfig `toml:"fs"`
}

// GetGracePeriod parses the sweep grace period.
func (b *BlobConfig) GetGracePeriod() (time.Duration, error) {
	if b.GracePeriod == "" {
		return time.Hour, nil
	}
	return time.ParseDuration(b.GracePeriod)
}

// CacheConfig controls the local blob cache.
type CacheConfig struct {
	Enabled       bool   `toml:"enabled"`
	Path          string `toml:"path"`
	Capacity      int64  `toml:"capacity"`        // bytes, default 1 GiB
	MaxObjectSize int64  `toml:"max_object_size"` // bytes, default 16 MiB
	PurgeInterval string `toml:"purge_interval"`  // default "5m"
}

// GetPurgeInterval parses the cache purge interval.
func (c *CacheConfig) GetPurgeInterval() (time.Duration, error) {
	if c.PurgeInterval == "" {
		return 5 * time.Minute, nil
	}
	return time.ParseDuration(c.PurgeInterval)
}

// QuotaConfig controls per-account storage limits.
type QuotaConfig struct {
	// DefaultLimit is the per-account storage limit in bytes. Zero disables
	// quota enforcement.
	DefaultLimit int64 `toml:"default_limit"`
}

// AdminConfig controls the administrative HTTP API.
type AdminConfig struct {
	Addr string `toml:"addr"` // default "127.0.0.1:9090"
}

// Config is the root configuration.
type Config struct {
	Logging LoggingConfig `toml:"logging"`
	Backend BackendConfig `toml:"backend"`
	Blob    BlobConfig    `toml:"blob"`
	Cache   CacheConfig   `toml:"cache"`
	Quota   QuotaConfig   `toml:"quota"`
	Admin   AdminConfig   `toml:"admin"`
}

// Load reads and validates a TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints and fills defaults.
func (c *Config) Validate() error {
	switch c.Backend.Engine {
	case "", "pebble":
		c.Backend.Engine = "pebble"
		if c.Backend.Pebble == nil || c.Backend.Pebble.Path == "" {
			return fmt.Errorf("backend.pebble.path is required for the pebble engine")
		}
	case "postgres":
		if c.Backend.Postgres == nil || len(c.Backend.Postgres.Hosts) == 0 {
			return fmt.Errorf("backend.postgres.hosts is required for the postgres engine")
		}
	default:
		return fmt.Errorf("unknown backend engine %q", c.Backend.Engine)
	}

	switch c.Blob.Backend {
	case "", "fs":
		c.Blob.Backend = "fs"
		if c.Blob.FS == nil || c.Blob.FS.Path == "" {
			return fmt.Errorf("blob.fs.path is required for the fs blob backend")
		}
	case "s3":
		s3 := c.Blob.S3
		if s3 == nil || s3.Endpoint == "" || s3.Bucket == "" {
			return fmt.Errorf("blob.s3.endpoint and blob.s3.bucket are required for the s3 blob backend")
		}
	default:
		return fmt.Errorf("unknown blob backend %q", c.Blob.Backend)
	}

	if _, err := c.Blob.GetGracePeriod(); err != nil {
		return fmt.Errorf("invalid blob.grace_period: %w", err)
	}

	if c.Cache.Enabled {
		if c.Cache.Path == "" {
			return fmt.Errorf("cache.path is required when the cache is enabled")
		}
		if c.Cache.Capacity == 0 {
			c.Cache.Capacity = 1 << 30
		}
		if c.Cache.MaxObjectSize == 0 {
			c.Cache.MaxObjectSize = 16 << 20
		}
		if _, err := c.Cache.GetPurgeInterval(); err != nil {
			return fmt.Errorf("invalid cache.purge_interval: %w", err)
		}
	}

	if c.Admin.Addr == "" {
		c.Admin.Addr = "127.0.0.1:9090"
	}
	return nil
}
