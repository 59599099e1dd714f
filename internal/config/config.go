// Package config loads the daemon configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/bgottula/track/pkg/buffer"
	"github.com/bgottula/track/pkg/storage"
)

// Config holds the daemon configuration.
type Config struct {
	Server  ServerConfig
	Buffer  BufferConfig
	Archive ArchiveConfig
	Cache   CacheConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	ListenAddr string        `env:"LISTEN_ADDR" envDefault:":8086"`
	Timeout    time.Duration `env:"SERVER_TIMEOUT" envDefault:"30s"`
}

// BufferConfig holds ingestion buffer configuration.
type BufferConfig struct {
	Retention     time.Duration `env:"RETENTION" envDefault:"10m"`
	EvictInterval time.Duration `env:"EVICT_INTERVAL" envDefault:"1s"`
}

// ArchiveConfig holds cold archive configuration.
type ArchiveConfig struct {
	Path             string `env:"ARCHIVE_PATH" envDefault:"./data"`
	CompressionLevel int    `env:"COMPRESSION_LEVEL" envDefault:"3"`
	EnableWAL        bool   `env:"ENABLE_WAL" envDefault:"true"`
}

// CacheConfig holds query result cache configuration.
type CacheConfig struct {
	Capacity int           `env:"CACHE_CAPACITY" envDefault:"128"`
	TTL      time.Duration `env:"CACHE_TTL" envDefault:"1s"`
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server listen address is required")
	}
	if c.Buffer.Retention <= 0 {
		return fmt.Errorf("retention must be positive")
	}
	if c.Buffer.EvictInterval <= 0 {
		return fmt.Errorf("evict interval must be positive")
	}
	if c.Archive.Path == "" {
		return fmt.Errorf("archive path is required")
	}
	if c.Archive.CompressionLevel < 1 || c.Archive.CompressionLevel > 4 {
		return fmt.Errorf("compression level must be between 1 and 4")
	}
	if c.Cache.Capacity < 0 {
		return fmt.Errorf("cache capacity must not be negative")
	}
	return nil
}

// ToBufferConfig converts to buffer.Config.
func (c *Config) ToBufferConfig() buffer.Config {
	return buffer.Config{
		Retention:     c.Buffer.Retention,
		EvictInterval: c.Buffer.EvictInterval,
	}
}

// ToArchiveConfig converts to storage.Config.
func (c *Config) ToArchiveConfig() *storage.Config {
	return &storage.Config{
		Path:             c.Archive.Path,
		CompressionLevel: c.Archive.CompressionLevel,
	}
}
