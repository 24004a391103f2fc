// Package config loads engine configuration from flags, environment and
// YAML files via viper.
package config

import (
	"fmt"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Storage StorageConfig `mapstructure:"storage"`
	Backup  BackupConfig  `mapstructure:"backup"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Server  ServerConfig  `mapstructure:"server"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StorageConfig configures the primary SQLite store.
type StorageConfig struct {
	Path           string        `mapstructure:"path"`
	PoolSize       int           `mapstructure:"pool_size"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	BusyTimeout    time.Duration `mapstructure:"busy_timeout"`
	CacheKB        int           `mapstructure:"cache_kb"`
}

// BackupConfig configures the side-channel backup store.
type BackupConfig struct {
	Dir   string `mapstructure:"dir"`
	Watch bool   `mapstructure:"watch"`
}

// EngineConfig configures task execution.
type EngineConfig struct {
	StopGraceDelay time.Duration `mapstructure:"stop_grace_delay"`
	EventBuffer    int           `mapstructure:"event_buffer"`
}

// ServerConfig configures the HTTP status API.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path must not be empty")
	}
	if c.Storage.PoolSize <= 0 {
		return fmt.Errorf("storage.pool_size must be positive, got %d", c.Storage.PoolSize)
	}
	if c.Storage.AcquireTimeout <= 0 {
		return fmt.Errorf("storage.acquire_timeout must be positive, got %s", c.Storage.AcquireTimeout)
	}
	if c.Backup.Dir == "" {
		return fmt.Errorf("backup.dir must not be empty")
	}
	if c.Engine.StopGraceDelay < 0 {
		return fmt.Errorf("engine.stop_grace_delay must not be negative, got %s", c.Engine.StopGraceDelay)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
	}
	return nil
}
