// Package config loads and validates the clisend server configuration.
//
// Configuration sources, highest precedence first:
//  1. Environment variables (CLISEND_*)
//  2. Configuration file (YAML)
//  3. Default values
//
// CLI flags on the server binary override individual fields after Load.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete server configuration. It is treated as immutable
// once Load returns.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Translog TranslogConfig `mapstructure:"translog"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is the minimum log level: DEBUG, INFO, WARN, ERROR.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR"`
}

// ServerConfig contains the connection server settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port" validate:"required,gt=0,lte=65535"`

	// MaxSessions caps concurrent client sessions; 0 means unlimited.
	MaxSessions int `mapstructure:"max_sessions" validate:"gte=0"`

	// MaxFrameSize caps the declared payload length of one frame.
	MaxFrameSize uint32 `mapstructure:"max_frame_size" validate:"required,gt=0"`

	// ChunkSize is the ceiling for one DATA frame's file bytes.
	ChunkSize int `mapstructure:"chunk_size" validate:"required,gt=0"`

	// MaxFileSize caps uploads; 0 means unlimited.
	MaxFileSize int64 `mapstructure:"max_file_size" validate:"gte=0"`

	// ChunkRate paces DATA chunks across all sessions; 0 disables pacing.
	ChunkRate RateConfig `mapstructure:"chunk_rate"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`
}

// RateConfig is a token-bucket rate.
type RateConfig struct {
	ChunksPerSecond uint `mapstructure:"chunks_per_second"`
	Burst           uint `mapstructure:"burst"`
}

// StorageConfig locates the shared directory tree.
type StorageConfig struct {
	// SharedRoot is the subtree exposed to clients. Every client path must
	// resolve inside it.
	SharedRoot string `mapstructure:"shared_root" validate:"required"`
}

// TranslogConfig locates the transfer log store.
type TranslogConfig struct {
	Path string `mapstructure:"path" validate:"required"`

	// NoSync skips the fsync on each append. Durability before
	// acknowledgment is the store's contract, so this is for tests and
	// throwaway deployments only.
	NoSync bool `mapstructure:"no_sync"`
}

// MetricsConfig controls the optional Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// Load reads configuration from file and environment, applies defaults,
// and validates the result. An empty configPath skips the file and uses
// environment plus defaults only.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("CLISEND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}
