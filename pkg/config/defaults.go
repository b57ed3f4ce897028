package config

import (
	"strings"
	"time"

	"github.com/clisend/clisend/pkg/protocol"
)

// ApplyDefaults fills zero values with the defaults below. Explicit values
// are preserved.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 65432
	}
	if cfg.Server.MaxFrameSize == 0 {
		cfg.Server.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if cfg.Server.ChunkSize == 0 {
		cfg.Server.ChunkSize = protocol.DefaultChunkSize
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Storage.SharedRoot == "" {
		cfg.Storage.SharedRoot = "./shared"
	}
	if cfg.Translog.Path == "" {
		cfg.Translog.Path = "./translog"
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Address == "" {
		cfg.Metrics.Address = ":9090"
	}
}

// GetDefaultConfig returns a fully defaulted configuration.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
