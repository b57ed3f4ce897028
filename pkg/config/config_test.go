package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clisend/clisend/pkg/protocol"
)

func TestGetDefaultConfig_IsValid(t *testing.T) {
	cfg := GetDefaultConfig()
	require.NoError(t, Validate(cfg))

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, 65432, cfg.Server.Port)
	assert.Equal(t, uint32(protocol.DefaultMaxFrameSize), cfg.Server.MaxFrameSize)
	assert.Equal(t, protocol.DefaultChunkSize, cfg.Server.ChunkSize)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "./shared", cfg.Storage.SharedRoot)
	assert.Equal(t, "./translog", cfg.Translog.Path)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, GetDefaultConfig(), cfg)
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logging:
  level: debug
server:
  port: 7000
  max_sessions: 8
storage:
  shared_root: /srv/clisend
translog:
  no_sync: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Server.MaxSessions)
	assert.Equal(t, "/srv/clisend", cfg.Storage.SharedRoot)
	assert.True(t, cfg.Translog.NoSync)

	// Untouched fields still get defaults.
	assert.Equal(t, protocol.DefaultChunkSize, cfg.Server.ChunkSize)
	assert.Equal(t, "./translog", cfg.Translog.Path)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.Logging.Level = "LOUD" }},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
		{"negative max sessions", func(c *Config) { c.Server.MaxSessions = -1 }},
		{"empty shared root", func(c *Config) { c.Storage.SharedRoot = "" }},
		{"empty translog path", func(c *Config) { c.Translog.Path = "" }},
		{"chunk larger than half the frame", func(c *Config) {
			c.Server.ChunkSize = int(c.Server.MaxFrameSize)
		}},
		{"chunk larger than file cap", func(c *Config) {
			c.Server.MaxFileSize = int64(c.Server.ChunkSize) - 1
		}},
		{"metrics enabled without address", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Address = ""
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 7000\n"), 0o644))

	t.Setenv("CLISEND_SERVER_PORT", "9000")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
}
