package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoggingConfig_YAML(t *testing.T) {
	data := `
level: debug
dir: /var/log/syncctl
console:
  enabled: true
  format: json
  dedup: true
file:
  enabled: false
  format: json
async:
  enabled: true
  buffer_size: 512
  flush_timeout: 20
`
	var cfg LoggingConfig
	require.NoError(t, yaml.Unmarshal([]byte(data), &cfg))
	cfg.ApplyDefaults()

	assert.Equal(t, "debug", cfg.Level)
	assert.True(t, cfg.Console.Dedup)
	assert.Equal(t, "json", cfg.Console.Format)
	// Section levels not given inherit the top-level one.
	assert.Equal(t, "debug", cfg.Console.Level)
	// A file section with any setting keeps its explicit enabled flag.
	assert.False(t, cfg.File.Enabled)
	assert.Equal(t, "debug", cfg.File.Level)
	assert.Equal(t, 512, cfg.Async.BufferSize)
	assert.Equal(t, 100, cfg.Async.BatchSize)
	assert.Equal(t, 20, cfg.Async.FlushTimeout)
	require.NoError(t, cfg.Validate())
}

func TestLoggingConfig_ApplyDefaults(t *testing.T) {
	t.Run("empty section", func(t *testing.T) {
		var cfg LoggingConfig
		cfg.ApplyDefaults()

		def := DefaultLoggingConfig()
		def.Rotation.Compress = false
		assert.Equal(t, def, cfg)
	})

	t.Run("dedup alone enables console", func(t *testing.T) {
		cfg := LoggingConfig{Format: "json", Console: ConsoleConfig{Dedup: true}}
		cfg.ApplyDefaults()

		assert.True(t, cfg.Console.Enabled)
		assert.True(t, cfg.Console.Dedup)
		assert.Equal(t, "json", cfg.Console.Format)
		assert.Equal(t, "json", cfg.File.Format)
	})

	t.Run("disabled file with level stays disabled", func(t *testing.T) {
		cfg := LoggingConfig{File: FileConfig{Level: "error"}}
		cfg.ApplyDefaults()

		assert.False(t, cfg.File.Enabled)
		assert.Equal(t, "error", cfg.File.Level)
	})
}

func TestLoggingConfig_ApplyEnvOverrides(t *testing.T) {
	t.Setenv("SYNC_LOG_LEVEL", "warn")
	t.Setenv("SYNC_LOG_FORMAT", "json")
	t.Setenv("SYNC_LOG_DIR", "/tmp/sync-logs")

	cfg := DefaultLoggingConfig()
	cfg.Console.Level = "debug"
	cfg.ApplyEnvOverrides()

	assert.Equal(t, "warn", cfg.Level)
	assert.Equal(t, "warn", cfg.Console.Level)
	assert.Equal(t, "warn", cfg.File.Level)
	assert.Equal(t, "json", cfg.Console.Format)
	assert.Equal(t, "json", cfg.File.Format)
	assert.Equal(t, "/tmp/sync-logs", cfg.Dir)
}

func TestLoggingConfig_ApplyEnvOverridesUnset(t *testing.T) {
	t.Setenv("SYNC_LOG_LEVEL", "")
	t.Setenv("SYNC_LOG_FORMAT", "")
	t.Setenv("SYNC_LOG_DIR", "")
	cfg := DefaultLoggingConfig()
	cfg.ApplyEnvOverrides()
	assert.Equal(t, DefaultLoggingConfig(), cfg)
}

func TestLoggingConfig_ResolvePaths(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "data")
	tests := []struct {
		dir  string
		want string
	}{
		{"logs", filepath.Join(dataDir, "logs")},
		{"./logs/../client", filepath.Join(dataDir, "client")},
		{"/var/log/syncctl", "/var/log/syncctl"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.dir, func(t *testing.T) {
			cfg := LoggingConfig{Dir: tt.dir}
			// The config directory is not used: logs live with the data.
			cfg.ResolvePaths("/etc/syncctl", dataDir)
			assert.Equal(t, tt.want, cfg.Dir)
		})
	}
}

func TestLoggingConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*LoggingConfig)
		wantErr string
	}{
		{"defaults", func(*LoggingConfig) {}, ""},
		{"level", func(c *LoggingConfig) { c.Level = "trace" }, "invalid log level"},
		{"format", func(c *LoggingConfig) { c.Format = "xml" }, "invalid log format"},
		{"empty dir", func(c *LoggingConfig) { c.Dir = "" }, "log directory"},
		{"console level", func(c *LoggingConfig) { c.Console.Level = "loud" }, "console log level"},
		{"disabled console is not checked", func(c *LoggingConfig) {
			c.Console.Enabled = false
			c.Console.Level = "loud"
		}, ""},
		{"file format", func(c *LoggingConfig) { c.File.Format = "csv" }, "file log format"},
		{"async buffer", func(c *LoggingConfig) {
			c.Async.Enabled = true
			c.Async.BufferSize = 0
		}, "buffer size"},
		{"async batch", func(c *LoggingConfig) {
			c.Async.Enabled = true
			c.Async.BatchSize = -1
		}, "batch size"},
		{"async flush", func(c *LoggingConfig) {
			c.Async.Enabled = true
			c.Async.FlushTimeout = 0
		}, "flush timeout"},
		{"disabled async is not checked", func(c *LoggingConfig) { c.Async.BufferSize = 0 }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultLoggingConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
