package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// ClientConfig holds the tuning of the sync engine and its streams.
type ClientConfig struct {
	// MaxConcurrentLimboResolutions caps the document targets opened to
	// resolve limbo documents; the rest wait in a queue.
	MaxConcurrentLimboResolutions int `yaml:"max_concurrent_limbo_resolutions"`
	// WritePipelineSize bounds the batches in flight on the write stream.
	WritePipelineSize int `yaml:"write_pipeline_size"`

	Backoff BackoffConfig `yaml:"backoff"`

	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	ActivityTimeout    time.Duration `yaml:"activity_timeout"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	AuthTimeout        time.Duration `yaml:"auth_timeout"`
	OnlineStateTimeout time.Duration `yaml:"online_state_timeout"`
}

// BackoffConfig holds the reconnect delays of the streams.
type BackoffConfig struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
	Factor  float64       `yaml:"factor"`
}

// DefaultClientConfig returns the default client tuning.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		MaxConcurrentLimboResolutions: 100,
		WritePipelineSize:             10,
		Backoff: BackoffConfig{
			Initial: time.Second,
			Max:     60 * time.Second,
			Factor:  1.5,
		},
		HeartbeatInterval:  30 * time.Second,
		ActivityTimeout:    90 * time.Second,
		IdleTimeout:        60 * time.Second,
		AuthTimeout:        10 * time.Second,
		OnlineStateTimeout: 10 * time.Second,
	}
}

// ApplyDefaults fills zero values with defaults.
func (c *ClientConfig) ApplyDefaults() {
	defaults := DefaultClientConfig()
	if c.MaxConcurrentLimboResolutions == 0 {
		c.MaxConcurrentLimboResolutions = defaults.MaxConcurrentLimboResolutions
	}
	if c.WritePipelineSize == 0 {
		c.WritePipelineSize = defaults.WritePipelineSize
	}
	if c.Backoff.Initial == 0 {
		c.Backoff.Initial = defaults.Backoff.Initial
	}
	if c.Backoff.Max == 0 {
		c.Backoff.Max = defaults.Backoff.Max
	}
	if c.Backoff.Factor == 0 {
		c.Backoff.Factor = defaults.Backoff.Factor
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if c.ActivityTimeout == 0 {
		c.ActivityTimeout = defaults.ActivityTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = defaults.IdleTimeout
	}
	if c.AuthTimeout == 0 {
		c.AuthTimeout = defaults.AuthTimeout
	}
	if c.OnlineStateTimeout == 0 {
		c.OnlineStateTimeout = defaults.OnlineStateTimeout
	}
}

// ApplyEnvOverrides applies environment variable overrides.
func (c *ClientConfig) ApplyEnvOverrides() {
	if val := os.Getenv("SYNC_MAX_LIMBO_RESOLUTIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.MaxConcurrentLimboResolutions = n
		}
	}
	if val := os.Getenv("SYNC_WRITE_PIPELINE_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.WritePipelineSize = n
		}
	}
}

// ResolvePaths is a no-op: the client section has no paths.
func (c *ClientConfig) ResolvePaths(_, _ string) { _ = c }

// Validate returns an error if the configuration is invalid.
func (c *ClientConfig) Validate() error {
	if c.MaxConcurrentLimboResolutions <= 0 {
		return fmt.Errorf("client.max_concurrent_limbo_resolutions must be positive")
	}
	if c.WritePipelineSize <= 0 {
		return fmt.Errorf("client.write_pipeline_size must be positive")
	}
	if c.Backoff.Initial < 0 || c.Backoff.Max < c.Backoff.Initial {
		return fmt.Errorf("client.backoff: max (%s) must not be below initial (%s)", c.Backoff.Max, c.Backoff.Initial)
	}
	if c.Backoff.Factor < 1 {
		return fmt.Errorf("client.backoff.factor must be at least 1, got %g", c.Backoff.Factor)
	}
	if c.HeartbeatInterval > 0 && c.ActivityTimeout > 0 && c.ActivityTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("client.activity_timeout must exceed client.heartbeat_interval")
	}
	return nil
}
