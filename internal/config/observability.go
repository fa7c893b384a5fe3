package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// MetricsConfig controls the Prometheus endpoint of syncctl.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DefaultMetricsConfig returns a disabled metrics endpoint.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{Addr: ":9464"}
}

// ApplyDefaults fills zero values with defaults.
func (c *MetricsConfig) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultMetricsConfig().Addr
	}
}

// ApplyEnvOverrides applies environment variable overrides.
func (c *MetricsConfig) ApplyEnvOverrides() {
	if val := os.Getenv("SYNC_METRICS_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.Enabled = b
		}
	}
	if val := os.Getenv("SYNC_METRICS_ADDR"); val != "" {
		c.Addr = val
	}
}

// ResolvePaths is a no-op: the metrics section has no paths.
func (c *MetricsConfig) ResolvePaths(_, _ string) { _ = c }

// Validate returns an error if the configuration is invalid.
func (c *MetricsConfig) Validate() error {
	if c.Enabled && c.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}
	return nil
}

// AuthConfig supplies the bearer token sent to the server. An empty
// config runs unauthenticated.
type AuthConfig struct {
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"`
}

// ApplyDefaults is a no-op: unauthenticated is the default.
func (c *AuthConfig) ApplyDefaults() { _ = c }

// ApplyEnvOverrides applies environment variable overrides.
func (c *AuthConfig) ApplyEnvOverrides() {
	if val := os.Getenv("SYNC_AUTH_TOKEN"); val != "" {
		c.Token = val
	}
	if val := os.Getenv("SYNC_AUTH_TOKEN_FILE"); val != "" {
		c.TokenFile = val
	}
}

// ResolvePaths resolves a relative token file against configDir.
func (c *AuthConfig) ResolvePaths(configDir, _ string) {
	if c.TokenFile != "" && !filepath.IsAbs(c.TokenFile) {
		c.TokenFile = filepath.Join(configDir, c.TokenFile)
	}
}

// Validate returns an error if the configuration is invalid.
func (c *AuthConfig) Validate() error {
	if c.Token != "" && c.TokenFile != "" {
		return fmt.Errorf("auth.token and auth.token_file are mutually exclusive")
	}
	return nil
}

// Enabled reports whether a token is configured.
func (c *AuthConfig) Enabled() bool {
	return c.Token != "" || c.TokenFile != ""
}
