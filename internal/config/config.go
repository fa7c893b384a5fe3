package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds the sync client configuration.
type Config struct {
	// DataDir roots relative runtime paths such as logs and the pebble store.
	DataDir string `yaml:"data_dir"`

	Logging     LoggingConfig     `yaml:"logging"`
	Client      ClientConfig      `yaml:"client"`
	Transport   TransportConfig   `yaml:"transport"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Auth        AuthConfig        `yaml:"auth"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		DataDir:     "data",
		Logging:     DefaultLoggingConfig(),
		Client:      DefaultClientConfig(),
		Transport:   DefaultTransportConfig(),
		Persistence: DefaultPersistenceConfig(),
		Metrics:     DefaultMetricsConfig(),
	}
}

// LoadConfig loads configuration from configDir and environment variables.
// Order: defaults -> config.yml -> config.local.yml -> ApplyDefaults ->
// ApplyEnvOverrides -> ResolvePaths -> Validate. Missing files are skipped.
func LoadConfig(configDir string) (*Config, error) {
	// Start with default values so YAML can override them, including bool fields.
	cfg := DefaultConfig()

	if err := loadFile(filepath.Join(configDir, "config.yml"), cfg); err != nil {
		return nil, err
	}
	if err := loadFile(filepath.Join(configDir, "config.local.yml"), cfg); err != nil {
		return nil, err
	}
	if err := cfg.finish(configDir); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads a single explicit configuration file. Unlike LoadConfig,
// the file must exist.
func LoadFile(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := loadFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.finish(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) finish(configDir string) error {
	if val := os.Getenv("SYNC_DATA_DIR"); val != "" {
		c.DataDir = val
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if err := ApplyServiceConfigs(configDir, c.DataDir,
		&c.Logging,
		&c.Client,
		&c.Transport,
		&c.Persistence,
		&c.Metrics,
		&c.Auth,
	); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	return nil
}

func loadFile(filename string, cfg *Config) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", filename, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", filename, err)
	}
	return nil
}
