package config

import (
	"fmt"
	"os"
	"time"
)

// Transport kinds.
const (
	TransportWebSocket = "websocket"
	TransportNATS      = "nats"
)

// TransportConfig selects and configures the connection to the server.
type TransportConfig struct {
	Kind     string `yaml:"kind"` // websocket or nats
	Endpoint string `yaml:"endpoint"`
	Project  string `yaml:"project"`
	Database string `yaml:"database"`

	// SubjectPrefix roots the NATS subjects.
	SubjectPrefix    string        `yaml:"subject_prefix"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// DefaultTransportConfig returns a websocket transport on localhost.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Kind:             TransportWebSocket,
		Endpoint:         "ws://localhost:8080/v1/sync",
		Project:          "default",
		Database:         "(default)",
		SubjectPrefix:    "sync",
		HandshakeTimeout: 15 * time.Second,
	}
}

// ApplyDefaults fills zero values with defaults.
func (c *TransportConfig) ApplyDefaults() {
	defaults := DefaultTransportConfig()
	if c.Kind == "" {
		c.Kind = defaults.Kind
	}
	if c.Endpoint == "" {
		if c.Kind == TransportNATS {
			c.Endpoint = "nats://localhost:4222"
		} else {
			c.Endpoint = defaults.Endpoint
		}
	}
	if c.Project == "" {
		c.Project = defaults.Project
	}
	if c.Database == "" {
		c.Database = defaults.Database
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = defaults.SubjectPrefix
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = defaults.HandshakeTimeout
	}
}

// ApplyEnvOverrides applies environment variable overrides.
func (c *TransportConfig) ApplyEnvOverrides() {
	if val := os.Getenv("SYNC_TRANSPORT"); val != "" {
		c.Kind = val
	}
	if val := os.Getenv("SYNC_ENDPOINT"); val != "" {
		c.Endpoint = val
	}
	if val := os.Getenv("SYNC_PROJECT"); val != "" {
		c.Project = val
	}
	if val := os.Getenv("SYNC_DATABASE"); val != "" {
		c.Database = val
	}
}

// ResolvePaths is a no-op: the transport section has no paths.
func (c *TransportConfig) ResolvePaths(_, _ string) { _ = c }

// Validate returns an error if the configuration is invalid.
func (c *TransportConfig) Validate() error {
	switch c.Kind {
	case TransportWebSocket, TransportNATS:
	default:
		return fmt.Errorf("transport.kind must be '%s' or '%s', got '%s'", TransportWebSocket, TransportNATS, c.Kind)
	}
	if c.Endpoint == "" {
		return fmt.Errorf("transport.endpoint is required")
	}
	if c.Database == "" {
		return fmt.Errorf("transport.database is required")
	}
	return nil
}
