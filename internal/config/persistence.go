package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Persistence backends.
const (
	PersistenceMemory = "memory"
	PersistencePebble = "pebble"
	PersistenceMongo  = "mongo"
)

// PersistenceConfig selects where the local cache and the pending writes
// are kept between runs.
type PersistenceConfig struct {
	Backend string           `yaml:"backend"` // memory, pebble or mongo
	Pebble  PebbleConfig     `yaml:"pebble"`
	Mongo   MongoStoreConfig `yaml:"mongo"`
}

// PebbleConfig configures the pebble backend.
type PebbleConfig struct {
	Path           string `yaml:"path"`
	BlockCacheSize int64  `yaml:"block_cache_size"`
}

// MongoStoreConfig configures the mongo backend.
type MongoStoreConfig struct {
	URI            string        `yaml:"uri"`
	Database       string        `yaml:"database"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// DefaultPersistenceConfig keeps everything in memory.
func DefaultPersistenceConfig() PersistenceConfig {
	return PersistenceConfig{
		Backend: PersistenceMemory,
		Pebble: PebbleConfig{
			Path:           "sync.db",
			BlockCacheSize: 16 * 1024 * 1024,
		},
		Mongo: MongoStoreConfig{
			URI:            "mongodb://localhost:27017",
			Database:       "syntrix_sync",
			ConnectTimeout: 10 * time.Second,
		},
	}
}

// ApplyDefaults fills zero values with defaults.
func (c *PersistenceConfig) ApplyDefaults() {
	defaults := DefaultPersistenceConfig()
	if c.Backend == "" {
		c.Backend = defaults.Backend
	}
	if c.Pebble.Path == "" {
		c.Pebble.Path = defaults.Pebble.Path
	}
	if c.Pebble.BlockCacheSize == 0 {
		c.Pebble.BlockCacheSize = defaults.Pebble.BlockCacheSize
	}
	if c.Mongo.URI == "" {
		c.Mongo.URI = defaults.Mongo.URI
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = defaults.Mongo.Database
	}
	if c.Mongo.ConnectTimeout == 0 {
		c.Mongo.ConnectTimeout = defaults.Mongo.ConnectTimeout
	}
}

// ApplyEnvOverrides applies environment variable overrides.
func (c *PersistenceConfig) ApplyEnvOverrides() {
	if val := os.Getenv("SYNC_PERSISTENCE"); val != "" {
		c.Backend = val
	}
	if val := os.Getenv("SYNC_PEBBLE_PATH"); val != "" {
		c.Pebble.Path = val
	}
	if val := os.Getenv("SYNC_MONGO_URI"); val != "" {
		c.Mongo.URI = val
	}
	if val := os.Getenv("SYNC_MONGO_DATABASE"); val != "" {
		c.Mongo.Database = val
	}
}

// ResolvePaths resolves a relative pebble path against dataDir.
func (c *PersistenceConfig) ResolvePaths(_, dataDir string) {
	if c.Pebble.Path != "" && !filepath.IsAbs(c.Pebble.Path) {
		c.Pebble.Path = filepath.Clean(filepath.Join(dataDir, c.Pebble.Path))
	}
}

// Validate returns an error if the configuration is invalid.
func (c *PersistenceConfig) Validate() error {
	switch c.Backend {
	case PersistenceMemory:
	case PersistencePebble:
		if c.Pebble.Path == "" {
			return fmt.Errorf("persistence.pebble.path is required")
		}
	case PersistenceMongo:
		if c.Mongo.URI == "" || c.Mongo.Database == "" {
			return fmt.Errorf("persistence.mongo.uri and persistence.mongo.database are required")
		}
	default:
		return fmt.Errorf("persistence.backend must be '%s', '%s' or '%s', got '%s'",
			PersistenceMemory, PersistencePebble, PersistenceMongo, c.Backend)
	}
	return nil
}
