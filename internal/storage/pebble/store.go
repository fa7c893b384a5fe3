// Package pebble persists the client's local state in a Pebble database so
// that pending writes, targets and cached documents survive restarts.
package pebble

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"

	"github.com/syntrixbase/syntrix-sync/internal/local"
	"github.com/syntrixbase/syntrix-sync/internal/serializer"
	"github.com/syntrixbase/syntrix-sync/pkg/model"
	"github.com/syntrixbase/syntrix-sync/pkg/mutation"
)

// Config configures the Store.
type Config struct {
	// Path is the directory of the database.
	Path string `yaml:"path"`

	// BlockCacheSize is the size of the block cache in bytes.
	BlockCacheSize int64 `yaml:"block_cache_size"`

	// NoSync skips fsync on every write. Only for tests and throwaway caches.
	NoSync bool `yaml:"no_sync"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Path:           "data/sync/local.db",
		BlockCacheSize: 16 * 1024 * 1024, // 16MB
	}
}

// Store implements local.DurableStore on Pebble.
type Store struct {
	db     DB
	path   string
	wo     *pebble.WriteOptions
	logger *slog.Logger
}

var _ local.DurableStore = (*Store)(nil)

// Open opens or creates the database at cfg.Path.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	if cfg.BlockCacheSize <= 0 {
		cfg.BlockCacheSize = DefaultConfig().BlockCacheSize
	}

	cache := pebble.NewCache(cfg.BlockCacheSize)
	defer cache.Unref()

	db, err := pebble.Open(cfg.Path, &pebble.Options{
		Cache: cache,
		Levels: []pebble.LevelOptions{
			{FilterPolicy: bloom.FilterPolicy(10)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}
	wo := pebble.Sync
	if cfg.NoSync {
		wo = pebble.NoSync
	}
	return newStore(&pebbleDB{db: db}, cfg.Path, wo, logger), nil
}

func newStore(db DB, path string, wo *pebble.WriteOptions, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, path: path, wo: wo, logger: logger.With("component", "pebble-store")}
}

func (s *Store) set(ctx context.Context, key []byte, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.Set(key, value, s.wo); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (s *Store) delete(ctx context.Context, key []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.Delete(key, s.wo); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) SaveDocument(ctx context.Context, doc *model.MutableDocument) error {
	data, err := serializer.MarshalDocument(doc)
	if err != nil {
		return err
	}
	return s.set(ctx, documentKey(doc.Key()), data)
}

func (s *Store) RemoveDocument(ctx context.Context, key model.DocumentKey) error {
	return s.delete(ctx, documentKey(key))
}

func (s *Store) SaveBatch(ctx context.Context, uid string, batch *mutation.Batch) error {
	data, err := serializer.MarshalBatch(batch)
	if err != nil {
		return err
	}
	return s.set(ctx, batchKey(uid, batch.BatchID), data)
}

func (s *Store) RemoveBatch(ctx context.Context, uid string, batchID int) error {
	return s.delete(ctx, batchKey(uid, batchID))
}

func (s *Store) SaveTarget(ctx context.Context, target local.StoredTarget) error {
	data, err := serializer.MarshalTarget(target.Data, target.Keys)
	if err != nil {
		return err
	}
	return s.set(ctx, targetKey(target.Data.TargetID), data)
}

func (s *Store) RemoveTarget(ctx context.Context, id model.TargetID) error {
	return s.delete(ctx, targetKey(id))
}

func (s *Store) SaveMetadata(ctx context.Context, key string, value []byte) error {
	return s.set(ctx, metaKey(key), value)
}

// scan calls fn for every key with prefix in key order.
func (s *Store) scan(prefix string, fn func(key, value []byte) error) error {
	lower := []byte(prefix)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upperBound(lower)})
	if err != nil {
		return fmt.Errorf("failed to create iterator: %w", err)
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		if err := fn(it.Key(), it.Value()); err != nil {
			return err
		}
	}
	return it.Error()
}

// Load reads everything back. Batches come out in ascending id order per
// user because of the zero padded keys.
func (s *Store) Load(ctx context.Context) (*local.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap := &local.Snapshot{
		Batches:  map[string][]*mutation.Batch{},
		Metadata: map[string][]byte{},
	}

	err := s.scan(prefixDoc, func(_, value []byte) error {
		doc, err := serializer.UnmarshalDocument(value)
		if err != nil {
			return err
		}
		snap.Documents = append(snap.Documents, doc)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load documents: %w", err)
	}

	err = s.scan(prefixBatch, func(key, value []byte) error {
		uid, _, err := parseBatchKey(key)
		if err != nil {
			return err
		}
		b, err := serializer.UnmarshalBatch(value)
		if err != nil {
			return err
		}
		snap.Batches[uid] = append(snap.Batches[uid], b)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load batches: %w", err)
	}

	err = s.scan(prefixTarget, func(_, value []byte) error {
		td, keys, err := serializer.UnmarshalTarget(value)
		if err != nil {
			return err
		}
		snap.Targets = append(snap.Targets, local.StoredTarget{Data: td, Keys: keys})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load targets: %w", err)
	}

	err = s.scan(prefixMeta, func(key, value []byte) error {
		snap.Metadata[strings.TrimPrefix(string(key), prefixMeta)] = append([]byte(nil), value...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}

	s.logger.Debug("Loaded store", "path", s.path,
		"documents", len(snap.Documents), "targets", len(snap.Targets))
	return snap, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
