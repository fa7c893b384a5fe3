// Package mongo persists the client's local state in MongoDB, one
// collection per kind of record. Payloads are the serializer's JSON
// encoding stored as strings so that the same bytes round trip through
// every backend.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/syntrixbase/syntrix-sync/internal/local"
	"github.com/syntrixbase/syntrix-sync/internal/serializer"
	"github.com/syntrixbase/syntrix-sync/pkg/model"
	"github.com/syntrixbase/syntrix-sync/pkg/mutation"
)

// Collection names.
const (
	CollectionDocuments = "sync_documents"
	CollectionBatches   = "sync_batches"
	CollectionTargets   = "sync_targets"
	CollectionMetadata  = "sync_metadata"
)

// Config configures the Store.
type Config struct {
	URI            string        `yaml:"uri"`
	Database       string        `yaml:"database"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		URI:            "mongodb://localhost:27017",
		Database:       "syntrix_sync",
		ConnectTimeout: 10 * time.Second,
	}
}

type documentRecord struct {
	ID      string `bson:"_id"`
	Payload string `bson:"payload"`
}

type batchRecord struct {
	ID      string `bson:"_id"`
	UID     string `bson:"uid"`
	BatchID int    `bson:"batch_id"`
	Payload string `bson:"payload"`
}

type targetRecord struct {
	ID      int32  `bson:"_id"`
	Payload string `bson:"payload"`
}

type metadataRecord struct {
	ID    string `bson:"_id"`
	Value []byte `bson:"value"`
}

// Store implements local.DurableStore on MongoDB.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger *slog.Logger
}

var _ local.DurableStore = (*Store)(nil)

// Open connects to MongoDB, verifies the connection and ensures indexes.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.URI == "" || cfg.Database == "" {
		return nil, errors.New("mongo uri and database are required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConfig().ConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	// Ping the database to verify connection
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	s := NewStore(client, client.Database(cfg.Database), logger)
	if err := s.EnsureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// NewStore uses an existing client and database.
func NewStore(client *mongo.Client, db *mongo.Database, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, db: db, logger: logger.With("component", "mongo-store")}
}

// EnsureIndexes creates the index that keeps batch loads ordered.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(CollectionBatches).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "uid", Value: 1}, {Key: "batch_id", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create batch index: %w", err)
	}
	return nil
}

func (s *Store) upsert(ctx context.Context, collection string, id interface{}, record interface{}) error {
	_, err := s.db.Collection(collection).ReplaceOne(ctx, bson.M{"_id": id}, record, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to write %s/%v: %w", collection, id, err)
	}
	return nil
}

func (s *Store) remove(ctx context.Context, collection string, id interface{}) error {
	if _, err := s.db.Collection(collection).DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("failed to delete %s/%v: %w", collection, id, err)
	}
	return nil
}

func batchRecordID(uid string, batchID int) string {
	return fmt.Sprintf("%s|%010d", uid, batchID)
}

func (s *Store) SaveDocument(ctx context.Context, doc *model.MutableDocument) error {
	data, err := serializer.MarshalDocument(doc)
	if err != nil {
		return err
	}
	id := doc.Key().String()
	return s.upsert(ctx, CollectionDocuments, id, documentRecord{ID: id, Payload: string(data)})
}

func (s *Store) RemoveDocument(ctx context.Context, key model.DocumentKey) error {
	return s.remove(ctx, CollectionDocuments, key.String())
}

func (s *Store) SaveBatch(ctx context.Context, uid string, batch *mutation.Batch) error {
	data, err := serializer.MarshalBatch(batch)
	if err != nil {
		return err
	}
	id := batchRecordID(uid, batch.BatchID)
	return s.upsert(ctx, CollectionBatches, id, batchRecord{ID: id, UID: uid, BatchID: batch.BatchID, Payload: string(data)})
}

func (s *Store) RemoveBatch(ctx context.Context, uid string, batchID int) error {
	return s.remove(ctx, CollectionBatches, batchRecordID(uid, batchID))
}

func (s *Store) SaveTarget(ctx context.Context, target local.StoredTarget) error {
	data, err := serializer.MarshalTarget(target.Data, target.Keys)
	if err != nil {
		return err
	}
	id := int32(target.Data.TargetID)
	return s.upsert(ctx, CollectionTargets, id, targetRecord{ID: id, Payload: string(data)})
}

func (s *Store) RemoveTarget(ctx context.Context, id model.TargetID) error {
	return s.remove(ctx, CollectionTargets, int32(id))
}

func (s *Store) SaveMetadata(ctx context.Context, key string, value []byte) error {
	return s.upsert(ctx, CollectionMetadata, key, metadataRecord{ID: key, Value: value})
}

// each decodes every record of collection in the given order into T and
// calls fn with it.
func each[T any](ctx context.Context, coll *mongo.Collection, sort bson.D, fn func(T) error) error {
	opts := options.Find()
	if sort != nil {
		opts.SetSort(sort)
	}
	cursor, err := coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return err
	}
	defer cursor.Close(ctx)
	for cursor.Next(ctx) {
		var rec T
		if err := cursor.Decode(&rec); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return cursor.Err()
}

// Load reads every record back.
func (s *Store) Load(ctx context.Context) (*local.Snapshot, error) {
	snap := &local.Snapshot{
		Batches:  map[string][]*mutation.Batch{},
		Metadata: map[string][]byte{},
	}

	err := each(ctx, s.db.Collection(CollectionDocuments), bson.D{{Key: "_id", Value: 1}}, func(r documentRecord) error {
		doc, err := serializer.UnmarshalDocument([]byte(r.Payload))
		if err != nil {
			return err
		}
		snap.Documents = append(snap.Documents, doc)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load documents: %w", err)
	}

	sortBatches := bson.D{{Key: "uid", Value: 1}, {Key: "batch_id", Value: 1}}
	err = each(ctx, s.db.Collection(CollectionBatches), sortBatches, func(r batchRecord) error {
		b, err := serializer.UnmarshalBatch([]byte(r.Payload))
		if err != nil {
			return err
		}
		snap.Batches[r.UID] = append(snap.Batches[r.UID], b)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load batches: %w", err)
	}

	err = each(ctx, s.db.Collection(CollectionTargets), bson.D{{Key: "_id", Value: 1}}, func(r targetRecord) error {
		td, keys, err := serializer.UnmarshalTarget([]byte(r.Payload))
		if err != nil {
			return err
		}
		snap.Targets = append(snap.Targets, local.StoredTarget{Data: td, Keys: keys})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load targets: %w", err)
	}

	err = each(ctx, s.db.Collection(CollectionMetadata), nil, func(r metadataRecord) error {
		snap.Metadata[r.ID] = r.Value
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}

	s.logger.Debug("Loaded store", "database", s.db.Name(),
		"documents", len(snap.Documents), "targets", len(snap.Targets))
	return snap, nil
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
