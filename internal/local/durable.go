// Package local holds the client's local state: the cache of server
// documents, the per-user mutation queue, document overlays and the target
// cache, plus the LocalStore that applies writes and remote events to them.
// Everything runs on the async queue goroutine; nothing here locks.
package local

import (
	"context"
	"strconv"

	"github.com/syntrixbase/syntrix-sync/pkg/model"
	"github.com/syntrixbase/syntrix-sync/pkg/mutation"
)

// StoredTarget is a target with the document keys the server reported for it.
type StoredTarget struct {
	Data model.TargetData
	Keys []model.DocumentKey
}

// Snapshot is everything a DurableStore returns on load.
type Snapshot struct {
	Documents []*model.MutableDocument
	// Batches maps a user id to its pending batches in ascending id order.
	Batches  map[string][]*mutation.Batch
	Targets  []StoredTarget
	Metadata map[string][]byte
}

// DurableStore is the optional write-through backend of the memory
// persistence. Overlays are not stored; they are recomputed from the
// batches on load.
type DurableStore interface {
	SaveDocument(ctx context.Context, doc *model.MutableDocument) error
	RemoveDocument(ctx context.Context, key model.DocumentKey) error
	SaveBatch(ctx context.Context, uid string, batch *mutation.Batch) error
	RemoveBatch(ctx context.Context, uid string, batchID int) error
	SaveTarget(ctx context.Context, target StoredTarget) error
	RemoveTarget(ctx context.Context, id model.TargetID) error
	SaveMetadata(ctx context.Context, key string, value []byte) error
	Load(ctx context.Context) (*Snapshot, error)
	Close() error
}

// Metadata keys.
const (
	MetaLastRemoteSnapshotVersion = "last_remote_snapshot_version"
	MetaHighestTargetID           = "highest_target_id"
	MetaHighestSequenceNumber     = "highest_sequence_number"
	MetaNextBatchID               = "next_batch_id"
	metaStreamTokenPrefix         = "stream_token/"
	metaHighestAckedPrefix        = "highest_acked_batch/"
)

// MetaStreamToken is the metadata key of a user's write stream token.
func MetaStreamToken(uid string) string { return metaStreamTokenPrefix + uid }

// MetaHighestAcknowledgedBatch is the metadata key of a user's highest acked batch id.
func MetaHighestAcknowledgedBatch(uid string) string { return metaHighestAckedPrefix + uid }

func encodeInt(n int64) []byte { return []byte(strconv.FormatInt(n, 10)) }

func decodeInt(b []byte, def int64) int64 {
	if len(b) == 0 {
		return def
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return def
	}
	return n
}
