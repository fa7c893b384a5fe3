package local

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/syntrixbase/syntrix-sync/pkg/model"
	"github.com/syntrixbase/syntrix-sync/pkg/mutation"
)

// MutationQueue is the ordered log of one user's pending writes. Batches are
// appended with increasing ids and only ever removed from the front.
type MutationQueue struct {
	p   *MemoryPersistence
	uid string

	batches             []*mutation.Batch
	lastStreamToken     []byte
	highestAcknowledged int
	// index relates each key to the batches touching it.
	index *ReferenceSet
}

func newMutationQueue(p *MemoryPersistence, uid string) *MutationQueue {
	return &MutationQueue{
		p:                   p,
		uid:                 uid,
		highestAcknowledged: mutation.BatchIDUnknown,
		index:               NewReferenceSet(),
	}
}

func (q *MutationQueue) load(b *mutation.Batch) {
	model.HardAssert(len(q.batches) == 0 || q.batches[len(q.batches)-1].BatchID < b.BatchID,
		"loaded batch %d out of order", b.BatchID)
	q.batches = append(q.batches, b)
	for _, k := range b.Keys() {
		q.index.AddReference(k, b.BatchID)
	}
}

// UID is the user the queue belongs to.
func (q *MutationQueue) UID() string { return q.uid }

func (q *MutationQueue) IsEmpty() bool { return len(q.batches) == 0 }

// AddMutationBatch appends a new batch with the next batch id.
func (q *MutationQueue) AddMutationBatch(localWriteTime time.Time, mutations []mutation.Mutation) (*mutation.Batch, error) {
	model.HardAssert(len(mutations) > 0, "mutation batch must not be empty")
	id, err := q.p.batchIDs.allocate()
	if err != nil {
		return nil, err
	}
	if n := len(q.batches); n > 0 {
		model.HardAssert(q.batches[n-1].BatchID < id, "batch ids must increase: %d after %d", id, q.batches[n-1].BatchID)
	}
	b := mutation.NewBatch(id, localWriteTime, mutations)
	if err := q.p.writeThrough("save batch", func(ctx context.Context, d DurableStore) error {
		return d.SaveBatch(ctx, q.uid, b)
	}); err != nil {
		return nil, err
	}
	q.load(b)
	return b, nil
}

func (q *MutationQueue) indexOf(batchID int) int {
	i := sort.Search(len(q.batches), func(i int) bool { return q.batches[i].BatchID >= batchID })
	if i < len(q.batches) && q.batches[i].BatchID == batchID {
		return i
	}
	return -1
}

// LookupMutationBatch returns the pending batch with id, or nil.
func (q *MutationQueue) LookupMutationBatch(batchID int) *mutation.Batch {
	if i := q.indexOf(batchID); i >= 0 {
		return q.batches[i]
	}
	return nil
}

// NextMutationBatchAfterBatchID returns the first batch with an id greater
// than batchID, or nil.
func (q *MutationQueue) NextMutationBatchAfterBatchID(batchID int) *mutation.Batch {
	i := sort.Search(len(q.batches), func(i int) bool { return q.batches[i].BatchID > batchID })
	if i < len(q.batches) {
		return q.batches[i]
	}
	return nil
}

// HighestUnacknowledgedBatchID is the id of the newest pending batch, or
// BatchIDUnknown when the queue is empty.
func (q *MutationQueue) HighestUnacknowledgedBatchID() int {
	if len(q.batches) == 0 {
		return mutation.BatchIDUnknown
	}
	return q.batches[len(q.batches)-1].BatchID
}

// HighestAcknowledgedBatchID is the id of the newest batch the server acknowledged.
func (q *MutationQueue) HighestAcknowledgedBatchID() int { return q.highestAcknowledged }

// AcknowledgeBatch records that the server committed batch, which must be the
// oldest pending batch, and stores the new stream token.
func (q *MutationQueue) AcknowledgeBatch(batch *mutation.Batch, streamToken []byte) error {
	model.HardAssert(len(q.batches) > 0 && q.batches[0].BatchID == batch.BatchID,
		"can only acknowledge the first batch in the queue, got %d", batch.BatchID)
	if batch.BatchID > q.highestAcknowledged {
		q.highestAcknowledged = batch.BatchID
		if err := q.p.saveMetadata(MetaHighestAcknowledgedBatch(q.uid), encodeInt(int64(batch.BatchID))); err != nil {
			return err
		}
	}
	return q.SetLastStreamToken(streamToken)
}

// RemoveMutationBatch removes batch, which must be the oldest pending batch.
// Removing any other batch is an invariant violation.
func (q *MutationQueue) RemoveMutationBatch(batch *mutation.Batch) error {
	model.HardAssert(len(q.batches) > 0, "cannot remove batch %d from an empty queue", batch.BatchID)
	model.HardAssert(q.batches[0].BatchID == batch.BatchID,
		"can only remove the first batch in the queue: got %d, oldest is %d", batch.BatchID, q.batches[0].BatchID)
	q.batches[0] = nil
	q.batches = q.batches[1:]
	for _, k := range batch.Keys() {
		q.index.RemoveReference(k, batch.BatchID)
	}
	return q.p.writeThrough("remove batch", func(ctx context.Context, d DurableStore) error {
		return d.RemoveBatch(ctx, q.uid, batch.BatchID)
	})
}

// GetAllMutationBatches returns every pending batch, oldest first.
func (q *MutationQueue) GetAllMutationBatches() []*mutation.Batch {
	out := make([]*mutation.Batch, len(q.batches))
	copy(out, q.batches)
	return out
}

// GetAllMutationBatchesAffectingDocumentKey returns the batches touching key,
// ordered by batch id.
func (q *MutationQueue) GetAllMutationBatchesAffectingDocumentKey(key model.DocumentKey) []*mutation.Batch {
	return q.batchesForIDs(q.index.IDsForKey(key))
}

// GetAllMutationBatchesAffectingDocumentKeys returns the batches touching any
// of keys, ordered by batch id and without duplicates.
func (q *MutationQueue) GetAllMutationBatchesAffectingDocumentKeys(keys []model.DocumentKey) []*mutation.Batch {
	var ids []int
	for _, k := range keys {
		ids = append(ids, q.index.IDsForKey(k)...)
	}
	return q.batchesForIDs(ids)
}

// GetAllMutationBatchesAffectingQuery returns the batches touching a
// document in the query's collection.
func (q *MutationQueue) GetAllMutationBatchesAffectingQuery(query model.Query) []*mutation.Batch {
	if query.IsDocumentQuery() {
		return q.GetAllMutationBatchesAffectingDocumentKey(query.DocumentKey())
	}
	var ids []int
	q.index.ReferencesInCollection(query.Path, func(ref DocReference) bool {
		ids = append(ids, ref.ID)
		return true
	})
	return q.batchesForIDs(ids)
}

func (q *MutationQueue) batchesForIDs(ids []int) []*mutation.Batch {
	sort.Ints(ids)
	out := make([]*mutation.Batch, 0, len(ids))
	last := mutation.BatchIDUnknown
	for _, id := range ids {
		if id == last {
			continue
		}
		last = id
		b := q.LookupMutationBatch(id)
		model.HardAssert(b != nil, "index refers to missing batch %d", id)
		out = append(out, b)
	}
	return out
}

// PerformConsistencyCheck verifies that an empty queue has an empty index.
func (q *MutationQueue) PerformConsistencyCheck() error {
	if len(q.batches) == 0 && !q.index.IsEmpty() {
		return fmt.Errorf("%w: document index not empty for empty mutation queue", model.ErrInvariantViolation)
	}
	return nil
}

func (q *MutationQueue) LastStreamToken() []byte { return q.lastStreamToken }

func (q *MutationQueue) SetLastStreamToken(token []byte) error {
	q.lastStreamToken = token
	return q.p.saveMetadata(MetaStreamToken(q.uid), token)
}
