package mutation

import (
	"fmt"
	"sort"
	"time"

	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

// BatchIDUnknown is used when no batch id is known.
const BatchIDUnknown = -1

// Batch is an atomic group of mutations committed by one local write.
type Batch struct {
	BatchID        int
	LocalWriteTime time.Time
	Mutations      []Mutation
}

// NewBatch copies mutations into a new batch.
func NewBatch(id int, localWriteTime time.Time, mutations []Mutation) *Batch {
	ms := make([]Mutation, len(mutations))
	copy(ms, mutations)
	return &Batch{BatchID: id, LocalWriteTime: localWriteTime, Mutations: ms}
}

// ApplyToRemoteDocument applies the committed mutations for doc's key.
func (b *Batch) ApplyToRemoteDocument(doc *model.MutableDocument, result BatchResult) {
	model.HardAssert(len(result.MutationResults) == len(b.Mutations),
		"mismatch between mutations (%d) and results (%d)", len(b.Mutations), len(result.MutationResults))
	for i, m := range b.Mutations {
		if m.Key == doc.Key() {
			m.ApplyToRemoteDocument(doc, result.MutationResults[i])
		}
	}
}

// ApplyToLocalView applies the batch's mutations for doc's key in order and
// returns the accumulated changed-field mask (nil means whole document).
func (b *Batch) ApplyToLocalView(doc *model.MutableDocument, mask *FieldMask) *FieldMask {
	for _, m := range b.Mutations {
		if m.Key == doc.Key() {
			mask = m.ApplyToLocalView(doc, mask, b.LocalWriteTime)
		}
	}
	return mask
}

// OverlayedDocument is a document with its local mutations applied and the
// set of fields they changed.
type OverlayedDocument struct {
	Document      *model.MutableDocument
	MutatedFields *FieldMask
}

// ApplyToLocalDocumentSet applies the batch to every document it touches and
// returns the resulting overlays. Keys in withoutRemoteVersion have no server
// state, so their overlays cover the whole document.
func (b *Batch) ApplyToLocalDocumentSet(docs map[model.DocumentKey]*OverlayedDocument, withoutRemoteVersion map[model.DocumentKey]struct{}) map[model.DocumentKey]Mutation {
	overlays := make(map[model.DocumentKey]Mutation)
	for _, key := range b.Keys() {
		od, ok := docs[key]
		model.HardAssert(ok, "batch %d touches %s which is missing from the document set", b.BatchID, key)
		mask := b.ApplyToLocalView(od.Document, od.MutatedFields)
		if _, ok := withoutRemoteVersion[key]; ok {
			mask = nil
		}
		od.MutatedFields = mask
		if overlay, ok := CalculateOverlayMutation(od.Document, mask); ok {
			overlays[key] = overlay
		}
		if !od.Document.IsValidDocument() {
			od.Document.ConvertToNoDocument(model.MinVersion)
		}
	}
	return overlays
}

// Keys returns the distinct keys touched by the batch, sorted.
func (b *Batch) Keys() []model.DocumentKey {
	seen := make(map[model.DocumentKey]struct{}, len(b.Mutations))
	keys := make([]model.DocumentKey, 0, len(b.Mutations))
	for _, m := range b.Mutations {
		if _, ok := seen[m.Key]; ok {
			continue
		}
		seen[m.Key] = struct{}{}
		keys = append(keys, m.Key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
	return keys
}

// Touches reports whether any mutation in the batch writes key.
func (b *Batch) Touches(key model.DocumentKey) bool {
	for _, m := range b.Mutations {
		if m.Key == key {
			return true
		}
	}
	return false
}

func (b *Batch) Equal(other *Batch) bool {
	if b == nil || other == nil {
		return b == other
	}
	if b.BatchID != other.BatchID || !b.LocalWriteTime.Equal(other.LocalWriteTime) || len(b.Mutations) != len(other.Mutations) {
		return false
	}
	for i := range b.Mutations {
		if !b.Mutations[i].Equal(other.Mutations[i]) {
			return false
		}
	}
	return true
}

func (b *Batch) String() string {
	return fmt.Sprintf("Batch{id=%d, mutations=%d}", b.BatchID, len(b.Mutations))
}

// BatchResult is the server acknowledgement of a batch.
type BatchResult struct {
	Batch           *Batch
	CommitVersion   model.SnapshotVersion
	MutationResults []Result
	StreamToken     []byte
	// DocVersions maps each touched key to its version after the commit.
	DocVersions map[model.DocumentKey]model.SnapshotVersion
}

// NewBatchResult pairs a batch with the server results, one per mutation.
func NewBatchResult(batch *Batch, commitVersion model.SnapshotVersion, results []Result, streamToken []byte) (BatchResult, error) {
	if len(results) != len(batch.Mutations) {
		return BatchResult{}, fmt.Errorf("batch %d: got %d mutation results for %d mutations",
			batch.BatchID, len(results), len(batch.Mutations))
	}
	versions := make(map[model.DocumentKey]model.SnapshotVersion, len(results))
	for i, m := range batch.Mutations {
		versions[m.Key] = results[i].Version
	}
	return BatchResult{
		Batch:           batch,
		CommitVersion:   commitVersion,
		MutationResults: results,
		StreamToken:     streamToken,
		DocVersions:     versions,
	}, nil
}
