package local

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/syntrix-sync/internal/serializer"
	"github.com/syntrixbase/syntrix-sync/pkg/model"
	"github.com/syntrixbase/syntrix-sync/pkg/mutation"
)

// fakeDurable keeps encoded records in maps, the way a real backend would.
type fakeDurable struct {
	docs     map[string][]byte
	batches  map[string]map[int][]byte
	targets  map[model.TargetID][]byte
	metadata map[string][]byte
	failNext error
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{
		docs:     map[string][]byte{},
		batches:  map[string]map[int][]byte{},
		targets:  map[model.TargetID][]byte{},
		metadata: map[string][]byte{},
	}
}

func (f *fakeDurable) fail() error {
	err := f.failNext
	f.failNext = nil
	return err
}

func (f *fakeDurable) SaveDocument(_ context.Context, doc *model.MutableDocument) error {
	if err := f.fail(); err != nil {
		return err
	}
	b, err := serializer.MarshalDocument(doc)
	if err != nil {
		return err
	}
	f.docs[doc.Key().String()] = b
	return nil
}

func (f *fakeDurable) RemoveDocument(_ context.Context, key model.DocumentKey) error {
	delete(f.docs, key.String())
	return f.fail()
}

func (f *fakeDurable) SaveBatch(_ context.Context, uid string, batch *mutation.Batch) error {
	if err := f.fail(); err != nil {
		return err
	}
	b, err := serializer.MarshalBatch(batch)
	if err != nil {
		return err
	}
	if f.batches[uid] == nil {
		f.batches[uid] = map[int][]byte{}
	}
	f.batches[uid][batch.BatchID] = b
	return nil
}

func (f *fakeDurable) RemoveBatch(_ context.Context, uid string, batchID int) error {
	delete(f.batches[uid], batchID)
	return f.fail()
}

func (f *fakeDurable) SaveTarget(_ context.Context, t StoredTarget) error {
	b, err := serializer.MarshalTarget(t.Data, t.Keys)
	if err != nil {
		return err
	}
	f.targets[t.Data.TargetID] = b
	return f.fail()
}

func (f *fakeDurable) RemoveTarget(_ context.Context, id model.TargetID) error {
	delete(f.targets, id)
	return f.fail()
}

func (f *fakeDurable) SaveMetadata(_ context.Context, key string, value []byte) error {
	f.metadata[key] = append([]byte(nil), value...)
	return f.fail()
}

func (f *fakeDurable) Load(context.Context) (*Snapshot, error) {
	snap := &Snapshot{Batches: map[string][]*mutation.Batch{}, Metadata: map[string][]byte{}}
	for _, raw := range f.docs {
		doc, err := serializer.UnmarshalDocument(raw)
		if err != nil {
			return nil, err
		}
		snap.Documents = append(snap.Documents, doc)
	}
	for uid, batches := range f.batches {
		for _, raw := range batches {
			b, err := serializer.UnmarshalBatch(raw)
			if err != nil {
				return nil, err
			}
			snap.Batches[uid] = append(snap.Batches[uid], b)
		}
		sort.Slice(snap.Batches[uid], func(i, j int) bool {
			return snap.Batches[uid][i].BatchID < snap.Batches[uid][j].BatchID
		})
	}
	for _, raw := range f.targets {
		td, keys, err := serializer.UnmarshalTarget(raw)
		if err != nil {
			return nil, err
		}
		snap.Targets = append(snap.Targets, StoredTarget{Data: td, Keys: keys})
	}
	for k, v := range f.metadata {
		snap.Metadata[k] = v
	}
	return snap, nil
}

func (f *fakeDurable) Close() error { return nil }

func TestMemoryPersistence_ReloadsDurableState(t *testing.T) {
	durable := newFakeDurable()
	s := newTestStore(t, durable)

	q := model.NewCollectionQuery("rooms")
	td, err := s.AllocateTarget(q)
	require.NoError(t, err)
	docA := model.NewFoundDocument(key("rooms/a"), 10, obj(map[string]interface{}{"n": 1}))
	ev := remoteEvent(10, td.TargetID, []byte("resume"), docA)
	_, err = s.ApplyRemoteEvent(ev)
	require.NoError(t, err)

	b1 := write(t, s, mutation.NewPatchMutation(docA.Key(), obj(map[string]interface{}{"n": 2}), mutation.NewFieldMask("n"), mutation.PreconditionNone))
	b2 := write(t, s, mutation.NewSetMutation(key("rooms/b"), obj(map[string]interface{}{"n": 3})))
	ack(t, s, b1.BatchID, 20)
	require.NoError(t, s.ReleaseTarget(td.TargetID, true))

	reloaded := newTestStore(t, durable)
	assert.Equal(t, model.SnapshotVersion(10), reloaded.LastRemoteSnapshotVersion())
	assert.Equal(t, []byte("token"), reloaded.LastStreamToken())
	assert.Equal(t, b1.BatchID, reloaded.HighestAcknowledgedBatchID())
	assert.Equal(t, b2.BatchID, reloaded.HighestUnacknowledgedBatchID())

	n, _ := reloaded.ReadDocument(key("rooms/a")).Field("n")
	assert.Equal(t, int64(2), n)
	n, _ = reloaded.ReadDocument(key("rooms/b")).Field("n")
	assert.Equal(t, int64(3), n)
	assert.True(t, reloaded.ReadDocument(key("rooms/b")).HasLocalMutations())

	resumed, err := reloaded.AllocateTarget(q)
	require.NoError(t, err)
	assert.Equal(t, td.TargetID, resumed.TargetID)
	assert.Equal(t, []byte("resume"), resumed.ResumeToken)
	assert.True(t, reloaded.GetRemoteDocumentKeys(td.TargetID).Has(docA.Key()))

	b3 := write(t, reloaded, mutation.NewDeleteMutation(key("rooms/c"), mutation.PreconditionNone))
	assert.Greater(t, b3.BatchID, b2.BatchID)
	other, err := reloaded.AllocateTarget(model.NewCollectionQuery("people"))
	require.NoError(t, err)
	assert.Greater(t, other.TargetID, td.TargetID)
}

func TestMemoryPersistence_DurableFailureSurfaces(t *testing.T) {
	durable := newFakeDurable()
	s := newTestStore(t, durable)

	durable.failNext = errors.New("disk full")
	_, err := s.WriteLocally([]mutation.Mutation{mutation.NewSetMutation(key("docs/a"), obj(nil))}, writeTime)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.True(t, s.queue.IsEmpty())
	assert.False(t, s.ReadDocument(key("docs/a")).IsValidDocument())
}
