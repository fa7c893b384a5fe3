package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

type fakeMetadata struct {
	targets    map[model.TargetID]model.TargetData
	remoteKeys map[model.TargetID]KeySet
}

func newFakeMetadata() *fakeMetadata {
	return &fakeMetadata{
		targets:    map[model.TargetID]model.TargetData{},
		remoteKeys: map[model.TargetID]KeySet{},
	}
}

func (f *fakeMetadata) GetRemoteKeysForTarget(id model.TargetID) KeySet {
	if keys, ok := f.remoteKeys[id]; ok {
		return keys
	}
	return NewKeySet()
}

func (f *fakeMetadata) GetTargetDataForTarget(id model.TargetID) (model.TargetData, bool) {
	td, ok := f.targets[id]
	return td, ok
}

func (f *fakeMetadata) addQueryTarget(id model.TargetID, purpose model.TargetPurpose, keys ...model.DocumentKey) {
	f.targets[id] = model.NewTargetData(model.NewCollectionQuery("rooms"), id, purpose, 1)
	f.remoteKeys[id] = NewKeySet(keys...)
}

func key(path string) model.DocumentKey { return model.MustDocumentKey(path) }

func foundDoc(path string, version model.SnapshotVersion) *model.MutableDocument {
	return model.NewFoundDocument(key(path), version, model.MustObjectValue(map[string]interface{}{"v": 1}))
}

func targetChange(state WatchTargetChangeState, ids ...model.TargetID) *WatchTargetChange {
	return &WatchTargetChange{State: state, TargetIDs: ids}
}

func TestAggregator_AddedDocumentsAndCurrent(t *testing.T) {
	md := newFakeMetadata()
	md.addQueryTarget(2, model.PurposeListen)
	agg := NewWatchChangeAggregator(md, DefaultDatabaseID, nil)

	agg.RecordPendingTargetRequest(2)
	agg.HandleTargetChange(targetChange(TargetAdded, 2))
	agg.HandleDocumentChange(&DocumentWatchChange{UpdatedTargetIDs: []model.TargetID{2}, Key: key("rooms/a"), NewDoc: foundDoc("rooms/a", 5)})
	agg.HandleTargetChange(&WatchTargetChange{State: TargetCurrent, TargetIDs: []model.TargetID{2}, ResumeToken: []byte("r1")})

	event := agg.CreateRemoteEvent(7)
	require.Contains(t, event.TargetChanges, model.TargetID(2))
	change := event.TargetChanges[2]
	assert.True(t, change.Current)
	assert.Equal(t, []byte("r1"), change.ResumeToken)
	assert.True(t, change.AddedDocuments.Has(key("rooms/a")))
	assert.Equal(t, 0, change.ModifiedDocuments.Len())

	require.Contains(t, event.DocumentUpdates, key("rooms/a"))
	assert.Equal(t, model.SnapshotVersion(7), event.DocumentUpdates[key("rooms/a")].ReadTime())
	assert.Equal(t, 0, event.ResolvedLimboDocuments.Len())

	// Changes are consumed by the event.
	next := agg.CreateRemoteEvent(8)
	assert.Empty(t, next.TargetChanges)
	assert.Empty(t, next.DocumentUpdates)
}

func TestAggregator_KnownDocumentIsModified(t *testing.T) {
	md := newFakeMetadata()
	md.addQueryTarget(2, model.PurposeListen, key("rooms/a"))
	agg := NewWatchChangeAggregator(md, DefaultDatabaseID, nil)

	agg.HandleDocumentChange(&DocumentWatchChange{UpdatedTargetIDs: []model.TargetID{2}, Key: key("rooms/a"), NewDoc: foundDoc("rooms/a", 5)})
	event := agg.CreateRemoteEvent(5)
	assert.True(t, event.TargetChanges[2].ModifiedDocuments.Has(key("rooms/a")))
}

func TestAggregator_IgnoresChangesWhilePending(t *testing.T) {
	md := newFakeMetadata()
	md.addQueryTarget(2, model.PurposeListen)
	agg := NewWatchChangeAggregator(md, DefaultDatabaseID, nil)

	agg.RecordPendingTargetRequest(2)
	agg.HandleDocumentChange(&DocumentWatchChange{UpdatedTargetIDs: []model.TargetID{2}, Key: key("rooms/a"), NewDoc: foundDoc("rooms/a", 5)})
	event := agg.CreateRemoteEvent(5)
	assert.Empty(t, event.DocumentUpdates)
	assert.Empty(t, event.TargetChanges)

	agg.HandleTargetChange(targetChange(TargetAdded, 2))
	agg.HandleDocumentChange(&DocumentWatchChange{UpdatedTargetIDs: []model.TargetID{2}, Key: key("rooms/b"), NewDoc: foundDoc("rooms/b", 6)})
	event = agg.CreateRemoteEvent(6)
	assert.Contains(t, event.DocumentUpdates, key("rooms/b"))
	assert.True(t, event.TargetChanges[2].AddedDocuments.Has(key("rooms/b")))
}

func TestAggregator_AddThenRemoveInOneSnapshotCancels(t *testing.T) {
	md := newFakeMetadata()
	md.addQueryTarget(2, model.PurposeListen)
	agg := NewWatchChangeAggregator(md, DefaultDatabaseID, nil)

	agg.HandleDocumentChange(&DocumentWatchChange{UpdatedTargetIDs: []model.TargetID{2}, Key: key("rooms/a"), NewDoc: foundDoc("rooms/a", 5)})
	agg.HandleDocumentChange(&DocumentWatchChange{RemovedTargetIDs: []model.TargetID{2}, Key: key("rooms/a")})

	event := agg.CreateRemoteEvent(5)
	change := event.TargetChanges[2]
	assert.Equal(t, 0, change.AddedDocuments.Len())
	assert.Equal(t, 0, change.RemovedDocuments.Len())
}

func TestAggregator_Phases(t *testing.T) {
	md := newFakeMetadata()
	md.addQueryTarget(2, model.PurposeListen)
	agg := NewWatchChangeAggregator(md, DefaultDatabaseID, nil)

	assert.Equal(t, PhaseInactive, agg.Phase(2))
	agg.RecordPendingTargetRequest(2)
	assert.Equal(t, PhasePendingAdd, agg.Phase(2))
	agg.HandleTargetChange(targetChange(TargetAdded, 2))
	assert.Equal(t, PhaseSyncing, agg.Phase(2))
	agg.HandleTargetChange(targetChange(TargetCurrent, 2))
	assert.Equal(t, PhaseCurrent, agg.Phase(2))
	agg.HandleTargetChange(targetChange(TargetReset, 2))
	assert.Equal(t, PhaseSyncing, agg.Phase(2))

	agg.RecordPendingTargetRequest(2)
	agg.HandleTargetChange(targetChange(TargetRemoved, 2))
	assert.Equal(t, PhaseInactive, agg.Phase(2))
}

func TestAggregator_ResetRemovesKnownDocuments(t *testing.T) {
	md := newFakeMetadata()
	md.addQueryTarget(2, model.PurposeListen, key("rooms/a"), key("rooms/b"))
	agg := NewWatchChangeAggregator(md, DefaultDatabaseID, nil)

	agg.HandleTargetChange(targetChange(TargetCurrent, 2))
	agg.HandleTargetChange(targetChange(TargetReset, 2))
	event := agg.CreateRemoteEvent(9)
	change := event.TargetChanges[2]
	assert.False(t, change.Current)
	assert.True(t, change.RemovedDocuments.Has(key("rooms/a")))
	assert.True(t, change.RemovedDocuments.Has(key("rooms/b")))
}

func TestAggregator_ExistenceFilterMismatchWithoutBloomResets(t *testing.T) {
	md := newFakeMetadata()
	md.addQueryTarget(2, model.PurposeListen, key("rooms/a"), key("rooms/b"), key("rooms/c"))
	agg := NewWatchChangeAggregator(md, DefaultDatabaseID, nil)

	agg.HandleExistenceFilter(&ExistenceFilterChange{TargetID: 2, Filter: ExistenceFilter{Count: 1}})
	event := agg.CreateRemoteEvent(10)

	require.Contains(t, event.TargetMismatches, model.TargetID(2))
	assert.Equal(t, model.PurposeExistenceFilterMismatch, event.TargetMismatches[2])
	assert.Equal(t, 3, event.TargetChanges[2].RemovedDocuments.Len())
}

func TestAggregator_ExistenceFilterMatchingCountIsTrusted(t *testing.T) {
	md := newFakeMetadata()
	md.addQueryTarget(2, model.PurposeListen, key("rooms/a"), key("rooms/b"))
	agg := NewWatchChangeAggregator(md, DefaultDatabaseID, nil)

	agg.HandleExistenceFilter(&ExistenceFilterChange{TargetID: 2, Filter: ExistenceFilter{Count: 2}})
	event := agg.CreateRemoteEvent(10)
	assert.Empty(t, event.TargetMismatches)
}

func TestAggregator_BloomFilterRemovesMissingDocuments(t *testing.T) {
	md := newFakeMetadata()
	md.addQueryTarget(2, model.PurposeListen, key("rooms/a"), key("rooms/b"))
	agg := NewWatchChangeAggregator(md, DefaultDatabaseID, nil)

	filter, err := NewBloomFilter(make([]byte, 128), 0, 7)
	require.NoError(t, err)
	filter.Insert(DefaultDatabaseID.ResourceName(key("rooms/a")))

	agg.HandleExistenceFilter(&ExistenceFilterChange{TargetID: 2, Filter: ExistenceFilter{Count: 1, UnchangedNames: filter.Spec()}})
	event := agg.CreateRemoteEvent(10)

	assert.Empty(t, event.TargetMismatches)
	change := event.TargetChanges[2]
	assert.True(t, change.RemovedDocuments.Has(key("rooms/b")))
	assert.False(t, change.RemovedDocuments.Has(key("rooms/a")))
}

func TestAggregator_BloomFilterFalsePositiveResets(t *testing.T) {
	md := newFakeMetadata()
	md.addQueryTarget(2, model.PurposeListen, key("rooms/a"), key("rooms/b"))
	agg := NewWatchChangeAggregator(md, DefaultDatabaseID, nil)

	filter, err := NewBloomFilter(make([]byte, 128), 0, 7)
	require.NoError(t, err)
	filter.Insert(DefaultDatabaseID.ResourceName(key("rooms/a")))
	filter.Insert(DefaultDatabaseID.ResourceName(key("rooms/b")))

	agg.HandleExistenceFilter(&ExistenceFilterChange{TargetID: 2, Filter: ExistenceFilter{Count: 1, UnchangedNames: filter.Spec()}})
	event := agg.CreateRemoteEvent(10)
	assert.Equal(t, model.PurposeExistenceFilterMismatchBloom, event.TargetMismatches[2])
}

func TestAggregator_DocumentTargetFilterZeroDeletes(t *testing.T) {
	md := newFakeMetadata()
	q := model.NewDocumentQuery(key("rooms/a"))
	md.targets[3] = model.NewTargetData(q, 3, model.PurposeListen, 1)
	md.remoteKeys[3] = NewKeySet(key("rooms/a"))
	agg := NewWatchChangeAggregator(md, DefaultDatabaseID, nil)

	agg.HandleExistenceFilter(&ExistenceFilterChange{TargetID: 3, Filter: ExistenceFilter{Count: 0}})
	event := agg.CreateRemoteEvent(11)
	doc := event.DocumentUpdates[key("rooms/a")]
	require.NotNil(t, doc)
	assert.True(t, doc.IsNoDocument())
}

func TestAggregator_CurrentDocumentTargetWithoutDocumentSynthesizesDelete(t *testing.T) {
	md := newFakeMetadata()
	md.targets[1] = model.NewTargetData(model.NewDocumentQuery(key("rooms/x")), 1, model.PurposeLimboResolution, 1)
	agg := NewWatchChangeAggregator(md, DefaultDatabaseID, nil)

	agg.HandleTargetChange(targetChange(TargetCurrent, 1))
	event := agg.CreateRemoteEvent(12)

	doc := event.DocumentUpdates[key("rooms/x")]
	require.NotNil(t, doc)
	assert.True(t, doc.IsNoDocument())
	assert.Equal(t, model.SnapshotVersion(12), doc.Version())
	assert.True(t, event.ResolvedLimboDocuments.Has(key("rooms/x")))
}

func TestAggregator_LimboOnlyDocumentsAreResolved(t *testing.T) {
	md := newFakeMetadata()
	md.addQueryTarget(2, model.PurposeListen)
	md.targets[1] = model.NewTargetData(model.NewDocumentQuery(key("rooms/a")), 1, model.PurposeLimboResolution, 1)
	md.targets[3] = model.NewTargetData(model.NewDocumentQuery(key("rooms/b")), 3, model.PurposeLimboResolution, 1)
	agg := NewWatchChangeAggregator(md, DefaultDatabaseID, nil)

	agg.HandleDocumentChange(&DocumentWatchChange{UpdatedTargetIDs: []model.TargetID{1, 2}, Key: key("rooms/a"), NewDoc: foundDoc("rooms/a", 5)})
	agg.HandleDocumentChange(&DocumentWatchChange{UpdatedTargetIDs: []model.TargetID{3}, Key: key("rooms/b"), NewDoc: foundDoc("rooms/b", 5)})
	event := agg.CreateRemoteEvent(5)

	assert.False(t, event.ResolvedLimboDocuments.Has(key("rooms/a")))
	assert.True(t, event.ResolvedLimboDocuments.Has(key("rooms/b")))
}

func TestAggregator_GlobalTargetChangeAppliesToActiveTargets(t *testing.T) {
	md := newFakeMetadata()
	md.addQueryTarget(2, model.PurposeListen)
	md.addQueryTarget(4, model.PurposeListen)
	agg := NewWatchChangeAggregator(md, DefaultDatabaseID, nil)
	agg.HandleTargetChange(targetChange(TargetCurrent, 2))
	agg.HandleTargetChange(targetChange(TargetCurrent, 4))
	agg.CreateRemoteEvent(1)

	agg.HandleTargetChange(&WatchTargetChange{State: TargetNoChange, ResumeToken: []byte("g")})
	event := agg.CreateRemoteEvent(2)
	assert.Equal(t, []byte("g"), event.TargetChanges[2].ResumeToken)
	assert.Equal(t, []byte("g"), event.TargetChanges[4].ResumeToken)
}
