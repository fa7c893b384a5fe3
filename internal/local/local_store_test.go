package local

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/syntrix-sync/internal/auth"
	"github.com/syntrixbase/syntrix-sync/internal/query"
	"github.com/syntrixbase/syntrix-sync/internal/remote"
	"github.com/syntrixbase/syntrix-sync/pkg/model"
	"github.com/syntrixbase/syntrix-sync/pkg/mutation"
)

var (
	writeTime = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	alice     = auth.User{UID: "alice"}
	bob       = auth.User{UID: "bob"}
)

func key(path string) model.DocumentKey { return model.MustDocumentKey(path) }

func obj(m map[string]interface{}) model.ObjectValue { return model.MustObjectValue(m) }

func newTestStore(t *testing.T, durable DurableStore) *LocalStore {
	t.Helper()
	p := NewMemoryPersistence(durable, nil)
	require.NoError(t, p.Start(context.Background()))
	m, err := query.NewMatcher(0)
	require.NoError(t, err)
	return NewLocalStore(p, m, alice, nil)
}

func write(t *testing.T, s *LocalStore, ms ...mutation.Mutation) LocalWriteResult {
	t.Helper()
	res, err := s.WriteLocally(ms, writeTime)
	require.NoError(t, err)
	return res
}

func ack(t *testing.T, s *LocalStore, batchID int, version model.SnapshotVersion, results ...mutation.Result) DocumentMap {
	t.Helper()
	batch := s.queue.LookupMutationBatch(batchID)
	require.NotNil(t, batch)
	if results == nil {
		for range batch.Mutations {
			results = append(results, mutation.Result{Version: version})
		}
	}
	res, err := mutation.NewBatchResult(batch, version, results, []byte("token"))
	require.NoError(t, err)
	changes, err := s.AcknowledgeBatch(res)
	require.NoError(t, err)
	return changes
}

func TestLocalStore_ScenarioA_SetThenAck(t *testing.T) {
	s := newTestStore(t, nil)
	docA := key("docs/a")

	res := write(t, s, mutation.NewSetMutation(docA, obj(map[string]interface{}{"x": 1})))
	view := s.ReadDocument(docA)
	x, _ := view.Field("x")
	assert.Equal(t, int64(1), x)
	assert.True(t, view.HasLocalMutations())

	changes := ack(t, s, res.BatchID, 100)
	assert.True(t, s.queue.IsEmpty())
	assert.Equal(t, res.BatchID, s.HighestAcknowledgedBatchID())
	assert.Equal(t, []byte("token"), s.LastStreamToken())

	cached := s.CachedDocument(docA)
	assert.True(t, cached.IsFoundDocument())
	assert.Equal(t, model.SnapshotVersion(100), cached.Version())
	assert.False(t, cached.HasLocalMutations())
	assert.False(t, changes[docA].HasLocalMutations())
	assert.Equal(t, 0, s.overlays.Len())
}

func TestLocalStore_ScenarioB_PendingBatchesFold(t *testing.T) {
	s := newTestStore(t, nil)
	docA := key("docs/a")

	write(t, s, mutation.NewSetMutation(docA, obj(map[string]interface{}{"x": 1})))
	write(t, s, mutation.NewPatchMutation(docA, obj(map[string]interface{}{"y": 2}), mutation.NewFieldMask("y"), mutation.PreconditionNone))

	view := s.ReadDocument(docA)
	assert.True(t, view.Data().Equal(obj(map[string]interface{}{"x": 1, "y": 2})), "got %v", view.Data())
}

func TestLocalStore_ReadYourWritesInQueries(t *testing.T) {
	s := newTestStore(t, nil)
	q := model.NewCollectionQuery("rooms", model.Filter{Field: "open", Op: model.OpEq, Value: true})

	write(t, s, mutation.NewSetMutation(key("rooms/a"), obj(map[string]interface{}{"open": true})))
	write(t, s, mutation.NewSetMutation(key("rooms/b"), obj(map[string]interface{}{"open": false})))
	write(t, s, mutation.NewSetMutation(key("rooms/a/members/m"), obj(map[string]interface{}{"open": true})))

	res := s.ExecuteQuery(q, true)
	require.Len(t, res.Documents, 1)
	assert.Contains(t, res.Documents, key("rooms/a"))
	assert.Equal(t, 0, res.RemoteKeys.Len())

	write(t, s, mutation.NewDeleteMutation(key("rooms/a"), mutation.PreconditionNone))
	assert.Empty(t, s.ExecuteQuery(q, false).Documents)
	assert.True(t, s.ReadDocument(key("rooms/a")).IsNoDocument())
}

func TestLocalStore_FoldDeterminism(t *testing.T) {
	docA := key("docs/a")
	inc1, err := mutation.IncrementTransform("n", 1)
	require.NoError(t, err)
	inc2, err := mutation.IncrementTransform("n", 2)
	require.NoError(t, err)
	batches := [][]mutation.Mutation{
		{mutation.NewPatchMutation(docA, obj(nil), mutation.NewFieldMask(), mutation.PreconditionNone, inc1)},
		{mutation.NewPatchMutation(docA, obj(map[string]interface{}{"tag": "x"}), mutation.NewFieldMask("tag"), mutation.PreconditionNone)},
		{mutation.NewPatchMutation(docA, obj(nil), mutation.NewFieldMask(), mutation.PreconditionNone, inc2)},
		{mutation.NewVerifyMutation(docA, mutation.PreconditionUpdateTime(5))},
	}

	run := func(recompute bool) *model.MutableDocument {
		s := newTestStore(t, nil)
		require.NoError(t, s.remoteDocuments.Add(model.NewFoundDocument(docA, 5, obj(map[string]interface{}{"n": 10, "keep": true})), 5))
		for _, ms := range batches {
			write(t, s, ms...)
		}
		if recompute {
			s.overlays = NewDocumentOverlayCache()
			s.localDocuments = NewLocalDocumentsView(s.remoteDocuments, s.queue, s.overlays, s.matcher)
			s.localDocuments.RecalculateAndSaveOverlays([]model.DocumentKey{docA})
		}
		return s.ReadDocument(docA)
	}

	incremental := run(false)
	recomputed := run(true)
	want := obj(map[string]interface{}{"n": 13, "keep": true, "tag": "x"})
	assert.True(t, incremental.Data().Equal(want), "got %v", incremental.Data())
	assert.True(t, incremental.Equal(recomputed), "incremental %s, recomputed %s", incremental, recomputed)
}

func TestLocalStore_AckIdempotence(t *testing.T) {
	s := newTestStore(t, nil)
	docA := key("docs/a")
	res := write(t, s, mutation.NewSetMutation(docA, obj(map[string]interface{}{"x": 1})))
	batch := s.queue.LookupMutationBatch(res.BatchID)

	ack(t, s, res.BatchID, 100)
	before := s.CachedDocument(docA)

	result, err := mutation.NewBatchResult(batch, 100, []mutation.Result{{Version: 100}}, []byte("token"))
	require.NoError(t, err)
	changes, err := s.AcknowledgeBatch(result)
	require.NoError(t, err)
	assert.Empty(t, changes)
	assert.True(t, before.Equal(s.CachedDocument(docA)))

	changes, err = s.RejectBatch(res.BatchID)
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestLocalStore_RejectRestoresServerState(t *testing.T) {
	s := newTestStore(t, nil)
	docA := key("docs/a")
	require.NoError(t, s.remoteDocuments.Add(model.NewFoundDocument(docA, 3, obj(map[string]interface{}{"x": 0})), 3))

	b1 := write(t, s, mutation.NewSetMutation(docA, obj(map[string]interface{}{"x": 1})))
	write(t, s, mutation.NewPatchMutation(docA, obj(map[string]interface{}{"y": 2}), mutation.NewFieldMask("y"), mutation.PreconditionNone))

	changes, err := s.RejectBatch(b1.BatchID)
	require.NoError(t, err)
	assert.True(t, changes[docA].Data().Equal(obj(map[string]interface{}{"x": 0, "y": 2})), "got %v", changes[docA].Data())
	assert.True(t, changes[docA].HasLocalMutations())
}

func TestMutationQueue_RemovingNonOldestBatchPanics(t *testing.T) {
	s := newTestStore(t, nil)
	write(t, s, mutation.NewSetMutation(key("docs/a"), obj(nil)))
	b2 := write(t, s, mutation.NewSetMutation(key("docs/b"), obj(nil)))

	batch := s.queue.LookupMutationBatch(b2.BatchID)
	assert.Panics(t, func() { _ = s.queue.RemoveMutationBatch(batch) })
}

func TestMutationQueue_Lookups(t *testing.T) {
	s := newTestStore(t, nil)
	b1 := write(t, s, mutation.NewSetMutation(key("docs/a"), obj(nil)))
	b2 := write(t, s, mutation.NewSetMutation(key("docs/b"), obj(nil)), mutation.NewSetMutation(key("docs/a"), obj(nil)))
	b3 := write(t, s, mutation.NewSetMutation(key("other/c"), obj(nil)))

	ids := func(bs []*mutation.Batch) []int {
		var out []int
		for _, b := range bs {
			out = append(out, b.BatchID)
		}
		return out
	}
	q := s.queue
	assert.Equal(t, []int{b1.BatchID, b2.BatchID}, ids(q.GetAllMutationBatchesAffectingDocumentKey(key("docs/a"))))
	assert.Equal(t, []int{b1.BatchID, b2.BatchID}, ids(q.GetAllMutationBatchesAffectingQuery(model.NewCollectionQuery("docs"))))
	assert.Equal(t, []int{b2.BatchID, b3.BatchID}, ids(q.GetAllMutationBatchesAffectingDocumentKeys([]model.DocumentKey{key("docs/b"), key("other/c")})))
	assert.Equal(t, b2.BatchID, q.NextMutationBatchAfterBatchID(b1.BatchID).BatchID)
	assert.Nil(t, q.NextMutationBatchAfterBatchID(b3.BatchID))
	assert.Equal(t, b3.BatchID, q.HighestUnacknowledgedBatchID())
	assert.Less(t, b1.BatchID, b2.BatchID)
	assert.Less(t, b2.BatchID, b3.BatchID)
	assert.NoError(t, q.PerformConsistencyCheck())
}

func TestLocalStore_ApplyRemoteEvent(t *testing.T) {
	s := newTestStore(t, nil)
	q := model.NewCollectionQuery("rooms")
	td, err := s.AllocateTarget(q)
	require.NoError(t, err)
	assert.Equal(t, model.TargetID(2), td.TargetID)

	again, err := s.AllocateTarget(q)
	require.NoError(t, err)
	assert.Equal(t, td.TargetID, again.TargetID)

	docA := model.NewFoundDocument(key("rooms/a"), 10, obj(map[string]interface{}{"n": 1}))
	ev := remote.NewRemoteEvent(10)
	change := remote.NewTargetChange([]byte("resume-1"), true)
	change.AddedDocuments = remote.NewKeySet(docA.Key())
	ev.TargetChanges[td.TargetID] = change
	ev.DocumentUpdates[docA.Key()] = docA

	changes, err := s.ApplyRemoteEvent(ev)
	require.NoError(t, err)
	assert.Contains(t, changes, docA.Key())
	assert.Equal(t, model.SnapshotVersion(10), s.LastRemoteSnapshotVersion())
	assert.Equal(t, model.SnapshotVersion(10), s.CachedDocument(docA.Key()).ReadTime())
	assert.True(t, s.GetRemoteDocumentKeys(td.TargetID).Has(docA.Key()))

	active, ok := s.GetTargetData(q)
	require.True(t, ok)
	assert.Equal(t, []byte("resume-1"), active.ResumeToken)
	assert.Equal(t, model.SnapshotVersion(10), active.SnapshotVersion)

	stale := remote.NewRemoteEvent(11)
	stale.DocumentUpdates[docA.Key()] = model.NewFoundDocument(docA.Key(), 9, obj(map[string]interface{}{"n": 0}))
	changes, err = s.ApplyRemoteEvent(stale)
	require.NoError(t, err)
	assert.Empty(t, changes)

	forget := remote.NewRemoteEvent(12)
	forget.DocumentUpdates[docA.Key()] = model.NewNoDocument(docA.Key(), model.MinVersion)
	_, err = s.ApplyRemoteEvent(forget)
	require.NoError(t, err)
	assert.False(t, s.remoteDocuments.Contains(docA.Key()))

	assert.Panics(t, func() { _, _ = s.ApplyRemoteEvent(remote.NewRemoteEvent(5)) })
}

func TestLocalStore_TargetMismatchClearsResumeToken(t *testing.T) {
	s := newTestStore(t, nil)
	q := model.NewCollectionQuery("rooms")
	td, err := s.AllocateTarget(q)
	require.NoError(t, err)

	ev := remote.NewRemoteEvent(10)
	ev.TargetChanges[td.TargetID] = remote.NewTargetChange([]byte("tok"), true)
	_, err = s.ApplyRemoteEvent(ev)
	require.NoError(t, err)

	ev = remote.NewRemoteEvent(11)
	ev.TargetChanges[td.TargetID] = remote.NewTargetChange([]byte("tok2"), false)
	ev.TargetMismatches[td.TargetID] = model.PurposeExistenceFilterMismatch
	_, err = s.ApplyRemoteEvent(ev)
	require.NoError(t, err)

	active, _ := s.GetTargetData(q)
	assert.Empty(t, active.ResumeToken)
	assert.True(t, active.SnapshotVersion.IsMin())
}

func TestLocalStore_ReleaseTarget(t *testing.T) {
	s := newTestStore(t, nil)
	q := model.NewCollectionQuery("rooms")
	td, err := s.AllocateTarget(q)
	require.NoError(t, err)

	require.NoError(t, s.ReleaseTarget(td.TargetID, true))
	_, ok := s.GetTargetData(q)
	assert.False(t, ok)
	reused, err := s.AllocateTarget(q)
	require.NoError(t, err)
	assert.Equal(t, td.TargetID, reused.TargetID)

	require.NoError(t, s.ReleaseTarget(td.TargetID, false))
	fresh, err := s.AllocateTarget(q)
	require.NoError(t, err)
	assert.Greater(t, fresh.TargetID, td.TargetID)
	assert.Panics(t, func() { _ = s.ReleaseTarget(99, false) })
}

func TestLocalStore_UserChangeRescopesQueue(t *testing.T) {
	s := newTestStore(t, nil)
	docA := key("docs/a")
	b1 := write(t, s, mutation.NewSetMutation(docA, obj(map[string]interface{}{"by": "alice"})))

	res := s.HandleUserChange(bob)
	assert.Equal(t, []int{b1.BatchID}, res.RemovedBatchIDs)
	assert.Empty(t, res.AddedBatchIDs)
	assert.False(t, res.AffectedDocuments[docA].IsValidDocument())
	assert.False(t, s.ReadDocument(docA).IsValidDocument())

	b2 := write(t, s, mutation.NewSetMutation(docA, obj(map[string]interface{}{"by": "bob"})))
	assert.Greater(t, b2.BatchID, b1.BatchID)

	res = s.HandleUserChange(alice)
	assert.Equal(t, []int{b2.BatchID}, res.RemovedBatchIDs)
	assert.Equal(t, []int{b1.BatchID}, res.AddedBatchIDs)
	by, _ := s.ReadDocument(docA).Field("by")
	assert.Equal(t, "alice", by)
}

func TestRemoteDocumentCache_RejectsLocalMutationsAndTracksSize(t *testing.T) {
	s := newTestStore(t, nil)
	c := s.remoteDocuments
	doc := model.NewFoundDocument(key("docs/a"), 1, obj(map[string]interface{}{"x": "hello"}))

	require.NoError(t, c.Add(doc, 1))
	size := c.Size()
	assert.Greater(t, size, 0)

	require.NoError(t, c.Add(model.NewFoundDocument(key("docs/a"), 2, obj(map[string]interface{}{"x": "hello, world"})), 2))
	assert.Greater(t, c.Size(), size)

	require.NoError(t, c.Remove(key("docs/a")))
	assert.Equal(t, 0, c.Size())

	local := doc.Clone().SetHasLocalMutations()
	assert.Panics(t, func() { _ = c.Add(local, 1) })

	require.NoError(t, c.Add(doc, 1))
	size = c.Size()
	bad := model.NewFoundDocument(key("docs/b"), 1, model.ObjectValue{"x": struct{}{}})
	assert.Error(t, c.Add(bad, 1))
	assert.Equal(t, size, c.Size())
	_, found := c.docs.Get(key("docs/b"))
	assert.False(t, found)
}

func remoteEvent(version model.SnapshotVersion, id model.TargetID, token []byte, docs ...*model.MutableDocument) remote.RemoteEvent {
	ev := remote.NewRemoteEvent(version)
	change := remote.NewTargetChange(token, true)
	for _, d := range docs {
		change.AddedDocuments = change.AddedDocuments.Add(d.Key())
		ev.DocumentUpdates[d.Key()] = d
	}
	ev.TargetChanges[id] = change
	return ev
}
