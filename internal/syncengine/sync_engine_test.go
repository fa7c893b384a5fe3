package syncengine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/syntrix-sync/internal/auth"
	"github.com/syntrixbase/syntrix-sync/internal/local"
	"github.com/syntrixbase/syntrix-sync/internal/remote"
	"github.com/syntrixbase/syntrix-sync/pkg/model"
	"github.com/syntrixbase/syntrix-sync/pkg/mutation"
)

type fakeRemoteStore struct {
	t          *testing.T
	listens    map[model.TargetID]model.TargetData
	unlistened []model.TargetID
	fills      int
}

func (f *fakeRemoteStore) Listen(td model.TargetData) { f.listens[td.TargetID] = td }

func (f *fakeRemoteStore) Unlisten(id model.TargetID) {
	_, ok := f.listens[id]
	require.True(f.t, ok, "unlisten of unknown target %d", id)
	delete(f.listens, id)
	f.unlistened = append(f.unlistened, id)
}

func (f *fakeRemoteStore) FillWritePipeline() { f.fills++ }

func (f *fakeRemoteStore) targetFor(q model.Query) (model.TargetID, bool) {
	for id, td := range f.listens {
		if td.Target.CanonicalID() == q.CanonicalID() {
			return id, true
		}
	}
	return 0, false
}

type recordingHandler struct {
	snaps  []*ViewSnapshot
	errors map[string]error
	states []remote.OnlineState
}

func (h *recordingHandler) OnViewSnapshots(snaps []*ViewSnapshot) {
	h.snaps = append(h.snaps, snaps...)
}

func (h *recordingHandler) OnWatchError(q model.Query, err error) { h.errors[q.CanonicalID()] = err }

func (h *recordingHandler) OnOnlineStateChange(s remote.OnlineState) { h.states = append(h.states, s) }

func (h *recordingHandler) last(t *testing.T) *ViewSnapshot {
	t.Helper()
	require.NotEmpty(t, h.snaps)
	return h.snaps[len(h.snaps)-1]
}

type engineFixture struct {
	engine  *SyncEngine
	remote  *fakeRemoteStore
	handler *recordingHandler
}

func newEngineFixture(t *testing.T, cfg Config) *engineFixture {
	t.Helper()
	p := local.NewMemoryPersistence(nil, nil)
	require.NoError(t, p.Start(context.Background()))
	matcher := newTestMatcher(t)
	ls := local.NewLocalStore(p, matcher, auth.User{UID: "alice"}, nil)
	rs := &fakeRemoteStore{t: t, listens: map[model.TargetID]model.TargetData{}}
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC))
	se := NewSyncEngine(cfg, ls, rs, matcher, clock, nil)
	h := &recordingHandler{errors: map[string]error{}}
	se.SetViewHandler(h)
	return &engineFixture{engine: se, remote: rs, handler: h}
}

func (f *engineFixture) listen(t *testing.T, q model.Query) (model.TargetID, *ViewSnapshot) {
	t.Helper()
	snap, err := f.engine.Listen(q)
	require.NoError(t, err)
	id, ok := f.remote.targetFor(q)
	require.True(t, ok)
	return id, snap
}

func (f *engineFixture) ackNext(t *testing.T, version model.SnapshotVersion) {
	t.Helper()
	batch, err := f.engine.LocalStore().NextMutationBatch(mutation.BatchIDUnknown)
	require.NoError(t, err)
	require.NotNil(t, batch)
	results := make([]mutation.Result, len(batch.Mutations))
	for i := range results {
		results[i] = mutation.Result{Version: version}
	}
	res, err := mutation.NewBatchResult(batch, version, results, []byte("stream"))
	require.NoError(t, err)
	require.NoError(t, f.engine.ApplySuccessfulWrite(res))
}

func currentEvent(version model.SnapshotVersion, id model.TargetID, added []model.DocumentKey, updates ...*model.MutableDocument) remote.RemoteEvent {
	ev := remote.NewRemoteEvent(version)
	tc := remote.NewTargetChange([]byte("token"), true)
	tc.AddedDocuments = remote.NewKeySet(added...)
	ev.TargetChanges[id] = tc
	for _, d := range updates {
		ev.DocumentUpdates[d.Key()] = d
	}
	return ev
}

func TestSyncEngine_ScenarioC_LimboResolution(t *testing.T) {
	f := newEngineFixture(t, DefaultConfig())
	q := model.NewCollectionQuery("docs")
	a, b := key("docs/a"), key("docs/b")
	tid, _ := f.listen(t, q)

	require.NoError(t, f.engine.ApplyRemoteEvent(currentEvent(10, tid, []model.DocumentKey{a, b},
		doc("docs/a", 10, map[string]interface{}{"v": 1}))))

	assert.Equal(t, 1, f.engine.LimboReferenceCount(b))
	assert.Equal(t, 0, f.engine.LimboReferenceCount(a))
	limboID, ok := f.engine.ActiveLimboDocuments()[b]
	require.True(t, ok)
	assert.Equal(t, model.TargetID(1), limboID%2, "limbo targets use odd ids")
	td := f.remote.listens[limboID]
	assert.Equal(t, model.PurposeLimboResolution, td.Purpose)
	assert.True(t, td.Target.IsDocumentQuery())
	assert.Equal(t, b, td.Target.DocumentKey())
	assert.Equal(t, []model.DocumentKey{a, b}, f.engine.GetRemoteKeysForTarget(tid).Slice())
	assert.True(t, f.engine.GetRemoteKeysForTarget(limboID).IsEmpty())
	assert.True(t, f.handler.last(t).FromCache)

	// The limbo target delivers B.
	require.NoError(t, f.engine.ApplyRemoteEvent(currentEvent(20, limboID, []model.DocumentKey{b},
		doc("docs/b", 20, map[string]interface{}{"v": 2}))))

	assert.Equal(t, 0, f.engine.LimboReferenceCount(b))
	assert.Empty(t, f.engine.ActiveLimboDocuments())
	assert.NotContains(t, f.remote.listens, limboID)
	assert.Equal(t, []model.TargetID{limboID}, f.remote.unlistened)

	snap := f.handler.last(t)
	assert.False(t, snap.FromCache)
	assert.Equal(t, []model.DocumentKey{a, b}, snap.Docs.Keys())
}

func TestSyncEngine_LimboReferenceCounting(t *testing.T) {
	f := newEngineFixture(t, DefaultConfig())
	b := key("docs/b")
	q1 := model.NewCollectionQuery("docs")
	q2 := model.NewCollectionQuery("docs").WithLimit(5)
	t1, _ := f.listen(t, q1)
	t2, _ := f.listen(t, q2)
	require.NotEqual(t, t1, t2)

	require.NoError(t, f.engine.ApplyRemoteEvent(currentEvent(10, t1, []model.DocumentKey{b})))
	require.NoError(t, f.engine.ApplyRemoteEvent(currentEvent(11, t2, []model.DocumentKey{b})))
	assert.Equal(t, 2, f.engine.LimboReferenceCount(b))
	require.Len(t, f.engine.ActiveLimboDocuments(), 1)
	limboID := f.engine.ActiveLimboDocuments()[b]

	require.NoError(t, f.engine.Unlisten(q1))
	assert.Equal(t, 1, f.engine.LimboReferenceCount(b))
	assert.Contains(t, f.remote.listens, limboID)

	require.NoError(t, f.engine.Unlisten(q2))
	assert.Equal(t, 0, f.engine.LimboReferenceCount(b))
	assert.NotContains(t, f.remote.listens, limboID)
	assert.Empty(t, f.remote.listens)
}

func TestSyncEngine_LimboQueueIsFIFOAndCapped(t *testing.T) {
	f := newEngineFixture(t, Config{MaxConcurrentLimboResolutions: 1})
	b, c := key("docs/b"), key("docs/c")
	tid, _ := f.listen(t, model.NewCollectionQuery("docs"))

	require.NoError(t, f.engine.ApplyRemoteEvent(currentEvent(10, tid, []model.DocumentKey{b, c})))
	active := f.engine.ActiveLimboDocuments()
	require.Len(t, active, 1)
	limboB, ok := active[b]
	require.True(t, ok)
	assert.Equal(t, []model.DocumentKey{c}, f.engine.EnqueuedLimboDocuments())

	// A rejected limbo listen resolves the key as deleted and frees the slot.
	require.NoError(t, f.engine.RejectListen(limboB, model.Errorf(model.CodePermissionDenied, "no access")))
	active = f.engine.ActiveLimboDocuments()
	require.Len(t, active, 1)
	_, ok = active[c]
	assert.True(t, ok)
	assert.Empty(t, f.engine.EnqueuedLimboDocuments())
	assert.Equal(t, 0, f.engine.LimboReferenceCount(b))
	assert.Empty(t, f.handler.errors)
}

func TestSyncEngine_WriteAndAcknowledge(t *testing.T) {
	f := newEngineFixture(t, DefaultConfig())
	q := model.NewCollectionQuery("docs")
	f.listen(t, q)

	pw, err := f.engine.Write([]mutation.Mutation{
		mutation.NewSetMutation(key("docs/a"), obj(map[string]interface{}{"v": 1})),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, f.remote.fills)
	snap := f.handler.last(t)
	assert.True(t, snap.HasPendingWrites())
	assert.Len(t, snap.Added(), 1)

	waiter := f.engine.WaitForPendingWrites()
	select {
	case <-waiter.Done():
		t.Fatal("waiter resolved before the ack")
	default:
	}

	f.ackNext(t, 50)
	require.NoError(t, pw.Wait(context.Background()))
	require.NoError(t, waiter.Wait(context.Background()))
	assert.Equal(t, 0, f.engine.LocalStore().PendingBatchCount())

	// Nothing pending: resolves right away.
	require.NoError(t, f.engine.WaitForPendingWrites().Wait(context.Background()))
}

func TestSyncEngine_RejectedWriteRevertsView(t *testing.T) {
	f := newEngineFixture(t, DefaultConfig())
	f.listen(t, model.NewCollectionQuery("docs"))

	pw, err := f.engine.Write([]mutation.Mutation{
		mutation.NewSetMutation(key("docs/a"), obj(map[string]interface{}{"v": 1})),
	})
	require.NoError(t, err)

	cause := model.Errorf(model.CodePermissionDenied, "denied")
	require.NoError(t, f.engine.RejectFailedWrite(pw.BatchID, cause))
	assert.Same(t, cause, pw.Err())

	snap := f.handler.last(t)
	assert.Len(t, snap.Removed(), 1)
	assert.True(t, snap.Docs.IsEmpty())

	// A second rejection of the same batch does nothing.
	require.NoError(t, f.engine.RejectFailedWrite(pw.BatchID, cause))
}

func TestSyncEngine_RejectListenFailsQuery(t *testing.T) {
	f := newEngineFixture(t, DefaultConfig())
	q := model.NewCollectionQuery("docs")
	tid, _ := f.listen(t, q)

	cause := model.Errorf(model.CodePermissionDenied, "denied")
	delete(f.remote.listens, tid)
	require.NoError(t, f.engine.RejectListen(tid, cause))
	assert.Equal(t, cause, f.handler.errors[q.CanonicalID()])
	_, ok := f.engine.LocalStore().GetTargetData(q)
	assert.False(t, ok)

	// Unlisten after the failure is harmless.
	require.NoError(t, f.engine.Unlisten(q))
	// A second rejection for the same target is ignored.
	require.NoError(t, f.engine.RejectListen(tid, cause))
}

func TestSyncEngine_UserChange(t *testing.T) {
	f := newEngineFixture(t, DefaultConfig())
	f.listen(t, model.NewCollectionQuery("docs"))
	_, err := f.engine.Write([]mutation.Mutation{
		mutation.NewSetMutation(key("docs/a"), obj(map[string]interface{}{"v": 1})),
	})
	require.NoError(t, err)
	waiter := f.engine.WaitForPendingWrites()

	require.NoError(t, f.engine.HandleCredentialChange(auth.User{UID: "bob"}))
	err = waiter.Wait(context.Background())
	assert.True(t, errors.Is(err, model.ErrUserChanged))
	assert.True(t, f.handler.last(t).Docs.IsEmpty())
	assert.Equal(t, "bob", f.engine.CurrentUser().UID)

	// Alice's write reappears when she signs back in.
	require.NoError(t, f.engine.HandleCredentialChange(auth.User{UID: "alice"}))
	assert.Equal(t, 1, f.handler.last(t).Docs.Len())

	// The same user again is a no-op.
	n := len(f.handler.snaps)
	require.NoError(t, f.engine.HandleCredentialChange(auth.User{UID: "alice"}))
	assert.Len(t, f.handler.snaps, n)
}

func TestSyncEngine_OnlineStateChange(t *testing.T) {
	f := newEngineFixture(t, DefaultConfig())
	tid, _ := f.listen(t, model.NewCollectionQuery("docs"))
	require.NoError(t, f.engine.ApplyRemoteEvent(currentEvent(10, tid, []model.DocumentKey{key("docs/a")},
		doc("docs/a", 10, map[string]interface{}{"v": 1}))))
	require.False(t, f.handler.last(t).FromCache)

	f.engine.ApplyOnlineStateChange(remote.Offline)
	assert.Equal(t, []remote.OnlineState{remote.Offline}, f.handler.states)
	assert.True(t, f.handler.last(t).FromCache)
}

func TestSyncEngine_SharedListenReturnsCurrentView(t *testing.T) {
	f := newEngineFixture(t, DefaultConfig())
	q := model.NewCollectionQuery("docs")
	tid, _ := f.listen(t, q)
	require.NoError(t, f.engine.ApplyRemoteEvent(currentEvent(10, tid, []model.DocumentKey{key("docs/a")},
		doc("docs/a", 10, map[string]interface{}{"v": 1}))))

	snap, err := f.engine.Listen(q)
	require.NoError(t, err)
	assert.Len(t, f.remote.listens, 1)
	assert.Len(t, snap.Added(), 1)
	assert.False(t, snap.FromCache)
}

func TestSyncEngine_QueryFromCache(t *testing.T) {
	f := newEngineFixture(t, DefaultConfig())
	_, err := f.engine.Write([]mutation.Mutation{
		mutation.NewSetMutation(key("docs/b"), obj(map[string]interface{}{"v": 2})),
		mutation.NewSetMutation(key("docs/a"), obj(map[string]interface{}{"v": 1})),
		mutation.NewSetMutation(key("other/c"), obj(map[string]interface{}{"v": 3})),
	})
	require.NoError(t, err)

	snap, err := f.engine.QueryFromCache(model.NewCollectionQuery("docs"))
	require.NoError(t, err)
	assert.True(t, snap.FromCache)
	assert.True(t, snap.HasPendingWrites())
	assert.Equal(t, []model.DocumentKey{key("docs/a"), key("docs/b")}, snap.Docs.Keys())
	assert.Len(t, snap.Added(), 2)

	// A cache read never opens a target.
	assert.Empty(t, f.remote.listens)

	empty, err := f.engine.QueryFromCache(model.NewCollectionQuery("none"))
	require.NoError(t, err)
	assert.True(t, empty.Docs.IsEmpty())
}
