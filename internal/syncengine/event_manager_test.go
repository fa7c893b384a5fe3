package syncengine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/syntrix-sync/internal/remote"
	"github.com/syntrixbase/syntrix-sync/pkg/model"
	"github.com/syntrixbase/syntrix-sync/pkg/mutation"
)

const waitTimeout = 2 * time.Second

type channelObserver struct {
	snaps  chan *ViewSnapshot
	errors chan error
}

func newChannelObserver() *channelObserver {
	return &channelObserver{snaps: make(chan *ViewSnapshot, 16), errors: make(chan error, 4)}
}

func (o *channelObserver) OnSnapshot(s *ViewSnapshot) { o.snaps <- s }
func (o *channelObserver) OnError(err error)          { o.errors <- err }

func (o *channelObserver) next(t *testing.T) *ViewSnapshot {
	t.Helper()
	select {
	case s := <-o.snaps:
		return s
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a snapshot")
		return nil
	}
}

func (o *channelObserver) expectNone(t *testing.T) {
	t.Helper()
	select {
	case s := <-o.snaps:
		t.Fatalf("unexpected snapshot with %d changes", len(s.Changes))
	case <-time.After(50 * time.Millisecond):
	}
}

func newManagerFixture(t *testing.T) (*engineFixture, *EventManager) {
	t.Helper()
	f := newEngineFixture(t, DefaultConfig())
	em := NewEventManager(f.engine, nil)
	t.Cleanup(em.Shutdown)
	return f, em
}

func writeDoc(t *testing.T, f *engineFixture, path string, data map[string]interface{}) {
	t.Helper()
	_, err := f.engine.Write([]mutation.Mutation{mutation.NewSetMutation(key(path), obj(data))})
	require.NoError(t, err)
}

func TestEventManager_RaisesCachedResultsFirst(t *testing.T) {
	f, em := newManagerFixture(t)
	writeDoc(t, f, "docs/a", map[string]interface{}{"v": 1})

	obs := newChannelObserver()
	_, err := em.Listen(model.NewCollectionQuery("docs"), ListenOptions{}, obs)
	require.NoError(t, err)

	snap := obs.next(t)
	assert.True(t, snap.FromCache)
	assert.True(t, snap.HasPendingWrites())
	assert.Len(t, snap.Added(), 1)
}

func TestEventManager_EmptyCacheWaitsForServer(t *testing.T) {
	f, em := newManagerFixture(t)
	q := model.NewCollectionQuery("docs")
	obs := newChannelObserver()
	_, err := em.Listen(q, ListenOptions{}, obs)
	require.NoError(t, err)
	obs.expectNone(t)

	tid, ok := f.remote.targetFor(q)
	require.True(t, ok)
	require.NoError(t, f.engine.ApplyRemoteEvent(currentEvent(10, tid, []model.DocumentKey{key("docs/a")},
		doc("docs/a", 10, map[string]interface{}{"v": 1}))))

	snap := obs.next(t)
	assert.False(t, snap.FromCache)
	assert.Len(t, snap.Added(), 1)
}

func TestEventManager_OfflineRaisesEmptyCache(t *testing.T) {
	f, em := newManagerFixture(t)
	obs := newChannelObserver()
	_, err := em.Listen(model.NewCollectionQuery("docs"), ListenOptions{}, obs)
	require.NoError(t, err)
	obs.expectNone(t)

	f.engine.ApplyOnlineStateChange(remote.Offline)
	snap := obs.next(t)
	assert.True(t, snap.FromCache)
	assert.True(t, snap.Docs.IsEmpty())
}

func TestEventManager_WaitForSyncWhenOnline(t *testing.T) {
	f, em := newManagerFixture(t)
	writeDoc(t, f, "docs/a", map[string]interface{}{"v": 1})
	q := model.NewCollectionQuery("docs")

	obs := newChannelObserver()
	_, err := em.Listen(q, ListenOptions{WaitForSyncWhenOnline: true}, obs)
	require.NoError(t, err)
	obs.expectNone(t)

	tid, _ := f.remote.targetFor(q)
	require.NoError(t, f.engine.ApplyRemoteEvent(currentEvent(10, tid, []model.DocumentKey{key("docs/a")},
		doc("docs/a", 10, map[string]interface{}{"v": 1}))))
	snap := obs.next(t)
	assert.False(t, snap.FromCache)
	assert.Len(t, snap.Added(), 1)
}

func TestEventManager_MetadataChangesAreOptIn(t *testing.T) {
	f, em := newManagerFixture(t)
	q := model.NewCollectionQuery("docs")
	plain, meta := newChannelObserver(), newChannelObserver()
	_, err := em.Listen(q, ListenOptions{}, plain)
	require.NoError(t, err)
	_, err = em.Listen(q, ListenOptions{IncludeMetadataChanges: true}, meta)
	require.NoError(t, err)

	writeDoc(t, f, "docs/a", map[string]interface{}{"v": 1})
	assert.True(t, plain.next(t).HasPendingWrites())
	assert.True(t, meta.next(t).HasPendingWrites())

	// The server confirms the same data: only pending writes flip.
	f.ackNext(t, 10)
	tid, _ := f.remote.targetFor(q)
	require.NoError(t, f.engine.ApplyRemoteEvent(currentEvent(10, tid, []model.DocumentKey{key("docs/a")},
		doc("docs/a", 10, map[string]interface{}{"v": 1}))))

	snap := meta.next(t)
	assert.False(t, snap.HasPendingWrites())
	assert.False(t, snap.FromCache)

	// Without metadata changes nothing visible happened.
	plain.expectNone(t)
}

func TestEventManager_SharesTargetBetweenListeners(t *testing.T) {
	f, em := newManagerFixture(t)
	q := model.NewCollectionQuery("docs")
	id1, err := em.Listen(q, ListenOptions{}, newChannelObserver())
	require.NoError(t, err)
	id2, err := em.Listen(q, ListenOptions{}, newChannelObserver())
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
	assert.Len(t, f.remote.listens, 1)
	assert.Equal(t, 2, em.ListenerCount())

	require.NoError(t, em.Unlisten(id1))
	assert.Len(t, f.remote.listens, 1)
	require.NoError(t, em.Unlisten(id2))
	assert.Empty(t, f.remote.listens)
	require.NoError(t, em.Unlisten(id2))
}

func TestEventManager_ErrorEndsListener(t *testing.T) {
	f, em := newManagerFixture(t)
	q := model.NewCollectionQuery("docs")
	obs := newChannelObserver()
	_, err := em.Listen(q, ListenOptions{}, obs)
	require.NoError(t, err)

	tid, _ := f.remote.targetFor(q)
	cause := model.Errorf(model.CodePermissionDenied, "denied")
	require.NoError(t, f.engine.RejectListen(tid, cause))

	select {
	case got := <-obs.errors:
		assert.Equal(t, cause, got)
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for the error")
	}
	assert.Equal(t, 0, em.ListenerCount())
}

func TestEventManager_InvalidQuery(t *testing.T) {
	_, em := newManagerFixture(t)
	_, err := em.Listen(model.Query{}, ListenOptions{}, newChannelObserver())
	assert.ErrorIs(t, err, model.ErrInvalidQuery)
}
