package client_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/syntrixbase/syntrix-sync/internal/remote"
	"github.com/syntrixbase/syntrix-sync/internal/remote/remotetest"
	"github.com/syntrixbase/syntrix-sync/pkg/client"
	"github.com/syntrixbase/syntrix-sync/pkg/model"
	"github.com/syntrixbase/syntrix-sync/pkg/mutation"
)

func newClient(t *testing.T, opts client.Options) (*client.Client, *remotetest.Connection) {
	t.Helper()
	conn := remotetest.NewConnection()
	opts.Connection = conn
	ctx, cancel := context.WithTimeout(context.Background(), remotetest.DefaultTimeout)
	defer cancel()
	c, err := client.New(ctx, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, conn
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), remotetest.DefaultTimeout)
	t.Cleanup(cancel)
	return ctx
}

type snapshotRecorder struct {
	mu    sync.Mutex
	snaps []*client.ViewSnapshot
	errs  []error
}

func (r *snapshotRecorder) OnSnapshot(snap *client.ViewSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
}

func (r *snapshotRecorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *snapshotRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func (r *snapshotRecorder) last() *client.ViewSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snaps[len(r.snaps)-1]
}

func TestNew_RequiresConnection(t *testing.T) {
	_, err := client.New(context.Background(), client.Options{})
	assert.Error(t, err)
}

func TestClient_ReadYourWritesOffline(t *testing.T) {
	ctx := testContext(t)
	c, _ := newClient(t, client.Options{StartOffline: true})

	state, err := c.OnlineState(ctx)
	require.NoError(t, err)
	assert.Equal(t, remote.Offline, state)

	pending, err := c.Set(ctx, "rooms/a", map[string]interface{}{"name": "lobby", "n": 1})
	require.NoError(t, err)
	select {
	case <-pending.Done():
		t.Fatal("write resolved while offline")
	default:
	}

	doc, err := c.GetDocumentFromCache(ctx, "rooms/a")
	require.NoError(t, err)
	assert.True(t, doc.IsFoundDocument())
	assert.True(t, doc.HasLocalMutations())

	_, err = c.Update(ctx, "rooms/a", map[string]interface{}{"n": 2})
	require.NoError(t, err)
	_, _, err = c.Add(ctx, "rooms", map[string]interface{}{"name": "garden"})
	require.NoError(t, err)

	snap, err := c.GetDocumentsFromCache(ctx, model.NewCollectionQuery("rooms"))
	require.NoError(t, err)
	assert.True(t, snap.FromCache)
	assert.True(t, snap.HasPendingWrites())
	assert.Equal(t, 2, snap.Docs.Len())

	_, err = c.Delete(ctx, "rooms/a")
	require.NoError(t, err)
	doc, err = c.GetDocumentFromCache(ctx, "rooms/a")
	require.NoError(t, err)
	assert.True(t, doc.IsNoDocument())

	_, err = c.GetDocumentFromCache(ctx, "rooms/unknown")
	assert.Equal(t, model.CodeUnavailable, model.CodeOf(err))
}

func TestClient_InvalidPath(t *testing.T) {
	ctx := testContext(t)
	c, _ := newClient(t, client.Options{StartOffline: true})

	_, err := c.Set(ctx, "rooms", map[string]interface{}{"n": 1})
	assert.Equal(t, model.CodeInvalidArgument, model.CodeOf(err))
	_, err = c.GetDocumentFromCache(ctx, "rooms/a/messages")
	assert.Equal(t, model.CodeInvalidArgument, model.CodeOf(err))
}

func TestClient_GetDocumentOfflineIsUnavailable(t *testing.T) {
	ctx := testContext(t)
	c, _ := newClient(t, client.Options{StartOffline: true})

	_, err := c.GetDocument(ctx, "rooms/a")
	assert.Equal(t, model.CodeUnavailable, model.CodeOf(err))
}

func TestClient_ListenReceivesServerSnapshot(t *testing.T) {
	ctx := testContext(t)
	c, conn := newClient(t, client.Options{})

	rec := &snapshotRecorder{}
	reg, err := c.Listen(ctx, model.NewCollectionQuery("rooms"), client.ListenOptions{}, rec)
	require.NoError(t, err)

	watch := conn.NextStream(remote.StreamListen, remotetest.DefaultTimeout)
	require.NotNil(t, watch)
	msg := watch.Expect(remotetest.DefaultTimeout)
	require.NotNil(t, msg)
	require.NotNil(t, msg.Listen.AddTarget)
	id := msg.Listen.AddTarget.TargetID

	doc := model.NewFoundDocument(model.MustDocumentKey("rooms/a"), 5, model.MustObjectValue(map[string]interface{}{"name": "lobby"}))
	watch.PushListen(remotetest.TargetChange(remote.TargetAdded, "", id))
	watch.PushListen(remotetest.DocumentUpdate(doc, id))
	watch.PushListen(remotetest.TargetChange(remote.TargetCurrent, "r1", id))
	watch.PushListen(remotetest.GlobalSnapshot(5, "r1"))

	require.Eventually(t, func() bool { return rec.count() == 1 }, remotetest.DefaultTimeout, 5*time.Millisecond)
	snap := rec.last()
	assert.False(t, snap.FromCache)
	assert.Equal(t, []model.DocumentKey{doc.Key()}, snap.Docs.Keys())
	require.Len(t, snap.Added(), 1)

	state, err := c.OnlineState(ctx)
	require.NoError(t, err)
	assert.Equal(t, remote.Online, state)

	// The server result is now cached.
	cached, err := c.GetDocumentFromCache(ctx, "rooms/a")
	require.NoError(t, err)
	assert.Equal(t, model.SnapshotVersion(5), cached.Version())

	require.NoError(t, reg.Remove(ctx))
	removal := watch.Expect(remotetest.DefaultTimeout)
	require.NotNil(t, removal)
	assert.Equal(t, id, removal.Listen.RemoveTarget)
}

func TestClient_WriteResolvesOnAck(t *testing.T) {
	ctx := testContext(t)
	c, conn := newClient(t, client.Options{})

	pending, err := c.Set(ctx, "rooms/a", map[string]interface{}{"n": 1})
	require.NoError(t, err)

	write := conn.NextStream(remote.StreamWrite, remotetest.DefaultTimeout)
	require.NotNil(t, write)
	handshake := write.Expect(remotetest.DefaultTimeout)
	require.NotNil(t, handshake)
	assert.True(t, handshake.Write.Handshake)
	write.PushWrite(&remote.WriteResponse{StreamToken: []byte("t1")})

	batch := write.Expect(remotetest.DefaultTimeout)
	require.NotNil(t, batch)
	require.Len(t, batch.Write.Writes, 1)
	assert.Equal(t, "rooms/a", batch.Write.Writes[0].Key.String())

	write.PushWrite(&remote.WriteResponse{
		StreamToken:   []byte("t2"),
		CommitVersion: 7,
		WriteResults:  []mutation.Result{{Version: 7}},
	})
	require.NoError(t, pending.Wait(ctx))
	require.NoError(t, c.WaitForPendingWrites(ctx))
}

func TestClient_NetworkToggle(t *testing.T) {
	ctx := testContext(t)
	c, _ := newClient(t, client.Options{})

	require.NoError(t, c.DisableNetwork(ctx))
	state, err := c.OnlineState(ctx)
	require.NoError(t, err)
	assert.Equal(t, remote.Offline, state)

	require.NoError(t, c.EnableNetwork(ctx))
	state, err = c.OnlineState(ctx)
	require.NoError(t, err)
	assert.Equal(t, remote.OnlineUnknown, state)
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	ctx := testContext(t)
	c, _ := newClient(t, client.Options{StartOffline: true})

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Set(ctx, "rooms/a", map[string]interface{}{"n": 1})
	assert.ErrorIs(t, err, client.ErrClosed)
	_, err = c.OnlineState(ctx)
	assert.ErrorIs(t, err, client.ErrClosed)
}

func TestClient_RecordsSpans(t *testing.T) {
	ctx := testContext(t)
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	c, _ := newClient(t, client.Options{StartOffline: true, TracerProvider: provider})

	_, err := c.Set(ctx, "rooms/a", map[string]interface{}{"n": 1})
	require.NoError(t, err)
	_, err = c.GetDocumentFromCache(ctx, "rooms/missing")
	require.Error(t, err)

	names := map[string]sdktrace.ReadOnlySpan{}
	for _, span := range recorder.Ended() {
		names[span.Name()] = span
	}
	require.Contains(t, names, "client.Write")
	require.Contains(t, names, "client.GetDocumentFromCache")
	failed := names["client.GetDocumentFromCache"]
	assert.Equal(t, "Error", failed.Status().Code.String())
	assert.NotEmpty(t, failed.Events())
}

func TestClient_PartialRemoteConfigKeepsDefaults(t *testing.T) {
	ctx := testContext(t)
	c, conn := newClient(t, client.Options{
		Remote: remote.Config{Database: remote.DatabaseID{Project: "acme", Database: "main"}},
	})

	_, err := c.Set(ctx, "rooms/a", map[string]interface{}{"n": 1})
	require.NoError(t, err)

	write := conn.NextStream(remote.StreamWrite, remotetest.DefaultTimeout)
	require.NotNil(t, write, "write stream never opened")
	handshake := write.Expect(remotetest.DefaultTimeout)
	require.NotNil(t, handshake)
	assert.True(t, handshake.Write.Handshake)
	write.PushWrite(&remote.WriteResponse{StreamToken: []byte("t1")})

	batch := write.Expect(remotetest.DefaultTimeout)
	require.NotNil(t, batch)
	require.Len(t, batch.Write.Writes, 1)
	assert.Equal(t, "rooms/a", batch.Write.Writes[0].Key.String())
}
