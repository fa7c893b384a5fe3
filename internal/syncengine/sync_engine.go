// Package syncengine keeps query views in sync with the local store and the
// server. It turns local writes, server events and acknowledgements into view
// snapshots and resolves documents whose server state is unknown.
package syncengine

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/jonboulle/clockwork"

	"github.com/syntrixbase/syntrix-sync/internal/auth"
	"github.com/syntrixbase/syntrix-sync/internal/local"
	"github.com/syntrixbase/syntrix-sync/internal/metrics"
	"github.com/syntrixbase/syntrix-sync/internal/query"
	"github.com/syntrixbase/syntrix-sync/internal/remote"
	"github.com/syntrixbase/syntrix-sync/pkg/model"
	"github.com/syntrixbase/syntrix-sync/pkg/mutation"
)

// DefaultMaxConcurrentLimboResolutions caps the limbo targets listened to
// at once.
const DefaultMaxConcurrentLimboResolutions = 100

// Config configures a SyncEngine.
type Config struct {
	MaxConcurrentLimboResolutions int
}

// DefaultConfig returns the defaults of the client.
func DefaultConfig() Config {
	return Config{MaxConcurrentLimboResolutions: DefaultMaxConcurrentLimboResolutions}
}

// RemoteStore is the part of the remote store the engine drives.
type RemoteStore interface {
	Listen(td model.TargetData)
	Unlisten(id model.TargetID)
	FillWritePipeline()
}

// ViewHandler receives what the engine computed for the registered queries.
type ViewHandler interface {
	OnViewSnapshots(snaps []*ViewSnapshot)
	OnWatchError(q model.Query, err error)
	OnOnlineStateChange(state remote.OnlineState)
}

type queryView struct {
	query    model.Query
	targetID model.TargetID
	view     *View
}

type limboResolution struct {
	key model.DocumentKey
	// receivedDocument is set once the limbo target delivered the document.
	receivedDocument bool
}

// SyncEngine orchestrates the local store, the remote store and the query
// views. All methods must run on the queue goroutine.
type SyncEngine struct {
	cfg         Config
	localStore  *local.LocalStore
	remoteStore RemoteStore
	matcher     *query.Matcher
	clock       clockwork.Clock
	logger      *slog.Logger
	handler     ViewHandler

	currentUser auth.User
	onlineState remote.OnlineState

	queryViews      map[string]*queryView
	queriesByTarget map[model.TargetID][]string

	limboTargetIDs          *local.TargetIDGenerator
	limboRefs               *local.ReferenceSet
	activeLimboTargetsByKey map[model.DocumentKey]model.TargetID
	activeLimboResolutions  map[model.TargetID]*limboResolution
	enqueuedLimbo           []model.DocumentKey

	// writeCallbacks are keyed by user uid, then batch id.
	writeCallbacks         map[string]map[int]*PendingWrite
	pendingWritesCallbacks map[int][]*PendingWrite
}

var _ remote.RemoteSyncer = (*SyncEngine)(nil)

// NewSyncEngine creates an engine for the local store's current user.
func NewSyncEngine(cfg Config, localStore *local.LocalStore, remoteStore RemoteStore, matcher *query.Matcher,
	clock clockwork.Clock, logger *slog.Logger) *SyncEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.MaxConcurrentLimboResolutions <= 0 {
		cfg.MaxConcurrentLimboResolutions = DefaultMaxConcurrentLimboResolutions
	}
	return &SyncEngine{
		cfg:                     cfg,
		localStore:              localStore,
		remoteStore:             remoteStore,
		matcher:                 matcher,
		clock:                   clock,
		logger:                  logger.With("component", "sync-engine"),
		currentUser:             localStore.User(),
		onlineState:             remote.OnlineUnknown,
		queryViews:              map[string]*queryView{},
		queriesByTarget:         map[model.TargetID][]string{},
		limboTargetIDs:          local.ForSyncEngine(),
		limboRefs:               local.NewReferenceSet(),
		activeLimboTargetsByKey: map[model.DocumentKey]model.TargetID{},
		activeLimboResolutions:  map[model.TargetID]*limboResolution{},
		writeCallbacks:          map[string]map[int]*PendingWrite{},
		pendingWritesCallbacks:  map[int][]*PendingWrite{},
	}
}

// SetViewHandler sets the receiver of view snapshots and query errors.
func (se *SyncEngine) SetViewHandler(h ViewHandler) { se.handler = h }

// SetRemoteStore wires the remote store when it is built after the engine.
func (se *SyncEngine) SetRemoteStore(rs RemoteStore) { se.remoteStore = rs }

// Listen registers q and returns its first snapshot. Listening to a query
// that already has a view returns the view's current contents.
func (se *SyncEngine) Listen(q model.Query) (*ViewSnapshot, error) {
	q, err := q.Validate()
	if err != nil {
		return nil, err
	}
	if qv, ok := se.queryViews[q.CanonicalID()]; ok {
		return qv.view.computeInitialSnapshot(), nil
	}
	td, err := se.localStore.AllocateTarget(q)
	if err != nil {
		return nil, err
	}
	snap := se.initializeView(q, td)
	se.remoteStore.Listen(td)
	se.logger.Debug("Listening", "query", q.CanonicalID(), "target_id", td.TargetID)
	return snap, nil
}

func (se *SyncEngine) initializeView(q model.Query, td model.TargetData) *ViewSnapshot {
	res := se.localStore.ExecuteQuery(q, true)
	view := NewView(q, res.RemoteKeys, se.matcher, se.inCache)
	changes := view.computeDocChanges(res.Documents, nil)
	synthesized := remote.NewTargetChange(td.ResumeToken, false)
	vc := view.applyChanges(changes, true, &synthesized, false)
	se.updateTrackedLimbos(td.TargetID, vc.LimboChanges)

	cid := q.CanonicalID()
	se.queryViews[cid] = &queryView{query: q, targetID: td.TargetID, view: view}
	se.queriesByTarget[td.TargetID] = append(se.queriesByTarget[td.TargetID], cid)
	return vc.Snapshot
}

// QueryFromCache runs q against the local store without listening. The
// snapshot is always FromCache.
func (se *SyncEngine) QueryFromCache(q model.Query) (*ViewSnapshot, error) {
	q, err := q.Validate()
	if err != nil {
		return nil, err
	}
	res := se.localStore.ExecuteQuery(q, true)
	view := NewView(q, res.RemoteKeys, se.matcher, se.inCache)
	changes := view.computeDocChanges(res.Documents, nil)
	return view.applyChanges(changes, false, nil, false).Snapshot, nil
}

func (se *SyncEngine) inCache(key model.DocumentKey) bool {
	return se.localStore.CachedDocument(key).IsValidDocument()
}

// Unlisten drops the view of q. The target stays cached so a later listen
// resumes from its token.
func (se *SyncEngine) Unlisten(q model.Query) error {
	q, err := q.Validate()
	if err != nil {
		return err
	}
	cid := q.CanonicalID()
	qv, ok := se.queryViews[cid]
	if !ok {
		// Already torn down by a rejected listen.
		return nil
	}
	queries := se.queriesByTarget[qv.targetID]
	if len(queries) > 1 {
		se.queriesByTarget[qv.targetID] = removeString(queries, cid)
		delete(se.queryViews, cid)
		return nil
	}
	if err := se.localStore.ReleaseTarget(qv.targetID, true); err != nil {
		return err
	}
	se.remoteStore.Unlisten(qv.targetID)
	se.removeAndCleanupTarget(qv.targetID, nil)
	se.logger.Debug("Stopped listening", "query", cid, "target_id", qv.targetID)
	return nil
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

// Write queues mutations as one batch, raises the local snapshots and hands
// the batch to the remote store.
func (se *SyncEngine) Write(mutations []mutation.Mutation) (*PendingWrite, error) {
	res, err := se.localStore.WriteLocally(mutations, se.clock.Now())
	if err != nil {
		return nil, err
	}
	metrics.MutationBatchesQueued.Inc()
	metrics.PendingBatches.Set(float64(se.localStore.PendingBatchCount()))

	pw := newPendingWrite(res.BatchID)
	uid := se.currentUser.UID
	if se.writeCallbacks[uid] == nil {
		se.writeCallbacks[uid] = map[int]*PendingWrite{}
	}
	se.writeCallbacks[uid][res.BatchID] = pw

	se.emitNewSnapshots(res.Changes, nil)
	se.remoteStore.FillWritePipeline()
	return pw, nil
}

// WaitForPendingWrites returns a PendingWrite that resolves once every
// batch pending now was acknowledged or rejected.
func (se *SyncEngine) WaitForPendingWrites() *PendingWrite {
	highest := se.localStore.HighestUnacknowledgedBatchID()
	pw := newPendingWrite(highest)
	if highest == mutation.BatchIDUnknown {
		pw.resolve(nil)
		return pw
	}
	se.pendingWritesCallbacks[highest] = append(se.pendingWritesCallbacks[highest], pw)
	return pw
}

// ApplyRemoteEvent implements remote.RemoteSyncer.
func (se *SyncEngine) ApplyRemoteEvent(event remote.RemoteEvent) error {
	for id, change := range event.TargetChanges {
		res, ok := se.activeLimboResolutions[id]
		if !ok {
			continue
		}
		added, modified, removed := change.AddedDocuments.Len(), change.ModifiedDocuments.Len(), change.RemovedDocuments.Len()
		model.HardAssert(added+modified+removed <= 1, "limbo target %d changed more than one document", id)
		switch {
		case added > 0:
			res.receivedDocument = true
		case modified > 0:
			model.HardAssert(res.receivedDocument, "limbo target %d modified a document it never added", id)
		case removed > 0:
			model.HardAssert(res.receivedDocument, "limbo target %d removed a document it never added", id)
			res.receivedDocument = false
		}
	}

	changes, err := se.localStore.ApplyRemoteEvent(event)
	if err != nil {
		return err
	}
	metrics.RemoteEventsApplied.Inc()
	metrics.DocumentUpdatesApplied.Add(float64(len(event.DocumentUpdates)))
	se.emitNewSnapshots(changes, &event)
	return nil
}

// RejectListen implements remote.RemoteSyncer. A rejected limbo target
// resolves its key as deleted; any other target fails its queries.
func (se *SyncEngine) RejectListen(id model.TargetID, cause error) error {
	if res, ok := se.activeLimboResolutions[id]; ok {
		key := res.key
		se.logger.Debug("Limbo resolution rejected, treating document as deleted", "key", key.String(), "error", cause)
		delete(se.activeLimboResolutions, id)
		delete(se.activeLimboTargetsByKey, key)
		se.pumpEnqueuedLimboResolutions()

		for _, targetID := range se.limboRefs.IDsForKey(key) {
			for _, cid := range se.queriesByTarget[model.TargetID(targetID)] {
				se.queryViews[cid].view.forgetSyncedDocument(key)
			}
		}
		event := remote.NewRemoteEvent(model.MinVersion)
		event.DocumentUpdates[key] = model.NewNoDocument(key, model.MinVersion)
		event.ResolvedLimboDocuments = event.ResolvedLimboDocuments.Add(key)
		return se.ApplyRemoteEvent(event)
	}

	if _, ok := se.queriesByTarget[id]; !ok {
		return nil
	}
	se.logger.Warn("Listen rejected", "target_id", id, "error", cause)
	if err := se.localStore.ReleaseTarget(id, false); err != nil {
		return err
	}
	se.removeAndCleanupTarget(id, cause)
	return nil
}

// ApplySuccessfulWrite implements remote.RemoteSyncer.
func (se *SyncEngine) ApplySuccessfulWrite(result mutation.BatchResult) error {
	changes, err := se.localStore.AcknowledgeBatch(result)
	if err != nil {
		return err
	}
	metrics.MutationBatchesAcknowledged.Inc()
	metrics.PendingBatches.Set(float64(se.localStore.PendingBatchCount()))
	se.resolveWrite(result.Batch.BatchID, nil)
	se.triggerPendingWritesCallbacks(result.Batch.BatchID)
	se.emitNewSnapshots(changes, nil)
	return nil
}

// RejectFailedWrite implements remote.RemoteSyncer.
func (se *SyncEngine) RejectFailedWrite(batchID int, cause error) error {
	changes, err := se.localStore.RejectBatch(batchID)
	if err != nil {
		return err
	}
	metrics.MutationBatchesRejected.WithLabelValues(model.CodeOf(cause).String()).Inc()
	metrics.PendingBatches.Set(float64(se.localStore.PendingBatchCount()))
	se.logger.Warn("Write rejected", "batch_id", batchID, "error", cause)
	se.resolveWrite(batchID, cause)
	se.triggerPendingWritesCallbacks(batchID)
	se.emitNewSnapshots(changes, nil)
	return nil
}

func (se *SyncEngine) resolveWrite(batchID int, err error) {
	callbacks := se.writeCallbacks[se.currentUser.UID]
	if pw, ok := callbacks[batchID]; ok {
		pw.resolve(err)
		delete(callbacks, batchID)
	}
}

func (se *SyncEngine) triggerPendingWritesCallbacks(batchID int) {
	for highest, waiters := range se.pendingWritesCallbacks {
		if highest > batchID {
			continue
		}
		for _, pw := range waiters {
			pw.resolve(nil)
		}
		delete(se.pendingWritesCallbacks, highest)
	}
}

// GetRemoteKeysForTarget implements remote.RemoteSyncer.
func (se *SyncEngine) GetRemoteKeysForTarget(id model.TargetID) remote.KeySet {
	if res, ok := se.activeLimboResolutions[id]; ok {
		if res.receivedDocument {
			return remote.NewKeySet(res.key)
		}
		return remote.NewKeySet()
	}
	keys := remote.NewKeySet()
	for _, cid := range se.queriesByTarget[id] {
		keys = keys.Union(se.queryViews[cid].view.SyncedDocuments())
	}
	return keys
}

// HandleCredentialChange implements remote.RemoteSyncer. The mutation
// queue is re-scoped to user and every view is recomputed.
func (se *SyncEngine) HandleCredentialChange(user auth.User) error {
	if user == se.currentUser {
		return nil
	}
	se.logger.Info("Credential changed", "from", se.currentUser.String(), "to", user.String())
	for highest, waiters := range se.pendingWritesCallbacks {
		for _, pw := range waiters {
			pw.resolve(fmt.Errorf("%w: pending writes of %s can no longer be awaited", model.ErrUserChanged, se.currentUser))
		}
		delete(se.pendingWritesCallbacks, highest)
	}
	res := se.localStore.HandleUserChange(user)
	se.currentUser = user
	metrics.PendingBatches.Set(float64(se.localStore.PendingBatchCount()))
	se.emitNewSnapshots(res.AffectedDocuments, nil)
	return nil
}

// ApplyOnlineStateChange marks views as possibly stale when the client
// goes offline and forwards the state to the view handler.
func (se *SyncEngine) ApplyOnlineStateChange(state remote.OnlineState) {
	se.onlineState = state
	var snaps []*ViewSnapshot
	for _, qv := range se.sortedQueryViews() {
		vc := qv.view.applyOnlineStateChange(state)
		model.HardAssert(len(vc.LimboChanges) == 0, "online state change produced limbo changes")
		if vc.Snapshot != nil {
			snaps = append(snaps, vc.Snapshot)
		}
	}
	if se.handler != nil {
		se.handler.OnOnlineStateChange(state)
		se.handler.OnViewSnapshots(snaps)
	}
}

func (se *SyncEngine) sortedQueryViews() []*queryView {
	out := make([]*queryView, 0, len(se.queryViews))
	for _, qv := range se.queryViews {
		out = append(out, qv)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].targetID != out[j].targetID {
			return out[i].targetID < out[j].targetID
		}
		return out[i].query.CanonicalID() < out[j].query.CanonicalID()
	})
	return out
}

// emitNewSnapshots recomputes every view for the changed documents and
// raises the resulting snapshots.
func (se *SyncEngine) emitNewSnapshots(changes local.DocumentMap, event *remote.RemoteEvent) {
	var snaps []*ViewSnapshot
	for _, qv := range se.sortedQueryViews() {
		dc := qv.view.computeDocChanges(changes, nil)
		if dc.needsRefill {
			res := se.localStore.ExecuteQuery(qv.query, false)
			dc = qv.view.computeDocChanges(res.Documents, &dc)
		}
		var targetChange *remote.TargetChange
		pendingReset := false
		if event != nil {
			if tc, ok := event.TargetChanges[qv.targetID]; ok {
				targetChange = &tc
			}
			_, pendingReset = event.TargetMismatches[qv.targetID]
		}
		vc := qv.view.applyChanges(dc, true, targetChange, pendingReset)
		se.updateTrackedLimbos(qv.targetID, vc.LimboChanges)
		if vc.Snapshot == nil {
			continue
		}
		snaps = append(snaps, vc.Snapshot)
		if !vc.Snapshot.FromCache {
			se.localStore.UpdateLimboFreeSnapshotVersion(qv.targetID)
		}
	}
	if se.handler != nil {
		se.handler.OnViewSnapshots(snaps)
	}
}

func (se *SyncEngine) removeAndCleanupTarget(id model.TargetID, cause error) {
	for _, cid := range se.queriesByTarget[id] {
		qv := se.queryViews[cid]
		delete(se.queryViews, cid)
		if cause != nil && se.handler != nil {
			se.handler.OnWatchError(qv.query, cause)
		}
	}
	delete(se.queriesByTarget, id)

	for _, key := range se.limboRefs.RemoveReferencesForID(int(id)) {
		if !se.limboRefs.ContainsKey(key) {
			se.removeLimboTarget(key)
		}
	}
}

func (se *SyncEngine) updateTrackedLimbos(id model.TargetID, changes []LimboChange) {
	for _, ch := range changes {
		switch ch.Type {
		case LimboAdded:
			se.limboRefs.AddReference(ch.Key, int(id))
			se.trackLimboChange(ch.Key)
		case LimboRemoved:
			se.limboRefs.RemoveReference(ch.Key, int(id))
			if !se.limboRefs.ContainsKey(ch.Key) {
				se.removeLimboTarget(ch.Key)
			}
		}
	}
}

func (se *SyncEngine) trackLimboChange(key model.DocumentKey) {
	if _, active := se.activeLimboTargetsByKey[key]; active {
		return
	}
	for _, k := range se.enqueuedLimbo {
		if k == key {
			return
		}
	}
	se.logger.Debug("New document in limbo", "key", key.String())
	se.enqueuedLimbo = append(se.enqueuedLimbo, key)
	se.pumpEnqueuedLimboResolutions()
}

// pumpEnqueuedLimboResolutions starts limbo targets in FIFO order while
// the concurrency cap allows.
func (se *SyncEngine) pumpEnqueuedLimboResolutions() {
	for len(se.enqueuedLimbo) > 0 && len(se.activeLimboTargetsByKey) < se.cfg.MaxConcurrentLimboResolutions {
		key := se.enqueuedLimbo[0]
		se.enqueuedLimbo = se.enqueuedLimbo[1:]
		id := se.limboTargetIDs.Next()
		se.activeLimboResolutions[id] = &limboResolution{key: key}
		se.activeLimboTargetsByKey[key] = id
		se.remoteStore.Listen(model.NewTargetData(model.NewDocumentQuery(key), id, model.PurposeLimboResolution, 0))
	}
	se.updateLimboMetrics()
}

func (se *SyncEngine) removeLimboTarget(key model.DocumentKey) {
	for i, k := range se.enqueuedLimbo {
		if k == key {
			se.enqueuedLimbo = append(se.enqueuedLimbo[:i], se.enqueuedLimbo[i+1:]...)
			break
		}
	}
	id, ok := se.activeLimboTargetsByKey[key]
	if !ok {
		se.updateLimboMetrics()
		return
	}
	se.remoteStore.Unlisten(id)
	delete(se.activeLimboTargetsByKey, key)
	delete(se.activeLimboResolutions, id)
	se.pumpEnqueuedLimboResolutions()
}

func (se *SyncEngine) updateLimboMetrics() {
	metrics.ActiveLimboResolutions.Set(float64(len(se.activeLimboTargetsByKey)))
	metrics.EnqueuedLimboResolutions.Set(float64(len(se.enqueuedLimbo)))
}

// ActiveLimboDocuments maps the keys under resolution to their targets.
func (se *SyncEngine) ActiveLimboDocuments() map[model.DocumentKey]model.TargetID {
	out := make(map[model.DocumentKey]model.TargetID, len(se.activeLimboTargetsByKey))
	for k, id := range se.activeLimboTargetsByKey {
		out[k] = id
	}
	return out
}

// EnqueuedLimboDocuments are the keys waiting for a resolution slot.
func (se *SyncEngine) EnqueuedLimboDocuments() []model.DocumentKey {
	return append([]model.DocumentKey(nil), se.enqueuedLimbo...)
}

// LimboReferenceCount is the number of views holding key in limbo.
func (se *SyncEngine) LimboReferenceCount(key model.DocumentKey) int {
	return len(se.limboRefs.IDsForKey(key))
}

// LocalStore exposes the local store for reads.
func (se *SyncEngine) LocalStore() *local.LocalStore { return se.localStore }

// CurrentUser is the user writes are attributed to.
func (se *SyncEngine) CurrentUser() auth.User { return se.currentUser }
