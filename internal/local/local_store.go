package local

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/syntrixbase/syntrix-sync/internal/auth"
	"github.com/syntrixbase/syntrix-sync/internal/query"
	"github.com/syntrixbase/syntrix-sync/internal/remote"
	"github.com/syntrixbase/syntrix-sync/internal/sortedmap"
	"github.com/syntrixbase/syntrix-sync/pkg/model"
	"github.com/syntrixbase/syntrix-sync/pkg/mutation"
)

// resumeTokenMaxAge is how stale a persisted resume token may get before an
// event carrying a new one is written through even without document changes.
const resumeTokenMaxAge = 5 * time.Minute

// DocumentMap is a set of documents by key.
type DocumentMap = map[model.DocumentKey]*model.MutableDocument

// LocalWriteResult is the outcome of WriteLocally.
type LocalWriteResult struct {
	BatchID int
	Changes DocumentMap
}

// QueryResult is the outcome of ExecuteQuery.
type QueryResult struct {
	Documents DocumentMap
	// RemoteKeys are the keys the server last reported for the query's target.
	RemoteKeys remote.KeySet
}

// UserChangeResult lists the batches that became invisible or visible with
// a user change and the documents whose local view may have changed.
type UserChangeResult struct {
	RemovedBatchIDs   []int
	AddedBatchIDs     []int
	AffectedDocuments DocumentMap
}

// LocalStore applies local writes, acknowledgements and remote events to
// the persistence and answers reads with the local view.
type LocalStore struct {
	persistence *MemoryPersistence
	matcher     *query.Matcher
	logger      *slog.Logger

	user            auth.User
	queue           *MutationQueue
	overlays        *DocumentOverlayCache
	localDocuments  *LocalDocumentsView
	remoteDocuments *RemoteDocumentCache
	targetCache     *TargetCache

	// active targets by id and by canonical query id.
	targetDataByTarget map[model.TargetID]model.TargetData
	targetIDByQuery    map[string]model.TargetID
}

var _ remote.LocalStore = (*LocalStore)(nil)

// NewLocalStore creates a local store for user.
func NewLocalStore(persistence *MemoryPersistence, matcher *query.Matcher, user auth.User, logger *slog.Logger) *LocalStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &LocalStore{
		persistence:        persistence,
		matcher:            matcher,
		logger:             logger.With("component", "local-store"),
		remoteDocuments:    persistence.RemoteDocumentCache(),
		targetCache:        persistence.TargetCache(),
		targetDataByTarget: map[model.TargetID]model.TargetData{},
		targetIDByQuery:    map[string]model.TargetID{},
	}
	s.bindUser(user)
	return s
}

func (s *LocalStore) bindUser(user auth.User) {
	s.user = user
	s.queue = s.persistence.MutationQueue(user)
	s.overlays = s.persistence.OverlayCache(user)
	s.localDocuments = NewLocalDocumentsView(s.remoteDocuments, s.queue, s.overlays, s.matcher)
	if s.overlays.Len() == 0 && !s.queue.IsEmpty() {
		s.localDocuments.RecalculateAndSaveOverlays(batchKeys(s.queue.GetAllMutationBatches()))
	}
}

func batchKeys(batches []*mutation.Batch) []model.DocumentKey {
	set := sortedmap.NewSet(model.CompareKeys)
	for _, b := range batches {
		for _, k := range b.Keys() {
			set = set.Add(k)
		}
	}
	return set.Slice()
}

// User is the user the mutation queue is scoped to.
func (s *LocalStore) User() auth.User { return s.user }

// HandleUserChange rescopes the queue and overlays to user and returns the
// documents whose local view may have changed.
func (s *LocalStore) HandleUserChange(user auth.User) UserChangeResult {
	oldBatches := s.queue.GetAllMutationBatches()
	s.bindUser(user)
	newBatches := s.queue.GetAllMutationBatches()

	res := UserChangeResult{}
	for _, b := range oldBatches {
		res.RemovedBatchIDs = append(res.RemovedBatchIDs, b.BatchID)
	}
	for _, b := range newBatches {
		res.AddedBatchIDs = append(res.AddedBatchIDs, b.BatchID)
	}
	res.AffectedDocuments = s.localDocuments.GetDocuments(batchKeys(append(oldBatches, newBatches...)))
	s.logger.Info("User changed", "user", user.String(),
		"removed_batches", len(res.RemovedBatchIDs), "added_batches", len(res.AddedBatchIDs))
	return res
}

// WriteLocally queues mutations as one batch and returns the new local view
// of every document they touch.
func (s *LocalStore) WriteLocally(mutations []mutation.Mutation, localWriteTime time.Time) (LocalWriteResult, error) {
	if len(mutations) == 0 {
		return LocalWriteResult{}, fmt.Errorf("%w: empty write", model.ErrInvalidQuery)
	}
	keys := make([]model.DocumentKey, 0, len(mutations))
	for _, m := range mutations {
		if err := m.Validate(); err != nil {
			return LocalWriteResult{}, err
		}
		keys = append(keys, m.Key)
	}
	remoteDocs := s.remoteDocuments.GetAll(keys)
	withoutRemoteVersion := map[model.DocumentKey]struct{}{}
	for key, doc := range remoteDocs {
		if !doc.IsValidDocument() {
			withoutRemoteVersion[key] = struct{}{}
		}
	}
	overlayed := s.localDocuments.GetOverlayedDocuments(remoteDocs)

	batch, err := s.queue.AddMutationBatch(localWriteTime, mutations)
	if err != nil {
		return LocalWriteResult{}, err
	}
	s.overlays.SaveOverlays(batch.BatchID, batch.ApplyToLocalDocumentSet(overlayed, withoutRemoteVersion))

	changes := make(DocumentMap, len(overlayed))
	for key, od := range overlayed {
		changes[key] = od.Document
	}
	return LocalWriteResult{BatchID: batch.BatchID, Changes: changes}, nil
}

// AcknowledgeBatch applies the server result of the oldest pending batch.
// Acknowledging a batch that is no longer pending does nothing.
func (s *LocalStore) AcknowledgeBatch(result mutation.BatchResult) (DocumentMap, error) {
	batch := s.queue.LookupMutationBatch(result.Batch.BatchID)
	if batch == nil {
		s.logger.Debug("Ignoring acknowledgement of unknown batch", "batch_id", result.Batch.BatchID)
		return DocumentMap{}, nil
	}
	keys := batch.Keys()
	for _, key := range keys {
		doc := s.remoteDocuments.Get(key)
		ackVersion, ok := result.DocVersions[key]
		model.HardAssert(ok, "batch result has no version for %s", key)
		if doc.Version() >= ackVersion {
			continue
		}
		batch.ApplyToRemoteDocument(doc, result)
		if !doc.IsValidDocument() {
			continue
		}
		if err := s.remoteDocuments.Add(doc, result.CommitVersion); err != nil {
			return nil, err
		}
	}
	if err := s.queue.AcknowledgeBatch(batch, result.StreamToken); err != nil {
		return nil, err
	}
	if err := s.removeBatch(batch); err != nil {
		return nil, err
	}
	return s.localDocuments.GetDocuments(keys), nil
}

// RejectBatch drops a batch the server refused. The cached documents keep
// their server state. Rejecting a batch that is no longer pending does nothing.
func (s *LocalStore) RejectBatch(batchID int) (DocumentMap, error) {
	batch := s.queue.LookupMutationBatch(batchID)
	if batch == nil {
		s.logger.Debug("Ignoring rejection of unknown batch", "batch_id", batchID)
		return DocumentMap{}, nil
	}
	if err := s.removeBatch(batch); err != nil {
		return nil, err
	}
	return s.localDocuments.GetDocuments(batch.Keys()), nil
}

func (s *LocalStore) removeBatch(batch *mutation.Batch) error {
	if err := s.queue.RemoveMutationBatch(batch); err != nil {
		return err
	}
	if err := s.queue.PerformConsistencyCheck(); err != nil {
		return err
	}
	s.overlays.RemoveOverlaysForBatchID(batch.BatchID)
	s.localDocuments.RecalculateAndSaveOverlays(batch.Keys())
	return nil
}

// HighestUnacknowledgedBatchID is the id of the newest pending batch.
func (s *LocalStore) HighestUnacknowledgedBatchID() int {
	return s.queue.HighestUnacknowledgedBatchID()
}

// HighestAcknowledgedBatchID is the id of the newest acknowledged batch.
func (s *LocalStore) HighestAcknowledgedBatchID() int {
	return s.queue.HighestAcknowledgedBatchID()
}

// PendingBatchCount is the number of pending batches of the current user.
func (s *LocalStore) PendingBatchCount() int {
	return len(s.queue.batches)
}

func (s *LocalStore) NextMutationBatch(afterBatchID int) (*mutation.Batch, error) {
	return s.queue.NextMutationBatchAfterBatchID(afterBatchID), nil
}

func (s *LocalStore) LastRemoteSnapshotVersion() model.SnapshotVersion {
	return s.targetCache.LastRemoteSnapshotVersion()
}

func (s *LocalStore) SetLastStreamToken(token []byte) error {
	return s.queue.SetLastStreamToken(token)
}

func (s *LocalStore) LastStreamToken() []byte { return s.queue.LastStreamToken() }

// ApplyRemoteEvent stores the target and document changes of event and
// returns the new local view of every changed document.
func (s *LocalStore) ApplyRemoteEvent(event remote.RemoteEvent) (DocumentMap, error) {
	version := event.SnapshotVersion
	for id, change := range event.TargetChanges {
		old, ok := s.targetDataByTarget[id]
		if !ok {
			continue
		}
		if err := s.targetCache.RemoveMatchingKeys(change.RemovedDocuments.Slice(), id); err != nil {
			return nil, err
		}
		if err := s.targetCache.AddMatchingKeys(change.AddedDocuments.Slice(), id); err != nil {
			return nil, err
		}
		seq, err := s.targetCache.NextSequenceNumber()
		if err != nil {
			return nil, err
		}
		updated := old.WithSequenceNumber(seq)
		if _, mismatch := event.TargetMismatches[id]; mismatch {
			updated = updated.WithResumeToken(nil, model.MinVersion).WithLastLimboFreeSnapshotVersion(model.MinVersion)
		} else if len(change.ResumeToken) > 0 {
			updated = updated.WithResumeToken(change.ResumeToken, version)
		}
		s.targetDataByTarget[id] = updated
		if shouldPersistTargetData(old, updated, change) {
			if err := s.targetCache.UpdateTargetData(updated); err != nil {
				return nil, err
			}
		}
	}

	changed := DocumentMap{}
	for key, doc := range event.DocumentUpdates {
		existing := s.remoteDocuments.Get(key)
		readTime := doc.ReadTime()
		if readTime.IsMin() {
			readTime = version
		}
		switch {
		case doc.IsNoDocument() && doc.Version().IsMin():
			// A delete synthesized without a version: forget the document.
			if err := s.remoteDocuments.Remove(key); err != nil {
				return nil, err
			}
			changed[key] = doc.Clone()
		case !existing.IsValidDocument() ||
			doc.Version() > existing.Version() ||
			(doc.Version() == existing.Version() && existing.HasPendingWrites()):
			if err := s.remoteDocuments.Add(doc, readTime); err != nil {
				return nil, err
			}
			changed[key] = doc.Clone()
		default:
			s.logger.Debug("Ignoring outdated watch update",
				"key", key.String(), "current", existing.Version(), "update", doc.Version())
		}
	}

	if !version.IsMin() {
		last := s.targetCache.LastRemoteSnapshotVersion()
		model.HardAssert(version >= last, "remote event version %d is older than %d", version, last)
		if err := s.targetCache.SetLastRemoteSnapshotVersion(version); err != nil {
			return nil, err
		}
	}
	return s.localDocuments.GetLocalViewOfDocuments(changed), nil
}

func shouldPersistTargetData(old, updated model.TargetData, change remote.TargetChange) bool {
	if len(updated.ResumeToken) == 0 {
		return len(old.ResumeToken) > 0 || change.HasDocumentChanges()
	}
	if len(old.ResumeToken) == 0 {
		return true
	}
	if updated.SnapshotVersion.Time().Sub(old.SnapshotVersion.Time()) >= resumeTokenMaxAge {
		return true
	}
	return change.HasDocumentChanges()
}

// AllocateTarget returns the target for q, creating one when no target
// listens to q yet.
func (s *LocalStore) AllocateTarget(q model.Query) (model.TargetData, error) {
	if id, ok := s.targetIDByQuery[q.CanonicalID()]; ok {
		return s.targetDataByTarget[id], nil
	}
	td, ok := s.targetCache.GetTargetData(q)
	if !ok {
		id, err := s.targetCache.AllocateTargetID()
		if err != nil {
			return model.TargetData{}, err
		}
		seq, err := s.targetCache.NextSequenceNumber()
		if err != nil {
			return model.TargetData{}, err
		}
		td = model.NewTargetData(q, id, model.PurposeListen, seq)
		if err := s.targetCache.AddTargetData(td); err != nil {
			return model.TargetData{}, err
		}
	}
	s.targetDataByTarget[td.TargetID] = td
	s.targetIDByQuery[q.CanonicalID()] = td.TargetID
	return td, nil
}

// GetTargetData returns the active target for q.
func (s *LocalStore) GetTargetData(q model.Query) (model.TargetData, bool) {
	id, ok := s.targetIDByQuery[q.CanonicalID()]
	if !ok {
		return model.TargetData{}, false
	}
	return s.targetDataByTarget[id], true
}

// ReleaseTarget deactivates a target. With keepPersisted the target data and
// its keys stay cached so a later listen can resume from its token.
func (s *LocalStore) ReleaseTarget(id model.TargetID, keepPersisted bool) error {
	td, ok := s.targetDataByTarget[id]
	model.HardAssert(ok, "releasing inactive target %d", id)
	delete(s.targetDataByTarget, id)
	delete(s.targetIDByQuery, td.Target.CanonicalID())
	if keepPersisted {
		if _, cached := s.targetCache.GetTargetDataByID(id); cached {
			return s.targetCache.UpdateTargetData(td)
		}
		return nil
	}
	return s.targetCache.RemoveTargetData(id)
}

// ExecuteQuery runs q against the local view. With usePreviousResults the
// keys the server last reported for q's target are returned too.
func (s *LocalStore) ExecuteQuery(q model.Query, usePreviousResults bool) QueryResult {
	remoteKeys := remote.NewKeySet()
	if usePreviousResults {
		td, ok := s.GetTargetData(q)
		if !ok {
			td, ok = s.targetCache.GetTargetData(q)
		}
		if ok {
			remoteKeys = s.targetCache.GetMatchingKeysForTargetID(td.TargetID)
		}
	}
	return QueryResult{Documents: s.localDocuments.GetDocumentsMatchingQuery(q), RemoteKeys: remoteKeys}
}

// GetRemoteDocumentKeys returns the keys the server last reported for a target.
func (s *LocalStore) GetRemoteDocumentKeys(id model.TargetID) remote.KeySet {
	return s.targetCache.GetMatchingKeysForTargetID(id)
}

// ReadDocument returns the local view of key.
func (s *LocalStore) ReadDocument(key model.DocumentKey) *model.MutableDocument {
	return s.localDocuments.GetDocument(key)
}

// CachedDocument returns the server state of key without pending writes.
func (s *LocalStore) CachedDocument(key model.DocumentKey) *model.MutableDocument {
	return s.remoteDocuments.Get(key)
}

// UpdateLimboFreeSnapshotVersion records that the view of target id had no
// limbo documents at its current snapshot version.
func (s *LocalStore) UpdateLimboFreeSnapshotVersion(id model.TargetID) {
	td, ok := s.targetDataByTarget[id]
	if !ok {
		return
	}
	s.targetDataByTarget[id] = td.WithLastLimboFreeSnapshotVersion(td.SnapshotVersion)
}
