package remote

import (
	"fmt"
	"log/slog"

	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

// DatabaseID names the database documents belong to. It only shapes the
// resource names hashed into bloom filters.
type DatabaseID struct {
	Project  string `yaml:"project"`
	Database string `yaml:"database"`
}

// DefaultDatabaseID is the "(default)" database of the "default" project.
var DefaultDatabaseID = DatabaseID{Project: "default", Database: "(default)"}

// ResourceName returns the fully qualified name of a document.
func (d DatabaseID) ResourceName(key model.DocumentKey) string {
	return fmt.Sprintf("projects/%s/databases/%s/documents/%s", d.Project, d.Database, key.String())
}

// TargetMetadataProvider gives the aggregator the state it needs about
// targets it does not own.
type TargetMetadataProvider interface {
	// GetRemoteKeysForTarget returns the keys the server last reported for
	// the target, as recorded in the local store.
	GetRemoteKeysForTarget(id model.TargetID) KeySet
	// GetTargetDataForTarget returns the target data of an active target.
	GetTargetDataForTarget(id model.TargetID) (model.TargetData, bool)
}

// BloomFilterResult tells how an existence filter mismatch was handled.
type BloomFilterResult int

const (
	BloomFilterSkipped BloomFilterResult = iota
	BloomFilterSuccess
	BloomFilterFalsePositive
)

// WatchChangeAggregator folds the watch changes received between two global
// snapshots into one RemoteEvent.
type WatchChangeAggregator struct {
	provider TargetMetadataProvider
	database DatabaseID
	logger   *slog.Logger

	targetStates                 map[model.TargetID]*targetState
	pendingDocumentUpdates       map[model.DocumentKey]*model.MutableDocument
	pendingDocumentTargetMapping map[model.DocumentKey]map[model.TargetID]struct{}
	pendingTargetResets          map[model.TargetID]model.TargetPurpose
}

func NewWatchChangeAggregator(provider TargetMetadataProvider, database DatabaseID, logger *slog.Logger) *WatchChangeAggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &WatchChangeAggregator{
		provider:                     provider,
		database:                     database,
		logger:                       logger,
		targetStates:                 map[model.TargetID]*targetState{},
		pendingDocumentUpdates:       map[model.DocumentKey]*model.MutableDocument{},
		pendingDocumentTargetMapping: map[model.DocumentKey]map[model.TargetID]struct{}{},
		pendingTargetResets:          map[model.TargetID]model.TargetPurpose{},
	}
}

// Phase reports the phase of a target.
func (a *WatchChangeAggregator) Phase(id model.TargetID) TargetPhase {
	s, ok := a.targetStates[id]
	if !ok {
		return PhaseInactive
	}
	return s.phase()
}

// HandleDocumentChange records a document change for its targets.
func (a *WatchChangeAggregator) HandleDocumentChange(change *DocumentWatchChange) {
	for _, id := range change.UpdatedTargetIDs {
		switch {
		case change.NewDoc != nil && change.NewDoc.IsFoundDocument():
			a.addDocumentToTarget(id, change.NewDoc)
		case change.NewDoc != nil && change.NewDoc.IsNoDocument():
			a.removeDocumentFromTarget(id, change.Key, change.NewDoc)
		}
	}
	for _, id := range change.RemovedTargetIDs {
		a.removeDocumentFromTarget(id, change.Key, change.NewDoc)
	}
}

// HandleTargetChange applies a target state change.
func (a *WatchChangeAggregator) HandleTargetChange(change *WatchTargetChange) {
	a.forEachTarget(change, func(id model.TargetID) {
		state := a.ensureTargetState(id)
		switch change.State {
		case TargetNoChange:
			if a.isActiveTarget(id) {
				state.updateResumeToken(change.ResumeToken)
			}
		case TargetAdded:
			state.recordTargetResponse()
			if !state.isPending() {
				// A new listen request supersedes changes of the old one.
				state.clearPendingChanges()
			}
			state.updateResumeToken(change.ResumeToken)
		case TargetRemoved:
			state.recordTargetResponse()
			if !state.isPending() {
				a.RemoveTarget(id)
			}
			model.HardAssert(change.Cause == nil, "watch target removed with a cause must be handled by the remote store")
		case TargetCurrent:
			if a.isActiveTarget(id) {
				state.markCurrent()
				state.updateResumeToken(change.ResumeToken)
			}
		case TargetReset:
			if a.isActiveTarget(id) {
				a.resetTarget(id)
				a.targetStates[id].updateResumeToken(change.ResumeToken)
			}
		default:
			model.Fail("unknown target change state %v", change.State)
		}
	})
}

func (a *WatchChangeAggregator) forEachTarget(change *WatchTargetChange, fn func(model.TargetID)) {
	if len(change.TargetIDs) > 0 {
		for _, id := range change.TargetIDs {
			fn(id)
		}
		return
	}
	for id := range a.targetStates {
		if a.isActiveTarget(id) {
			fn(id)
		}
	}
}

// HandleExistenceFilter checks the server's document count against the
// locally known one. A mismatch that the bloom filter cannot explain resets
// the target so it is listened to from scratch.
func (a *WatchChangeAggregator) HandleExistenceFilter(change *ExistenceFilterChange) {
	id := change.TargetID
	expected := change.Filter.Count

	targetData, ok := a.targetDataForActiveTarget(id)
	if !ok {
		return
	}
	target := targetData.Target
	if target.IsDocumentQuery() {
		if expected == 0 {
			// The document was deleted while the target was not being watched.
			key := target.DocumentKey()
			a.removeDocumentFromTarget(id, key, model.NewNoDocument(key, model.MinVersion))
		} else {
			model.HardAssert(expected == 1, "single document existence filter with count %d", expected)
		}
		return
	}

	current := a.currentDocumentCountForTarget(id)
	if current == expected {
		return
	}
	result := a.applyBloomFilter(change, current)
	if result == BloomFilterSuccess {
		return
	}
	a.logger.Debug("Existence filter mismatch, resetting target",
		"target_id", id,
		"expected", expected,
		"local", current,
		"bloom", result == BloomFilterFalsePositive)
	a.resetTarget(id)
	purpose := model.PurposeExistenceFilterMismatch
	if result == BloomFilterFalsePositive {
		purpose = model.PurposeExistenceFilterMismatchBloom
	}
	a.pendingTargetResets[id] = purpose
}

func (a *WatchChangeAggregator) applyBloomFilter(change *ExistenceFilterChange, current int) BloomFilterResult {
	spec := change.Filter.UnchangedNames
	if spec == nil {
		return BloomFilterSkipped
	}
	filter, err := NewBloomFilterFromSpec(spec)
	if err != nil {
		a.logger.Warn("Ignoring invalid bloom filter", "target_id", change.TargetID, "error", err)
		return BloomFilterSkipped
	}
	if filter.BitCount() == 0 {
		return BloomFilterSkipped
	}
	removed := a.filterRemovedDocuments(filter, change.TargetID)
	if change.Filter.Count != current-removed {
		return BloomFilterFalsePositive
	}
	return BloomFilterSuccess
}

// filterRemovedDocuments removes keys the filter proves absent and returns
// how many were removed.
func (a *WatchChangeAggregator) filterRemovedDocuments(filter *BloomFilter, id model.TargetID) int {
	removed := 0
	for key := range a.provider.GetRemoteKeysForTarget(id).All() {
		if !filter.MightContain(a.database.ResourceName(key)) {
			a.removeDocumentFromTarget(id, key, nil)
			removed++
		}
	}
	return removed
}

// CreateRemoteEvent returns the changes accumulated so far as an event at
// version and clears them.
func (a *WatchChangeAggregator) CreateRemoteEvent(version model.SnapshotVersion) RemoteEvent {
	event := NewRemoteEvent(version)

	for id, state := range a.targetStates {
		targetData, ok := a.targetDataForActiveTarget(id)
		if !ok {
			continue
		}
		if state.current && targetData.Target.IsDocumentQuery() {
			// A current document target without the document means it does
			// not exist; synthesize the delete.
			key := targetData.Target.DocumentKey()
			if _, updated := a.pendingDocumentUpdates[key]; !updated && !a.targetContainsDocument(id, key) {
				a.removeDocumentFromTarget(id, key, model.NewNoDocument(key, version))
			}
		}
		if state.hasPendingChanges {
			event.TargetChanges[id] = state.toTargetChange()
			state.clearPendingChanges()
		}
	}

	for key, targets := range a.pendingDocumentTargetMapping {
		onlyLimbo := true
		for id := range targets {
			td, ok := a.targetDataForActiveTarget(id)
			if ok && td.Purpose != model.PurposeLimboResolution {
				onlyLimbo = false
				break
			}
		}
		if onlyLimbo {
			event.ResolvedLimboDocuments = event.ResolvedLimboDocuments.Add(key)
		}
	}

	for key, doc := range a.pendingDocumentUpdates {
		doc.SetReadTime(version)
		event.DocumentUpdates[key] = doc
	}
	for id, purpose := range a.pendingTargetResets {
		event.TargetMismatches[id] = purpose
	}

	a.pendingDocumentUpdates = map[model.DocumentKey]*model.MutableDocument{}
	a.pendingDocumentTargetMapping = map[model.DocumentKey]map[model.TargetID]struct{}{}
	a.pendingTargetResets = map[model.TargetID]model.TargetPurpose{}
	return event
}

// RecordPendingTargetRequest notes that a listen or unlisten request was sent.
func (a *WatchChangeAggregator) RecordPendingTargetRequest(id model.TargetID) {
	a.ensureTargetState(id).recordPendingTargetRequest()
}

// RemoveTarget stops tracking a target.
func (a *WatchChangeAggregator) RemoveTarget(id model.TargetID) {
	delete(a.targetStates, id)
}

func (a *WatchChangeAggregator) addDocumentToTarget(id model.TargetID, doc *model.MutableDocument) {
	if !a.isActiveTarget(id) {
		return
	}
	t := changeAdded
	if a.targetContainsDocument(id, doc.Key()) {
		t = changeModified
	}
	a.ensureTargetState(id).addDocumentChange(doc.Key(), t)
	a.pendingDocumentUpdates[doc.Key()] = doc
	a.ensureDocumentTargetMapping(doc.Key())[id] = struct{}{}
}

// removeDocumentFromTarget records that key left the target. updated, when
// not nil, is the new state of the document.
func (a *WatchChangeAggregator) removeDocumentFromTarget(id model.TargetID, key model.DocumentKey, updated *model.MutableDocument) {
	if !a.isActiveTarget(id) {
		return
	}
	state := a.ensureTargetState(id)
	if a.targetContainsDocument(id, key) {
		state.addDocumentChange(key, changeRemoved)
	} else {
		// The document was added and removed within one snapshot.
		state.removeDocumentChange(key)
	}
	a.ensureDocumentTargetMapping(key)[id] = struct{}{}
	if updated != nil {
		a.pendingDocumentUpdates[key] = updated
	}
}

func (a *WatchChangeAggregator) currentDocumentCountForTarget(id model.TargetID) int {
	change := a.ensureTargetState(id).toTargetChange()
	return a.provider.GetRemoteKeysForTarget(id).Len() +
		change.AddedDocuments.Len() -
		change.RemovedDocuments.Len()
}

// resetTarget drops accumulated changes and removes every key the local
// store associates with the target, so the next event rebuilds it.
func (a *WatchChangeAggregator) resetTarget(id model.TargetID) {
	a.targetStates[id] = newTargetState()
	for key := range a.provider.GetRemoteKeysForTarget(id).All() {
		a.removeDocumentFromTarget(id, key, nil)
	}
}

func (a *WatchChangeAggregator) ensureTargetState(id model.TargetID) *targetState {
	s, ok := a.targetStates[id]
	if !ok {
		s = newTargetState()
		a.targetStates[id] = s
	}
	return s
}

func (a *WatchChangeAggregator) ensureDocumentTargetMapping(key model.DocumentKey) map[model.TargetID]struct{} {
	m, ok := a.pendingDocumentTargetMapping[key]
	if !ok {
		m = map[model.TargetID]struct{}{}
		a.pendingDocumentTargetMapping[key] = m
	}
	return m
}

func (a *WatchChangeAggregator) isActiveTarget(id model.TargetID) bool {
	_, ok := a.targetDataForActiveTarget(id)
	return ok
}

func (a *WatchChangeAggregator) targetDataForActiveTarget(id model.TargetID) (model.TargetData, bool) {
	if s, ok := a.targetStates[id]; ok && s.isPending() {
		return model.TargetData{}, false
	}
	return a.provider.GetTargetDataForTarget(id)
}

// targetContainsDocument reports whether the local store has key in the
// target as of the last applied event.
func (a *WatchChangeAggregator) targetContainsDocument(id model.TargetID, key model.DocumentKey) bool {
	return a.provider.GetRemoteKeysForTarget(id).Has(key)
}
