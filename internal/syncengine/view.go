package syncengine

import (
	"sort"

	"github.com/syntrixbase/syntrix-sync/internal/query"
	"github.com/syntrixbase/syntrix-sync/internal/remote"
	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

type syncState int

const (
	syncNone syncState = iota
	syncLocal
	syncSynced
)

// LimboChangeType tells whether a key entered or left limbo.
type LimboChangeType int

const (
	LimboAdded LimboChangeType = iota
	LimboRemoved
)

// LimboChange is a key entering or leaving the limbo set of a view.
type LimboChange struct {
	Type LimboChangeType
	Key  model.DocumentKey
}

// ViewChange is the result of applying changes to a view. Snapshot is nil
// when nothing visible changed.
type ViewChange struct {
	Snapshot     *ViewSnapshot
	LimboChanges []LimboChange
}

// viewDocumentChanges is a computed but not yet applied set of changes.
type viewDocumentChanges struct {
	docs        DocumentSet
	changes     *changeSet
	mutatedKeys remote.KeySet
	// needsRefill is set when a limit query lost documents and must be
	// recomputed from the local store.
	needsRefill bool
}

// View keeps the result set of one query and diffs it against new local
// document states.
type View struct {
	query   model.Query
	cmp     query.Comparator
	matcher *query.Matcher
	// inCache reports whether the remote document cache knows a key.
	inCache func(model.DocumentKey) bool

	state       syncState
	current     bool
	docs        DocumentSet
	mutatedKeys remote.KeySet
	// syncedDocuments are the keys the server reported for the target.
	syncedDocuments remote.KeySet
	limboDocuments  remote.KeySet
}

// NewView creates a view for q. remoteKeys are the keys the server last
// reported for the query's target.
func NewView(q model.Query, remoteKeys remote.KeySet, matcher *query.Matcher, inCache func(model.DocumentKey) bool) *View {
	cmp := query.NewComparator(q)
	if inCache == nil {
		inCache = func(model.DocumentKey) bool { return true }
	}
	return &View{
		query:           q,
		cmp:             cmp,
		matcher:         matcher,
		inCache:         inCache,
		docs:            NewDocumentSet(cmp),
		mutatedKeys:     remote.NewKeySet(),
		syncedDocuments: remoteKeys,
		limboDocuments:  remote.NewKeySet(),
	}
}

func (v *View) Query() model.Query { return v.query }

// SyncedDocuments are the keys the server reported for the view's target.
func (v *View) SyncedDocuments() remote.KeySet { return v.syncedDocuments }

// LimboDocuments are the keys of the view currently in limbo.
func (v *View) LimboDocuments() remote.KeySet { return v.limboDocuments }

// computeDocChanges diffs changed documents against the view. previous
// carries the result of an earlier pass when a limit query is refilled.
func (v *View) computeDocChanges(changed map[model.DocumentKey]*model.MutableDocument, previous *viewDocumentChanges) viewDocumentChanges {
	changes := newChangeSet()
	oldDocs := v.docs
	mutatedKeys := v.mutatedKeys
	if previous != nil {
		changes = previous.changes
		oldDocs = previous.docs
		mutatedKeys = previous.mutatedKeys
	}
	newDocs := oldDocs
	needsRefill := false

	var lastDocInLimit *model.MutableDocument
	if v.query.HasLimit() && oldDocs.Len() == v.query.Limit {
		lastDocInLimit, _ = oldDocs.Last()
	}

	keys := make([]model.DocumentKey, 0, len(changed))
	for k := range changed {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })

	for _, key := range keys {
		entry := changed[key]
		oldDoc, hadOld := oldDocs.Get(key)
		var newDoc *model.MutableDocument
		if v.matcher.Matches(v.query, entry) {
			newDoc = entry
		}

		oldHadPending := hadOld && v.mutatedKeys.Has(key)
		newHasPending := newDoc != nil &&
			(newDoc.HasLocalMutations() || (v.mutatedKeys.Has(key) && newDoc.HasCommittedMutations()))

		applied := false
		switch {
		case hadOld && newDoc != nil:
			if !oldDoc.Data().Equal(newDoc.Data()) {
				if !shouldWaitForSyncedDocument(oldDoc, newDoc) {
					changes.track(DocumentChange{Type: ChangeModified, Doc: newDoc})
					applied = true
					if lastDocInLimit != nil && newDocs.Compare(newDoc, lastDocInLimit) > 0 {
						// The document moved past the end of the limit; a
						// document from outside the view may take its place.
						needsRefill = true
					}
				}
			} else if oldHadPending != newHasPending {
				changes.track(DocumentChange{Type: ChangeMetadata, Doc: newDoc})
				applied = true
			}
		case !hadOld && newDoc != nil:
			changes.track(DocumentChange{Type: ChangeAdded, Doc: newDoc})
			applied = true
		case hadOld && newDoc == nil:
			changes.track(DocumentChange{Type: ChangeRemoved, Doc: oldDoc})
			applied = true
			if lastDocInLimit != nil {
				needsRefill = true
			}
		}

		if !applied {
			continue
		}
		if newDoc != nil {
			newDocs = newDocs.Add(newDoc)
			if newHasPending {
				mutatedKeys = mutatedKeys.Add(key)
			} else {
				mutatedKeys = mutatedKeys.Delete(key)
			}
		} else {
			newDocs = newDocs.Delete(key)
			mutatedKeys = mutatedKeys.Delete(key)
		}
	}

	if v.query.HasLimit() {
		for newDocs.Len() > v.query.Limit {
			last, _ := newDocs.Last()
			newDocs = newDocs.Delete(last.Key())
			mutatedKeys = mutatedKeys.Delete(last.Key())
			changes.track(DocumentChange{Type: ChangeRemoved, Doc: last})
		}
	}

	model.HardAssert(!needsRefill || previous == nil, "view still needs a refill after refilling")
	return viewDocumentChanges{docs: newDocs, changes: changes, mutatedKeys: mutatedKeys, needsRefill: needsRefill}
}

// shouldWaitForSyncedDocument holds back a committed but not yet watched
// version of a document that had local mutations, so the view does not
// flicker between the local and the acknowledged state.
func shouldWaitForSyncedDocument(oldDoc, newDoc *model.MutableDocument) bool {
	return oldDoc.HasLocalMutations() && newDoc.HasCommittedMutations() && !newDoc.HasLocalMutations()
}

// applyChanges commits computed changes to the view. targetChange carries
// the server's view of the target when the changes came from a remote event.
func (v *View) applyChanges(dc viewDocumentChanges, updateLimbo bool, targetChange *remote.TargetChange, targetIsPendingReset bool) ViewChange {
	model.HardAssert(!dc.needsRefill, "cannot apply changes that need a refill")
	oldDocs := v.docs
	v.docs = dc.docs
	v.mutatedKeys = dc.mutatedKeys

	changes := dc.changes.list()
	sort.SliceStable(changes, func(i, j int) bool {
		oi, oj := changes[i].Type.order(), changes[j].Type.order()
		if oi != oj {
			return oi < oj
		}
		return v.docs.Compare(changes[i].Doc, changes[j].Doc) < 0
	})

	v.applyTargetChange(targetChange)
	var limboChanges []LimboChange
	if updateLimbo && !targetIsPendingReset {
		limboChanges = v.updateLimboDocuments()
	}

	synced := v.limboDocuments.IsEmpty() && v.current && !targetIsPendingReset
	newState := syncLocal
	if synced {
		newState = syncSynced
	}
	stateChanged := newState != v.state
	v.state = newState

	if len(changes) == 0 && !stateChanged {
		return ViewChange{LimboChanges: limboChanges}
	}
	return ViewChange{
		Snapshot: &ViewSnapshot{
			Query:            v.query,
			Docs:             dc.docs,
			OldDocs:          oldDocs,
			Changes:          changes,
			MutatedKeys:      dc.mutatedKeys,
			FromCache:        newState == syncLocal,
			SyncStateChanged: stateChanged,
			HasCachedResults: targetChange != nil && len(targetChange.ResumeToken) > 0,
		},
		LimboChanges: limboChanges,
	}
}

// applyOnlineStateChange drops the current flag when the client goes
// offline so listeners learn that the view may be stale.
func (v *View) applyOnlineStateChange(state remote.OnlineState) ViewChange {
	if v.current && state == remote.Offline {
		v.current = false
		return v.applyChanges(viewDocumentChanges{
			docs:        v.docs,
			changes:     newChangeSet(),
			mutatedKeys: v.mutatedKeys,
		}, false, nil, false)
	}
	return ViewChange{}
}

func (v *View) applyTargetChange(tc *remote.TargetChange) {
	if tc == nil {
		return
	}
	for k := range tc.AddedDocuments.All() {
		v.syncedDocuments = v.syncedDocuments.Add(k)
	}
	for k := range tc.ModifiedDocuments.All() {
		model.HardAssert(v.syncedDocuments.Has(k), "modified document %s is not in the target", k)
	}
	for k := range tc.RemovedDocuments.All() {
		v.syncedDocuments = v.syncedDocuments.Delete(k)
	}
	v.current = tc.Current
}

// forgetSyncedDocument drops key from the server-reported set after its
// limbo resolution failed.
func (v *View) forgetSyncedDocument(key model.DocumentKey) {
	v.syncedDocuments = v.syncedDocuments.Delete(key)
}

// shouldBeInLimbo reports whether a key of a current view has no server
// confirmation: either the view holds it without the server listing it, or
// the server lists it but the cache has never seen it.
func (v *View) shouldBeInLimbo(key model.DocumentKey) bool {
	doc, inView := v.docs.Get(key)
	if inView {
		return !v.syncedDocuments.Has(key) && !doc.HasLocalMutations()
	}
	return v.syncedDocuments.Has(key) && !v.inCache(key)
}

func (v *View) updateLimboDocuments() []LimboChange {
	if !v.current {
		return nil
	}
	old := v.limboDocuments
	next := remote.NewKeySet()
	for doc := range v.docs.All() {
		if v.shouldBeInLimbo(doc.Key()) {
			next = next.Add(doc.Key())
		}
	}
	for key := range v.syncedDocuments.All() {
		if !v.docs.Has(key) && v.shouldBeInLimbo(key) {
			next = next.Add(key)
		}
	}
	v.limboDocuments = next

	var changes []LimboChange
	for key := range old.All() {
		if !next.Has(key) {
			changes = append(changes, LimboChange{Type: LimboRemoved, Key: key})
		}
	}
	for key := range next.All() {
		if !old.Has(key) {
			changes = append(changes, LimboChange{Type: LimboAdded, Key: key})
		}
	}
	return changes
}

// computeInitialSnapshot returns the current contents of the view as a
// snapshot in which every document is added.
func (v *View) computeInitialSnapshot() *ViewSnapshot {
	return initialSnapshot(&ViewSnapshot{
		Query:       v.query,
		Docs:        v.docs,
		MutatedKeys: v.mutatedKeys,
		FromCache:   v.state != syncSynced,
	})
}
