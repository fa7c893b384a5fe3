package syncengine

import (
	"fmt"
	"sort"

	"github.com/syntrixbase/syntrix-sync/internal/remote"
	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

// ChangeType classifies a document change within a snapshot.
type ChangeType int

const (
	ChangeAdded ChangeType = iota
	ChangeModified
	ChangeRemoved
	// ChangeMetadata is a change of HasPendingWrites only.
	ChangeMetadata
)

func (t ChangeType) String() string {
	switch t {
	case ChangeAdded:
		return "added"
	case ChangeModified:
		return "modified"
	case ChangeRemoved:
		return "removed"
	case ChangeMetadata:
		return "metadata"
	default:
		return fmt.Sprintf("ChangeType(%d)", int(t))
	}
}

// order sorts removals first, then additions, then in-place changes.
func (t ChangeType) order() int {
	switch t {
	case ChangeRemoved:
		return 0
	case ChangeAdded:
		return 1
	default:
		return 2
	}
}

// DocumentChange is one document entering, leaving or changing in a view.
type DocumentChange struct {
	Type ChangeType
	Doc  *model.MutableDocument
}

// changeSet merges the changes of one key into a single net change.
type changeSet struct {
	changes map[model.DocumentKey]DocumentChange
}

func newChangeSet() *changeSet {
	return &changeSet{changes: map[model.DocumentKey]DocumentChange{}}
}

func (c *changeSet) track(change DocumentChange) {
	key := change.Doc.Key()
	old, ok := c.changes[key]
	if !ok {
		c.changes[key] = change
		return
	}
	switch {
	case change.Type != ChangeAdded && old.Type == ChangeMetadata:
		c.changes[key] = change
	case change.Type == ChangeMetadata && old.Type != ChangeRemoved:
		c.changes[key] = DocumentChange{Type: old.Type, Doc: change.Doc}
	case change.Type == ChangeModified && old.Type == ChangeModified:
		c.changes[key] = DocumentChange{Type: ChangeModified, Doc: change.Doc}
	case change.Type == ChangeModified && old.Type == ChangeAdded:
		c.changes[key] = DocumentChange{Type: ChangeAdded, Doc: change.Doc}
	case change.Type == ChangeRemoved && old.Type == ChangeAdded:
		delete(c.changes, key)
	case change.Type == ChangeRemoved && old.Type == ChangeModified:
		c.changes[key] = DocumentChange{Type: ChangeRemoved, Doc: old.Doc}
	case change.Type == ChangeAdded && old.Type == ChangeRemoved:
		c.changes[key] = DocumentChange{Type: ChangeModified, Doc: change.Doc}
	default:
		model.Fail("unsupported change %s after %s for %s", change.Type, old.Type, key)
	}
}

func (c *changeSet) list() []DocumentChange {
	out := make([]DocumentChange, 0, len(c.changes))
	for _, ch := range c.changes {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Doc.Key().Compare(out[j].Doc.Key()) < 0 })
	return out
}

// ViewSnapshot is what a query listener sees after a change of its view.
type ViewSnapshot struct {
	Query   model.Query
	Docs    DocumentSet
	OldDocs DocumentSet
	Changes []DocumentChange
	// MutatedKeys are the documents of Docs with pending writes.
	MutatedKeys remote.KeySet
	// FromCache is set until the server reported the view as current and no
	// document of it is in limbo.
	FromCache               bool
	SyncStateChanged        bool
	ExcludesMetadataChanges bool
	// HasCachedResults is set when the view was resumed from a persisted target.
	HasCachedResults bool
}

// HasPendingWrites reports whether any document of the snapshot has local
// mutations the server has not acknowledged.
func (s *ViewSnapshot) HasPendingWrites() bool { return !s.MutatedKeys.IsEmpty() }

func (s *ViewSnapshot) changesOf(t ChangeType) []*model.MutableDocument {
	var out []*model.MutableDocument
	for _, ch := range s.Changes {
		if ch.Type == t {
			out = append(out, ch.Doc)
		}
	}
	return out
}

// Added returns the documents that entered the view.
func (s *ViewSnapshot) Added() []*model.MutableDocument { return s.changesOf(ChangeAdded) }

// Modified returns the documents that changed in place.
func (s *ViewSnapshot) Modified() []*model.MutableDocument { return s.changesOf(ChangeModified) }

// Removed returns the documents that left the view.
func (s *ViewSnapshot) Removed() []*model.MutableDocument { return s.changesOf(ChangeRemoved) }

// withoutMetadataChanges returns a copy of s without metadata-only changes.
func (s *ViewSnapshot) withoutMetadataChanges() *ViewSnapshot {
	out := *s
	out.Changes = nil
	for _, ch := range s.Changes {
		if ch.Type != ChangeMetadata {
			out.Changes = append(out.Changes, ch)
		}
	}
	out.ExcludesMetadataChanges = true
	return &out
}

// initialSnapshot reports every document of s as added.
func initialSnapshot(s *ViewSnapshot) *ViewSnapshot {
	changes := make([]DocumentChange, 0, s.Docs.Len())
	for doc := range s.Docs.All() {
		changes = append(changes, DocumentChange{Type: ChangeAdded, Doc: doc})
	}
	return &ViewSnapshot{
		Query:                   s.Query,
		Docs:                    s.Docs,
		OldDocs:                 NewDocumentSet(s.Docs.cmp),
		Changes:                 changes,
		MutatedKeys:             s.MutatedKeys,
		FromCache:               s.FromCache,
		SyncStateChanged:        true,
		ExcludesMetadataChanges: s.ExcludesMetadataChanges,
		HasCachedResults:        s.HasCachedResults,
	}
}
