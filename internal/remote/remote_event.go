package remote

import (
	"github.com/syntrixbase/syntrix-sync/internal/sortedmap"
	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

// KeySet is an immutable sorted set of document keys.
type KeySet = sortedmap.Set[model.DocumentKey]

// NewKeySet returns a set holding keys.
func NewKeySet(keys ...model.DocumentKey) KeySet {
	return sortedmap.SetOf(model.CompareKeys, keys...)
}

// TargetChange is the aggregated change of one target within a RemoteEvent.
type TargetChange struct {
	ResumeToken       []byte
	Current           bool
	AddedDocuments    KeySet
	ModifiedDocuments KeySet
	RemovedDocuments  KeySet
}

// NewTargetChange returns a change with empty document sets.
func NewTargetChange(resumeToken []byte, current bool) TargetChange {
	return TargetChange{
		ResumeToken:       resumeToken,
		Current:           current,
		AddedDocuments:    NewKeySet(),
		ModifiedDocuments: NewKeySet(),
		RemovedDocuments:  NewKeySet(),
	}
}

// HasDocumentChanges reports whether any document moved in or out of the target.
func (c TargetChange) HasDocumentChanges() bool {
	return c.AddedDocuments.Len()+c.ModifiedDocuments.Len()+c.RemovedDocuments.Len() > 0
}

// RemoteEvent is a consistent snapshot of changes, applied atomically.
type RemoteEvent struct {
	SnapshotVersion model.SnapshotVersion
	TargetChanges   map[model.TargetID]TargetChange
	// TargetMismatches lists targets that must be re-listened from scratch and why.
	TargetMismatches map[model.TargetID]model.TargetPurpose
	DocumentUpdates  map[model.DocumentKey]*model.MutableDocument
	// ResolvedLimboDocuments are keys only referenced by limbo targets.
	ResolvedLimboDocuments KeySet
}

// NewRemoteEvent returns an empty event at version.
func NewRemoteEvent(version model.SnapshotVersion) RemoteEvent {
	return RemoteEvent{
		SnapshotVersion:        version,
		TargetChanges:          map[model.TargetID]TargetChange{},
		TargetMismatches:       map[model.TargetID]model.TargetPurpose{},
		DocumentUpdates:        map[model.DocumentKey]*model.MutableDocument{},
		ResolvedLimboDocuments: NewKeySet(),
	}
}
