package remote

import (
	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

// WatchTargetChangeState is the kind of a target change sent on the listen stream.
type WatchTargetChangeState int

const (
	TargetNoChange WatchTargetChangeState = iota
	TargetAdded
	TargetRemoved
	TargetCurrent
	TargetReset
)

func (s WatchTargetChangeState) String() string {
	switch s {
	case TargetNoChange:
		return "no-change"
	case TargetAdded:
		return "added"
	case TargetRemoved:
		return "removed"
	case TargetCurrent:
		return "current"
	case TargetReset:
		return "reset"
	}
	return "unknown"
}

// WatchTargetChange reports a state change for a set of targets. An empty
// TargetIDs list means every active target.
type WatchTargetChange struct {
	State       WatchTargetChangeState
	TargetIDs   []model.TargetID
	ResumeToken []byte
	// ReadTime is set on global NoChange messages and marks a consistent snapshot.
	ReadTime model.SnapshotVersion
	// Cause is set when the server removed targets because of an error.
	Cause *model.Error
}

// DocumentWatchChange reports that a document changed for some targets and
// no longer matches others. NewDoc is a found document, a NoDocument for a
// delete, or nil when the document only left some targets.
type DocumentWatchChange struct {
	UpdatedTargetIDs []model.TargetID
	RemovedTargetIDs []model.TargetID
	Key              model.DocumentKey
	NewDoc           *model.MutableDocument
}

// BloomFilterSpec is the wire form of a bloom filter.
type BloomFilterSpec struct {
	Bitmap    []byte
	Padding   int
	HashCount int
}

// ExistenceFilter is the server's count of documents matching a target,
// optionally with a bloom filter of the names that did not change.
type ExistenceFilter struct {
	Count          int
	UnchangedNames *BloomFilterSpec
}

// ExistenceFilterChange applies an existence filter to one target.
type ExistenceFilterChange struct {
	TargetID model.TargetID
	Filter   ExistenceFilter
}
