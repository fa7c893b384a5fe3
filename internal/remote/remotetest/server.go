package remotetest

import (
	"github.com/syntrixbase/syntrix-sync/internal/remote"
	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

// Builders for common server messages.

// TargetChange returns a target change for ids.
func TargetChange(state remote.WatchTargetChangeState, token string, ids ...model.TargetID) *remote.ListenResponse {
	var tok []byte
	if token != "" {
		tok = []byte(token)
	}
	return &remote.ListenResponse{TargetChange: &remote.WatchTargetChange{
		State:       state,
		TargetIDs:   ids,
		ResumeToken: tok,
	}}
}

// GlobalSnapshot marks every change so far as consistent at version.
func GlobalSnapshot(version model.SnapshotVersion, token string) *remote.ListenResponse {
	var tok []byte
	if token != "" {
		tok = []byte(token)
	}
	return &remote.ListenResponse{TargetChange: &remote.WatchTargetChange{
		State:       remote.TargetNoChange,
		ResumeToken: tok,
		ReadTime:    version,
	}}
}

// DocumentUpdate reports doc as matching ids.
func DocumentUpdate(doc *model.MutableDocument, ids ...model.TargetID) *remote.ListenResponse {
	return &remote.ListenResponse{DocumentChange: &remote.DocumentWatchChange{
		UpdatedTargetIDs: ids,
		Key:              doc.Key(),
		NewDoc:           doc,
	}}
}

// DocumentDelete reports key as deleted at version for ids.
func DocumentDelete(key model.DocumentKey, version model.SnapshotVersion, ids ...model.TargetID) *remote.ListenResponse {
	return &remote.ListenResponse{DocumentChange: &remote.DocumentWatchChange{
		RemovedTargetIDs: ids,
		Key:              key,
		NewDoc:           model.NewNoDocument(key, version),
	}}
}

// Filter returns an existence filter without bloom filter.
func Filter(id model.TargetID, count int) *remote.ListenResponse {
	return &remote.ListenResponse{Filter: &remote.ExistenceFilterChange{
		TargetID: id,
		Filter:   remote.ExistenceFilter{Count: count},
	}}
}

// Reject removes ids with cause.
func Reject(cause *model.Error, ids ...model.TargetID) *remote.ListenResponse {
	return &remote.ListenResponse{TargetChange: &remote.WatchTargetChange{
		State:     remote.TargetRemoved,
		TargetIDs: ids,
		Cause:     cause,
	}}
}
