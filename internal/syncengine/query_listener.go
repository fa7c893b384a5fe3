package syncengine

import (
	"github.com/syntrixbase/syntrix-sync/internal/remote"
	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

// ListenOptions tune which snapshots a listener receives.
type ListenOptions struct {
	// IncludeMetadataChanges raises snapshots whose only change is
	// HasPendingWrites or FromCache.
	IncludeMetadataChanges bool
	// WaitForSyncWhenOnline holds back the first snapshot until the server
	// caught up, unless the client is offline.
	WaitForSyncWhenOnline bool
}

// ListenerID is the handle of a registered query listener.
type ListenerID int64

// QueryListener filters the view snapshots of a query for one observer.
type QueryListener struct {
	id       ListenerID
	query    model.Query
	options  ListenOptions
	observer *asyncObserver

	raisedInitialEvent bool
	snap               *ViewSnapshot
	onlineState        remote.OnlineState
}

func (l *QueryListener) ID() ListenerID     { return l.id }
func (l *QueryListener) Query() model.Query { return l.query }

// onViewSnapshot returns whether an event was raised.
func (l *QueryListener) onViewSnapshot(snap *ViewSnapshot) bool {
	model.HardAssert(len(snap.Changes) > 0 || snap.SyncStateChanged, "empty view snapshot for %s", l.query)
	if !l.options.IncludeMetadataChanges {
		snap = snap.withoutMetadataChanges()
	}
	raised := false
	if !l.raisedInitialEvent {
		if l.shouldRaiseInitialEvent(snap, l.onlineState) {
			l.raiseInitialEvent(snap)
			raised = true
		}
	} else if l.shouldRaiseEvent(snap) {
		l.observer.snapshot(snap)
		raised = true
	}
	l.snap = snap
	return raised
}

func (l *QueryListener) onError(err error) {
	l.observer.error(err)
}

func (l *QueryListener) applyOnlineStateChange(state remote.OnlineState) bool {
	l.onlineState = state
	if l.snap != nil && !l.raisedInitialEvent && l.shouldRaiseInitialEvent(l.snap, state) {
		l.raiseInitialEvent(l.snap)
		return true
	}
	return false
}

func (l *QueryListener) shouldRaiseInitialEvent(snap *ViewSnapshot, state remote.OnlineState) bool {
	if !snap.FromCache {
		return true
	}
	maybeOnline := state != remote.Offline
	if l.options.WaitForSyncWhenOnline && maybeOnline {
		return false
	}
	return !snap.Docs.IsEmpty() || snap.HasCachedResults || state == remote.Offline
}

func (l *QueryListener) shouldRaiseEvent(snap *ViewSnapshot) bool {
	if len(snap.Changes) > 0 {
		return true
	}
	pendingWritesChanged := l.snap != nil && l.snap.HasPendingWrites() != snap.HasPendingWrites()
	if snap.SyncStateChanged || pendingWritesChanged {
		return l.options.IncludeMetadataChanges
	}
	return false
}

func (l *QueryListener) raiseInitialEvent(snap *ViewSnapshot) {
	l.raisedInitialEvent = true
	l.observer.snapshot(initialSnapshot(snap))
}
