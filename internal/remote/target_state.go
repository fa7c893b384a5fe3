package remote

import (
	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

// TargetPhase is the aggregation phase of one watch target.
type TargetPhase int

const (
	// PhaseInactive targets are not tracked by the aggregator.
	PhaseInactive TargetPhase = iota
	// PhasePendingAdd targets wait for the server to acknowledge a request.
	PhasePendingAdd
	// PhaseSyncing targets accumulate changes.
	PhaseSyncing
	// PhaseCurrent targets reflect every change the server has sent.
	PhaseCurrent
)

func (p TargetPhase) String() string {
	switch p {
	case PhasePendingAdd:
		return "pending-add"
	case PhaseSyncing:
		return "syncing"
	case PhaseCurrent:
		return "current"
	}
	return "inactive"
}

type changeType int

const (
	changeAdded changeType = iota
	changeModified
	changeRemoved
)

// targetState accumulates the changes of one target between remote events.
type targetState struct {
	// pendingResponses counts listen and unlisten requests without a reply.
	// Changes for a target with pending responses are ignored.
	pendingResponses int
	documentChanges  map[model.DocumentKey]changeType
	resumeToken      []byte
	current          bool
	// hasPendingChanges starts true so new targets are reported in the next event.
	hasPendingChanges bool
}

func newTargetState() *targetState {
	return &targetState{
		documentChanges:   map[model.DocumentKey]changeType{},
		hasPendingChanges: true,
	}
}

func (s *targetState) phase() TargetPhase {
	switch {
	case s.pendingResponses > 0:
		return PhasePendingAdd
	case s.current:
		return PhaseCurrent
	}
	return PhaseSyncing
}

func (s *targetState) isPending() bool { return s.pendingResponses != 0 }

func (s *targetState) updateResumeToken(token []byte) {
	if len(token) > 0 {
		s.hasPendingChanges = true
		s.resumeToken = token
	}
}

func (s *targetState) toTargetChange() TargetChange {
	added, modified, removed := NewKeySet(), NewKeySet(), NewKeySet()
	for key, t := range s.documentChanges {
		switch t {
		case changeAdded:
			added = added.Add(key)
		case changeModified:
			modified = modified.Add(key)
		case changeRemoved:
			removed = removed.Add(key)
		default:
			model.Fail("unknown change type %d", t)
		}
	}
	return TargetChange{
		ResumeToken:       s.resumeToken,
		Current:           s.current,
		AddedDocuments:    added,
		ModifiedDocuments: modified,
		RemovedDocuments:  removed,
	}
}

func (s *targetState) clearPendingChanges() {
	s.hasPendingChanges = false
	s.documentChanges = map[model.DocumentKey]changeType{}
}

func (s *targetState) recordPendingTargetRequest() {
	s.pendingResponses++
}

func (s *targetState) recordTargetResponse() {
	s.pendingResponses--
	model.HardAssert(s.pendingResponses >= 0, "target response without a pending request")
}

func (s *targetState) markCurrent() {
	s.hasPendingChanges = true
	s.current = true
}

func (s *targetState) addDocumentChange(key model.DocumentKey, t changeType) {
	s.hasPendingChanges = true
	s.documentChanges[key] = t
}

func (s *targetState) removeDocumentChange(key model.DocumentKey) {
	s.hasPendingChanges = true
	delete(s.documentChanges, key)
}
