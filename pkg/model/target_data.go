package model

// TargetID is the numeric id under which a query is watched.
type TargetID int32

// TargetPurpose says why a target is being listened to.
type TargetPurpose int

const (
	// PurposeListen is a regular user query.
	PurposeListen TargetPurpose = iota
	// PurposeExistenceFilterMismatch re-listens after an unresolved count mismatch.
	PurposeExistenceFilterMismatch
	// PurposeExistenceFilterMismatchBloom re-listens after a bloom filter could not reconcile counts.
	PurposeExistenceFilterMismatchBloom
	// PurposeLimboResolution fetches one document referenced by a view but not known locally.
	PurposeLimboResolution
)

func (p TargetPurpose) String() string {
	switch p {
	case PurposeListen:
		return "listen"
	case PurposeExistenceFilterMismatch:
		return "existence-filter-mismatch"
	case PurposeExistenceFilterMismatchBloom:
		return "existence-filter-mismatch-bloom"
	case PurposeLimboResolution:
		return "limbo-resolution"
	}
	return "unknown"
}

// TargetData is the engine state of one watched query.
type TargetData struct {
	Target   Query
	TargetID TargetID
	Purpose  TargetPurpose
	// SequenceNumber orders target activity for garbage collection.
	SequenceNumber int64
	// SnapshotVersion is the version of the last consistent snapshot for this target.
	SnapshotVersion SnapshotVersion
	// LastLimboFreeSnapshotVersion is the last version at which the view had no limbo documents.
	LastLimboFreeSnapshotVersion SnapshotVersion
	// ResumeToken is the opaque cursor the server hands out. Empty means listen from scratch.
	ResumeToken []byte
	// ExpectedCount is the number of documents the client had at ResumeToken, or nil.
	ExpectedCount *int
}

func NewTargetData(target Query, id TargetID, purpose TargetPurpose, seq int64) TargetData {
	return TargetData{Target: target, TargetID: id, Purpose: purpose, SequenceNumber: seq}
}

// WithResumeToken returns a copy with a new resume token and snapshot version.
// The expected count is cleared since it belonged to the old token.
func (t TargetData) WithResumeToken(token []byte, version SnapshotVersion) TargetData {
	t.ResumeToken = token
	t.SnapshotVersion = version
	t.ExpectedCount = nil
	return t
}

func (t TargetData) WithSequenceNumber(seq int64) TargetData {
	t.SequenceNumber = seq
	return t
}

func (t TargetData) WithExpectedCount(n int) TargetData {
	t.ExpectedCount = &n
	return t
}

func (t TargetData) WithLastLimboFreeSnapshotVersion(v SnapshotVersion) TargetData {
	t.LastLimboFreeSnapshotVersion = v
	return t
}

func (t TargetData) WithPurpose(p TargetPurpose) TargetData {
	t.Purpose = p
	return t
}
