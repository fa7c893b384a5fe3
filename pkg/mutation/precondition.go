package mutation

import (
	"fmt"

	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

type preconditionKind int

const (
	preconditionNone preconditionKind = iota
	preconditionExists
	preconditionUpdateTime
)

// Precondition gates a mutation on the state of the target document.
type Precondition struct {
	kind       preconditionKind
	exists     bool
	updateTime model.SnapshotVersion
}

// PreconditionNone always holds.
var PreconditionNone = Precondition{}

// PreconditionExists requires the document to exist (or not).
func PreconditionExists(exists bool) Precondition {
	return Precondition{kind: preconditionExists, exists: exists}
}

// PreconditionUpdateTime requires the document to exist at exactly v.
func PreconditionUpdateTime(v model.SnapshotVersion) Precondition {
	return Precondition{kind: preconditionUpdateTime, updateTime: v}
}

func (p Precondition) IsNone() bool { return p.kind == preconditionNone }

// Exists returns the required existence and whether this is an exists precondition.
func (p Precondition) Exists() (bool, bool) {
	return p.exists, p.kind == preconditionExists
}

// UpdateTime returns the required version and whether this is an update time precondition.
func (p Precondition) UpdateTime() (model.SnapshotVersion, bool) {
	return p.updateTime, p.kind == preconditionUpdateTime
}

// IsValidFor reports whether the precondition holds for doc.
func (p Precondition) IsValidFor(doc *model.MutableDocument) bool {
	switch p.kind {
	case preconditionUpdateTime:
		return doc.IsFoundDocument() && doc.Version() == p.updateTime
	case preconditionExists:
		return p.exists == doc.IsFoundDocument()
	}
	return true
}

func (p Precondition) String() string {
	switch p.kind {
	case preconditionExists:
		return fmt.Sprintf("exists=%t", p.exists)
	case preconditionUpdateTime:
		return "updateTime=" + p.updateTime.String()
	}
	return "none"
}
