package mutation

import (
	"strings"

	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

// Overlay is the single mutation equivalent to every pending batch that
// touches one document, tagged with the newest batch it summarizes.
type Overlay struct {
	LargestBatchID int
	Mutation       Mutation
}

func (o Overlay) Key() model.DocumentKey { return o.Mutation.Key }

// CalculateOverlayMutation returns the mutation that turns the remote version
// of doc into its current local state, given the fields changed locally. It
// returns false when doc has no local changes.
func CalculateOverlayMutation(doc *model.MutableDocument, mask *FieldMask) (Mutation, bool) {
	if !doc.HasLocalMutations() || (mask != nil && mask.Len() == 0) {
		return Mutation{}, false
	}
	if mask == nil {
		if doc.IsNoDocument() {
			return NewDeleteMutation(doc.Key(), PreconditionNone), true
		}
		return NewSetMutation(doc.Key(), doc.Data().Clone()), true
	}

	data := doc.Data()
	patch := model.ObjectValue{}
	paths := make([]model.FieldPath, 0, mask.Len())
	seen := map[model.FieldPath]struct{}{}
	for _, path := range mask.Fields() {
		if _, ok := seen[path]; ok {
			continue
		}
		value, ok := data.Field(path)
		// A transform may target a nested field whose parent is not a map. The
		// parent was replaced, so write the parent instead.
		if !ok && len(path.Segments()) > 1 {
			segs := path.Segments()
			path = model.FieldPath(strings.Join(segs[:len(segs)-1], "."))
			value, ok = data.Field(path)
		}
		if ok {
			patch.Set(path, model.CloneValue(value))
		}
		seen[path] = struct{}{}
		paths = append(paths, path)
	}
	return NewPatchMutation(doc.Key(), patch, NewFieldMask(paths...), PreconditionNone), true
}
