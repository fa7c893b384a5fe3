package mutation

import (
	"sort"

	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

// FieldMask is a sorted, de-duplicated set of field paths. A nil *FieldMask
// stands for "every field" wherever masks are threaded through a fold.
type FieldMask struct {
	fields []model.FieldPath
}

// NewFieldMask builds a mask from paths.
func NewFieldMask(paths ...model.FieldPath) *FieldMask {
	m := &FieldMask{}
	return m.UnionWith(paths...)
}

// Fields returns the paths in sorted order.
func (m *FieldMask) Fields() []model.FieldPath {
	if m == nil {
		return nil
	}
	out := make([]model.FieldPath, len(m.fields))
	copy(out, m.fields)
	return out
}

func (m *FieldMask) Len() int {
	if m == nil {
		return 0
	}
	return len(m.fields)
}

// Covers reports whether path or one of its ancestors is in the mask.
func (m *FieldMask) Covers(path model.FieldPath) bool {
	if m == nil {
		return true
	}
	for _, f := range m.fields {
		if f.IsPrefixOf(path) {
			return true
		}
	}
	return false
}

// UnionWith returns a new mask holding both sets of paths.
func (m *FieldMask) UnionWith(paths ...model.FieldPath) *FieldMask {
	seen := make(map[model.FieldPath]struct{}, m.Len()+len(paths))
	out := make([]model.FieldPath, 0, m.Len()+len(paths))
	for _, p := range append(m.Fields(), paths...) {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return &FieldMask{fields: out}
}

func (m *FieldMask) Equal(other *FieldMask) bool {
	if m == nil || other == nil {
		return m == other
	}
	if len(m.fields) != len(other.fields) {
		return false
	}
	for i := range m.fields {
		if m.fields[i] != other.fields[i] {
			return false
		}
	}
	return true
}
