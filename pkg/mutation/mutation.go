// Package mutation implements local writes and the rules for applying them to
// documents, both optimistically and once the server has committed them.
package mutation

import (
	"fmt"
	"time"

	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

// Kind is the variant of a Mutation.
type Kind string

const (
	KindSet    Kind = "set"
	KindPatch  Kind = "patch"
	KindDelete Kind = "delete"
	KindVerify Kind = "verify"
)

// Mutation is one immutable write to one document.
type Mutation struct {
	Kind         Kind
	Key          model.DocumentKey
	Precondition Precondition
	// Value holds the full document for Set and the patched fields for Patch.
	Value model.ObjectValue
	// Mask lists the fields a Patch writes. Masked fields missing from Value are deleted.
	Mask       *FieldMask
	Transforms []FieldTransform
}

// Result is the server outcome of one mutation.
type Result struct {
	// Version is the commit version of the document, or the commit version of
	// the write when the document did not change.
	Version model.SnapshotVersion
	// TransformResults holds one value per field transform, in order.
	TransformResults []interface{}
}

// NewSetMutation overwrites the document with value.
func NewSetMutation(key model.DocumentKey, value model.ObjectValue, transforms ...FieldTransform) Mutation {
	return Mutation{Kind: KindSet, Key: key, Value: value, Transforms: transforms}
}

// NewPatchMutation updates the masked fields. Patches require the document to
// exist unless another precondition is given.
func NewPatchMutation(key model.DocumentKey, value model.ObjectValue, mask *FieldMask, pre Precondition, transforms ...FieldTransform) Mutation {
	if mask == nil {
		mask = NewFieldMask()
	}
	return Mutation{Kind: KindPatch, Key: key, Value: value, Mask: mask, Precondition: pre, Transforms: transforms}
}

// NewUpdateMutation is a patch with the must-exist precondition and a mask
// derived from the leaves of value.
func NewUpdateMutation(key model.DocumentKey, value model.ObjectValue, transforms ...FieldTransform) Mutation {
	return NewPatchMutation(key, value, NewFieldMask(value.FieldMask()...), PreconditionExists(true), transforms...)
}

func NewDeleteMutation(key model.DocumentKey, pre Precondition) Mutation {
	return Mutation{Kind: KindDelete, Key: key, Precondition: pre}
}

// NewVerifyMutation asserts a precondition without changing data.
func NewVerifyMutation(key model.DocumentKey, pre Precondition) Mutation {
	return Mutation{Kind: KindVerify, Key: key, Precondition: pre}
}

// Validate checks the invariants of a mutation built outside the constructors.
func (m Mutation) Validate() error {
	if m.Key.IsEmpty() {
		return fmt.Errorf("%w: mutation without key", model.ErrInvalidQuery)
	}
	switch m.Kind {
	case KindSet, KindDelete, KindVerify:
	case KindPatch:
		if m.Mask == nil {
			return fmt.Errorf("%w: patch of %s without field mask", model.ErrInvalidQuery, m.Key)
		}
	default:
		return fmt.Errorf("%w: unknown mutation kind %q", model.ErrInvalidQuery, m.Kind)
	}
	if (m.Kind == KindDelete || m.Kind == KindVerify) && len(m.Transforms) > 0 {
		return fmt.Errorf("%w: %s mutation cannot carry transforms", model.ErrInvalidQuery, m.Kind)
	}
	return nil
}

// ApplyToRemoteDocument applies a committed mutation to doc in place.
func (m Mutation) ApplyToRemoteDocument(doc *model.MutableDocument, result Result) {
	switch m.Kind {
	case KindSet:
		data := m.Value.Clone()
		applyValues(data, m.serverTransformResults(doc.Data(), result.TransformResults))
		doc.ConvertToFoundDocument(result.Version, data).SetHasCommittedMutations()
	case KindPatch:
		if !m.Precondition.IsValidFor(doc) {
			// The server applied the patch, but we do not know the rest of the document.
			doc.ConvertToUnknownDocument(result.Version)
			return
		}
		transformed := m.serverTransformResults(doc.Data(), result.TransformResults)
		data := doc.Data().Clone()
		applyValues(data, m.patchValues())
		applyValues(data, transformed)
		doc.ConvertToFoundDocument(result.Version, data).SetHasCommittedMutations()
	case KindDelete:
		// Delete version is the commit version; the document may have had any
		// version before.
		doc.ConvertToNoDocument(result.Version).SetHasCommittedMutations()
	case KindVerify:
	}
}

// ApplyToLocalView applies the mutation optimistically and returns the fields
// changed so far, folding previousMask in. A nil mask means the whole document.
func (m Mutation) ApplyToLocalView(doc *model.MutableDocument, previousMask *FieldMask, localWriteTime time.Time) *FieldMask {
	if m.Kind == KindVerify || !m.Precondition.IsValidFor(doc) {
		return previousMask
	}
	switch m.Kind {
	case KindSet:
		transformed := m.localTransformResults(doc.Data(), localWriteTime)
		data := m.Value.Clone()
		applyValues(data, transformed)
		doc.ConvertToFoundDocument(doc.Version(), data).SetHasLocalMutations()
		return nil
	case KindPatch:
		transformed := m.localTransformResults(doc.Data(), localWriteTime)
		data := doc.Data().Clone()
		applyValues(data, m.patchValues())
		applyValues(data, transformed)
		doc.ConvertToFoundDocument(doc.Version(), data).SetHasLocalMutations()
		if previousMask == nil {
			return nil
		}
		paths := m.Mask.Fields()
		for _, t := range m.Transforms {
			paths = append(paths, t.Field)
		}
		return previousMask.UnionWith(paths...)
	case KindDelete:
		doc.ConvertToNoDocument(doc.Version()).SetHasLocalMutations()
		return nil
	}
	return previousMask
}

// FieldMask returns the fields written by the mutation, or nil for the whole document.
func (m Mutation) FieldMask() *FieldMask {
	if m.Kind != KindPatch {
		return nil
	}
	paths := m.Mask.Fields()
	for _, t := range m.Transforms {
		paths = append(paths, t.Field)
	}
	return NewFieldMask(paths...)
}

func (m Mutation) Equal(other Mutation) bool {
	if m.Kind != other.Kind || m.Key != other.Key || m.Precondition != other.Precondition {
		return false
	}
	if len(m.Transforms) != len(other.Transforms) {
		return false
	}
	for i := range m.Transforms {
		if !m.Transforms[i].Equal(other.Transforms[i]) {
			return false
		}
	}
	switch m.Kind {
	case KindSet:
		return m.Value.Equal(other.Value)
	case KindPatch:
		return m.Value.Equal(other.Value) && m.Mask.Equal(other.Mask)
	}
	return true
}

func (m Mutation) String() string {
	return fmt.Sprintf("%sMutation{key=%s, precondition=%s}", m.Kind, m.Key, m.Precondition)
}

type fieldValue struct {
	path   model.FieldPath
	value  interface{}
	remove bool
}

func applyValues(data model.ObjectValue, values []fieldValue) {
	for _, v := range values {
		if v.remove {
			data.Delete(v.path)
		} else {
			data.Set(v.path, model.CloneValue(v.value))
		}
	}
}

func (m Mutation) patchValues() []fieldValue {
	out := make([]fieldValue, 0, m.Mask.Len())
	for _, path := range m.Mask.Fields() {
		v, ok := m.Value.Field(path)
		out = append(out, fieldValue{path: path, value: v, remove: !ok})
	}
	return out
}

func (m Mutation) serverTransformResults(data model.ObjectValue, results []interface{}) []fieldValue {
	model.HardAssert(len(results) == len(m.Transforms),
		"server transform result count (%d) should match field transform count (%d)", len(results), len(m.Transforms))
	out := make([]fieldValue, len(m.Transforms))
	for i, t := range m.Transforms {
		previous, _ := data.Field(t.Field)
		out[i] = fieldValue{path: t.Field, value: t.applyToRemoteDocument(previous, results[i])}
	}
	return out
}

func (m Mutation) localTransformResults(data model.ObjectValue, localWriteTime time.Time) []fieldValue {
	out := make([]fieldValue, len(m.Transforms))
	for i, t := range m.Transforms {
		previous, _ := data.Field(t.Field)
		out[i] = fieldValue{path: t.Field, value: t.applyToLocalView(previous, localWriteTime)}
	}
	return out
}
