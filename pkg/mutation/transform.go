package mutation

import (
	"fmt"
	"math"
	"time"

	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

// TransformKind names a field transform.
type TransformKind string

const (
	TransformServerTimestamp TransformKind = "serverTimestamp"
	TransformArrayUnion      TransformKind = "arrayUnion"
	TransformArrayRemove     TransformKind = "arrayRemove"
	TransformIncrement       TransformKind = "increment"
)

// FieldTransform is a write to one field whose final value is computed by the server.
type FieldTransform struct {
	Field    model.FieldPath `json:"field"`
	Kind     TransformKind   `json:"kind"`
	Elements []interface{}   `json:"elements,omitempty"`
	Operand  interface{}     `json:"operand,omitempty"`
}

func ServerTimestampTransform(field model.FieldPath) FieldTransform {
	return FieldTransform{Field: field, Kind: TransformServerTimestamp}
}

func ArrayUnionTransform(field model.FieldPath, elements ...interface{}) (FieldTransform, error) {
	n, err := model.NormalizeValue(elements)
	if err != nil {
		return FieldTransform{}, err
	}
	return FieldTransform{Field: field, Kind: TransformArrayUnion, Elements: n.([]interface{})}, nil
}

func ArrayRemoveTransform(field model.FieldPath, elements ...interface{}) (FieldTransform, error) {
	n, err := model.NormalizeValue(elements)
	if err != nil {
		return FieldTransform{}, err
	}
	return FieldTransform{Field: field, Kind: TransformArrayRemove, Elements: n.([]interface{})}, nil
}

func IncrementTransform(field model.FieldPath, operand interface{}) (FieldTransform, error) {
	n, err := model.NormalizeValue(operand)
	if err != nil {
		return FieldTransform{}, err
	}
	if !model.IsNumber(n) {
		return FieldTransform{}, fmt.Errorf("increment operand must be a number, got %T", operand)
	}
	return FieldTransform{Field: field, Kind: TransformIncrement, Operand: n}, nil
}

// applyToLocalView computes the optimistic value from the field's previous value.
func (t FieldTransform) applyToLocalView(previous interface{}, localWriteTime time.Time) interface{} {
	switch t.Kind {
	case TransformServerTimestamp:
		if st, ok := previous.(model.ServerTimestamp); ok {
			previous = st.Previous
		}
		return model.ServerTimestamp{LocalWriteTime: localWriteTime, Previous: previous}
	case TransformArrayUnion:
		return arrayUnion(previous, t.Elements)
	case TransformArrayRemove:
		return arrayRemove(previous, t.Elements)
	case TransformIncrement:
		return increment(previous, t.Operand)
	}
	model.Fail("unknown transform %q", t.Kind)
	return nil
}

// applyToRemoteDocument computes the committed value. The server does not
// return results for array transforms, so those are recomputed locally.
func (t FieldTransform) applyToRemoteDocument(previous, result interface{}) interface{} {
	switch t.Kind {
	case TransformArrayUnion:
		return arrayUnion(previous, t.Elements)
	case TransformArrayRemove:
		return arrayRemove(previous, t.Elements)
	}
	return result
}

func (t FieldTransform) Equal(other FieldTransform) bool {
	return t.Field == other.Field && t.Kind == other.Kind &&
		model.ValuesEqual(t.Operand, other.Operand) &&
		model.ValuesEqual(elementsOrNil(t.Elements), elementsOrNil(other.Elements))
}

func elementsOrNil(e []interface{}) interface{} {
	if len(e) == 0 {
		return nil
	}
	return e
}

func coercedArray(v interface{}) []interface{} {
	if arr, ok := v.([]interface{}); ok {
		out := make([]interface{}, len(arr))
		copy(out, arr)
		return out
	}
	return []interface{}{}
}

func arrayUnion(previous interface{}, elements []interface{}) interface{} {
	out := coercedArray(previous)
	for _, e := range elements {
		if !model.ArrayContains(out, e) {
			out = append(out, model.CloneValue(e))
		}
	}
	return out
}

func arrayRemove(previous interface{}, elements []interface{}) interface{} {
	arr := coercedArray(previous)
	out := arr[:0]
	for _, v := range arr {
		if !model.ArrayContains(elements, v) {
			out = append(out, v)
		}
	}
	return out
}

func increment(previous, operand interface{}) interface{} {
	base := previous
	if !model.IsNumber(base) {
		base = int64(0)
	}
	bi, baseInt := base.(int64)
	oi, opInt := operand.(int64)
	if baseInt && opInt {
		return saturatingAdd(bi, oi)
	}
	return asFloat(base) + asFloat(operand)
}

func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

func saturatingAdd(a, b int64) int64 {
	sum := a + b
	if a > 0 && b > 0 && sum < 0 {
		return math.MaxInt64
	}
	if a < 0 && b < 0 && sum >= 0 {
		return math.MinInt64
	}
	return sum
}
