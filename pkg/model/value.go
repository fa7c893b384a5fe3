package model

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// ServerTimestamp is the local placeholder for a server timestamp transform
// that the server has not resolved yet.
type ServerTimestamp struct {
	LocalWriteTime time.Time
	// Previous holds the value the field had before the transform, if any.
	Previous interface{}
}

// NormalizeValue converts Go values into the closed set of types stored in
// documents: nil, bool, int64, float64, string, []byte, time.Time,
// ServerTimestamp, []interface{} and map[string]interface{}.
func NormalizeValue(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case nil, bool, int64, float64, string, ServerTimestamp:
		return val, nil
	case int:
		return int64(val), nil
	case int8:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case uint8:
		return int64(val), nil
	case uint16:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case uint:
		if uint64(val) > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows int64", val)
		}
		return int64(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows int64", val)
		}
		return int64(val), nil
	case float32:
		return float64(val), nil
	case []byte:
		cp := make([]byte, len(val))
		copy(cp, val)
		return cp, nil
	case time.Time:
		return val.UTC().Truncate(time.Microsecond), nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			n, err := NormalizeValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case []string:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = e
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, e := range val {
			n, err := NormalizeValue(e)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case ObjectValue:
		return NormalizeValue(map[string]interface{}(val))
	case Document:
		return NormalizeValue(map[string]interface{}(val))
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// ObjectValue is the field map of a document. Nested maps are
// map[string]interface{}.
type ObjectValue map[string]interface{}

// NewObjectValue normalizes data into an ObjectValue.
func NewObjectValue(data map[string]interface{}) (ObjectValue, error) {
	if data == nil {
		return ObjectValue{}, nil
	}
	n, err := NormalizeValue(data)
	if err != nil {
		return nil, err
	}
	return ObjectValue(n.(map[string]interface{})), nil
}

// MustObjectValue is NewObjectValue that panics on unsupported values.
func MustObjectValue(data map[string]interface{}) ObjectValue {
	v, err := NewObjectValue(data)
	if err != nil {
		panic(err)
	}
	return v
}

// Field returns the value at path.
func (o ObjectValue) Field(path FieldPath) (interface{}, bool) {
	var cur interface{} = map[string]interface{}(o)
	for _, seg := range path.Segments() {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set stores value at path, creating intermediate maps and replacing
// non-map intermediates. The value is stored as is.
func (o ObjectValue) Set(path FieldPath, value interface{}) {
	segs := path.Segments()
	if len(segs) == 0 {
		return
	}
	m := map[string]interface{}(o)
	for _, seg := range segs[:len(segs)-1] {
		next, ok := m[seg].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			m[seg] = next
		}
		m = next
	}
	m[segs[len(segs)-1]] = value
}

// Delete removes the value at path. Missing parents are ignored.
func (o ObjectValue) Delete(path FieldPath) {
	segs := path.Segments()
	if len(segs) == 0 {
		return
	}
	m := map[string]interface{}(o)
	for _, seg := range segs[:len(segs)-1] {
		next, ok := m[seg].(map[string]interface{})
		if !ok {
			return
		}
		m = next
	}
	delete(m, segs[len(segs)-1])
}

// FieldMask returns the leaf paths present in the object.
func (o ObjectValue) FieldMask() []FieldPath {
	var out []FieldPath
	var walk func(prefix string, m map[string]interface{})
	walk = func(prefix string, m map[string]interface{}) {
		for k, v := range m {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			if nested, ok := v.(map[string]interface{}); ok && len(nested) > 0 {
				walk(p, nested)
				continue
			}
			out = append(out, FieldPath(p))
		}
	}
	walk("", o)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clone returns a deep copy.
func (o ObjectValue) Clone() ObjectValue {
	if o == nil {
		return ObjectValue{}
	}
	return ObjectValue(cloneValue(map[string]interface{}(o)).(map[string]interface{}))
}

func (o ObjectValue) Equal(other ObjectValue) bool {
	return ValuesEqual(map[string]interface{}(o), map[string]interface{}(other))
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, e := range val {
			out[k] = cloneValue(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	case []byte:
		cp := make([]byte, len(val))
		copy(cp, val)
		return cp
	default:
		return val
	}
}

// CloneValue deep copies a normalized value.
func CloneValue(v interface{}) interface{} { return cloneValue(v) }

const (
	typeOrderNull = iota
	typeOrderBool
	typeOrderNumber
	typeOrderTimestamp
	typeOrderServerTimestamp
	typeOrderString
	typeOrderBytes
	typeOrderArray
	typeOrderMap
)

func typeOrder(v interface{}) int {
	switch v.(type) {
	case nil:
		return typeOrderNull
	case bool:
		return typeOrderBool
	case int64, float64:
		return typeOrderNumber
	case time.Time:
		return typeOrderTimestamp
	case ServerTimestamp:
		return typeOrderServerTimestamp
	case string:
		return typeOrderString
	case []byte:
		return typeOrderBytes
	case []interface{}:
		return typeOrderArray
	case map[string]interface{}:
		return typeOrderMap
	}
	Fail("unexpected value type %T", v)
	return 0
}

// IsNumber reports whether v is a normalized number.
func IsNumber(v interface{}) bool {
	switch v.(type) {
	case int64, float64:
		return true
	}
	return false
}

// CompareValues totally orders normalized values: null < bool < number <
// timestamp < pending server timestamp < string < bytes < array < map.
func CompareValues(a, b interface{}) int {
	ta, tb := typeOrder(a), typeOrder(b)
	if ta != tb {
		if ta < tb {
			return -1
		}
		return 1
	}
	switch av := a.(type) {
	case nil:
		return 0
	case bool:
		bv := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		}
		return 1
	case int64, float64:
		return compareNumbers(a, b)
	case time.Time:
		return av.Compare(b.(time.Time))
	case ServerTimestamp:
		return av.LocalWriteTime.Compare(b.(ServerTimestamp).LocalWriteTime)
	case string:
		return strings.Compare(av, b.(string))
	case []byte:
		return bytes.Compare(av, b.([]byte))
	case []interface{}:
		bv := b.([]interface{})
		for i := 0; i < len(av) && i < len(bv); i++ {
			if c := CompareValues(av[i], bv[i]); c != 0 {
				return c
			}
		}
		return compareInts(len(av), len(bv))
	case map[string]interface{}:
		return compareMaps(av, b.(map[string]interface{}))
	}
	return 0
}

func compareNumbers(a, b interface{}) int {
	ai, aInt := a.(int64)
	bi, bInt := b.(int64)
	if aInt && bInt {
		return compareInts64(ai, bi)
	}
	af, bf := toFloat(a), toFloat(b)
	switch {
	case math.IsNaN(af) && math.IsNaN(bf):
		return 0
	case math.IsNaN(af):
		return -1
	case math.IsNaN(bf):
		return 1
	case af < bf:
		return -1
	case af > bf:
		return 1
	}
	return 0
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

func compareMaps(a, b map[string]interface{}) int {
	ak, bk := sortedKeys(a), sortedKeys(b)
	for i := 0; i < len(ak) && i < len(bk); i++ {
		if c := strings.Compare(ak[i], bk[i]); c != 0 {
			return c
		}
		if c := CompareValues(a[ak[i]], b[bk[i]]); c != 0 {
			return c
		}
	}
	return compareInts(len(ak), len(bk))
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func compareInts(a, b int) int {
	return compareInts64(int64(a), int64(b))
}

func compareInts64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// ValuesEqual is strict equality: integers and doubles never compare equal.
func ValuesEqual(a, b interface{}) bool {
	switch av := a.(type) {
	case int64:
		bv, ok := b.(int64)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return false
		}
		if math.IsNaN(av) && math.IsNaN(bv) {
			return true
		}
		return av == bv
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !ValuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]interface{}:
		bv, ok := asMap(b)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, e := range av {
			o, ok := bv[k]
			if !ok || !ValuesEqual(e, o) {
				return false
			}
		}
		return true
	case ObjectValue:
		return ValuesEqual(map[string]interface{}(av), b)
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	case ServerTimestamp:
		bv, ok := b.(ServerTimestamp)
		return ok && av.LocalWriteTime.Equal(bv.LocalWriteTime) && ValuesEqual(av.Previous, bv.Previous)
	default:
		if bo, ok := b.(ObjectValue); ok {
			return ValuesEqual(a, map[string]interface{}(bo))
		}
		return typeOrderSafe(a) == typeOrderSafe(b) && a == b
	}
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case ObjectValue:
		return m, true
	}
	return nil, false
}

func typeOrderSafe(v interface{}) int {
	switch v.(type) {
	case nil:
		return typeOrderNull
	case bool:
		return typeOrderBool
	case string:
		return typeOrderString
	}
	return -1
}

// ArrayContains reports whether arr holds an element equal to v.
func ArrayContains(arr []interface{}, v interface{}) bool {
	for _, e := range arr {
		if ValuesEqual(e, v) {
			return true
		}
	}
	return false
}
