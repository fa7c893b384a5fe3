package model

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeValue(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 6789, time.FixedZone("x", 3600))
	v, err := NormalizeValue(map[string]interface{}{
		"i":   7,
		"f":   float32(1.5),
		"s":   []string{"a"},
		"t":   now,
		"nil": nil,
	})
	require.NoError(t, err)
	m := v.(map[string]interface{})
	assert.Equal(t, int64(7), m["i"])
	assert.Equal(t, 1.5, m["f"])
	assert.Equal(t, []interface{}{"a"}, m["s"])
	assert.Equal(t, time.UTC, m["t"].(time.Time).Location())
	assert.Nil(t, m["nil"])

	_, err = NormalizeValue(struct{}{})
	assert.Error(t, err)
	_, err = NormalizeValue(uint64(math.MaxUint64))
	assert.Error(t, err)
}

func TestObjectValue_SetGetDelete(t *testing.T) {
	o := MustObjectValue(map[string]interface{}{"a": 1})

	o.Set("b.c", "x")
	v, ok := o.Field("b.c")
	assert.True(t, ok)
	assert.Equal(t, "x", v)

	// Setting through a scalar replaces it with a map.
	o.Set("a.z", true)
	v, ok = o.Field("a.z")
	assert.True(t, ok)
	assert.Equal(t, true, v)

	o.Delete("b.c")
	_, ok = o.Field("b.c")
	assert.False(t, ok)
	o.Delete("missing.path")

	assert.Equal(t, []FieldPath{"a.z", "b"}, o.FieldMask())
}

func TestObjectValue_FieldMask(t *testing.T) {
	o := MustObjectValue(map[string]interface{}{
		"a": map[string]interface{}{"b": 1, "c": 2},
		"d": map[string]interface{}{},
		"e": "x",
	})
	assert.Equal(t, []FieldPath{"a.b", "a.c", "d", "e"}, o.FieldMask())
}

func TestCompareValues(t *testing.T) {
	ts := time.Unix(10, 0).UTC()
	ordered := []interface{}{
		nil,
		false,
		true,
		math.NaN(),
		int64(-1),
		1.5,
		int64(2),
		ts,
		ServerTimestamp{LocalWriteTime: ts},
		"a",
		"b",
		[]byte{1},
		[]interface{}{int64(1)},
		[]interface{}{int64(1), int64(2)},
		map[string]interface{}{"a": int64(1)},
	}
	for i := 0; i < len(ordered)-1; i++ {
		assert.Equal(t, -1, CompareValues(ordered[i], ordered[i+1]), "index %d", i)
		assert.Equal(t, 1, CompareValues(ordered[i+1], ordered[i]), "index %d", i)
	}
	assert.Equal(t, 0, CompareValues(int64(1), 1.0))
}

func TestValuesEqual(t *testing.T) {
	assert.True(t, ValuesEqual(int64(1), int64(1)))
	assert.False(t, ValuesEqual(int64(1), 1.0))
	assert.True(t, ValuesEqual(math.NaN(), math.NaN()))
	assert.True(t, ValuesEqual(
		map[string]interface{}{"a": []interface{}{"x"}},
		ObjectValue{"a": []interface{}{"x"}},
	))
	assert.False(t, ValuesEqual("a", []interface{}{"a"}))
	assert.True(t, ValuesEqual(nil, nil))
	assert.True(t, ArrayContains([]interface{}{"a", int64(2)}, int64(2)))
	assert.False(t, ArrayContains([]interface{}{"a"}, 2.0))
}

func TestObjectValue_CloneIsDeep(t *testing.T) {
	o := MustObjectValue(map[string]interface{}{"arr": []interface{}{int64(1)}, "m": map[string]interface{}{"x": int64(1)}})
	cp := o.Clone()
	cp["arr"].([]interface{})[0] = int64(9)
	cp.Set("m.x", int64(2))
	assert.True(t, o.Equal(MustObjectValue(map[string]interface{}{"arr": []interface{}{1}, "m": map[string]interface{}{"x": 1}})))
}
