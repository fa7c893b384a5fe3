package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterOp_IsValid(t *testing.T) {
	tests := []struct {
		name string
		op   FilterOp
		want bool
	}{
		{"OpEq", OpEq, true},
		{"OpNe", OpNe, true},
		{"OpGt", OpGt, true},
		{"OpGte", OpGte, true},
		{"OpLt", OpLt, true},
		{"OpLte", OpLte, true},
		{"OpIn", OpIn, true},
		{"OpContains", OpContains, true},
		{"Invalid", FilterOp("invalid"), false},
		{"Empty", FilterOp(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.op.IsValid())
		})
	}
}

func TestValidOps(t *testing.T) {
	ops := ValidOps()
	assert.Len(t, ops, 8)
	for _, op := range ops {
		assert.True(t, op.IsValid())
	}
}

func TestFilter_Validate(t *testing.T) {
	tests := []struct {
		name string
		f    Filter
		want bool
	}{
		{"Valid Eq", Filter{Field: "a", Op: OpEq, Value: 1}, true},
		{"Valid In", Filter{Field: "b", Op: OpIn, Value: []int{1}}, true},
		{"Missing Field", Filter{Op: OpEq, Value: 1}, false},
		{"Invalid Op", Filter{Field: "c", Op: "bad", Value: 1}, false},
		{"Empty Op", Filter{Field: "d", Op: "", Value: 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.f.Validate())
		})
	}
}

func TestOrderBy_Validate(t *testing.T) {
	assert.True(t, OrderBy{Field: "age", Direction: Ascending}.Validate())
	assert.True(t, OrderBy{Field: "age", Direction: Descending}.Validate())
	assert.False(t, OrderBy{Direction: Ascending}.Validate())
	assert.False(t, OrderBy{Field: "age", Direction: "sideways"}.Validate())
}
