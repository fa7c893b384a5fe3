package query

import (
	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

// Comparator orders the documents of a query result.
type Comparator func(a, b *model.MutableDocument) int

// NewComparator orders documents by the query's normalized order: explicit
// orders first, then document key.
func NewComparator(q model.Query) Comparator {
	orders := q.NormalizedOrderBy()
	return func(a, b *model.MutableDocument) int {
		for _, o := range orders {
			var c int
			if model.FieldPath(o.Field).IsKeyField() {
				c = a.Key().Compare(b.Key())
			} else {
				av, _ := a.Field(model.FieldPath(o.Field))
				bv, _ := b.Field(model.FieldPath(o.Field))
				c = model.CompareValues(av, bv)
			}
			if o.Direction == model.Descending {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	}
}

// KeyComparator orders documents by key only.
func KeyComparator(a, b *model.MutableDocument) int {
	return a.Key().Compare(b.Key())
}
