package query

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

func doc(path string, data map[string]interface{}) *model.MutableDocument {
	return model.NewFoundDocument(model.MustDocumentKey(path), 1, model.MustObjectValue(data))
}

func TestMatcher_Filters(t *testing.T) {
	m, err := NewMatcher(8)
	require.NoError(t, err)

	alice := doc("users/alice", map[string]interface{}{
		"age":     30,
		"score":   1.5,
		"name":    "Alice",
		"tags":    []interface{}{"admin", "dev"},
		"address": map[string]interface{}{"city": "Oslo"},
		"nothing": nil,
	})

	tests := []struct {
		name   string
		filter model.Filter
		want   bool
	}{
		{"eq string", model.Filter{Field: "name", Op: model.OpEq, Value: "Alice"}, true},
		{"eq int vs double", model.Filter{Field: "age", Op: model.OpEq, Value: 30.0}, true},
		{"ne", model.Filter{Field: "name", Op: model.OpNe, Value: "Bob"}, true},
		{"ne null field", model.Filter{Field: "nothing", Op: model.OpNe, Value: "Bob"}, false},
		{"gt", model.Filter{Field: "age", Op: model.OpGt, Value: 18}, true},
		{"gte double", model.Filter{Field: "score", Op: model.OpGte, Value: 2}, false},
		{"lt", model.Filter{Field: "age", Op: model.OpLt, Value: 18}, false},
		{"lte", model.Filter{Field: "age", Op: model.OpLte, Value: 30}, true},
		{"in", model.Filter{Field: "name", Op: model.OpIn, Value: []interface{}{"Bob", "Alice"}}, true},
		{"contains", model.Filter{Field: "tags", Op: model.OpContains, Value: "dev"}, true},
		{"contains miss", model.Filter{Field: "tags", Op: model.OpContains, Value: "ops"}, false},
		{"nested", model.Filter{Field: "address.city", Op: model.OpEq, Value: "Oslo"}, true},
		{"missing field", model.Filter{Field: "email", Op: model.OpEq, Value: "x"}, false},
		{"type mismatch", model.Filter{Field: "name", Op: model.OpGt, Value: 3}, false},
		{"quote in value", model.Filter{Field: "name", Op: model.OpEq, Value: "O'Brien"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := model.NewCollectionQuery("users", tt.filter).Validate()
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Matches(q, alice))
		})
	}
}

func TestMatcher_ScopeAndOrder(t *testing.T) {
	m, err := NewMatcher(0)
	require.NoError(t, err)

	q := model.NewCollectionQuery("users")
	assert.True(t, m.Matches(q, doc("users/a", nil)))
	assert.False(t, m.Matches(q, doc("users/a/posts/p", nil)))
	assert.False(t, m.Matches(q, model.NewNoDocument(model.MustDocumentKey("users/a"), 1)))

	ordered := q.WithOrderBy("age", model.Ascending)
	assert.False(t, m.Matches(ordered, doc("users/a", nil)))
	assert.True(t, m.Matches(ordered, doc("users/a", map[string]interface{}{"age": 1})))
	assert.True(t, m.Matches(q.WithOrderBy("__name__", model.Descending), doc("users/a", nil)))
}

func TestMatcher_ProgramCache(t *testing.T) {
	m, err := NewMatcher(4)
	require.NoError(t, err)

	a := model.Filters{{Field: "age", Op: model.OpGt, Value: int64(1)}}
	b := model.Filters{{Field: "age", Op: model.OpGt, Value: int64(99)}}
	p1, err := m.Program(a)
	require.NoError(t, err)
	p2, err := m.Program(b)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
	assert.Equal(t, 1, m.programs.Len())

	_, err = m.Program(model.Filters{{Field: "age", Op: "~", Value: 1}})
	assert.Error(t, err)
}

func TestFiltersToExpression(t *testing.T) {
	expr, err := FiltersToExpression(model.Filters{
		{Field: "a.b", Op: model.OpEq, Value: 1},
		{Field: "tags", Op: model.OpContains, Value: "x"},
	})
	require.NoError(t, err)
	assert.Equal(t, "doc['a']['b'] == args[0] && args[1] in doc['tags']", expr)
}

func TestComparator(t *testing.T) {
	docs := []*model.MutableDocument{
		doc("users/c", map[string]interface{}{"age": 20}),
		doc("users/a", map[string]interface{}{"age": 30}),
		doc("users/b", map[string]interface{}{"age": 20}),
	}
	cmp := NewComparator(model.NewCollectionQuery("users").WithOrderBy("age", model.Descending))
	sort.Slice(docs, func(i, j int) bool { return cmp(docs[i], docs[j]) < 0 })

	var keys []string
	for _, d := range docs {
		keys = append(keys, d.Key().ID())
	}
	assert.Equal(t, []string{"a", "c", "b"}, keys)

	byKey := NewComparator(model.NewCollectionQuery("users"))
	assert.Equal(t, -1, byKey(docs[0], docs[2]))
	assert.Equal(t, 0, KeyComparator(docs[0], docs[0]))
}
