package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuery_Validate(t *testing.T) {
	tests := []struct {
		name    string
		q       Query
		wantErr bool
	}{
		{"collection", NewCollectionQuery("users", Filter{Field: "age", Op: OpGt, Value: 18}), false},
		{"document", NewDocumentQuery(MustDocumentKey("users/alice")), false},
		{"document with filter", Query{Path: ParsePath("users/alice"), Filters: Filters{{Field: "a", Op: OpEq, Value: 1}}}, true},
		{"empty path", Query{}, true},
		{"bad filter", NewCollectionQuery("users", Filter{Field: "age", Op: "~"}), true},
		{"in needs array", NewCollectionQuery("users", Filter{Field: "age", Op: OpIn, Value: 3}), true},
		{"bad order", NewCollectionQuery("users").WithOrderBy("age", "up"), true},
		{"negative limit", NewCollectionQuery("users").WithLimit(-1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.q.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidQuery)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestQuery_ValidateNormalizesValues(t *testing.T) {
	q, err := NewCollectionQuery("users", Filter{Field: "age", Op: OpIn, Value: []interface{}{1, 2}}).Validate()
	require.NoError(t, err)
	assert.Equal(t, []interface{}{int64(1), int64(2)}, q.Filters[0].Value)
}

func TestQuery_CanonicalID(t *testing.T) {
	a := NewCollectionQuery("users",
		Filter{Field: "age", Op: OpGt, Value: int64(18)},
		Filter{Field: "name", Op: OpEq, Value: "bob"},
	)
	b := NewCollectionQuery("users",
		Filter{Field: "name", Op: OpEq, Value: "bob"},
		Filter{Field: "age", Op: OpGt, Value: int64(18)},
	)
	assert.Equal(t, a.CanonicalID(), b.CanonicalID())
	assert.NotEqual(t, a.CanonicalID(), a.WithLimit(2).CanonicalID())
	assert.NotEqual(t, a.CanonicalID(), a.WithOrderBy("age", Descending).CanonicalID())

	intQ := NewCollectionQuery("c", Filter{Field: "n", Op: OpEq, Value: int64(1)})
	floatQ := NewCollectionQuery("c", Filter{Field: "n", Op: OpEq, Value: 1.0})
	assert.NotEqual(t, intQ.CanonicalID(), floatQ.CanonicalID())

	doc := NewDocumentQuery(MustDocumentKey("users/alice"))
	assert.Equal(t, "users/alice", doc.CanonicalID())
}

func TestQuery_NormalizedOrderBy(t *testing.T) {
	q := NewCollectionQuery("users").WithOrderBy("age", Descending)
	assert.Equal(t, []OrderBy{
		{Field: "age", Direction: Descending},
		{Field: "__name__", Direction: Descending},
	}, q.NormalizedOrderBy())

	assert.Equal(t, []OrderBy{{Field: "__name__", Direction: Ascending}}, NewCollectionQuery("users").NormalizedOrderBy())
}

func TestQuery_MatchesPath(t *testing.T) {
	q := NewCollectionQuery("users")
	assert.True(t, q.MatchesPath(MustDocumentKey("users/alice")))
	assert.False(t, q.MatchesPath(MustDocumentKey("users/alice/posts/p1")))
	assert.False(t, q.MatchesPath(MustDocumentKey("admins/alice")))

	doc := NewDocumentQuery(MustDocumentKey("users/alice"))
	assert.True(t, doc.IsDocumentQuery())
	assert.True(t, doc.MatchesPath(MustDocumentKey("users/alice")))
	assert.False(t, doc.MatchesPath(MustDocumentKey("users/bob")))
	assert.Equal(t, MustDocumentKey("users/alice"), doc.DocumentKey())
}

func TestTargetData_With(t *testing.T) {
	td := NewTargetData(NewCollectionQuery("users"), 2, PurposeListen, 1).WithExpectedCount(3)
	require.NotNil(t, td.ExpectedCount)

	next := td.WithResumeToken([]byte("tok"), 10)
	assert.Nil(t, next.ExpectedCount)
	assert.Equal(t, SnapshotVersion(10), next.SnapshotVersion)
	assert.Equal(t, 3, *td.ExpectedCount)
	assert.Equal(t, "limbo-resolution", PurposeLimboResolution.String())
}
