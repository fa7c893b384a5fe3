package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Query selects documents of one collection, or a single document when Path
// is a document path.
type Query struct {
	Path    ResourcePath `json:"path"`
	Filters Filters      `json:"filters,omitempty"`
	OrderBy []OrderBy    `json:"orderBy,omitempty"`
	// Limit of 0 means unlimited.
	Limit int `json:"limit,omitempty"`
}

// NewCollectionQuery returns a query over the collection at path.
func NewCollectionQuery(path string, filters ...Filter) Query {
	return Query{Path: ParsePath(path), Filters: filters}
}

// NewDocumentQuery returns the query that watches exactly one document.
func NewDocumentQuery(key DocumentKey) Query {
	return Query{Path: key.Path()}
}

// IsDocumentQuery reports whether the query targets a single document.
func (q Query) IsDocumentQuery() bool {
	return q.Path.Len() > 0 && q.Path.Len()%2 == 0 && len(q.Filters) == 0 && q.Limit == 0
}

// DocumentKey returns the key of a document query.
func (q Query) DocumentKey() DocumentKey {
	return DocumentKey{path: q.Path.String()}
}

func (q Query) HasLimit() bool { return q.Limit > 0 }

// WithLimit returns a copy of q with the given limit.
func (q Query) WithLimit(limit int) Query {
	q.Limit = limit
	return q
}

// WithOrderBy returns a copy of q with an extra order.
func (q Query) WithOrderBy(field string, dir Direction) Query {
	ob := make([]OrderBy, 0, len(q.OrderBy)+1)
	ob = append(ob, q.OrderBy...)
	q.OrderBy = append(ob, OrderBy{Field: field, Direction: dir})
	return q
}

// WithFilter returns a copy of q with an extra filter.
func (q Query) WithFilter(f Filter) Query {
	fs := make(Filters, 0, len(q.Filters)+1)
	fs = append(fs, q.Filters...)
	q.Filters = append(fs, f)
	return q
}

// Validate checks the query shape and normalizes filter values.
func (q Query) Validate() (Query, error) {
	if q.Path.Len() == 0 {
		return q, fmt.Errorf("%w: empty path", ErrInvalidQuery)
	}
	for _, s := range q.Path.segments {
		if !CheckDocumentID(s) {
			return q, fmt.Errorf("%w: invalid path segment %q", ErrInvalidQuery, s)
		}
	}
	if q.Path.Len()%2 == 0 && (len(q.Filters) > 0 || q.Limit > 0 || len(q.OrderBy) > 0) {
		return q, fmt.Errorf("%w: document queries cannot have filters, orders or limits", ErrInvalidQuery)
	}
	if q.Limit < 0 {
		return q, fmt.Errorf("%w: negative limit", ErrInvalidQuery)
	}
	filters := make(Filters, len(q.Filters))
	for i, f := range q.Filters {
		if !f.Validate() {
			return q, fmt.Errorf("%w: invalid filter on %q", ErrInvalidQuery, f.Field)
		}
		if _, err := ParseFieldPath(f.Field); err != nil {
			return q, err
		}
		v, err := NormalizeValue(f.Value)
		if err != nil {
			return q, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
		}
		if f.Op == OpIn {
			if _, ok := v.([]interface{}); !ok {
				return q, fmt.Errorf("%w: 'in' filter on %q needs an array", ErrInvalidQuery, f.Field)
			}
		}
		filters[i] = Filter{Field: f.Field, Op: f.Op, Value: v}
	}
	for _, o := range q.OrderBy {
		if !o.Validate() {
			return q, fmt.Errorf("%w: invalid order on %q", ErrInvalidQuery, o.Field)
		}
	}
	q.Filters = filters
	return q, nil
}

// NormalizedOrderBy returns the explicit orders followed by the key order,
// which uses the direction of the last explicit order.
func (q Query) NormalizedOrderBy() []OrderBy {
	out := make([]OrderBy, 0, len(q.OrderBy)+1)
	dir := Ascending
	hasKey := false
	for _, o := range q.OrderBy {
		out = append(out, o)
		dir = o.Direction
		if FieldPath(o.Field) == FieldNameKey {
			hasKey = true
		}
	}
	if !hasKey {
		out = append(out, OrderBy{Field: string(FieldNameKey), Direction: dir})
	}
	return out
}

// CanonicalID is a stable string identifying logically equal queries.
func (q Query) CanonicalID() string {
	var sb strings.Builder
	sb.WriteString(q.Path.String())
	if len(q.Filters) > 0 {
		parts := make([]string, len(q.Filters))
		for i, f := range q.Filters {
			parts[i] = fmt.Sprintf("%s%s%v", f.Field, f.Op, canonicalValue(f.Value))
		}
		sort.Strings(parts)
		sb.WriteString("|f:")
		sb.WriteString(strings.Join(parts, ","))
	}
	if !q.IsDocumentQuery() {
		sb.WriteString("|ob:")
		for _, o := range q.NormalizedOrderBy() {
			sb.WriteString(o.Field)
			sb.WriteString(string(o.Direction))
		}
	}
	if q.Limit > 0 {
		sb.WriteString("|l:")
		sb.WriteString(strconv.Itoa(q.Limit))
	}
	return sb.String()
}

func canonicalValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return strconv.Quote(val)
	case []interface{}:
		parts := make([]string, len(val))
		for i, e := range val {
			parts[i] = canonicalValue(e)
		}
		return "[" + strings.Join(parts, ",") + "]"
	case map[string]interface{}:
		keys := sortedKeys(val)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + ":" + canonicalValue(val[k])
		}
		return "{" + strings.Join(parts, ",") + "}"
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64) + "d"
	default:
		return fmt.Sprintf("%v", val)
	}
}

func (q Query) String() string {
	return "Query(" + q.CanonicalID() + ")"
}

// MatchesPath reports whether key lies in the query's collection scope.
func (q Query) MatchesPath(key DocumentKey) bool {
	if q.IsDocumentQuery() {
		return key.path == q.Path.String()
	}
	return q.Path.IsImmediateParentOf(key.Path())
}
