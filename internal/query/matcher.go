package query

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

// DefaultProgramCacheSize bounds the number of compiled filter programs kept.
const DefaultProgramCacheSize = 256

// Matcher decides whether a document belongs to a query's result set.
// Filters are compiled to CEL programs; filter values are passed in as the
// "args" variable so that programs are shared between queries of the same shape.
type Matcher struct {
	env      *cel.Env
	programs *lru.Cache[string, cel.Program]
}

// NewMatcher creates a matcher with a program cache of the given size.
func NewMatcher(cacheSize int) (*Matcher, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultProgramCacheSize
	}
	env, err := cel.NewEnv(
		cel.Variable("doc", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("args", cel.ListType(cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	programs, err := lru.New[string, cel.Program](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create program cache: %w", err)
	}
	return &Matcher{env: env, programs: programs}, nil
}

// Matches reports whether doc is a found document in the query's scope that
// satisfies every filter and has every ordered field.
func (m *Matcher) Matches(q model.Query, doc *model.MutableDocument) bool {
	if !doc.IsFoundDocument() || !q.MatchesPath(doc.Key()) {
		return false
	}
	for _, o := range q.OrderBy {
		if model.FieldPath(o.Field).IsKeyField() {
			continue
		}
		if _, ok := doc.Field(model.FieldPath(o.Field)); !ok {
			return false
		}
	}
	ok, err := m.MatchesFilters(q.Filters, doc.Data())
	return err == nil && ok
}

// MatchesFilters evaluates the conjunction of filters against data. A filter
// on a missing field or with mismatched types does not match.
func (m *Matcher) MatchesFilters(filters model.Filters, data model.ObjectValue) (bool, error) {
	if len(filters) == 0 {
		return true, nil
	}
	prg, err := m.Program(filters)
	if err != nil {
		return false, err
	}
	args := make([]interface{}, len(filters))
	for i, f := range filters {
		args[i] = f.Value
	}
	out, _, err := prg.Eval(map[string]interface{}{
		"doc":  map[string]interface{}(data),
		"args": args,
	})
	if err != nil {
		// Missing keys and type mismatches surface as evaluation errors.
		return false, nil
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL result is not boolean: %T", out.Value())
	}
	return result, nil
}

// Program returns the compiled program for the shape of filters.
func (m *Matcher) Program(filters model.Filters) (cel.Program, error) {
	expr, err := FiltersToExpression(filters)
	if err != nil {
		return nil, err
	}
	if prg, ok := m.programs.Get(expr); ok {
		return prg, nil
	}
	ast, issues := m.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	prg, err := m.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program creation error: %w", err)
	}
	m.programs.Add(expr, prg)
	return prg, nil
}

// FiltersToExpression renders filters as a CEL expression over doc, reading
// the i-th filter value from args[i].
func FiltersToExpression(filters model.Filters) (string, error) {
	parts := make([]string, 0, len(filters))
	for i, f := range filters {
		expr, err := filterToExpression(f, i)
		if err != nil {
			return "", err
		}
		parts = append(parts, expr)
	}
	return strings.Join(parts, " && "), nil
}

func filterToExpression(f model.Filter, i int) (string, error) {
	field := "doc"
	for _, p := range strings.Split(f.Field, ".") {
		field += fmt.Sprintf("['%s']", strings.ReplaceAll(p, "'", "\\'"))
	}
	arg := fmt.Sprintf("args[%d]", i)

	switch f.Op {
	case model.OpEq:
		return fmt.Sprintf("%s == %s", field, arg), nil
	case model.OpNe:
		return fmt.Sprintf("(%s != null && %s != %s)", field, field, arg), nil
	case model.OpGt:
		return fmt.Sprintf("%s > %s", field, arg), nil
	case model.OpGte:
		return fmt.Sprintf("%s >= %s", field, arg), nil
	case model.OpLt:
		return fmt.Sprintf("%s < %s", field, arg), nil
	case model.OpLte:
		return fmt.Sprintf("%s <= %s", field, arg), nil
	case model.OpIn:
		return fmt.Sprintf("%s in %s", field, arg), nil
	case model.OpContains:
		return fmt.Sprintf("%s in %s", arg, field), nil
	default:
		return "", fmt.Errorf("unsupported operator: %s", f.Op)
	}
}
