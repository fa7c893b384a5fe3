package syncengine

import (
	"iter"

	"github.com/syntrixbase/syntrix-sync/internal/query"
	"github.com/syntrixbase/syntrix-sync/internal/sortedmap"
	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

// DocumentSet is an immutable set of documents kept in query order.
type DocumentSet struct {
	cmp    func(a, b *model.MutableDocument) int
	byKey  sortedmap.Map[model.DocumentKey, *model.MutableDocument]
	sorted sortedmap.Set[*model.MutableDocument]
}

// NewDocumentSet returns an empty set ordered by cmp, ties broken by key.
func NewDocumentSet(cmp query.Comparator) DocumentSet {
	ordered := func(a, b *model.MutableDocument) int {
		if c := cmp(a, b); c != 0 {
			return c
		}
		return a.Key().Compare(b.Key())
	}
	return DocumentSet{
		cmp:    ordered,
		byKey:  sortedmap.New[model.DocumentKey, *model.MutableDocument](model.CompareKeys),
		sorted: sortedmap.NewSet(ordered),
	}
}

func (s DocumentSet) Len() int      { return s.byKey.Len() }
func (s DocumentSet) IsEmpty() bool { return s.byKey.IsEmpty() }

func (s DocumentSet) Has(key model.DocumentKey) bool { return s.byKey.Contains(key) }

func (s DocumentSet) Get(key model.DocumentKey) (*model.MutableDocument, bool) {
	return s.byKey.Get(key)
}

// Compare orders two documents the way the set does.
func (s DocumentSet) Compare(a, b *model.MutableDocument) int {
	return s.cmp(a, b)
}

func (s DocumentSet) First() (*model.MutableDocument, bool) { return s.sorted.First() }
func (s DocumentSet) Last() (*model.MutableDocument, bool)  { return s.sorted.Last() }

// IndexOf returns the position of key in query order, or -1.
func (s DocumentSet) IndexOf(key model.DocumentKey) int {
	doc, ok := s.byKey.Get(key)
	if !ok {
		return -1
	}
	return s.sorted.IndexOf(doc)
}

// Add returns a set with doc, replacing any document with the same key.
func (s DocumentSet) Add(doc *model.MutableDocument) DocumentSet {
	s = s.Delete(doc.Key())
	return DocumentSet{
		cmp:    s.cmp,
		byKey:  s.byKey.Insert(doc.Key(), doc),
		sorted: s.sorted.Add(doc),
	}
}

// Delete returns a set without key.
func (s DocumentSet) Delete(key model.DocumentKey) DocumentSet {
	doc, ok := s.byKey.Get(key)
	if !ok {
		return s
	}
	return DocumentSet{
		cmp:    s.cmp,
		byKey:  s.byKey.Remove(key),
		sorted: s.sorted.Delete(doc),
	}
}

// All yields the documents in query order.
func (s DocumentSet) All() iter.Seq[*model.MutableDocument] { return s.sorted.All() }

// Documents returns the documents in query order.
func (s DocumentSet) Documents() []*model.MutableDocument { return s.sorted.Slice() }

// Keys returns the keys of the set in key order.
func (s DocumentSet) Keys() []model.DocumentKey {
	keys := make([]model.DocumentKey, 0, s.Len())
	for k := range s.byKey.Keys() {
		keys = append(keys, k)
	}
	return keys
}

// Equal reports whether both sets hold equal documents in the same order.
func (s DocumentSet) Equal(other DocumentSet) bool {
	if s.Len() != other.Len() {
		return false
	}
	a, b := s.Documents(), other.Documents()
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
