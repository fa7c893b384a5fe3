package local

import (
	"cmp"

	"github.com/syntrixbase/syntrix-sync/internal/sortedmap"
	"github.com/syntrixbase/syntrix-sync/pkg/model"
)

// DocReference links a document key to an id: a target id or a batch id.
type DocReference struct {
	Key model.DocumentKey
	ID  int
}

func compareByKey(a, b DocReference) int {
	if c := a.Key.Compare(b.Key); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func compareByID(a, b DocReference) int {
	if c := cmp.Compare(a.ID, b.ID); c != 0 {
		return c
	}
	return a.Key.Compare(b.Key)
}

// ReferenceSet is a many-to-many relation between document keys and ids,
// indexed both ways.
type ReferenceSet struct {
	byKey sortedmap.Set[DocReference]
	byID  sortedmap.Set[DocReference]
}

func NewReferenceSet() *ReferenceSet {
	return &ReferenceSet{
		byKey: sortedmap.NewSet(compareByKey),
		byID:  sortedmap.NewSet(compareByID),
	}
}

func (r *ReferenceSet) IsEmpty() bool { return r.byKey.IsEmpty() }

func (r *ReferenceSet) AddReference(key model.DocumentKey, id int) {
	ref := DocReference{Key: key, ID: id}
	r.byKey = r.byKey.Add(ref)
	r.byID = r.byID.Add(ref)
}

func (r *ReferenceSet) AddReferences(keys []model.DocumentKey, id int) {
	for _, k := range keys {
		r.AddReference(k, id)
	}
}

func (r *ReferenceSet) RemoveReference(key model.DocumentKey, id int) {
	ref := DocReference{Key: key, ID: id}
	r.byKey = r.byKey.Delete(ref)
	r.byID = r.byID.Delete(ref)
}

func (r *ReferenceSet) RemoveReferences(keys []model.DocumentKey, id int) {
	for _, k := range keys {
		r.RemoveReference(k, id)
	}
}

// RemoveReferencesForID drops every reference for id and returns the keys
// that were referenced.
func (r *ReferenceSet) RemoveReferencesForID(id int) []model.DocumentKey {
	keys := r.ReferencesForID(id)
	for _, k := range keys {
		r.RemoveReference(k, id)
	}
	return keys
}

// RemoveAllReferences clears the set.
func (r *ReferenceSet) RemoveAllReferences() {
	r.byKey = sortedmap.NewSet(compareByKey)
	r.byID = sortedmap.NewSet(compareByID)
}

// ReferencesForID returns the keys referenced by id, in key order.
func (r *ReferenceSet) ReferencesForID(id int) []model.DocumentKey {
	var keys []model.DocumentKey
	for ref := range r.byID.From(DocReference{Key: model.EmptyKey, ID: id}) {
		if ref.ID != id {
			break
		}
		keys = append(keys, ref.Key)
	}
	return keys
}

// IDsForKey returns the ids referencing key, ascending.
func (r *ReferenceSet) IDsForKey(key model.DocumentKey) []int {
	var ids []int
	for ref := range r.byKey.From(DocReference{Key: key, ID: minInt}) {
		if ref.Key != key {
			break
		}
		ids = append(ids, ref.ID)
	}
	return ids
}

// ContainsKey reports whether any id references key.
func (r *ReferenceSet) ContainsKey(key model.DocumentKey) bool {
	for ref := range r.byKey.From(DocReference{Key: key, ID: minInt}) {
		return ref.Key == key
	}
	return false
}

// ReferencesInCollection iterates references whose key is a direct child of
// the collection at path.
func (r *ReferenceSet) ReferencesInCollection(path model.ResourcePath, fn func(DocReference) bool) {
	for ref := range r.byKey.From(DocReference{Key: model.CollectionStartKey(path), ID: minInt}) {
		kp := ref.Key.Path()
		if !path.IsPrefixOf(kp) {
			return
		}
		if !path.IsImmediateParentOf(kp) {
			continue
		}
		if !fn(ref) {
			return
		}
	}
}

const minInt = -int(^uint(0)>>1) - 1
