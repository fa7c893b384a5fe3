package sortedmap

import "iter"

// Set is an immutable sorted set.
type Set[K any] struct {
	m Map[K, struct{}]
}

// NewSet returns an empty set ordered by cmp.
func NewSet[K any](cmp func(a, b K) int) Set[K] {
	return Set[K]{m: New[K, struct{}](cmp)}
}

// SetOf returns a set holding keys.
func SetOf[K any](cmp func(a, b K) int, keys ...K) Set[K] {
	s := NewSet(cmp)
	for _, k := range keys {
		s = s.Add(k)
	}
	return s
}

func (s Set[K]) Add(key K) Set[K]    { return Set[K]{m: s.m.Insert(key, struct{}{})} }
func (s Set[K]) Delete(key K) Set[K] { return Set[K]{m: s.m.Remove(key)} }
func (s Set[K]) Has(key K) bool      { return s.m.Contains(key) }
func (s Set[K]) Len() int            { return s.m.Len() }
func (s Set[K]) IsEmpty() bool       { return s.m.IsEmpty() }
func (s Set[K]) IndexOf(key K) int   { return s.m.IndexOf(key) }

func (s Set[K]) First() (K, bool) {
	k, _, ok := s.m.Min()
	return k, ok
}

func (s Set[K]) Last() (K, bool) {
	k, _, ok := s.m.Max()
	return k, ok
}

// All iterates members in ascending order.
func (s Set[K]) All() iter.Seq[K] { return s.m.Keys() }

// From iterates members >= start.
func (s Set[K]) From(start K) iter.Seq[K] {
	return func(yield func(K) bool) {
		for k := range s.m.From(start) {
			if !yield(k) {
				return
			}
		}
	}
}

// Union returns the members of both sets.
func (s Set[K]) Union(other Set[K]) Set[K] {
	big, small := s, other
	if other.Len() > s.Len() {
		big, small = other, s
	}
	for k := range small.All() {
		big = big.Add(k)
	}
	return big
}

// Slice returns the members in order.
func (s Set[K]) Slice() []K {
	out := make([]K, 0, s.Len())
	for k := range s.All() {
		out = append(out, k)
	}
	return out
}

// Equal reports whether both sets have the same members.
func (s Set[K]) Equal(other Set[K]) bool {
	if s.Len() != other.Len() {
		return false
	}
	next, stop := iter.Pull(other.All())
	defer stop()
	cmp := s.m.Comparator()
	for k := range s.All() {
		o, ok := next()
		if !ok || cmp(k, o) != 0 {
			return false
		}
	}
	return true
}
