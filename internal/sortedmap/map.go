// Package sortedmap provides immutable sorted maps and sets backed by a
// persistent left-leaning red-black tree. Every update returns a new value
// sharing unchanged subtrees with the old one, so snapshots are free.
package sortedmap

import "iter"

// Map is an immutable sorted map. The zero value is not usable; create maps
// with New.
type Map[K, V any] struct {
	cmp  func(a, b K) int
	root *node[K, V]
}

// New returns an empty map ordered by cmp.
func New[K, V any](cmp func(a, b K) int) Map[K, V] {
	return Map[K, V]{cmp: cmp}
}

// Insert returns a map with key set to value.
func (m Map[K, V]) Insert(key K, value V) Map[K, V] {
	root := insert(m.root, key, value, m.cmp)
	return Map[K, V]{cmp: m.cmp, root: root.withColor(false)}
}

// Remove returns a map without key. Removing an absent key returns m.
func (m Map[K, V]) Remove(key K) Map[K, V] {
	if !m.Contains(key) {
		return m
	}
	root := remove(m.root, key, m.cmp)
	return Map[K, V]{cmp: m.cmp, root: root.withColor(false)}
}

func (m Map[K, V]) Get(key K) (V, bool) {
	n := m.root
	for n != nil {
		switch c := m.cmp(key, n.key); {
		case c == 0:
			return n.value, true
		case c < 0:
			n = n.left
		default:
			n = n.right
		}
	}
	var zero V
	return zero, false
}

func (m Map[K, V]) Contains(key K) bool {
	_, ok := m.Get(key)
	return ok
}

func (m Map[K, V]) Len() int      { return size(m.root) }
func (m Map[K, V]) IsEmpty() bool { return m.root == nil }

// Comparator returns the ordering function of the map.
func (m Map[K, V]) Comparator() func(a, b K) int { return m.cmp }

// IndexOf returns the position of key in iteration order, or -1.
func (m Map[K, V]) IndexOf(key K) int {
	prune := 0
	n := m.root
	for n != nil {
		c := m.cmp(key, n.key)
		if c == 0 {
			return prune + size(n.left)
		}
		if c < 0 {
			n = n.left
		} else {
			prune += size(n.left) + 1
			n = n.right
		}
	}
	return -1
}

// Min returns the smallest entry.
func (m Map[K, V]) Min() (K, V, bool) {
	if m.root == nil {
		var k K
		var v V
		return k, v, false
	}
	n := m.root.min()
	return n.key, n.value, true
}

// Max returns the largest entry.
func (m Map[K, V]) Max() (K, V, bool) {
	if m.root == nil {
		var k K
		var v V
		return k, v, false
	}
	n := m.root.max()
	return n.key, n.value, true
}

// All iterates entries in ascending key order.
func (m Map[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		walk(m.root, yield)
	}
}

// From iterates entries with key >= start in ascending order.
func (m Map[K, V]) From(start K) iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		walkFrom(m.root, start, m.cmp, yield)
	}
}

// Backward iterates entries in descending key order.
func (m Map[K, V]) Backward() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		walkReverse(m.root, yield)
	}
}

// Keys iterates keys in ascending order.
func (m Map[K, V]) Keys() iter.Seq[K] {
	return func(yield func(K) bool) {
		for k := range m.All() {
			if !yield(k) {
				return
			}
		}
	}
}

func walk[K, V any](n *node[K, V], yield func(K, V) bool) bool {
	if n == nil {
		return true
	}
	return walk(n.left, yield) && yield(n.key, n.value) && walk(n.right, yield)
}

func walkFrom[K, V any](n *node[K, V], start K, cmp func(a, b K) int, yield func(K, V) bool) bool {
	if n == nil {
		return true
	}
	if cmp(n.key, start) < 0 {
		return walkFrom(n.right, start, cmp, yield)
	}
	return walkFrom(n.left, start, cmp, yield) && yield(n.key, n.value) && walk(n.right, yield)
}

func walkReverse[K, V any](n *node[K, V], yield func(K, V) bool) bool {
	if n == nil {
		return true
	}
	return walkReverse(n.right, yield) && yield(n.key, n.value) && walkReverse(n.left, yield)
}
