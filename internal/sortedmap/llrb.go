package sortedmap

// node is an immutable left-leaning red-black tree node. A nil *node is the
// empty tree. Nodes are never modified after construction, so trees share
// unchanged subtrees freely.
type node[K, V any] struct {
	key   K
	value V
	red   bool
	left  *node[K, V]
	right *node[K, V]
	size  int
}

func newNode[K, V any](key K, value V, red bool, left, right *node[K, V]) *node[K, V] {
	return &node[K, V]{
		key:   key,
		value: value,
		red:   red,
		left:  left,
		right: right,
		size:  size(left) + 1 + size(right),
	}
}

func size[K, V any](n *node[K, V]) int {
	if n == nil {
		return 0
	}
	return n.size
}

func isRed[K, V any](n *node[K, V]) bool {
	return n != nil && n.red
}

func (n *node[K, V]) withChildren(left, right *node[K, V]) *node[K, V] {
	return newNode(n.key, n.value, n.red, left, right)
}

func (n *node[K, V]) withColor(red bool) *node[K, V] {
	if n == nil {
		return nil
	}
	return newNode(n.key, n.value, red, n.left, n.right)
}

func (n *node[K, V]) min() *node[K, V] {
	for n.left != nil {
		n = n.left
	}
	return n
}

func (n *node[K, V]) max() *node[K, V] {
	for n.right != nil {
		n = n.right
	}
	return n
}

func insert[K, V any](n *node[K, V], key K, value V, cmp func(a, b K) int) *node[K, V] {
	if n == nil {
		return newNode[K, V](key, value, true, nil, nil)
	}
	switch c := cmp(key, n.key); {
	case c < 0:
		n = n.withChildren(insert(n.left, key, value, cmp), n.right)
	case c == 0:
		n = newNode(n.key, value, n.red, n.left, n.right)
	default:
		n = n.withChildren(n.left, insert(n.right, key, value, cmp))
	}
	return n.fixUp()
}

func (n *node[K, V]) removeMin() *node[K, V] {
	if n.left == nil {
		return nil
	}
	if !isRed(n.left) && !isRed(n.left.left) {
		n = n.moveRedLeft()
	}
	n = n.withChildren(n.left.removeMin(), n.right)
	return n.fixUp()
}

// remove deletes key, which must be present in the tree.
func remove[K, V any](n *node[K, V], key K, cmp func(a, b K) int) *node[K, V] {
	if cmp(key, n.key) < 0 {
		if n.left != nil && !isRed(n.left) && !isRed(n.left.left) {
			n = n.moveRedLeft()
		}
		n = n.withChildren(remove(n.left, key, cmp), n.right)
		return n.fixUp()
	}
	if isRed(n.left) {
		n = n.rotateRight()
	}
	if n.right != nil && !isRed(n.right) && !isRed(n.right.left) {
		n = n.moveRedRight()
	}
	if cmp(key, n.key) == 0 {
		if n.right == nil {
			return nil
		}
		smallest := n.right.min()
		n = newNode(smallest.key, smallest.value, n.red, n.left, n.right.removeMin())
		return n.fixUp()
	}
	n = n.withChildren(n.left, remove(n.right, key, cmp))
	return n.fixUp()
}

func (n *node[K, V]) fixUp() *node[K, V] {
	if isRed(n.right) && !isRed(n.left) {
		n = n.rotateLeft()
	}
	if isRed(n.left) && isRed(n.left.left) {
		n = n.rotateRight()
	}
	if isRed(n.left) && isRed(n.right) {
		n = n.colorFlip()
	}
	return n
}

func (n *node[K, V]) moveRedLeft() *node[K, V] {
	n = n.colorFlip()
	if n.right != nil && isRed(n.right.left) {
		n = n.withChildren(n.left, n.right.rotateRight())
		n = n.rotateLeft()
		n = n.colorFlip()
	}
	return n
}

func (n *node[K, V]) moveRedRight() *node[K, V] {
	n = n.colorFlip()
	if n.left != nil && isRed(n.left.left) {
		n = n.rotateRight()
		n = n.colorFlip()
	}
	return n
}

func (n *node[K, V]) rotateLeft() *node[K, V] {
	r := n.right
	nl := newNode(n.key, n.value, true, n.left, r.left)
	return newNode(r.key, r.value, n.red, nl, r.right)
}

func (n *node[K, V]) rotateRight() *node[K, V] {
	l := n.left
	nr := newNode(n.key, n.value, true, l.right, n.right)
	return newNode(l.key, l.value, n.red, l.left, nr)
}

func (n *node[K, V]) colorFlip() *node[K, V] {
	left := n.left.withColor(!isRed(n.left))
	right := n.right.withColor(!isRed(n.right))
	return newNode(n.key, n.value, !n.red, left, right)
}

// checkInvariants returns the black height, or -1 when the tree is not a
// valid left-leaning red-black tree.
func checkInvariants[K, V any](n *node[K, V], cmp func(a, b K) int) int {
	if n == nil {
		return 0
	}
	if isRed(n.right) {
		return -1
	}
	if isRed(n) && isRed(n.left) {
		return -1
	}
	if n.left != nil && cmp(n.left.key, n.key) >= 0 {
		return -1
	}
	if n.right != nil && cmp(n.right.key, n.key) <= 0 {
		return -1
	}
	if n.size != size(n.left)+1+size(n.right) {
		return -1
	}
	lh := checkInvariants(n.left, cmp)
	rh := checkInvariants(n.right, cmp)
	if lh < 0 || rh < 0 || lh != rh {
		return -1
	}
	if isRed(n) {
		return lh
	}
	return lh + 1
}
