package cache

// node is an entry in a shard's recency list.
type node[K comparable, V any] struct {
	key        K
	value      V
	prev, next *node[K, V]
}

// lruList is a doubly linked list with a sentinel root. The front is the
// most recently used entry.
type lruList[K comparable, V any] struct {
	root node[K, V]
	len  int
}

func (l *lruList[K, V]) init() {
	l.root.prev = &l.root
	l.root.next = &l.root
	l.len = 0
}

func (l *lruList[K, V]) pushFront(n *node[K, V]) {
	n.prev = &l.root
	n.next = l.root.next
	l.root.next.prev = n
	l.root.next = n
	l.len++
}

func (l *lruList[K, V]) remove(n *node[K, V]) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev, n.next = nil, nil
	l.len--
}

func (l *lruList[K, V]) moveToFront(n *node[K, V]) {
	if l.root.next == n {
		return
	}
	l.remove(n)
	l.pushFront(n)
}

// back returns the least recently used entry, or nil.
func (l *lruList[K, V]) back() *node[K, V] {
	if l.len == 0 {
		return nil
	}
	return l.root.prev
}
