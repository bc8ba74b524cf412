package diskstore

import "sync/atomic"

// freeNode is one reclaimed byte range in the registry.
//
// A node is taken out of circulation by CAS-ing claimed from false to true.
// Claimed nodes are spliced out of the list opportunistically; until then
// they are skipped as tombstones. Nodes are never reused, so a stale
// traversal can only ever resurrect a tombstone, never a live range.
type freeNode struct {
	position int64
	capacity int

	claimed atomic.Bool
	next    atomic.Pointer[freeNode]
}

// freeList is the free-space registry: reclaimed slots of the backing file
// available for reuse.
//
// It is a lock-free singly linked list in the Michael-Scott style. Inserts
// go at the tail, so traversal from the head visits entries in insertion
// order, which is what gives the allocator its first-fit semantics. There
// is no global lock; insert, scan, and remove all proceed concurrently.
//
// Entries are never merged with adjacent entries and never split. Freeing
// the same range twice inserts two entries referencing the same bytes; the
// registry does not deduplicate (callers must not double-free).
type freeList struct {
	head atomic.Pointer[freeNode] // sentinel
	tail atomic.Pointer[freeNode]
	size atomic.Int64
}

func newFreeList() *freeList {
	l := &freeList{}
	l.reset()

	return l
}

// put inserts a reclaimed range at the tail of the registry. Unconditional:
// no duplicate or overlap checking.
func (l *freeList) put(position int64, capacity int) {
	node := &freeNode{position: position, capacity: capacity}

	for {
		tail := l.tail.Load()
		next := tail.next.Load()

		if tail != l.tail.Load() {
			continue
		}

		if next != nil {
			// Tail is lagging; help it along.
			l.tail.CompareAndSwap(tail, next)

			continue
		}

		if tail.next.CompareAndSwap(nil, node) {
			l.tail.CompareAndSwap(tail, node)
			l.size.Add(1)

			return
		}
	}
}

// take claims the first entry with capacity >= need, scanning in insertion
// order (first-fit, no best-fit). Returns the entry's position and its full
// capacity; the entire range is donated to the caller even when it exceeds
// need.
func (l *freeList) take(need int) (position int64, capacity int, ok bool) {
	prev := l.head.Load()

	for node := prev.next.Load(); node != nil; node = node.next.Load() {
		if node.claimed.Load() {
			// Tombstone left by an earlier take; splice it out and move on
			// without advancing prev.
			l.splice(prev, node)

			continue
		}

		if node.capacity >= need && node.claimed.CompareAndSwap(false, true) {
			l.size.Add(-1)
			l.splice(prev, node)

			return node.position, node.capacity, true
		}

		prev = node
	}

	return 0, 0, false
}

// splice unlinks a claimed node. Best effort: the node at the tail stays in
// place (unlinking it races with inserts), and a failed CAS is simply
// abandoned for a later scan to retry.
func (l *freeList) splice(prev, node *freeNode) {
	next := node.next.Load()
	if next == nil {
		return
	}

	prev.next.CompareAndSwap(node, next)
}

// len reports the number of unclaimed entries.
func (l *freeList) len() int {
	return int(l.size.Load())
}

// reset discards every entry. Used when the backing file is deleted; the
// registry and the file are meaningless without each other.
func (l *freeList) reset() {
	sentinel := &freeNode{}
	sentinel.claimed.Store(true)

	l.head.Store(sentinel)
	l.tail.Store(sentinel)
	l.size.Store(0)
}
