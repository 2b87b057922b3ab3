// Package fifo provides an allocation-efficient FIFO queue. It is not safe
// for concurrent access.
//
// The signal listener uses it to defer diagnostics: while worker threads are
// held suspended only signal-safe work may run, so report entries are queued
// and drained after every thread has been resumed.
package fifo

// Queue is a FIFO of T implemented as a linked list of small ring buffers,
// with popped nodes recycled through a free list.
type Queue[T any] struct {
	len        int
	head, tail *node[T]
	free       *node[T]
}

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int {
	return q.len
}

// PushBack appends t to the queue.
func (q *Queue[T]) PushBack(t T) {
	if q.head == nil {
		q.head = q.getNode()
		q.tail = q.head
	} else if q.tail.full() {
		n := q.getNode()
		q.tail.next = n
		q.tail = n
	}
	q.tail.pushBack(t)
	q.len++
}

// PopFront removes and returns the head of the queue. ok is false when the
// queue is empty.
func (q *Queue[T]) PopFront() (t T, ok bool) {
	if q.len == 0 {
		return t, false
	}
	t = q.head.popFront()
	if q.head.len == 0 {
		old := q.head
		q.head = old.next
		q.putNode(old)
	}
	q.len--
	return t, true
}

// nodeSize batches allocations; chosen for amortization without much memory
// overhead when T is large.
const nodeSize = 64

type node[T any] struct {
	buf       [nodeSize]T
	head, len int32
	next      *node[T]
}

func (q *Queue[T]) getNode() *node[T] {
	if q.free == nil {
		return new(node[T])
	}
	n := q.free
	q.free = n.next
	n.next = nil
	return n
}

func (q *Queue[T]) putNode(n *node[T]) {
	n.head = 0
	n.len = 0
	n.next = q.free
	q.free = n
}

func (n *node[T]) full() bool {
	return n.len == nodeSize
}

func (n *node[T]) pushBack(t T) {
	i := (n.head + n.len) % nodeSize
	n.buf[i] = t
	n.len++
}

func (n *node[T]) popFront() T {
	t := n.buf[n.head]
	var zero T
	n.buf[n.head] = zero
	n.head = (n.head + 1) % nodeSize
	n.len--
	return t
}
