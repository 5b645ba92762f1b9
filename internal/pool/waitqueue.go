package pool

import (
	"container/heap"
	"time"
)

// waiter is one caller blocked in Acquire. Grants are delivered by direct
// handoff: the releasing goroutine pops the winning waiter and sends the
// connection on ch while still holding the pool mutex, so a slot freed at
// the instant of a timeout is delivered to exactly one side: the waiter's
// timeout path re-checks index under the same mutex and returns an
// already-delivered connection to the pool instead of leaking it.
type waiter struct {
	priority Priority
	seq      uint64    // arrival order, tiebreak within a priority
	enqueued time.Time // reported as waited_ms in audit failure events

	// ch carries the granted connection; buffered so the granter never
	// blocks. index is the heap position, -1 once popped or removed.
	ch    chan *pconn
	index int
}

// waitQueue is a priority heap of waiters: highest priority first,
// FIFO within a priority.
type waitQueue []*waiter

func (q waitQueue) Len() int { return len(q) }

func (q waitQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q waitQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waitQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *waitQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}

// push enqueues w.
func (q *waitQueue) push(w *waiter) {
	heap.Push(q, w)
}

// popTop removes and returns the highest-priority waiter, nil when empty.
func (q *waitQueue) popTop() *waiter {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*waiter)
}

// remove takes w out of the queue. Reports false if w was already popped
// (meaning a grant is in flight on w.ch).
func (q *waitQueue) remove(w *waiter) bool {
	if w.index < 0 {
		return false
	}
	heap.Remove(q, w.index)
	return true
}
