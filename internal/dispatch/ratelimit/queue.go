package ratelimit

import (
	"container/heap"
	"context"
	"sync/atomic"
)

type result struct {
	val any
	err error
}

type item struct {
	ctx      context.Context
	dest     Destination
	priority int
	seq      uint64
	task     Task
	attempts int

	cancelled atomic.Bool
	done      chan result // cap 1, written exactly once
}

// taskQueue is a max-heap on priority with FIFO order among equal priorities.
type taskQueue []*item

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(*item)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}

func (q *taskQueue) push(it *item) { heap.Push(q, it) }

func (q *taskQueue) pop() *item { return heap.Pop(q).(*item) }

// take removes and returns the first item in priority order accepted by ok.
// Cancelled items met on the way are dropped.
func (q *taskQueue) take(ok func(*item) bool) *item {
	var skipped []*item
	var found *item
	for q.Len() > 0 {
		it := q.pop()
		if it.cancelled.Load() {
			continue
		}
		if ok(it) {
			found = it
			break
		}
		skipped = append(skipped, it)
	}
	for _, it := range skipped {
		q.push(it)
	}
	return found
}

// live counts items whose caller is still waiting. Cancelled items stay in
// the heap until take meets them.
func (q taskQueue) live() int {
	n := 0
	for _, it := range q {
		if !it.cancelled.Load() {
			n++
		}
	}
	return n
}

// drain empties the queue, returning every pending item.
func (q *taskQueue) drain() []*item {
	out := make([]*item, len(*q))
	copy(out, *q)
	*q = (*q)[:0]
	return out
}
