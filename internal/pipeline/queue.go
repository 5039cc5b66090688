package pipeline

import (
	"container/heap"
	"sync"
	"time"

	"github.com/strandlabs/lifestrand/internal/fault"
)

// Default request priorities by service class. Lower runs sooner.
const (
	PriorityChat      = 1
	PriorityEmbedding = 3
	PrioritySummary   = 5
)

// item is one queued request.
type item struct {
	priority   int
	enqueuedAt time.Time
	seq        uint64
	class      ServiceClass
	deadline   time.Time

	gen   *genRequest
	embed *embedRequest
}

// requestHeap orders by (priority, enqueuedAt, seq). The monotonically
// increasing seq breaks ties so equal requests keep FIFO order.
type requestHeap []*item

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	if !a.enqueuedAt.Equal(b.enqueuedAt) {
		return a.enqueuedAt.Before(b.enqueuedAt)
	}
	return a.seq < b.seq
}

func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *requestHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// queue is a bounded blocking priority queue. Safe for concurrent use.
type queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    requestHeap
	capacity int
	seq      uint64
	closed   bool
}

func newQueue(capacity int) *queue {
	q := &queue{capacity: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues it, rejecting with QueueFull at capacity.
func (q *queue) push(it *item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fault.New(fault.ServiceUnavailable, "pipeline: queue closed")
	}
	if len(q.items) >= q.capacity {
		return fault.New(fault.QueueFull, "pipeline: queue at capacity %d", q.capacity)
	}
	q.seq++
	it.seq = q.seq
	heap.Push(&q.items, it)
	q.cond.Broadcast()
	return nil
}

// popWhere blocks until an item matching pred is available (or the queue
// closes) and removes the best such item in heap order. Returns nil after
// close once no matching items remain.
func (q *queue) popWhere(pred func(*item) bool) *item {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if best := q.removeBestLocked(pred); best != nil {
			return best
		}
		if q.closed {
			return nil
		}
		q.cond.Wait()
	}
}

// removeBestLocked finds the matching item with the smallest heap key.
// Capacity is small (default 100), so a linear scan is fine.
func (q *queue) removeBestLocked(pred func(*item) bool) *item {
	best := -1
	for i, it := range q.items {
		if !pred(it) {
			continue
		}
		if best == -1 || q.items.Less(i, best) {
			best = i
		}
	}
	if best == -1 {
		return nil
	}
	return heap.Remove(&q.items, best).(*item)
}

// tryPopWhere is the non-blocking variant of popWhere.
func (q *queue) tryPopWhere(pred func(*item) bool) *item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeBestLocked(pred)
}

// depth returns the number of queued requests.
func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close wakes all waiters; subsequent pushes fail.
func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
