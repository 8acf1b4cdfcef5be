package distributor

import "container/heap"

// queueItem pairs a task id with the priority it was enqueued at. The
// priority is captured at enqueue time; a requeue re-enqueues with the
// demoted value rather than mutating in place.
type queueItem struct {
	taskID   string
	priority int
	seq      uint64
}

// taskHeap orders by (priority asc, seq asc): lower priority value wins,
// and among equal priorities the earlier enqueue wins. The monotonic seq
// makes equal-priority ordering strict FIFO.
type taskHeap []queueItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(queueItem)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// taskQueue is the distributor's priority queue. Not safe for concurrent
// use; the distributor serializes access under its own mutex.
type taskQueue struct {
	items   taskHeap
	nextSeq uint64
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{}
	heap.Init(&q.items)
	return q
}

func (q *taskQueue) push(taskID string, priority int) {
	q.nextSeq++
	heap.Push(&q.items, queueItem{taskID: taskID, priority: priority, seq: q.nextSeq})
}

func (q *taskQueue) pop() (queueItem, bool) {
	if len(q.items) == 0 {
		return queueItem{}, false
	}
	return heap.Pop(&q.items).(queueItem), true
}

func (q *taskQueue) len() int { return len(q.items) }
