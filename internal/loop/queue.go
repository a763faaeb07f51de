package loop

import (
	"container/heap"

	"github.com/me/pipe/pkg/model"
)

// tickHeap is a min-heap of ticks that own a ready bucket.
type tickHeap []int64

func (h tickHeap) Len() int           { return len(h) }
func (h tickHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h tickHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *tickHeap) Push(x any)        { *h = append(*h, x.(int64)) }
func (h *tickHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// readyQueue maps ticks to FIFO buckets of tasks.
//
// Insertion before the cursor is clamped to the cursor. While the bucket at
// the cursor is being drained it is sealed: insertion at or before the cursor
// goes to cursor+1, so nothing is resumed twice in one pass and nothing lands
// in a bucket that has already been detached.
type readyQueue struct {
	buckets map[int64][]*Task
	ticks   tickHeap
	inHeap  map[int64]bool
}

func newReadyQueue() readyQueue {
	return readyQueue{
		buckets: make(map[int64][]*Task),
		inHeap:  make(map[int64]bool),
	}
}

// insert places t in the bucket for tick after clamping and returns the
// effective tick.
func (q *readyQueue) insert(t *Task, tick, cursor int64, draining bool) int64 {
	if tick < cursor {
		tick = cursor
	}
	if draining && tick <= cursor {
		tick = addTicks(cursor, 1)
	}
	t.wakeAt = tick
	t.queued = true
	if t.state == model.TaskStateSuspended {
		t.state = model.TaskStatePending
	}
	q.buckets[tick] = append(q.buckets[tick], t)
	if !q.inHeap[tick] {
		heap.Push(&q.ticks, tick)
		q.inHeap[tick] = true
	}
	return tick
}

// remove takes t out of its bucket, if it is queued.
func (q *readyQueue) remove(t *Task) {
	if !t.queued {
		return
	}
	t.queued = false
	bucket := q.buckets[t.wakeAt]
	for i, other := range bucket {
		if other == t {
			bucket = append(bucket[:i:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(q.buckets, t.wakeAt)
		return
	}
	q.buckets[t.wakeAt] = bucket
}

// detach removes and returns the bucket at tick.
func (q *readyQueue) detach(tick int64) []*Task {
	bucket := q.buckets[tick]
	delete(q.buckets, tick)
	return bucket
}

// next returns the earliest tick with a non-empty bucket.
func (q *readyQueue) next() (int64, bool) {
	for q.ticks.Len() > 0 {
		top := q.ticks[0]
		if len(q.buckets[top]) > 0 {
			return top, true
		}
		heap.Pop(&q.ticks)
		delete(q.inHeap, top)
	}
	return 0, false
}

// size returns the number of queued tasks.
func (q *readyQueue) size() int {
	n := 0
	for _, b := range q.buckets {
		n += len(b)
	}
	return n
}
