package dispatch

import (
	"container/heap"
	"time"
)

// entry is one queued task. Entries are removed lazily: cancellation
// flips the removed flag and pops skip flagged entries, so neither
// heap needs positional bookkeeping.
type entry struct {
	taskID    string
	provider  string
	priority  int
	seq       uint64
	notBefore time.Time
	retry     bool
	delayed   bool
	removed   bool
}

// readyHeap orders dispatchable entries by priority descending, then
// submission sequence ascending. Equal priorities dispatch in FIFO
// order; a requeued retry takes a fresh sequence number, so it queues
// behind ready work of the same priority.
type readyHeap []*entry

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x interface{}) { *h = append(*h, x.(*entry)) }

func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// delayHeap orders retrying entries by their backoff deadline.
type delayHeap []*entry

func (h delayHeap) Len() int { return len(h) }

func (h delayHeap) Less(i, j int) bool {
	if !h[i].notBefore.Equal(h[j].notBefore) {
		return h[i].notBefore.Before(h[j].notBefore)
	}
	return h[i].seq < h[j].seq
}

func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *delayHeap) Push(x interface{}) { *h = append(*h, x.(*entry)) }

func (h *delayHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// providerQueue is one provider's ready entries. live counts entries
// that are not lazily removed, so emptiness checks stay O(1).
type providerQueue struct {
	heap readyHeap
	live int
}

func (q *providerQueue) push(e *entry) {
	heap.Push(&q.heap, e)
	q.live++
}

// pop returns the highest-priority live entry, discarding removed ones.
func (q *providerQueue) pop() *entry {
	for q.heap.Len() > 0 {
		e := heap.Pop(&q.heap).(*entry)
		if e.removed {
			continue
		}
		q.live--
		return e
	}
	return nil
}
