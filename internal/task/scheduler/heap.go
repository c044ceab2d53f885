package scheduler

import (
	"container/heap"
	"time"

	"agentd/internal/jobstore"
	"agentd/internal/trigger"
)

// instance is the runtime state of one job definition.
type instance struct {
	job          jobstore.Job
	hash         uint64
	trig         trigger.Trigger
	registeredAt time.Time

	next    time.Time   // zero when paused or exhausted
	pending []time.Time // due firings waiting for a free slot
	index   int         // heap position, -1 when not queued

	lastRun   time.Time
	lastError string
	misfires  int
}

// fireHeap orders instances by next fire time.
type fireHeap []*instance

func (h fireHeap) Len() int { return len(h) }
func (h fireHeap) Less(i, j int) bool {
	if h[i].next.Equal(h[j].next) {
		return h[i].job.ID < h[j].job.ID
	}
	return h[i].next.Before(h[j].next)
}
func (h fireHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *fireHeap) Push(x any) {
	in := x.(*instance)
	in.index = len(*h)
	*h = append(*h, in)
}
func (h *fireHeap) Pop() any {
	old := *h
	n := len(old)
	in := old[n-1]
	old[n-1] = nil
	in.index = -1
	*h = old[:n-1]
	return in
}

// setNext moves in to its new position; a zero time takes it off the heap.
func (h *fireHeap) setNext(in *instance, next time.Time) {
	in.next = next
	switch {
	case next.IsZero() && in.index >= 0:
		heap.Remove(h, in.index)
	case next.IsZero():
	case in.index >= 0:
		heap.Fix(h, in.index)
	default:
		heap.Push(h, in)
	}
}

func (h *fireHeap) remove(in *instance) {
	if in.index >= 0 {
		heap.Remove(h, in.index)
	}
}

func (h fireHeap) peek() *instance {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}
