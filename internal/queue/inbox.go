package queue

import (
	"container/heap"
	"sync"
	"time"
)

// queuedJob is one pending job with its delivery time.
type queuedJob struct {
	job     Job
	readyAt time.Time
	index   int
}

// jobHeap orders pending jobs by readiness, earliest first; ties break on
// enqueue time so retries never jump the line.
type jobHeap []*queuedJob

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if !h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].readyAt.Before(h[j].readyAt)
	}
	return h[i].job.EnqueuedAt.Before(h[j].job.EnqueuedAt)
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	n := len(*h)
	item := x.(*queuedJob)
	item.index = n
	*h = append(*h, item)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// inbox is the pending-job store for one queue. One consumer goroutine
// drains it; pushes from any goroutine wake the consumer.
type inbox struct {
	mu   sync.Mutex
	heap jobHeap
	wake chan struct{}
}

func newInbox() *inbox {
	in := &inbox{wake: make(chan struct{}, 1)}
	heap.Init(&in.heap)
	return in
}

func (in *inbox) push(job Job, readyAt time.Time) {
	in.mu.Lock()
	heap.Push(&in.heap, &queuedJob{job: job, readyAt: readyAt})
	in.mu.Unlock()
	select {
	case in.wake <- struct{}{}:
	default:
	}
}

// next pops the earliest ready job. When nothing is ready it reports how
// long until the head becomes ready (0 when empty).
func (in *inbox) next(now time.Time) (Job, time.Duration, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.heap) == 0 {
		return Job{}, 0, false
	}
	head := in.heap[0]
	if head.readyAt.After(now) {
		return Job{}, head.readyAt.Sub(now), false
	}
	item := heap.Pop(&in.heap).(*queuedJob)
	return item.job, 0, true
}

// removeBySprint drops every pending job belonging to a sprint and returns
// the removed jobs.
func (in *inbox) removeBySprint(sprintID string) []Job {
	in.mu.Lock()
	defer in.mu.Unlock()
	var removed []Job
	kept := in.heap[:0]
	for _, item := range in.heap {
		if item.job.SprintID == sprintID {
			removed = append(removed, item.job)
		} else {
			kept = append(kept, item)
		}
	}
	in.heap = kept
	heap.Init(&in.heap)
	return removed
}

func (in *inbox) size() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.heap)
}
