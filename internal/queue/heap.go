package queue

import "github.com/sells-group/pricescout/internal/model"

// job is one scheduled task plus the deduped tasks that share its result.
type job struct {
	task      model.ScrapeTask
	followers []model.ScrapeTask
	attempt   int // attempts already made
	seq       uint64
}

// jobHeap orders by priority desc, then enqueue order.
type jobHeap []*job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*job)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return j
}
