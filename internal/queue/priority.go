package queue

import (
	"container/heap"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

type prioritized struct {
	job      *crawler.Job
	priority crawler.Priority
	seq      uint64
}

// jobHeap orders by priority descending, then by insertion order.
type jobHeap []prioritized

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(prioritized)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = prioritized{}
	*h = old[:n-1]
	return item
}

type priorityStore struct {
	h   jobHeap
	seq uint64
}

// NewPriority builds a queue ordered by each job's PriorityAttribute, ties
// broken by insertion order. Jobs without the attribute use
// crawler.DefaultPriority. capacity 0 means unbounded.
func NewPriority(capacity int) *Queue {
	return newQueue(&priorityStore{}, capacity)
}

func (s *priorityStore) push(job *crawler.Job) {
	s.seq++
	heap.Push(&s.h, prioritized{job: job, priority: job.Priority(), seq: s.seq})
}

func (s *priorityStore) pop() (*crawler.Job, bool) {
	if len(s.h) == 0 {
		return nil, false
	}
	item := heap.Pop(&s.h).(prioritized)
	return item.job, true
}

func (s *priorityStore) len() int {
	return len(s.h)
}

func (s *priorityStore) clear() int {
	n := len(s.h)
	s.h = nil
	return n
}
