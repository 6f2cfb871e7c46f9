package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

// store is the ordering discipline behind a Queue. It is only touched with
// the Queue mutex held.
type store interface {
	push(job *crawler.Job)
	pop() (*crawler.Job, bool)
	len() int
	clear() int
}

// Queue is a blocking, optionally bounded job queue. A capacity of zero
// means unbounded. Every accepted job counts as unfinished until Done is
// called for it, or until Close discards it.
type Queue struct {
	mu         sync.Mutex
	items      store
	capacity   int
	unfinished int
	closed     bool
	changed    chan struct{}
}

var _ crawler.JobQueue = (*Queue)(nil)

func newQueue(items store, capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		items:    items,
		capacity: capacity,
		changed:  make(chan struct{}),
	}
}

// broadcastLocked wakes every goroutine waiting for a state change.
func (q *Queue) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue) fullLocked() bool {
	return q.capacity > 0 && q.items.len() >= q.capacity
}

func (q *Queue) pushLocked(job *crawler.Job) {
	q.items.push(job)
	q.unfinished++
	q.broadcastLocked()
}

// Add implements crawler.JobQueue.
func (q *Queue) Add(job *crawler.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return crawler.ErrQueueClosed
	}
	if q.fullLocked() {
		return crawler.ErrQueueFull
	}
	q.pushLocked(job)
	return nil
}

// Put implements crawler.JobQueue.
func (q *Queue) Put(ctx context.Context, job *crawler.Job) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return crawler.ErrQueueClosed
		}
		if !q.fullLocked() {
			q.pushLocked(job)
			q.mu.Unlock()
			return nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return fmt.Errorf("put canceled: %w", ctx.Err())
		case <-wait:
		}
	}
}

// Offer implements crawler.JobQueue.
func (q *Queue) Offer(ctx context.Context, job *crawler.Job, timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return false, crawler.ErrQueueClosed
		}
		if !q.fullLocked() {
			q.pushLocked(job)
			q.mu.Unlock()
			return true, nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return false, fmt.Errorf("offer canceled: %w", ctx.Err())
		case <-timer.C:
			return false, nil
		case <-wait:
		}
	}
}

// Requeue implements crawler.JobQueue.
func (q *Queue) Requeue(job *crawler.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return crawler.ErrQueueClosed
	}
	q.pushLocked(job)
	return nil
}

// Poll implements crawler.JobQueue.
func (q *Queue) Poll() (*crawler.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, false
	}
	job, ok := q.items.pop()
	if ok {
		q.broadcastLocked()
	}
	return job, ok
}

// Take implements crawler.JobQueue. It returns ErrQueueClosed once the
// queue is closed, even if jobs were pending.
func (q *Queue) Take(ctx context.Context) (*crawler.Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, crawler.ErrQueueClosed
		}
		if job, ok := q.items.pop(); ok {
			q.broadcastLocked()
			q.mu.Unlock()
			return job, nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("take canceled: %w", ctx.Err())
		case <-wait:
		}
	}
}

// Done implements crawler.JobQueue.
func (q *Queue) Done(*crawler.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.unfinished > 0 {
		q.unfinished--
	}
	if q.unfinished == 0 {
		q.broadcastLocked()
	}
}

// Join implements crawler.JobQueue. It returns nil once every accepted job
// is finished, or ErrQueueClosed if the queue is closed first.
func (q *Queue) Join(ctx context.Context) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return crawler.ErrQueueClosed
		}
		if q.unfinished == 0 {
			q.mu.Unlock()
			return nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return fmt.Errorf("join canceled: %w", ctx.Err())
		case <-wait:
		}
	}
}

// Len implements crawler.JobQueue.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.len()
}

// Unfinished returns the number of accepted jobs not yet marked done.
func (q *Queue) Unfinished() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unfinished
}

// Close implements crawler.JobQueue.
func (q *Queue) Close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}
	q.closed = true
	dropped := q.items.clear()
	q.unfinished -= dropped
	if q.unfinished < 0 {
		q.unfinished = 0
	}
	q.broadcastLocked()
	return dropped
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// acquire counts job as accepted and already taken. Lazy queues use it for
// jobs handed straight to a consumer.
func (q *Queue) acquire() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return crawler.ErrQueueClosed
	}
	q.unfinished++
	q.broadcastLocked()
	return nil
}

// notify wakes waiters without changing state.
func (q *Queue) notify() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.broadcastLocked()
}

// waitChan returns a channel closed on the next state change.
func (q *Queue) waitChan() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.changed
}
