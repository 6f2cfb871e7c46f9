package crawler

import (
	"context"
	"io"
	"time"
)

// Fetcher turns a request into a response. The status is authoritative;
// the error only explains a FAILED or STOP outcome. Implementations must be
// safe for concurrent use.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Response, FetchStatus, error)
}

// JobQueue holds pending jobs. Every job accepted by Add, Put or Offer is
// delivered to exactly one Poll or Take caller. A taken job stays
// unfinished until Done is called for it; Join waits for zero unfinished jobs.
type JobQueue interface {
	// Add enqueues without blocking, failing with ErrQueueFull when bounded and full.
	Add(job *Job) error
	// Put blocks until space is available or ctx is done.
	Put(ctx context.Context, job *Job) error
	// Offer waits at most timeout for space and reports whether the job was accepted.
	Offer(ctx context.Context, job *Job, timeout time.Duration) (bool, error)
	// Requeue returns a taken, unfinished job to the queue for another
	// attempt. It ignores capacity, so a retry never waits on new work.
	Requeue(job *Job) error
	// Poll returns the next job without blocking.
	Poll() (*Job, bool)
	// Take blocks until a job is available, the queue closes or ctx is done.
	Take(ctx context.Context) (*Job, error)
	// Done marks a taken job as finished.
	Done(job *Job)
	// Join blocks until every accepted job is finished or the queue closes.
	Join(ctx context.Context) error
	// Len returns the number of jobs waiting to be taken.
	Len() int
	// Close discards pending jobs and rejects further enqueues. It returns
	// the number of discarded jobs.
	Close() int
}

// RequestSource lazily supplies requests. ok is false once it is exhausted.
type RequestSource interface {
	Next(ctx context.Context) (req Request, ok bool, err error)
}

// SleepScheduler waits out the backoff before retry number tries.
type SleepScheduler interface {
	Sleep(ctx context.Context, tries int) error
}

// ProxyPolicy rewrites a failed request before it is retried.
type ProxyPolicy interface {
	Apply(req Request) Request
}

// Limiter delays fetches for politeness.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// HeadlessDetector decides whether a probe response needs a headless refetch.
type HeadlessDetector interface {
	ShouldPromote(probe Response) bool
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, body io.Reader) (string, error)
}

// PageStore persists extracted page metadata.
type PageStore interface {
	StorePage(ctx context.Context, page Page) error
	Close() error
}

// Publisher pushes page events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
