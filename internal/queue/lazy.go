package queue

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

// LazyConfig configures how a Lazy queue turns source requests into jobs.
type LazyConfig struct {
	// Capacity bounds the externally-added jobs held in the priority queue.
	Capacity int
	// Handler is attached to every materialized job; nil defers to the router.
	Handler crawler.Handler
	// Attributes are attached to every materialized job.
	Attributes []crawler.Attribute
	// Factory assigns job IDs; nil uses sequential IDs.
	Factory *crawler.JobFactory
	Logger  *zap.Logger
}

// Lazy is a priority queue backed by a RequestSource. Jobs already in the
// queue are served first; otherwise the next request is pulled from the
// source. Once the source is exhausted it behaves as a plain priority queue.
type Lazy struct {
	inner   *Queue
	cfg     LazyConfig
	logger  *zap.Logger
	factory *crawler.JobFactory

	srcMu     sync.Mutex
	source    crawler.RequestSource
	exhausted atomic.Bool
	err       error
}

var _ crawler.JobQueue = (*Lazy)(nil)

// NewLazy builds a lazy queue over source.
func NewLazy(source crawler.RequestSource, cfg LazyConfig) *Lazy {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := cfg.Factory
	if factory == nil {
		factory = crawler.NewJobFactory(nil)
	}
	l := &Lazy{
		inner:   NewPriority(cfg.Capacity),
		cfg:     cfg,
		logger:  logger,
		factory: factory,
		source:  source,
	}
	if source == nil {
		l.exhausted.Store(true)
	}
	return l
}

// Add implements crawler.JobQueue.
func (l *Lazy) Add(job *crawler.Job) error { return l.inner.Add(job) }

// Put implements crawler.JobQueue.
func (l *Lazy) Put(ctx context.Context, job *crawler.Job) error { return l.inner.Put(ctx, job) }

// Offer implements crawler.JobQueue.
func (l *Lazy) Offer(ctx context.Context, job *crawler.Job, timeout time.Duration) (bool, error) {
	return l.inner.Offer(ctx, job, timeout)
}

// Requeue implements crawler.JobQueue.
func (l *Lazy) Requeue(job *crawler.Job) error { return l.inner.Requeue(job) }

// Poll implements crawler.JobQueue.
func (l *Lazy) Poll() (*crawler.Job, bool) {
	if job, ok := l.inner.Poll(); ok {
		return job, true
	}
	job, err := l.pull(context.Background())
	if err != nil || job == nil {
		return nil, false
	}
	return job, true
}

// Take implements crawler.JobQueue.
func (l *Lazy) Take(ctx context.Context) (*crawler.Job, error) {
	for !l.exhausted.Load() {
		if job, ok := l.inner.Poll(); ok {
			return job, nil
		}
		if l.inner.Closed() {
			return nil, crawler.ErrQueueClosed
		}
		job, err := l.pull(ctx)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
	}
	return l.inner.Take(ctx)
}

// pull materializes the next source request. It returns a nil job when the
// source is exhausted.
func (l *Lazy) pull(ctx context.Context) (*crawler.Job, error) {
	l.srcMu.Lock()
	defer l.srcMu.Unlock()
	if l.exhausted.Load() {
		return nil, nil
	}
	if l.inner.Closed() {
		return nil, crawler.ErrQueueClosed
	}

	req, ok, err := l.source.Next(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("take canceled: %w", ctxErr)
		}
		l.logger.Error("request source failed, treating as exhausted", zap.Error(err))
		l.err = err
		l.markExhausted()
		return nil, nil
	}
	if !ok {
		l.logger.Debug("request source exhausted")
		l.markExhausted()
		return nil, nil
	}

	job, err := l.factory.New(req, l.cfg.Handler, l.cfg.Attributes...)
	if err != nil {
		l.logger.Warn("skipping source request", zap.String("url", req.URL), zap.Error(err))
		return nil, nil
	}
	if err := l.inner.acquire(); err != nil {
		return nil, err
	}
	return job, nil
}

func (l *Lazy) markExhausted() {
	l.exhausted.Store(true)
	l.inner.notify()
}

// Done implements crawler.JobQueue.
func (l *Lazy) Done(job *crawler.Job) { l.inner.Done(job) }

// Join implements crawler.JobQueue. It waits for the source to be exhausted
// and every job to finish.
func (l *Lazy) Join(ctx context.Context) error {
	for {
		wait := l.inner.waitChan()
		if l.exhausted.Load() {
			return l.inner.Join(ctx)
		}
		if l.inner.Closed() {
			return crawler.ErrQueueClosed
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("join canceled: %w", ctx.Err())
		case <-wait:
		}
	}
}

// Len implements crawler.JobQueue. An unexhausted source counts as one
// pending job.
func (l *Lazy) Len() int {
	n := l.inner.Len()
	if !l.exhausted.Load() {
		n++
	}
	return n
}

// Close implements crawler.JobQueue. The source is not drained.
func (l *Lazy) Close() int {
	n := l.inner.Close()
	l.exhausted.Store(true)
	switch closer := l.source.(type) {
	case interface{ Close() }:
		closer.Close()
	case io.Closer:
		if err := closer.Close(); err != nil {
			l.logger.Warn("request source close failed", zap.Error(err))
		}
	}
	return n
}

// Exhausted reports whether the source has no more requests.
func (l *Lazy) Exhausted() bool {
	return l.exhausted.Load()
}

// Err returns the source error that ended materialization, if any.
func (l *Lazy) Err() error {
	l.srcMu.Lock()
	defer l.srcMu.Unlock()
	if l.err == nil {
		return nil
	}
	return fmt.Errorf("request source: %w", l.err)
}
