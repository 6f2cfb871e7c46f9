package crawler

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// JobFactory assigns identifiers to new jobs.
type JobFactory struct {
	ids IDGenerator
	seq atomic.Uint64
}

// NewJobFactory builds a factory. With a nil generator jobs get sequential IDs.
func NewJobFactory(ids IDGenerator) *JobFactory {
	return &JobFactory{ids: ids}
}

// New builds a job for req. A nil handler leaves the choice to the router.
func (f *JobFactory) New(req Request, handler Handler, attrs ...Attribute) (*Job, error) {
	if req.URL == "" {
		return nil, fmt.Errorf("new job: empty request url")
	}
	var id string
	if f.ids != nil {
		var err error
		id, err = f.ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate job id: %w", err)
		}
	} else {
		id = "job-" + strconv.FormatUint(f.seq.Add(1), 10)
	}
	return NewJob(id, req, handler, attrs...), nil
}

// Scheduler is the producer-facing API: it wraps requests into jobs and
// enqueues them. Only Put and Offer ever block.
type Scheduler struct {
	queue   JobQueue
	factory *JobFactory
	logger  *zap.Logger
}

// NewScheduler binds a scheduler to queue.
func NewScheduler(queue JobQueue, factory *JobFactory, logger *zap.Logger) *Scheduler {
	if factory == nil {
		factory = NewJobFactory(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{queue: queue, factory: factory, logger: logger}
}

// Add enqueues req without blocking. handler may be nil and attrs may be empty.
func (s *Scheduler) Add(req Request, handler Handler, attrs ...Attribute) error {
	job, err := s.factory.New(req, handler, attrs...)
	if err != nil {
		return err
	}
	if err := s.queue.Add(job); err != nil {
		return fmt.Errorf("schedule %s: %w", req.URL, err)
	}
	s.logger.Debug("job scheduled", zap.String("job_id", job.ID()), zap.String("url", req.URL))
	return nil
}

// AddURL schedules a GET for rawURL with router-resolved handling.
func (s *Scheduler) AddURL(rawURL string, attrs ...Attribute) error {
	return s.Add(NewRequest(rawURL), nil, attrs...)
}

// Put enqueues req, waiting for space in a bounded queue.
func (s *Scheduler) Put(ctx context.Context, req Request, handler Handler, attrs ...Attribute) error {
	job, err := s.factory.New(req, handler, attrs...)
	if err != nil {
		return err
	}
	if err := s.queue.Put(ctx, job); err != nil {
		return fmt.Errorf("schedule %s: %w", req.URL, err)
	}
	s.logger.Debug("job scheduled", zap.String("job_id", job.ID()), zap.String("url", req.URL))
	return nil
}

// Offer enqueues req if space frees up within timeout and reports whether it did.
func (s *Scheduler) Offer(
	ctx context.Context,
	req Request,
	handler Handler,
	timeout time.Duration,
	attrs ...Attribute,
) (bool, error) {
	job, err := s.factory.New(req, handler, attrs...)
	if err != nil {
		return false, err
	}
	ok, err := s.queue.Offer(ctx, job, timeout)
	if err != nil {
		return false, fmt.Errorf("schedule %s: %w", req.URL, err)
	}
	if ok {
		s.logger.Debug("job scheduled", zap.String("job_id", job.ID()), zap.String("url", req.URL))
	}
	return ok, nil
}
