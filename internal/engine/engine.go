// Package engine wires queue, workers and fetcher into a Crawler and owns
// its start, drain and interrupt lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlengine/internal/crawler"
	"github.com/JakeFAU/crawlengine/internal/dispatcher"
	"github.com/JakeFAU/crawlengine/internal/metrics"
	"github.com/JakeFAU/crawlengine/internal/worker"
)

// Lifecycle errors.
var (
	ErrAlreadyStarted = errors.New("crawler already started")
	ErrNotStarted     = errors.New("crawler not started")
)

// State is the crawler lifecycle state.
type State int32

// Lifecycle states, in order.
const (
	StateNew State = iota
	StateRunning
	StateStopping
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Stats is a point-in-time view of a crawler.
type Stats struct {
	State     string `json:"state"`
	Workers   int    `json:"workers"`
	Queued    int    `json:"queued"`
	Discarded int64  `json:"discarded"`
	Fatal     string `json:"fatal,omitempty"`
}

// Crawler coordinates the queue and the worker pool.
type Crawler struct {
	cfg        Config
	logger     *zap.Logger
	scheduler  *crawler.Scheduler
	tasks      *worker.TaskPool
	dispatcher *dispatcher.Dispatcher

	state     atomic.Int32
	startMu   sync.Mutex
	runCtx    context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	failOnce  sync.Once
	fatalMu   sync.Mutex
	fatal     error
	discarded atomic.Int64
}

func newCrawler(cfg Config) *Crawler {
	c := &Crawler{
		cfg:    cfg,
		logger: cfg.Logger.Named("crawler"),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	factory := crawler.NewJobFactory(cfg.IDs)
	c.scheduler = crawler.NewScheduler(cfg.Queue, factory, cfg.Logger.Named("scheduler"))
	c.tasks = worker.NewTaskPool(cfg.MaxSideTasks, c.fail, cfg.Logger.Named("tasks"))

	workers := make([]*worker.Worker, cfg.MaxConnections)
	for i := range workers {
		workers[i] = worker.New(worker.Config{
			MaxTries:  cfg.MaxTries,
			Queue:     cfg.Queue,
			Fetcher:   cfg.Fetcher,
			Scheduler: c.scheduler,
			Router:    cfg.Router,
			Session:   cfg.Session,
			Sleeper:   cfg.Sleeper,
			Proxy:     cfg.Proxy,
			Limiter:   cfg.Limiter,
			Tasks:     c.tasks,
			Emitter:   cfg.Emitter,
			Clock:     cfg.Clock,
			Fail:      c.fail,
		}, cfg.Logger.Named("worker").With(zap.Int("index", i)))
	}
	c.dispatcher = dispatcher.New(workers)
	return c
}

// Scheduler returns the handle used to enqueue work. It is usable before
// Start; jobs added then wait in the queue.
func (c *Crawler) Scheduler() *crawler.Scheduler {
	return c.scheduler
}

// State reports the current lifecycle state.
func (c *Crawler) State() State {
	return State(c.state.Load())
}

// Err returns the first crawl-fatal error, if any.
func (c *Crawler) Err() error {
	c.fatalMu.Lock()
	defer c.fatalMu.Unlock()
	return c.fatal
}

// Stats reports the crawler's state and queue depth.
func (c *Crawler) Stats() Stats {
	s := Stats{
		State:     c.State().String(),
		Workers:   c.dispatcher.Size(),
		Queued:    c.cfg.Queue.Len(),
		Discarded: c.discarded.Load(),
	}
	if err := c.Err(); err != nil {
		s.Fatal = err.Error()
	}
	return s
}

// Start launches the workers. Cancelling ctx interrupts the crawl.
func (c *Crawler) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if !c.state.CompareAndSwap(int32(StateNew), int32(StateRunning)) {
		return ErrAlreadyStarted
	}
	c.runCtx, c.cancel = context.WithCancel(ctx)
	go func() {
		defer close(c.done)
		if err := c.dispatcher.Run(c.runCtx); err != nil {
			c.fail(err)
		}
	}()
	c.logger.Info("crawler started",
		zap.Int("workers", c.cfg.MaxConnections),
		zap.Int("max_tries", c.cfg.MaxTries),
	)
	return nil
}

// Close drains the crawl: it waits until every queued job, retry and side
// task has finished, then stops the workers. It returns the first
// crawl-fatal error, which ends the drain early. Concurrent callers wait
// for the first one.
func (c *Crawler) Close() error {
	c.startMu.Lock()
	state := c.State()
	c.startMu.Unlock()
	if state == StateNew {
		return ErrNotStarted
	}
	switch {
	case c.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)):
		if err := c.cfg.Queue.Join(c.runCtx); err != nil && !errors.Is(err, crawler.ErrQueueClosed) {
			c.logger.Warn("drain aborted", zap.Error(err))
		}
	case c.Err() == nil:
		// Another Close or InterruptAndClose owns the shutdown.
		<-c.closed
	}
	c.shutdown()
	return c.Err()
}

// StartAndClose starts the crawler and drains it. It suits crawls whose
// jobs were all scheduled before starting.
func (c *Crawler) StartAndClose(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	return c.Close()
}

// InterruptAndClose discards queued jobs, cancels in-flight fetches and
// backoff sleeps, and waits for the workers to exit. Scheduling afterwards
// fails with crawler.ErrQueueClosed.
func (c *Crawler) InterruptAndClose() error {
	c.startMu.Lock()
	if c.state.CompareAndSwap(int32(StateNew), int32(StateStopping)) {
		close(c.done)
	}
	c.startMu.Unlock()
	c.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))
	c.discard()
	c.shutdown()
	return c.Err()
}

// Scope starts the crawler, hands fn the scheduler and always closes: a
// graceful drain when fn succeeds, an interrupt when it fails or panics.
func (c *Crawler) Scope(ctx context.Context, fn func(*crawler.Scheduler) error) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = c.InterruptAndClose()
			panic(r)
		}
	}()
	if err := fn(c.scheduler); err != nil {
		return errors.Join(fmt.Errorf("crawl scope: %w", err), c.InterruptAndClose())
	}
	return c.Close()
}

// fail records the first crawl-fatal error and interrupts the crawl. It is
// called from worker goroutines, so it must not wait on them.
func (c *Crawler) fail(err error) {
	if err == nil {
		return
	}
	first := false
	c.failOnce.Do(func() {
		c.fatalMu.Lock()
		c.fatal = err
		c.fatalMu.Unlock()
		first = true
	})
	if !first {
		c.logger.Debug("additional fatal error ignored", zap.Error(err))
		return
	}
	c.logger.Error("crawl aborted", zap.Error(err))
	c.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))
	c.discard()
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Crawler) discard() {
	if n := c.cfg.Queue.Close(); n > 0 {
		c.discarded.Add(int64(n))
		metrics.ObserveDiscarded(n)
		c.logger.Info("discarded queued jobs", zap.Int("count", n))
	}
}

// shutdown stops the workers and waits for them and their side tasks.
func (c *Crawler) shutdown() {
	c.closeOnce.Do(func() {
		c.discard()
		if c.cancel != nil {
			c.cancel()
		}
		<-c.done
		c.tasks.Wait()
		c.state.Store(int32(StateClosed))
		c.logger.Info("crawler closed", zap.Int64("discarded", c.discarded.Load()))
		close(c.closed)
	})
	<-c.closed
}
