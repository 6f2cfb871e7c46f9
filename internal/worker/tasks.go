package worker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

// TaskPool bounds the side tasks handlers start across all workers.
type TaskPool struct {
	sem    *semaphore.Weighted
	fail   func(error)
	logger *zap.Logger
	wg     sync.WaitGroup
}

// NewTaskPool allows at most max concurrent side tasks. fail receives
// crawl-fatal task errors.
func NewTaskPool(max int, fail func(error), logger *zap.Logger) *TaskPool {
	if max <= 0 {
		max = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if fail == nil {
		fail = func(error) {}
	}
	return &TaskPool{sem: semaphore.NewWeighted(int64(max)), fail: fail, logger: logger}
}

// Wait blocks until every task started through the pool has returned.
func (p *TaskPool) Wait() {
	p.wg.Wait()
}

func (p *TaskPool) group(ctx context.Context, jobID string) *taskGroup {
	return &taskGroup{pool: p, ctx: ctx, jobID: jobID}
}

// taskGroup tracks the side tasks of one job.
type taskGroup struct {
	pool  *TaskPool
	ctx   context.Context
	jobID string
	wg    sync.WaitGroup
	mu    sync.Mutex
	count int
}

var _ crawler.TaskRunner = (*taskGroup)(nil)

// Go implements crawler.TaskRunner.
func (g *taskGroup) Go(fn func(ctx context.Context) error) {
	g.mu.Lock()
	g.count++
	g.mu.Unlock()
	g.wg.Add(1)
	g.pool.wg.Add(1)
	go func() {
		defer g.pool.wg.Done()
		defer g.wg.Done()
		if err := g.pool.sem.Acquire(g.ctx, 1); err != nil {
			return
		}
		defer g.pool.sem.Release(1)
		if err := runTask(g.ctx, fn); err != nil {
			if crawler.IsFatal(err) {
				g.pool.fail(err)
				return
			}
			g.pool.logger.Warn("side task failed", zap.String("job_id", g.jobID), zap.Error(err))
		}
	}()
}

func (g *taskGroup) started() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

// finish calls done once every task of the group has returned, without
// blocking the caller when tasks are still running.
func (g *taskGroup) finish(done func()) {
	if g.started() == 0 {
		done()
		return
	}
	go func() {
		g.wg.Wait()
		done()
	}()
}

func runTask(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if perr, ok := r.(error); ok {
				err = fmt.Errorf("side task panic: %w", perr)
				return
			}
			err = fmt.Errorf("side task panic: %v", r)
		}
	}()
	return fn(ctx)
}
