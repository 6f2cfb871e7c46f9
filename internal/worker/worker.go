// Package worker implements the fetch, retry and dispatch loop run by each
// member of the crawl worker pool.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlengine/internal/clock/system"
	"github.com/JakeFAU/crawlengine/internal/crawler"
	"github.com/JakeFAU/crawlengine/internal/metrics"
	"github.com/JakeFAU/crawlengine/internal/progress"
)

// Config carries everything a worker needs. Queue, Fetcher, Scheduler and
// Sleeper are required; the rest have defaults.
type Config struct {
	MaxTries  int
	Queue     crawler.JobQueue
	Fetcher   crawler.Fetcher
	Scheduler *crawler.Scheduler
	Router    crawler.HandlerRouter
	Session   crawler.Session
	Sleeper   crawler.SleepScheduler
	Proxy     crawler.ProxyPolicy
	Limiter   crawler.Limiter
	Tasks     *TaskPool
	Emitter   progress.Emitter
	Clock     crawler.Clock
	Tracer    trace.Tracer
	// Fail receives crawl-fatal errors. It must close the queue before
	// returning so no further job is taken.
	Fail func(error)
}

// Worker takes jobs from the queue one at a time, so at most one fetch per
// worker is ever in flight.
type Worker struct {
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(cfg Config, logger *zap.Logger) *Worker {
	if cfg.MaxTries <= 0 {
		cfg.MaxTries = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Emitter == nil {
		cfg.Emitter = progress.Nop{}
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.Fail == nil {
		cfg.Fail = func(error) {}
	}
	if cfg.Tasks == nil {
		cfg.Tasks = NewTaskPool(1, cfg.Fail, logger)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/JakeFAU/crawlengine/internal/worker")
	}
	return &Worker{cfg: cfg, logger: logger}
}

// Run takes and processes jobs until the queue closes or ctx is done. Any
// other take failure is returned.
func (w *Worker) Run(ctx context.Context) error {
	for {
		job, err := w.cfg.Queue.Take(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrQueueClosed) {
				return nil
			}
			return fmt.Errorf("take job: %w", err)
		}
		w.logger.Debug("took job", zap.String("job_id", job.ID()), zap.Int("tries", job.Tries()))
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job *crawler.Job) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	tasks := w.cfg.Tasks.group(ctx, job.ID())
	defer tasks.finish(func() { w.cfg.Queue.Done(job) })

	req := job.Request()
	ctx, span := w.cfg.Tracer.Start(ctx, "crawl.job", trace.WithAttributes(
		attribute.String("crawl.job_id", job.ID()),
		attribute.String("url.full", req.URL),
		attribute.Int("crawl.tries", job.Tries()),
	))
	defer span.End()

	if w.cfg.Limiter != nil {
		if err := w.cfg.Limiter.Wait(ctx, req.URL); err != nil {
			w.logger.Debug("limiter wait aborted", zap.String("job_id", job.ID()), zap.Error(err))
			return
		}
	}

	site := crawler.HostOf(req.URL)
	w.emit(job, progress.Event{Stage: progress.StageFetchStarted, Site: site})
	start := time.Now()
	resp, status, fetchErr := w.cfg.Fetcher.Fetch(ctx, req)
	w.emit(job, progress.Event{
		Stage:       progress.StageFetchFinished,
		Site:        site,
		Outcome:     status.String(),
		StatusClass: progress.ClassifyStatus(resp.StatusCode),
		Bytes:       int64(len(resp.Body)),
		Dur:         time.Since(start),
		Note:        errText(fetchErr),
	})
	span.SetAttributes(
		attribute.String("crawl.fetch_status", status.String()),
		attribute.Int("http.response.status_code", resp.StatusCode),
	)
	if fetchErr != nil {
		span.RecordError(fetchErr)
	}
	if status != crawler.StatusComplete {
		span.SetStatus(codes.Error, status.String())
	}
	if ctx.Err() != nil {
		return
	}

	switch status {
	case crawler.StatusComplete:
		w.handle(ctx, job, resp, tasks)
	case crawler.StatusStop:
		w.logger.Error("fetch requested crawl stop",
			zap.String("job_id", job.ID()),
			zap.String("url", req.URL),
			zap.Error(fetchErr),
		)
		w.fatal(job, &crawler.StopError{URL: req.URL, Err: fetchErr})
	case crawler.StatusFailed:
		w.retry(ctx, job, fetchErr)
	default:
		w.logger.Warn("unknown fetch status treated as failure",
			zap.String("job_id", job.ID()),
			zap.Int("status", int(status)),
		)
		w.retry(ctx, job, fetchErr)
	}
}

func (w *Worker) handle(ctx context.Context, job *crawler.Job, resp crawler.Response, tasks *taskGroup) {
	handler := job.Handler()
	if handler == nil && w.cfg.Router != nil {
		handler = w.cfg.Router.Resolve(job.Request())
	}
	if handler == nil {
		w.logger.Error("dropping job", zap.String("job_id", job.ID()), zap.Error(crawler.ErrNoHandler))
		w.emit(job, progress.Event{Stage: progress.StageHandlerFailed, Note: crawler.ErrNoHandler.Error()})
		return
	}

	hc := crawler.NewHandlerContext(ctx, job, resp, w.cfg.Scheduler, w.cfg.Session, tasks)
	if err := crawler.RunPipeline(handler, hc); err != nil {
		if crawler.IsFatal(err) {
			w.logger.Error("handler raised fatal error", zap.String("job_id", job.ID()), zap.Error(err))
			w.fatal(job, err)
			return
		}
		w.logger.Warn("handler failed", zap.String("job_id", job.ID()), zap.Error(err))
		w.emit(job, progress.Event{Stage: progress.StageHandlerFailed, Note: err.Error()})
		return
	}
	w.emit(job, progress.Event{Stage: progress.StageJobHandled})
}

// retry re-enqueues a failed job after backoff, or drops it once its
// attempts are exhausted.
func (w *Worker) retry(ctx context.Context, job *crawler.Job, cause error) {
	site := crawler.HostOf(job.Request().URL)
	if job.Tries()+1 >= w.cfg.MaxTries {
		w.logger.Warn("dropping job after exhausting retries",
			zap.String("job_id", job.ID()),
			zap.String("url", job.Request().URL),
			zap.Int("attempts", job.Tries()+1),
			zap.Error(cause),
		)
		w.emit(job, progress.Event{Stage: progress.StageJobDropped, Site: site, Note: errText(cause)})
		return
	}

	var rewrite func(crawler.Request) crawler.Request
	if w.cfg.Proxy != nil {
		rewrite = w.cfg.Proxy.Apply
	}
	job.PrepareRetry(rewrite)

	if err := w.cfg.Sleeper.Sleep(ctx, job.Tries()); err != nil {
		w.logger.Debug("backoff interrupted", zap.String("job_id", job.ID()), zap.Error(err))
		return
	}
	if err := w.cfg.Queue.Requeue(job); err != nil {
		w.logger.Debug("retry not enqueued", zap.String("job_id", job.ID()), zap.Error(err))
		return
	}
	w.logger.Debug("retry scheduled",
		zap.String("job_id", job.ID()),
		zap.Int("tries", job.Tries()),
		zap.Bool("proxy", job.Request().HasProxy()),
	)
	w.emit(job, progress.Event{Stage: progress.StageRetryScheduled, Site: site, Note: errText(cause)})
}

func (w *Worker) fatal(job *crawler.Job, err error) {
	w.emit(job, progress.Event{Stage: progress.StageCrawlFatal, Note: err.Error()})
	w.cfg.Fail(err)
}

func (w *Worker) emit(job *crawler.Job, evt progress.Event) {
	evt.JobID = job.ID()
	evt.TS = w.cfg.Clock.Now()
	evt.URL = job.Request().URL
	evt.Tries = job.Tries()
	w.cfg.Emitter.Emit(evt)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
