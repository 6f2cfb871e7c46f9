package crawler

import (
	"context"
	"fmt"
)

// Handler turns a fetched response into extracted data. Implementations may
// also implement StorageHook and ContinueCrawlHook; both default to no-ops.
type Handler interface {
	Tokenize(hc *HandlerContext) error
	Parse(hc *HandlerContext) error
	Extract(hc *HandlerContext) error
}

// StorageHook runs before tokenization to persist the response.
type StorageHook interface {
	UseStorage(hc *HandlerContext) error
}

// ContinueCrawlHook runs last to schedule follow-up requests.
type ContinueCrawlHook interface {
	ContinueCrawl(hc *HandlerContext) error
}

// HandlerRouter picks a handler for jobs that carry none.
type HandlerRouter interface {
	Resolve(req Request) Handler
}

// RouterFunc adapts a function to HandlerRouter.
type RouterFunc func(req Request) Handler

// Resolve implements HandlerRouter.
func (f RouterFunc) Resolve(req Request) Handler { return f(req) }

// TaskRunner runs work off the worker goroutine. The job is not finished
// until every task it started has returned.
type TaskRunner interface {
	Go(fn func(ctx context.Context) error)
}

// HandlerContext binds one successful fetch to everything a handler may use.
type HandlerContext struct {
	ctx       context.Context
	job       *Job
	response  Response
	scheduler *Scheduler
	session   Session
	tasks     TaskRunner
	values    map[string]any
}

// NewHandlerContext builds the per-job context passed through the pipeline.
func NewHandlerContext(
	ctx context.Context,
	job *Job,
	response Response,
	scheduler *Scheduler,
	session Session,
	tasks TaskRunner,
) *HandlerContext {
	return &HandlerContext{
		ctx:       ctx,
		job:       job,
		response:  response,
		scheduler: scheduler,
		session:   session,
		tasks:     tasks,
	}
}

// Context is canceled when the crawl is interrupted.
func (hc *HandlerContext) Context() context.Context { return hc.ctx }

// Job returns the job being handled.
func (hc *HandlerContext) Job() *Job { return hc.job }

// Request returns the request that produced the response.
func (hc *HandlerContext) Request() Request { return hc.job.Request() }

// Response returns the fetched response.
func (hc *HandlerContext) Response() Response { return hc.response }

// Scheduler enqueues follow-up requests.
func (hc *HandlerContext) Scheduler() *Scheduler { return hc.scheduler }

// Session returns the crawl-wide read-only session.
func (hc *HandlerContext) Session() Session { return hc.session }

// Tasks returns the side-task runner for this job.
func (hc *HandlerContext) Tasks() TaskRunner { return hc.tasks }

// Set stores a value for later pipeline stages of the same invocation.
func (hc *HandlerContext) Set(key string, value any) {
	if hc.values == nil {
		hc.values = make(map[string]any)
	}
	hc.values[key] = value
}

// Value returns a value stored by an earlier stage.
func (hc *HandlerContext) Value(key string) (any, bool) {
	v, ok := hc.values[key]
	return v, ok
}

// RunPipeline invokes h in the fixed order storage hook, tokenize, parse,
// extract, continue-crawl hook, stopping at the first error. A panic is
// recovered and reported as an error; a panic carrying a fatal error stays fatal.
func RunPipeline(h Handler, hc *HandlerContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if perr, ok := r.(error); ok {
				err = fmt.Errorf("handler panic: %w", perr)
				return
			}
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	if hook, ok := h.(StorageHook); ok {
		if err := hook.UseStorage(hc); err != nil {
			return fmt.Errorf("storage hook: %w", err)
		}
	}
	if err := h.Tokenize(hc); err != nil {
		return fmt.Errorf("tokenize: %w", err)
	}
	if err := h.Parse(hc); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if err := h.Extract(hc); err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	if hook, ok := h.(ContinueCrawlHook); ok {
		if err := hook.ContinueCrawl(hc); err != nil {
			return fmt.Errorf("continue crawl hook: %w", err)
		}
	}
	return nil
}

// HandlerFuncs assembles a Handler from functions. Nil stages are no-ops.
type HandlerFuncs struct {
	StorageFn  func(hc *HandlerContext) error
	TokenizeFn func(hc *HandlerContext) error
	ParseFn    func(hc *HandlerContext) error
	ExtractFn  func(hc *HandlerContext) error
	ContinueFn func(hc *HandlerContext) error
}

func call(fn func(*HandlerContext) error, hc *HandlerContext) error {
	if fn == nil {
		return nil
	}
	return fn(hc)
}

// UseStorage implements StorageHook.
func (h *HandlerFuncs) UseStorage(hc *HandlerContext) error { return call(h.StorageFn, hc) }

// Tokenize implements Handler.
func (h *HandlerFuncs) Tokenize(hc *HandlerContext) error { return call(h.TokenizeFn, hc) }

// Parse implements Handler.
func (h *HandlerFuncs) Parse(hc *HandlerContext) error { return call(h.ParseFn, hc) }

// Extract implements Handler.
func (h *HandlerFuncs) Extract(hc *HandlerContext) error { return call(h.ExtractFn, hc) }

// ContinueCrawl implements ContinueCrawlHook.
func (h *HandlerFuncs) ContinueCrawl(hc *HandlerContext) error { return call(h.ContinueFn, hc) }
