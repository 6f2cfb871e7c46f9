// Package fake provides a scripted fetcher for tests and dry runs.
package fake

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

// ErrScripted is returned alongside scripted FAILED and STOP statuses.
var ErrScripted = errors.New("scripted fetch failure")

// Fetcher returns statuses from a script, one per call. Once the script runs
// out every call returns the fallback status.
type Fetcher struct {
	calls atomic.Int64

	mu       sync.Mutex
	script   []crawler.FetchStatus
	fallback crawler.FetchStatus
	body     []byte
	delay    time.Duration
	requests []crawler.Request
}

var _ crawler.Fetcher = (*Fetcher)(nil)

// New scripts the given statuses and falls back to COMPLETE.
func New(script ...crawler.FetchStatus) *Fetcher {
	return &Fetcher{
		script:   append([]crawler.FetchStatus(nil), script...),
		fallback: crawler.StatusComplete,
		body:     []byte("<html><head><title>fake</title></head><body></body></html>"),
	}
}

// Always returns status on every call.
func Always(status crawler.FetchStatus) *Fetcher {
	f := New()
	f.fallback = status
	return f
}

// WithBody sets the body of COMPLETE responses.
func (f *Fetcher) WithBody(body string) *Fetcher {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.body = []byte(body)
	return f
}

// WithDelay makes every call wait d or until ctx is done.
func (f *Fetcher) WithDelay(d time.Duration) *Fetcher {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
	return f
}

// Fetch implements crawler.Fetcher.
func (f *Fetcher) Fetch(ctx context.Context, req crawler.Request) (crawler.Response, crawler.FetchStatus, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.requests = append(f.requests, req)
	status := f.fallback
	if len(f.script) > 0 {
		status = f.script[0]
		f.script = f.script[1:]
	}
	body := f.body
	delay := f.delay
	f.mu.Unlock()

	start := time.Now()
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return crawler.Response{URL: req.URL}, crawler.StatusFailed, ctx.Err()
		case <-timer.C:
		}
	}

	switch status {
	case crawler.StatusComplete:
		return crawler.Response{
			URL:        req.URL,
			StatusCode: http.StatusOK,
			Headers:    http.Header{"Content-Type": []string{"text/html"}},
			Body:       append([]byte(nil), body...),
			FetchedAt:  start.UTC(),
			Duration:   time.Since(start),
		}, status, nil
	case crawler.StatusStop:
		return crawler.Response{URL: req.URL, StatusCode: http.StatusForbidden}, status, ErrScripted
	default:
		return crawler.Response{URL: req.URL, StatusCode: http.StatusServiceUnavailable}, status, ErrScripted
	}
}

// Calls returns how many times Fetch ran.
func (f *Fetcher) Calls() int {
	return int(f.calls.Load())
}

// Requests returns a copy of every request seen, in call order.
func (f *Fetcher) Requests() []crawler.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]crawler.Request(nil), f.requests...)
}
