package crawler

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueClosed is returned when scheduling into, or taking from, a closed queue.
	ErrQueueClosed = errors.New("job queue closed")
	// ErrQueueFull is returned by Add when a bounded queue has no free slot.
	ErrQueueFull = errors.New("job queue full")
	// ErrFatal marks an error that must abort the whole crawl.
	ErrFatal = errors.New("fatal crawl error")
	// ErrStopCrawl is reported when a fetch returns StatusStop.
	ErrStopCrawl = errors.New("crawl stopped by fetch status")
	// ErrNoHandler is reported when neither the job nor the router supplies a handler.
	ErrNoHandler = errors.New("no handler for request")
)

// FatalError wraps a handler failure that aborts the crawl.
type FatalError struct {
	Err error
}

// Fatal marks err as crawl-fatal. A nil err yields a bare ErrFatal.
func Fatal(err error) error {
	if err == nil {
		return &FatalError{Err: ErrFatal}
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return err
	}
	return &FatalError{Err: err}
}

// Fatalf formats a crawl-fatal error.
func Fatalf(format string, args ...any) error {
	return &FatalError{Err: fmt.Errorf(format, args...)}
}

func (e *FatalError) Error() string {
	return "fatal: " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrFatal) match any FatalError.
func (e *FatalError) Is(target error) bool {
	return target == ErrFatal
}

// IsFatal reports whether err aborts the crawl.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal) || errors.Is(err, ErrStopCrawl)
}

// StopError records the request whose fetch returned StatusStop.
type StopError struct {
	URL string
	Err error
}

func (e *StopError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stop requested while fetching %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("stop requested while fetching %s", e.URL)
}

func (e *StopError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrStopCrawl) match any StopError.
func (e *StopError) Is(target error) bool {
	return target == ErrStopCrawl
}
