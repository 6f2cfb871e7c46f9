package crawler

import (
	"context"
	"iter"
	"sync"
)

// SliceSource hands out a fixed list of requests once.
type SliceSource struct {
	mu   sync.Mutex
	reqs []Request
	next int
}

// NewSliceSource copies reqs into a source.
func NewSliceSource(reqs ...Request) *SliceSource {
	return &SliceSource{reqs: append([]Request(nil), reqs...)}
}

// URLSource builds a source of GET requests.
func URLSource(urls ...string) *SliceSource {
	reqs := make([]Request, 0, len(urls))
	for _, u := range urls {
		reqs = append(reqs, NewRequest(u))
	}
	return &SliceSource{reqs: reqs}
}

// Next implements RequestSource.
func (s *SliceSource) Next(context.Context) (Request, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.reqs) {
		return Request{}, false, nil
	}
	req := s.reqs[s.next]
	s.next++
	return req, true, nil
}

// SeqSource adapts an iterator. The iterator is consumed once.
type SeqSource struct {
	mu   sync.Mutex
	next func() (Request, bool)
	stop func()
	done bool
}

// FromSeq wraps seq as a RequestSource.
func FromSeq(seq iter.Seq[Request]) *SeqSource {
	next, stop := iter.Pull(seq)
	return &SeqSource{next: next, stop: stop}
}

// Next implements RequestSource.
func (s *SeqSource) Next(ctx context.Context) (Request, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return Request{}, false, nil
	}
	if err := ctx.Err(); err != nil {
		return Request{}, false, err
	}
	req, ok := s.next()
	if !ok {
		s.done = true
		s.stop()
	}
	return req, ok, nil
}

// Close releases the underlying iterator early.
func (s *SeqSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.done = true
		s.stop()
	}
}
