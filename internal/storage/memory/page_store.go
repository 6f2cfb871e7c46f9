package memory

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

// ErrStoreClosed is returned by StorePage after Close.
var ErrStoreClosed = errors.New("page store closed")

// PageStore records extracted pages in insertion order.
type PageStore struct {
	mu     sync.RWMutex
	pages  []crawler.Page
	closed bool
}

// NewPageStore constructs an empty PageStore.
func NewPageStore() *PageStore {
	return &PageStore{}
}

// StorePage appends page.
func (s *PageStore) StorePage(_ context.Context, page crawler.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	page.Links = slices.Clone(page.Links)
	s.pages = append(s.pages, page)
	return nil
}

// Pages returns a snapshot of stored pages.
func (s *PageStore) Pages() []crawler.Page {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.pages)
}

// Close rejects further writes.
func (s *PageStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
