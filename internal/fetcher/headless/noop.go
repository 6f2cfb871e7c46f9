package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

// ErrNotConfigured is returned by Noop.
var ErrNotConfigured = errors.New("headless fetcher not configured")

// Noop stands in when headless browsing is disabled. Every fetch fails.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always reports a failed fetch.
func (Noop) Fetch(_ context.Context, request crawler.Request) (crawler.Response, crawler.FetchStatus, error) {
	return crawler.Response{URL: request.URL}, crawler.StatusFailed, ErrNotConfigured
}
