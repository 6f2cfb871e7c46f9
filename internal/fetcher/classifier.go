// Package fetcher holds fetch decorators shared by the concrete fetchers:
// status classification, per-host circuit breaking and headless promotion.
package fetcher

import (
	"net/http"
	"sync"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

const defaultStopThreshold = 1

// Classifier maps an HTTP result onto a crawler.FetchStatus. Stop codes only
// end the crawl once a host has returned them threshold times; earlier hits
// are retried.
type Classifier struct {
	stopCodes map[int]struct{}
	threshold int

	mu      sync.Mutex
	counts  map[string]int
	stopped map[string]struct{}
}

// NewClassifier creates a Classifier. A threshold below one is treated as one.
func NewClassifier(stopCodes []int, threshold int) *Classifier {
	if threshold <= 0 {
		threshold = defaultStopThreshold
	}
	codes := make(map[int]struct{}, len(stopCodes))
	for _, code := range stopCodes {
		codes[code] = struct{}{}
	}
	return &Classifier{
		stopCodes: codes,
		threshold: threshold,
		counts:    make(map[string]int),
		stopped:   make(map[string]struct{}),
	}
}

// Classify returns the fetch status for a response to rawURL. err is the
// transport error, if any.
func (c *Classifier) Classify(rawURL string, statusCode int, err error) crawler.FetchStatus {
	if _, ok := c.stopCodes[statusCode]; ok && statusCode != 0 {
		if c.markStop(crawler.HostOf(rawURL)) {
			return crawler.StatusStop
		}
		return crawler.StatusFailed
	}
	if err != nil || statusCode == 0 {
		return crawler.StatusFailed
	}
	if retryable(statusCode) {
		return crawler.StatusFailed
	}
	return crawler.StatusComplete
}

// Stopped reports whether host has reached the stop threshold.
func (c *Classifier) Stopped(host string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.stopped[host]
	return ok
}

func (c *Classifier) markStop(host string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.stopped[host]; ok {
		return true
	}
	c.counts[host]++
	if c.counts[host] >= c.threshold {
		c.stopped[host] = struct{}{}
		return true
	}
	return false
}

func retryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return code >= http.StatusInternalServerError
}
