package crawler

import (
	"net/http"
	"net/url"
	"time"
)

// FetchStatus is the outcome of a single fetch attempt.
type FetchStatus int

// Fetch outcomes understood by the worker loop.
const (
	// StatusComplete means the response is available for handling.
	StatusComplete FetchStatus = iota
	// StatusFailed is a transient failure eligible for retry.
	StatusFailed
	// StatusStop asks the whole crawl to halt.
	StatusStop
)

func (s FetchStatus) String() string {
	switch s {
	case StatusComplete:
		return "COMPLETE"
	case StatusFailed:
		return "FAILED"
	case StatusStop:
		return "STOP"
	default:
		return "UNKNOWN"
	}
}

// Request describes a single fetch. It is treated as immutable; derive
// modified copies through the With* helpers.
type Request struct {
	URL     string
	Method  string
	Headers http.Header
	Body    []byte
	Proxy   *url.URL
}

// NewRequest builds a GET request for rawURL.
func NewRequest(rawURL string) Request {
	return Request{URL: rawURL, Method: http.MethodGet}
}

// WithProxy returns a copy of r routed through proxy.
func (r Request) WithProxy(proxy *url.URL) Request {
	r.Proxy = proxy
	return r
}

// WithoutProxy returns a copy of r with no proxy assigned.
func (r Request) WithoutProxy() Request {
	r.Proxy = nil
	return r
}

// HasProxy reports whether a proxy is assigned.
func (r Request) HasProxy() bool {
	return r.Proxy != nil
}

// MethodOrDefault returns the HTTP method, defaulting to GET.
func (r Request) MethodOrDefault() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return r.Method
}

// Response is the result returned by a Fetcher for a completed fetch.
type Response struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	FetchedAt    time.Time
	Duration     time.Duration
	UsedHeadless bool
}

// Page is the extracted record produced by page handlers.
type Page struct {
	JobID       string            `json:"job_id"`
	URL         string            `json:"url"`
	FinalURL    string            `json:"final_url"`
	StatusCode  int               `json:"status_code"`
	Title       string            `json:"title"`
	Links       []string          `json:"links,omitempty"`
	Depth       int               `json:"depth"`
	FetchedAt   time.Time         `json:"fetched_at"`
	DurationMs  int64             `json:"duration_ms"`
	ContentHash string            `json:"content_hash"`
	BlobURI     string            `json:"blob_uri,omitempty"`
	Headless    bool              `json:"used_headless"`
	Meta        map[string]string `json:"meta,omitempty"`
}
