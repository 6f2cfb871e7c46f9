// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlengine/internal/crawler"
	"github.com/JakeFAU/crawlengine/internal/fetcher"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// Classifier maps results to fetch statuses. Nil classifies without
	// stop codes.
	Classifier *fetcher.Classifier
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	logger        *zap.Logger
	baseCollector *colly.Collector
	direct        http.RoundTripper
	// proxied caches one transport per proxy URL so connections are pooled
	// per upstream.
	proxied sync.Map
}

var _ crawler.Fetcher = (*Fetcher)(nil)

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Classifier == nil {
		cfg.Classifier = fetcher.NewClassifier(nil, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	direct := newHTTPTransport(http.ProxyFromEnvironment)
	c.WithTransport(direct)
	return &Fetcher{
		cfg:           cfg,
		logger:        logger,
		baseCollector: c,
		direct:        direct,
	}
}

// Fetch performs the request and classifies the outcome.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.Request) (crawler.Response, crawler.FetchStatus, error) {
	var (
		result   crawler.Response
		fetchErr error
	)
	start := time.Now()
	collector, robots := f.buildCollector(request, start, &result, &fetchErr)

	err := f.runCollector(ctx, collector, request, &fetchErr)
	if ctx.Err() != nil {
		return crawler.Response{URL: request.URL}, crawler.StatusFailed, err
	}
	if robots != nil && robots.fellBack() {
		f.logger.Warn("robots probe fell back to allow-all", zap.String("url", request.URL))
	}
	if err != nil {
		return crawler.Response{URL: request.URL, StatusCode: result.StatusCode},
			f.cfg.Classifier.Classify(request.URL, result.StatusCode, err), err
	}
	return result, f.cfg.Classifier.Classify(request.URL, result.StatusCode, nil), nil
}

func (f *Fetcher) buildCollector(
	request crawler.Request,
	start time.Time,
	result *crawler.Response,
	fetchErr *error,
) (*colly.Collector, *robotsProbeState) {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	// Retries revisit the same URL through the shared visited store.
	collector.AllowURLRevisit = true
	// Error statuses still reach OnResponse so the classifier sees them.
	collector.ParseHTTPErrorResponse = true
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.SetRequestTimeout(f.cfg.Timeout)

	base := f.transportFor(request)
	var robots *robotsProbeState
	if f.cfg.RespectRobots {
		robots = newRobotsProbeState()
		collector.WithTransport(&robotsAwareTransport{base: base, state: robots})
	} else {
		collector.WithTransport(base)
	}

	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector, robots
}

func (f *Fetcher) transportFor(request crawler.Request) http.RoundTripper {
	if !request.HasProxy() {
		return f.direct
	}
	key := request.Proxy.String()
	if rt, ok := f.proxied.Load(key); ok {
		return rt.(http.RoundTripper)
	}
	rt, _ := f.proxied.LoadOrStore(key, newHTTPTransport(http.ProxyURL(request.Proxy)))
	return rt.(http.RoundTripper)
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.Request,
	start time.Time,
	result *crawler.Response,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = crawler.Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			FetchedAt:  start.UTC(),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			result.StatusCode = r.StatusCode
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(
	ctx context.Context,
	collector *colly.Collector,
	request crawler.Request,
	fetchErr *error,
) error {
	var body io.Reader
	if len(request.Body) > 0 {
		body = bytes.NewReader(request.Body)
	}
	done := make(chan error, 1)
	go func() {
		done <- collector.Request(request.MethodOrDefault(), request.URL, body, nil, nil)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			if errors.Is(err, colly.ErrRobotsTxtBlocked) {
				return fmt.Errorf("colly visit blocked by robots.txt: %w", err)
			}
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func copyHeaders(request crawler.Request, r *colly.Request) {
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport(proxy func(*http.Request) (*url.URL, error)) *http.Transport {
	return &http.Transport{
		Proxy: proxy,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
