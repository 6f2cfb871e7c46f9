// Package archive provides a page handler that stores raw HTML, records
// extracted page metadata and follows same-site links.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

const (
	keyDigest   = "archive.digest"
	keyBlobURI  = "archive.blob_uri"
	keyDocument = "archive.document"
	keyTitle    = "archive.title"
	keyLinks    = "archive.links"
	keyPage     = "archive.page"

	defaultPrefix = "html"

	// SessionRunID is the session key whose string value tags published
	// page events with the crawl run.
	SessionRunID = "run_id"
)

// Config controls link following and storage layout.
type Config struct {
	// MaxDepth bounds follow-up scheduling; seeds are depth 0.
	MaxDepth int
	// SameHostOnly drops links that leave the page's host.
	SameHostOnly bool
	// BlobPrefix is the leading path segment for stored HTML.
	BlobPrefix string
	// Topic receives a PageEvent per handled page.
	Topic string
}

// Deps are the optional sinks the handler writes to. Hasher is required.
type Deps struct {
	Hasher    crawler.Hasher
	Blobs     crawler.BlobStore
	Pages     crawler.PageStore
	Publisher crawler.Publisher
}

// PageEvent is published once per handled page.
type PageEvent struct {
	RunID       string    `json:"run_id,omitempty"`
	JobID       string    `json:"job_id"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Depth       int       `json:"depth"`
	LinkCount   int       `json:"link_count"`
	ContentHash string    `json:"content_hash"`
	BlobURI     string    `json:"blob_uri,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// Handler archives HTML pages. It is safe for concurrent use by all workers.
type Handler struct {
	cfg     Config
	deps    Deps
	visited *visitSet
	logger  *zap.Logger
}

var (
	_ crawler.Handler           = (*Handler)(nil)
	_ crawler.StorageHook       = (*Handler)(nil)
	_ crawler.ContinueCrawlHook = (*Handler)(nil)
)

// New builds an archive Handler.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Handler, error) {
	if deps.Hasher == nil {
		return nil, errors.New("archive: hasher is required")
	}
	if cfg.MaxDepth < 0 {
		return nil, fmt.Errorf("archive: max depth must be >= 0, got %d", cfg.MaxDepth)
	}
	if cfg.BlobPrefix == "" {
		cfg.BlobPrefix = defaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{cfg: cfg, deps: deps, visited: newVisitSet(), logger: logger}, nil
}

// Seed schedules rawURLs at depth 0 with this handler. URLs already seen
// are skipped; the number scheduled is returned.
func (h *Handler) Seed(s *crawler.Scheduler, rawURLs ...string) (int, error) {
	reqs := make([]crawler.Request, 0, len(rawURLs))
	for _, raw := range rawURLs {
		reqs = append(reqs, crawler.NewRequest(raw))
	}
	return h.SeedRequests(s, reqs...)
}

// SeedRequests is Seed for prepared requests, keeping their method,
// headers and proxy.
func (h *Handler) SeedRequests(s *crawler.Scheduler, reqs ...crawler.Request) (int, error) {
	scheduled := 0
	for _, req := range reqs {
		canonical, _, err := crawler.CanonicalizeURL(req.URL)
		if err != nil {
			return scheduled, fmt.Errorf("seed %q: %w", req.URL, err)
		}
		if !h.visited.MarkIfNew(canonical) {
			continue
		}
		req.URL = canonical
		if err := s.Add(req, h, crawler.WithDepth(0)); err != nil {
			h.visited.Unmark(canonical)
			return scheduled, fmt.Errorf("seed %q: %w", canonical, err)
		}
		scheduled++
	}
	return scheduled, nil
}

// Visited reports how many distinct URLs the handler has scheduled or seen.
func (h *Handler) Visited() int {
	return h.visited.Len()
}

// UseStorage hashes the body and writes it to the blob store.
func (h *Handler) UseStorage(hc *crawler.HandlerContext) error {
	resp := hc.Response()
	digest, err := h.deps.Hasher.Hash(resp.Body)
	if err != nil {
		return fmt.Errorf("hash body: %w", err)
	}
	hc.Set(keyDigest, digest)
	if h.deps.Blobs == nil {
		return nil
	}
	key := path.Join(h.cfg.BlobPrefix, crawler.HostOf(finalURL(hc)), digest+".html")
	uri, err := h.deps.Blobs.PutObject(hc.Context(), key, contentType(resp), bytes.NewReader(resp.Body))
	if err != nil {
		return fmt.Errorf("store blob %s: %w", key, err)
	}
	hc.Set(keyBlobURI, uri)
	return nil
}

// Tokenize parses the body as HTML.
func (h *Handler) Tokenize(hc *crawler.HandlerContext) error {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(hc.Response().Body))
	if err != nil {
		return fmt.Errorf("parse html: %w", err)
	}
	hc.Set(keyDocument, doc)
	return nil
}

// Parse collects the title and the page's canonical outbound links.
func (h *Handler) Parse(hc *crawler.HandlerContext) error {
	doc, err := value[*goquery.Document](hc, keyDocument)
	if err != nil {
		return err
	}
	base, err := url.Parse(finalURL(hc))
	if err != nil {
		return fmt.Errorf("parse base url: %w", err)
	}

	hc.Set(keyTitle, strings.TrimSpace(doc.Find("title").First().Text()))

	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		link, ok := crawler.ResolveLink(base, href)
		if !ok {
			return
		}
		if h.cfg.SameHostOnly {
			target, err := url.Parse(link)
			if err != nil || !crawler.SameHost(base, target) {
				return
			}
		}
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	})
	hc.Set(keyLinks, links)
	return nil
}

// Extract builds the page record and writes it to the page store.
func (h *Handler) Extract(hc *crawler.HandlerContext) error {
	resp := hc.Response()
	job := hc.Job()
	title, _ := value[string](hc, keyTitle)
	links, _ := value[[]string](hc, keyLinks)
	digest, _ := value[string](hc, keyDigest)
	blobURI, _ := value[string](hc, keyBlobURI)

	page := crawler.Page{
		JobID:       job.ID(),
		URL:         job.Request().URL,
		FinalURL:    finalURL(hc),
		StatusCode:  resp.StatusCode,
		Title:       title,
		Links:       links,
		Depth:       job.Depth(),
		FetchedAt:   resp.FetchedAt,
		DurationMs:  resp.Duration.Milliseconds(),
		ContentHash: digest,
		BlobURI:     blobURI,
		Headless:    resp.UsedHeadless,
	}
	if ct := contentType(resp); ct != "" {
		page.Meta = map[string]string{"content_type": ct}
	}
	hc.Set(keyPage, page)

	if h.deps.Pages == nil {
		return nil
	}
	if err := h.deps.Pages.StorePage(hc.Context(), page); err != nil {
		return fmt.Errorf("store page: %w", err)
	}
	return nil
}

// ContinueCrawl schedules unseen links one level deeper and publishes the
// page event off the worker goroutine.
func (h *Handler) ContinueCrawl(hc *crawler.HandlerContext) error {
	page, err := value[crawler.Page](hc, keyPage)
	if err != nil {
		return err
	}
	h.visited.MarkIfNew(page.URL)
	h.visited.MarkIfNew(page.FinalURL)

	if page.Depth < h.cfg.MaxDepth {
		for _, link := range page.Links {
			if !h.visited.MarkIfNew(link) {
				continue
			}
			err := hc.Scheduler().Add(crawler.NewRequest(link), h, crawler.WithDepth(page.Depth+1))
			if err != nil {
				h.visited.Unmark(link)
			}
			if errors.Is(err, crawler.ErrQueueClosed) {
				h.logger.Debug("queue closed, not following links", zap.String("url", page.URL))
				break
			}
			if err != nil {
				h.logger.Warn("follow-up not scheduled", zap.String("url", link), zap.Error(err))
			}
		}
	}

	if h.deps.Publisher != nil {
		evt := PageEvent{
			JobID:       page.JobID,
			URL:         page.URL,
			Title:       page.Title,
			Depth:       page.Depth,
			LinkCount:   len(page.Links),
			ContentHash: page.ContentHash,
			BlobURI:     page.BlobURI,
			FetchedAt:   page.FetchedAt,
		}
		evt.RunID, _ = crawler.SessionValue[string](hc.Session(), SessionRunID)
		hc.Tasks().Go(func(ctx context.Context) error {
			if _, err := h.deps.Publisher.Publish(ctx, h.cfg.Topic, evt); err != nil {
				h.logger.Warn("page event not published", zap.String("url", evt.URL), zap.Error(err))
			}
			return nil
		})
	}
	return nil
}

func value[T any](hc *crawler.HandlerContext, key string) (T, error) {
	var zero T
	raw, ok := hc.Value(key)
	if !ok {
		return zero, fmt.Errorf("archive: %s not set", key)
	}
	typed, ok := raw.(T)
	if !ok {
		return zero, fmt.Errorf("archive: %s has type %T", key, raw)
	}
	return typed, nil
}

func finalURL(hc *crawler.HandlerContext) string {
	if u := hc.Response().URL; u != "" {
		return u
	}
	return hc.Request().URL
}

func contentType(resp crawler.Response) string {
	if resp.Headers == nil {
		return ""
	}
	return resp.Headers.Get("Content-Type")
}
