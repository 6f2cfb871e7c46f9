// Package router resolves handlers for jobs scheduled without one.
package router

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

// Router matches requests against registered URL patterns in registration
// order. The first match wins; otherwise the fallback handler is used.
type Router struct {
	mu       sync.RWMutex
	routes   []route
	fallback crawler.Handler
}

type route struct {
	pattern string
	match   func(req crawler.Request) bool
	handler crawler.Handler
}

var _ crawler.HandlerRouter = (*Router)(nil)

// New creates a Router. fallback may be nil, in which case unmatched
// requests resolve to no handler.
func New(fallback crawler.Handler) *Router {
	return &Router{fallback: fallback}
}

// Register routes URLs matching the regular expression expr to h.
func (r *Router) Register(expr string, h crawler.Handler) error {
	if h == nil {
		return errors.New("router: nil handler")
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return fmt.Errorf("router: compile %q: %w", expr, err)
	}
	r.add(route{
		pattern: expr,
		match:   func(req crawler.Request) bool { return re.MatchString(req.URL) },
		handler: h,
	})
	return nil
}

// RegisterHost routes requests whose host matches pattern to h. The pattern
// is an exact host or a "*.example.com" wildcard, which also matches
// example.com itself.
func (r *Router) RegisterHost(pattern string, h crawler.Handler) error {
	if h == nil {
		return errors.New("router: nil handler")
	}
	hp, err := parseHostPattern(pattern)
	if err != nil {
		return err
	}
	r.add(route{
		pattern: pattern,
		match:   func(req crawler.Request) bool { return hp.matches(crawler.HostOf(req.URL)) },
		handler: h,
	})
	return nil
}

func (r *Router) add(rt route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, rt)
}

// Resolve implements crawler.HandlerRouter.
func (r *Router) Resolve(req crawler.Request) crawler.Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rt := range r.routes {
		if rt.match(req) {
			return rt.handler
		}
	}
	return r.fallback
}

// Patterns lists the registered patterns in match order.
func (r *Router) Patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.routes))
	for i, rt := range r.routes {
		out[i] = rt.pattern
	}
	return out
}

type hostPattern struct {
	exact  string
	suffix string
}

func parseHostPattern(raw string) (hostPattern, error) {
	value := strings.TrimSpace(strings.ToLower(raw))
	switch {
	case strings.HasPrefix(value, "*."):
		value = strings.TrimPrefix(value, "*.")
		if value == "" {
			return hostPattern{}, fmt.Errorf("router: empty host wildcard %q", raw)
		}
		return hostPattern{suffix: value}, nil
	case strings.HasPrefix(value, "."):
		value = strings.TrimPrefix(value, ".")
		if value == "" {
			return hostPattern{}, fmt.Errorf("router: empty host wildcard %q", raw)
		}
		return hostPattern{suffix: value}, nil
	case value == "":
		return hostPattern{}, errors.New("router: empty host pattern")
	default:
		return hostPattern{exact: value}, nil
	}
}

func (p hostPattern) matches(host string) bool {
	if p.exact != "" {
		return host == p.exact
	}
	return host == p.suffix || strings.HasSuffix(host, "."+p.suffix)
}
