// Package proxy decides whether a failed request keeps its proxy on retry.
package proxy

import (
	"fmt"
	"math/rand/v2"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

// Retention keeps a failed request's proxy with probability p and clears it
// otherwise. Requests without a proxy pass through unchanged. The decision
// is redrawn on every retry.
type Retention struct {
	p      float64
	random func() float64
}

var _ crawler.ProxyPolicy = (*Retention)(nil)

// Option customizes a Retention.
type Option func(*Retention)

// WithRandom replaces the random source, which must return values in [0, 1)
// and be safe for concurrent use.
func WithRandom(random func() float64) Option {
	return func(r *Retention) {
		if random != nil {
			r.random = random
		}
	}
}

// New builds a Retention for probability p in [0, 1].
func New(p float64, opts ...Option) (*Retention, error) {
	if p < 0 || p > 1 {
		return nil, fmt.Errorf("proxy retention must be within [0,1], got %v", p)
	}
	r := &Retention{p: p, random: rand.Float64}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Probability returns the configured retention proportion.
func (r *Retention) Probability() float64 {
	return r.p
}

// Apply implements crawler.ProxyPolicy.
func (r *Retention) Apply(req crawler.Request) crawler.Request {
	if !req.HasProxy() {
		return req
	}
	if r.random() < r.p {
		return req
	}
	return req.WithoutProxy()
}
