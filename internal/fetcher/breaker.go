package fetcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlengine/internal/crawler"
	"github.com/JakeFAU/crawlengine/internal/metrics"
)

// ErrCircuitOpen is returned with StatusFailed while a host's breaker is open.
var ErrCircuitOpen = errors.New("circuit open")

// BreakerConfig tunes the per-host breakers.
type BreakerConfig struct {
	// FailureThreshold failures within Window executions open the breaker.
	FailureThreshold uint
	Window           uint
	// Delay is how long the breaker stays open before probing.
	Delay time.Duration
	// SuccessThreshold half-open successes close the breaker again.
	SuccessThreshold uint
}

// DefaultBreakerConfig opens after 5 failures out of 10 and probes after 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Window: 10, Delay: 30 * time.Second, SuccessThreshold: 1}
}

// Breaker guards a Fetcher with one circuit breaker per host.
type Breaker struct {
	inner  crawler.Fetcher
	cfg    BreakerConfig
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]circuitbreaker.CircuitBreaker[any]
}

var _ crawler.Fetcher = (*Breaker)(nil)

// NewBreaker wraps inner.
func NewBreaker(inner crawler.Fetcher, cfg BreakerConfig, logger *zap.Logger) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.Window == 0 {
		cfg.Window = def.Window
	}
	if cfg.FailureThreshold == 0 || cfg.FailureThreshold > cfg.Window {
		cfg.FailureThreshold = min(def.FailureThreshold, cfg.Window)
	}
	if cfg.Delay <= 0 {
		cfg.Delay = def.Delay
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		inner:    inner,
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]circuitbreaker.CircuitBreaker[any]),
	}
}

// Fetch implements crawler.Fetcher. An open breaker fails the fetch without
// touching the network so the job goes through the normal retry path.
func (b *Breaker) Fetch(ctx context.Context, req crawler.Request) (crawler.Response, crawler.FetchStatus, error) {
	cb := b.breakerFor(crawler.HostOf(req.URL))
	if !cb.TryAcquirePermit() {
		return crawler.Response{URL: req.URL}, crawler.StatusFailed, ErrCircuitOpen
	}
	resp, status, err := b.inner.Fetch(ctx, req)
	switch status {
	case crawler.StatusComplete:
		cb.RecordSuccess()
	default:
		cb.RecordFailure()
	}
	return resp, status, err
}

// Open reports whether host's breaker is currently open.
func (b *Breaker) Open(host string) bool {
	b.mu.Lock()
	cb, ok := b.breakers[host]
	b.mu.Unlock()
	return ok && cb.IsOpen()
}

func (b *Breaker) breakerFor(host string) circuitbreaker.CircuitBreaker[any] {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[host]; ok {
		return cb
	}
	cb := circuitbreaker.NewBuilder[any]().
		WithFailureThresholdRatio(b.cfg.FailureThreshold, b.cfg.Window).
		WithDelay(b.cfg.Delay).
		WithSuccessThreshold(b.cfg.SuccessThreshold).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			to := stateName(event.NewState)
			b.logger.Warn("circuit breaker state change",
				zap.String("site", host),
				zap.String("from_state", stateName(event.OldState)),
				zap.String("to_state", to),
			)
			metrics.ObserveBreakerTransition(host, to)
		}).
		Build()
	b.breakers[host] = cb
	return cb
}

func stateName(state circuitbreaker.State) string {
	switch state {
	case circuitbreaker.OpenState:
		return "open"
	case circuitbreaker.HalfOpenState:
		return "half_open"
	default:
		return "closed"
	}
}
