// Package metrics exposes Prometheus collectors for the crawl engine.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	activeWorkers              prometheus.Gauge
	queueDiscardedTotal        prometheus.Counter
	rateLimitDelaySeconds      *prometheus.HistogramVec
	breakerTransitionsTotal    *prometheus.CounterVec
	robotsProbeFallbackTotal   prometheus.Counter
	adminRequestsTotal         *prometheus.CounterVec
	adminRequestDurationSecond *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to
// call more than once; the Observe helpers call it themselves.
func Init() {
	once.Do(func() {
		activeWorkers = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_active_workers",
			Help: "Number of workers currently processing a job.",
		})

		queueDiscardedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "crawler_queue_discarded_total",
			Help: "Jobs discarded from the queue by an interrupt.",
		})

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the politeness limiter.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		breakerTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_breaker_transitions_total",
				Help: "Circuit breaker state changes, labeled by site and new state.",
			},
			[]string{"site", "state"},
		)

		robotsProbeFallbackTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "crawler_robots_probe_fallback_total",
			Help: "robots.txt probes that gave up after TLS handshake timeouts and allowed all paths.",
		})

		adminRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admin_http_requests_total",
				Help: "Admin API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		adminRequestDurationSecond = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "admin_http_request_duration_seconds",
				Help:    "Admin API latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname, or "unknown" if rawURL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveDiscarded counts jobs dropped from the queue on interrupt.
func ObserveDiscarded(n int) {
	Init()
	if n > 0 {
		queueDiscardedTotal.Add(float64(n))
	}
}

// ObserveRateLimitDelay records the duration of a limiter wait.
func ObserveRateLimitDelay(rawURL string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(SanitizeSite(rawURL)).Observe(duration.Seconds())
}

// ObserveBreakerTransition counts a circuit breaker state change.
func ObserveBreakerTransition(site, state string) {
	Init()
	breakerTransitionsTotal.WithLabelValues(site, state).Inc()
}

// ObserveRobotsFallback counts a robots.txt probe that fell back to allow-all.
func ObserveRobotsFallback() {
	Init()
	robotsProbeFallbackTotal.Inc()
}

// ObserveHTTPRequest records an admin API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	adminRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	adminRequestDurationSecond.WithLabelValues(method, route).Observe(duration.Seconds())
}
