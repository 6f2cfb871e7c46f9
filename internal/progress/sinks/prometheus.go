package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/crawlengine/internal/progress"
)

// PrometheusSink exports crawl progress as Prometheus collectors.
type PrometheusSink struct {
	fetchesStarted *prometheus.CounterVec
	fetchOutcomes  *prometheus.CounterVec
	fetchBytes     *prometheus.CounterVec
	fetchDuration  *prometheus.HistogramVec
	retries        *prometheus.CounterVec
	drops          *prometheus.CounterVec
	jobsHandled    *prometheus.CounterVec
	fatal          prometheus.Counter
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		fetchesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_fetches_started_total",
			Help: "Fetch attempts started per site.",
		}, []string{"site"}),
		fetchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_fetch_outcomes_total",
			Help: "Fetch attempts partitioned by site, outcome and status class.",
		}, []string{"site", "outcome", "status_class"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_fetch_bytes_total",
			Help: "Bytes downloaded per site.",
		}, []string{"site"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_fetch_duration_seconds",
			Help:    "Fetch duration partitioned by site and outcome.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"site", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_retries_total",
			Help: "Retries scheduled per site.",
		}, []string{"site"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_jobs_dropped_total",
			Help: "Jobs dropped after exhausting retries, per site.",
		}, []string{"site"}),
		jobsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_jobs_handled_total",
			Help: "Handler pipeline runs partitioned by result.",
		}, []string{"result"}),
		fatal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_fatal_total",
			Help: "Crawl-fatal conditions observed.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.fetchesStarted,
		s.fetchOutcomes,
		s.fetchBytes,
		s.fetchDuration,
		s.retries,
		s.drops,
		s.jobsHandled,
		s.fatal,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume implements progress.Sink.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	site := evt.Site
	if site == "" {
		site = "unknown"
	}
	switch evt.Stage {
	case progress.StageFetchStarted:
		s.fetchesStarted.WithLabelValues(site).Inc()
	case progress.StageFetchFinished:
		s.handleFetchFinished(site, evt)
	case progress.StageRetryScheduled:
		s.retries.WithLabelValues(site).Inc()
	case progress.StageJobDropped:
		s.drops.WithLabelValues(site).Inc()
	case progress.StageJobHandled:
		s.jobsHandled.WithLabelValues("success").Inc()
	case progress.StageHandlerFailed:
		s.jobsHandled.WithLabelValues("error").Inc()
	case progress.StageCrawlFatal:
		s.fatal.Inc()
	}
}

func (s *PrometheusSink) handleFetchFinished(site string, evt progress.Event) {
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(progress.StatusOther)
	}
	s.fetchOutcomes.WithLabelValues(site, evt.Outcome, statusClass).Inc()
	if evt.Bytes > 0 {
		s.fetchBytes.WithLabelValues(site).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.fetchDuration.WithLabelValues(site, evt.Outcome).Observe(evt.Dur.Seconds())
	}
}

// Close implements progress.Sink; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
