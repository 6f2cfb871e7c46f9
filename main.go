// Package main is the crawlengine executable.
//
// Architecture overview:
//   - Engine: internal/engine owns a job queue and a fixed pool of workers. Each worker takes a job, waits on the
//     per-host rate limiter, applies the proxy retention policy and fetches. COMPLETE responses run the handler
//     pipeline, FAILED ones are retried after a backoff sleep until max tries, and STOP drops the job.
//   - Fetch pipeline: a Colly probe fetch, optionally promoted to a headless Chromedp render when the heuristic
//     detector sees a script-heavy page, optionally wrapped in a per-host circuit breaker.
//   - Archive handler: stores raw HTML in the blob store (memory/local/GCS), records page rows (memory/Postgres),
//     follows same-site links up to the configured depth and publishes a page event (memory/Pub/Sub).
//   - Sources: a lazy queue can pull requests from a Redis list or a Kafka topic next to scheduled jobs.
//   - Plumbing: Viper config (CRAWLER_ env prefix), zap logging, Prometheus metrics, progress hub sinks and
//     optional OpenTelemetry spans per fetch attempt.
//
// Quick checklist:
//   - Run a one-off crawl: crawlengine crawl --config config.yaml https://example.com
//   - Run as a service fed by the admin API or a source: crawlengine serve --config config.yaml
//   - SIGINT/SIGTERM interrupts: queued jobs are discarded and in-flight fetches cancelled.
package main

import (
	"github.com/JakeFAU/crawlengine/cmd"
)

func main() {
	cmd.Execute()
}
