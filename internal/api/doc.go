// Package api hosts the admin HTTP server for a running crawl. Routes:
//   - GET /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stats for the crawler lifecycle state and queue counters.
//   - GET /v1/progress for per-stage and per-site progress tallies.
//   - POST /v1/requests to schedule a URL into the running crawl.
package api
