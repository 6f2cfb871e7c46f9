// Package crawler defines the core types of the crawl engine: requests,
// jobs, attributes, sessions, the handler pipeline, the scheduler and the
// narrow interfaces the engine consumes (fetchers, queues, routers and
// retry policies).
package crawler
