// Package queue provides the in-process job queues used by the crawl
// engine: FIFO, priority-ordered and a lazy variant that materializes jobs
// from a RequestSource on demand.
package queue
