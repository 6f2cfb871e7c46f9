// Package progress carries crawl lifecycle events from workers to sinks.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageFetchStarted   Stage = "FETCH_STARTED"
	StageFetchFinished  Stage = "FETCH_FINISHED"
	StageRetryScheduled Stage = "RETRY_SCHEDULED"
	StageJobDropped     Stage = "JOB_DROPPED"
	StageJobHandled     Stage = "JOB_HANDLED"
	StageHandlerFailed  Stage = "HANDLER_FAILED"
	StageCrawlFatal     Stage = "CRAWL_FATAL"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures one step of a job's life.
type Event struct {
	// JobID identifies the job the event belongs to.
	JobID string
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Site scopes fetch events to a host label.
	Site string
	URL  string
	// Outcome is the fetch status name for FETCH_FINISHED events.
	Outcome string
	// Tries is the job's retry count when the event fired.
	Tries       int
	Bytes       int64
	StatusClass StatusClass
	Dur         time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageFetchStarted, StageRetryScheduled, StageJobDropped:
		if e.Site == "" {
			return fmt.Errorf("%s requires site", e.Stage)
		}
	case StageFetchFinished:
		if e.Site == "" {
			return errors.New("fetch finished requires site")
		}
		if e.Outcome == "" {
			return errors.New("fetch finished requires outcome")
		}
	case StageJobHandled, StageHandlerFailed, StageCrawlFatal:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
