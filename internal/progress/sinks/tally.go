package sinks

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/JakeFAU/crawlengine/internal/progress"
)

// SiteTally aggregates fetch outcomes for one host.
type SiteTally struct {
	Site      string `json:"site"`
	Fetches   int64  `json:"fetches"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Retries   int64  `json:"retries"`
	Dropped   int64  `json:"dropped"`
	Bytes     int64  `json:"bytes"`
}

// Snapshot is a point-in-time copy of a TallySink.
type Snapshot struct {
	Stages map[progress.Stage]int64 `json:"stages"`
	Sites  []SiteTally              `json:"sites"`
}

// TallySink keeps in-memory counters per stage and per site for the admin
// API.
type TallySink struct {
	mu     sync.Mutex
	stages map[progress.Stage]int64
	sites  map[string]*SiteTally
}

// NewTallySink constructs an empty TallySink.
func NewTallySink() *TallySink {
	return &TallySink{
		stages: make(map[progress.Stage]int64),
		sites:  make(map[string]*SiteTally),
	}
}

// Consume implements progress.Sink.
func (s *TallySink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		s.stages[evt.Stage]++
		if evt.Site == "" {
			continue
		}
		site := s.site(evt.Site)
		switch evt.Stage {
		case progress.StageFetchFinished:
			site.Fetches++
			site.Bytes += evt.Bytes
			if evt.Outcome == "COMPLETE" {
				site.Completed++
			} else {
				site.Failed++
			}
		case progress.StageRetryScheduled:
			site.Retries++
		case progress.StageJobDropped:
			site.Dropped++
		}
	}
	return nil
}

func (s *TallySink) site(name string) *SiteTally {
	t, ok := s.sites[name]
	if !ok {
		t = &SiteTally{Site: name}
		s.sites[name] = t
	}
	return t
}

// Snapshot returns stage counts and the busiest sites, most fetches first.
// limit <= 0 returns every site.
func (s *TallySink) Snapshot(limit int) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Stages: make(map[progress.Stage]int64, len(s.stages)),
		Sites:  make([]SiteTally, 0, len(s.sites)),
	}
	for stage, n := range s.stages {
		snap.Stages[stage] = n
	}
	for _, t := range s.sites {
		snap.Sites = append(snap.Sites, *t)
	}
	slices.SortFunc(snap.Sites, func(a, b SiteTally) int {
		if c := cmp.Compare(b.Fetches, a.Fetches); c != 0 {
			return c
		}
		return cmp.Compare(a.Site, b.Site)
	})
	if limit > 0 && len(snap.Sites) > limit {
		snap.Sites = snap.Sites[:limit]
	}
	return snap
}

// Close implements progress.Sink.
func (s *TallySink) Close(context.Context) error { return nil }
