package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/JakeFAU/crawlengine/internal/progress/sinks"
)

const (
	defaultSitesLimit = 100
	maxSitesLimit     = 1000
)

// ProgressHandler exposes read-only crawl progress.
type ProgressHandler struct {
	tally *sinks.TallySink
}

// NewProgressHandler wires the tally sink.
func NewProgressHandler(tally *sinks.TallySink) *ProgressHandler {
	return &ProgressHandler{tally: tally}
}

// Snapshot handles GET /v1/progress?limit=. It returns stage counts and the
// busiest sites, 400 for an invalid limit, or 503 when progress is not tracked.
func (h *ProgressHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	if h.tally == nil {
		writeError(w, http.StatusServiceUnavailable, "progress tracking disabled")
		return
	}
	limit, err := parseLimit(r, defaultSitesLimit, maxSitesLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.tally.Snapshot(limit))
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(val, maxLimit), nil
}
