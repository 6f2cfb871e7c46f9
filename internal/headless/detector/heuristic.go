// Package detector decides when a fetched page needs a headless render.
package detector

import (
	"bytes"
	"mime"
	"net/http"
	"strings"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

const (
	defaultBodyThreshold = 2048
	scriptCoveragePct    = 25
)

// Heuristic promotes pages that look like client-rendered shells.
type Heuristic struct {
	BodyLengthThreshold int
	markers             [][]byte
}

var _ crawler.HeadlessDetector = (*Heuristic)(nil)

var defaultMarkers = []string{
	"__next",
	`id="root"`,
	`id="app"`,
	"data-reactroot",
	"ng-version",
}

// NewHeuristic creates a detector. extraMarkers are matched as raw
// substrings of the body in addition to the built-in framework markers.
func NewHeuristic(threshold int, extraMarkers ...string) *Heuristic {
	if threshold <= 0 {
		threshold = defaultBodyThreshold
	}
	h := &Heuristic{BodyLengthThreshold: threshold}
	for _, m := range append(append([]string(nil), defaultMarkers...), extraMarkers...) {
		if m = strings.TrimSpace(m); m != "" {
			h.markers = append(h.markers, []byte(m))
		}
	}
	return h
}

// ShouldPromote implements crawler.HeadlessDetector. Only successful HTML
// responses are considered.
func (h *Heuristic) ShouldPromote(resp crawler.Response) bool {
	if resp.StatusCode != http.StatusOK || !isHTML(resp.Headers) {
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range h.markers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// isHTML treats a missing content type as HTML.
func isHTML(headers http.Header) bool {
	ct := headers.Get("Content-Type")
	if ct == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

// scriptDensityHigh reports whether script elements cover at least a
// quarter of the document.
func scriptDensityHigh(body []byte) bool {
	lower := bytes.ToLower(body)
	total := len(lower)
	if total == 0 {
		return false
	}

	openTag := []byte("<script")
	closeTag := []byte("</script>")
	coverage := 0
	rest := lower
	for {
		start := bytes.Index(rest, openTag)
		if start == -1 {
			break
		}
		tagClose := bytes.IndexByte(rest[start:], '>')
		if tagClose == -1 {
			// Unterminated tag: the remainder counts as script.
			coverage += len(rest) - start
			break
		}
		content := start + tagClose + 1
		end := bytes.Index(rest[content:], closeTag)
		if end == -1 {
			coverage += len(rest) - start
			break
		}
		next := content + end + len(closeTag)
		coverage += next - start
		rest = rest[next:]
	}
	return coverage*100/total >= scriptCoveragePct
}
