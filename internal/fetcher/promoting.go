package fetcher

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

// Promoting fetches through a cheap probe and re-renders with a headless
// browser when the detector judges the page to need JavaScript.
type Promoting struct {
	probe    crawler.Fetcher
	headless crawler.Fetcher
	detector crawler.HeadlessDetector
	logger   *zap.Logger
}

var _ crawler.Fetcher = (*Promoting)(nil)

// NewPromoting builds a Promoting fetcher. A nil headless fetcher or
// detector disables promotion.
func NewPromoting(
	probe crawler.Fetcher,
	headless crawler.Fetcher,
	detector crawler.HeadlessDetector,
	logger *zap.Logger,
) *Promoting {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Promoting{probe: probe, headless: headless, detector: detector, logger: logger}
}

// Fetch implements crawler.Fetcher. A failed headless render falls back to
// the probe response.
func (p *Promoting) Fetch(ctx context.Context, req crawler.Request) (crawler.Response, crawler.FetchStatus, error) {
	resp, status, err := p.probe.Fetch(ctx, req)
	if status != crawler.StatusComplete || p.headless == nil || p.detector == nil {
		return resp, status, err
	}
	if !p.detector.ShouldPromote(resp) {
		return resp, status, err
	}

	rendered, hStatus, hErr := p.headless.Fetch(ctx, req)
	if hStatus != crawler.StatusComplete {
		p.logger.Warn("headless promotion failed, keeping probe response",
			zap.String("url", req.URL),
			zap.String("status", hStatus.String()),
			zap.Error(hErr),
		)
		return resp, status, err
	}
	rendered.UsedHeadless = true
	return rendered, hStatus, hErr
}
