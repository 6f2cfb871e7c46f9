package fetcher

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlengine/internal/crawler"
	"github.com/JakeFAU/crawlengine/internal/fetcher/fake"
)

func TestClassifier(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		code int
		err  error
		want crawler.FetchStatus
	}{
		{name: "ok", code: http.StatusOK, want: crawler.StatusComplete},
		{name: "not found is handled", code: http.StatusNotFound, want: crawler.StatusComplete},
		{name: "server error retries", code: http.StatusBadGateway, want: crawler.StatusFailed},
		{name: "throttled retries", code: http.StatusTooManyRequests, want: crawler.StatusFailed},
		{name: "transport error", err: errors.New("reset"), want: crawler.StatusFailed},
		{name: "stop code", code: http.StatusUnavailableForLegalReasons, want: crawler.StatusStop},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := NewClassifier([]int{http.StatusUnavailableForLegalReasons}, 1)
			require.Equal(t, tc.want, c.Classify("https://example.com/x", tc.code, tc.err))
		})
	}
}

func TestClassifierStopThresholdPerHost(t *testing.T) {
	t.Parallel()

	c := NewClassifier([]int{http.StatusForbidden}, 2)
	require.Equal(t, crawler.StatusFailed, c.Classify("https://a.test/1", http.StatusForbidden, nil))
	require.Equal(t, crawler.StatusFailed, c.Classify("https://b.test/1", http.StatusForbidden, nil))
	require.False(t, c.Stopped("a.test"))
	require.Equal(t, crawler.StatusStop, c.Classify("https://A.test/2", http.StatusForbidden, nil))
	require.True(t, c.Stopped("a.test"))
	require.False(t, c.Stopped("b.test"))
}

func TestBreakerOpensAndShortCircuits(t *testing.T) {
	t.Parallel()

	inner := fake.Always(crawler.StatusFailed)
	b := NewBreaker(inner, BreakerConfig{FailureThreshold: 2, Window: 2, Delay: time.Minute}, zap.NewNop())
	req := crawler.NewRequest("https://flaky.test/")

	for range 2 {
		_, status, err := b.Fetch(context.Background(), req)
		require.Equal(t, crawler.StatusFailed, status)
		require.ErrorIs(t, err, fake.ErrScripted)
	}
	require.True(t, b.Open("flaky.test"))

	_, status, err := b.Fetch(context.Background(), req)
	require.Equal(t, crawler.StatusFailed, status)
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.Equal(t, 2, inner.Calls())

	other := crawler.NewRequest("https://other.test/")
	_, _, err = b.Fetch(context.Background(), other)
	require.ErrorIs(t, err, fake.ErrScripted, "breakers are per host")
}

func TestBreakerStaysClosedOnSuccess(t *testing.T) {
	t.Parallel()

	inner := fake.New()
	b := NewBreaker(inner, BreakerConfig{}, nil)
	for range 5 {
		_, status, err := b.Fetch(context.Background(), crawler.NewRequest("https://ok.test/"))
		require.NoError(t, err)
		require.Equal(t, crawler.StatusComplete, status)
	}
	require.False(t, b.Open("ok.test"))
}

func TestPromotingUsesHeadlessWhenDetectorAsks(t *testing.T) {
	t.Parallel()

	probe := fake.New().WithBody("<div id=\"root\"></div>")
	headless := fake.New().WithBody("<html>rendered</html>")
	p := NewPromoting(probe, headless, detectorFunc(func(crawler.Response) bool { return true }), zap.NewNop())

	resp, status, err := p.Fetch(context.Background(), crawler.NewRequest("https://spa.test/"))
	require.NoError(t, err)
	require.Equal(t, crawler.StatusComplete, status)
	require.True(t, resp.UsedHeadless)
	require.Equal(t, "<html>rendered</html>", string(resp.Body))
	require.Equal(t, 1, probe.Calls())
	require.Equal(t, 1, headless.Calls())
}

func TestPromotingKeepsProbeResponse(t *testing.T) {
	t.Parallel()

	t.Run("detector declines", func(t *testing.T) {
		t.Parallel()
		probe := fake.New().WithBody("static")
		headless := fake.New()
		p := NewPromoting(probe, headless, detectorFunc(func(crawler.Response) bool { return false }), nil)
		resp, _, err := p.Fetch(context.Background(), crawler.NewRequest("https://static.test/"))
		require.NoError(t, err)
		require.False(t, resp.UsedHeadless)
		require.Zero(t, headless.Calls())
	})

	t.Run("headless fails", func(t *testing.T) {
		t.Parallel()
		probe := fake.New().WithBody("shell")
		headless := fake.Always(crawler.StatusFailed)
		p := NewPromoting(probe, headless, detectorFunc(func(crawler.Response) bool { return true }), nil)
		resp, status, err := p.Fetch(context.Background(), crawler.NewRequest("https://spa.test/"))
		require.NoError(t, err)
		require.Equal(t, crawler.StatusComplete, status)
		require.Equal(t, "shell", string(resp.Body))
	})

	t.Run("probe failure is not promoted", func(t *testing.T) {
		t.Parallel()
		probe := fake.Always(crawler.StatusFailed)
		headless := fake.New()
		p := NewPromoting(probe, headless, detectorFunc(func(crawler.Response) bool { return true }), nil)
		_, status, _ := p.Fetch(context.Background(), crawler.NewRequest("https://down.test/"))
		require.Equal(t, crawler.StatusFailed, status)
		require.Zero(t, headless.Calls())
	})
}

type detectorFunc func(crawler.Response) bool

func (f detectorFunc) ShouldPromote(resp crawler.Response) bool { return f(resp) }
