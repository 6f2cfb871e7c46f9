package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlengine/internal/crawler"
	"github.com/JakeFAU/crawlengine/internal/engine"
	"github.com/JakeFAU/crawlengine/internal/fetcher/fake"
	"github.com/JakeFAU/crawlengine/internal/policy/backoff"
	"github.com/JakeFAU/crawlengine/internal/queue"
)

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	server := NewServer(newFakeCrawler(engine.StateNew), nil, Config{}, zap.NewNop())
	rec := serve(server, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_ReadyzFollowsState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state engine.State
		code  int
	}{
		{engine.StateNew, http.StatusServiceUnavailable},
		{engine.StateRunning, http.StatusOK},
		{engine.StateStopping, http.StatusServiceUnavailable},
		{engine.StateClosed, http.StatusServiceUnavailable},
	}
	for _, tc := range tests {
		server := NewServer(newFakeCrawler(tc.state), nil, Config{}, nil)
		rec := serve(server, http.MethodGet, "/readyz", nil, nil)
		require.Equal(t, tc.code, rec.Code, tc.state.String())
	}
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	server := NewServer(newFakeCrawler(engine.StateRunning), nil, Config{}, nil)
	_ = serve(server, http.MethodGet, "/healthz", nil, nil)
	rec := serve(server, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "admin_http_requests_total")
}

func TestServer_Stats(t *testing.T) {
	t.Parallel()

	fc := newFakeCrawler(engine.StateRunning)
	fc.stats = engine.Stats{State: "RUNNING", Workers: 4, Queued: 2}
	server := NewServer(fc, nil, Config{}, nil)

	rec := serve(server, http.MethodGet, "/v1/stats", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got engine.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, fc.stats, got)
}

func TestServer_SubmitRequest(t *testing.T) {
	t.Parallel()

	fc := newFakeCrawler(engine.StateRunning)
	server := NewServer(fc, nil, Config{}, nil)

	rec := serve(server, http.MethodPost, "/v1/requests",
		[]byte(`{"url":"https://example.com/item#x","priority":"high","method":"post"}`), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), `"priority":"high"`)

	job, ok := fc.queue.Poll()
	require.True(t, ok)
	require.Equal(t, "https://example.com/item", job.Request().URL)
	require.Equal(t, http.MethodPost, job.Request().Method)
	require.Equal(t, crawler.PriorityHigh, job.Priority())
	require.Nil(t, job.Handler())
}

func TestServer_SubmitRequestValidation(t *testing.T) {
	t.Parallel()

	server := NewServer(newFakeCrawler(engine.StateRunning), nil, Config{}, nil)
	for _, body := range []string{
		`not json`,
		`{"url":""}`,
		`{"url":"example.com"}`,
		`{"url":"ftp://example.com/"}`,
		`{"url":"https://example.com/","priority":"urgent"}`,
	} {
		rec := serve(server, http.MethodPost, "/v1/requests", []byte(body), nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestServer_SubmitRequestConflictWhenClosed(t *testing.T) {
	t.Parallel()

	fc := newFakeCrawler(engine.StateClosed)
	fc.queue.Close()
	server := NewServer(fc, nil, Config{}, nil)

	rec := serve(server, http.MethodPost, "/v1/requests", []byte(`{"url":"https://example.com/"}`), nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_SubmitRequestQueueFull(t *testing.T) {
	t.Parallel()

	fc := newFakeCrawler(engine.StateRunning)
	fc.queue = queue.NewFIFO(1)
	require.NoError(t, fc.queue.Add(crawler.NewJob("x", crawler.NewRequest("https://example.com/"), nil)))
	server := NewServer(fc, nil, Config{}, nil)

	rec := serve(server, http.MethodPost, "/v1/requests", []byte(`{"url":"https://example.com/2"}`), nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_APIKeyGuardsV1(t *testing.T) {
	t.Parallel()

	server := NewServer(newFakeCrawler(engine.StateRunning), nil, Config{APIKey: "secret"}, nil)

	require.Equal(t, http.StatusForbidden, serve(server, http.MethodGet, "/v1/stats", nil, nil).Code)
	require.Equal(t, http.StatusOK,
		serve(server, http.MethodGet, "/v1/stats", nil, http.Header{"X-Api-Key": {"secret"}}).Code)
	require.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/v1/stats?api_key=secret", nil, nil).Code)
	require.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/healthz", nil, nil).Code)
}

func TestServer_SubmitIntoRunningCrawl(t *testing.T) {
	t.Parallel()

	f := fake.Always(crawler.StatusComplete)
	c, err := engine.NewBuilder().
		Fetcher(f).
		Queue(queue.NewPriority(0)).
		MaxConnections(1).
		SleepScheduler(backoff.Zero()).
		Router(crawler.RouterFunc(func(crawler.Request) crawler.Handler { return &crawler.HandlerFuncs{} })).
		Build()
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	server := NewServer(c, nil, Config{}, nil)
	require.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/readyz", nil, nil).Code)
	rec := serve(server, http.MethodPost, "/v1/requests", []byte(`{"url":"https://example.com/"}`), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.NoError(t, c.Close())
	require.Equal(t, 1, f.Calls())
	rec = serve(server, http.MethodPost, "/v1/requests", []byte(`{"url":"https://example.com/"}`), nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_RecoversPanics(t *testing.T) {
	t.Parallel()

	server := NewServer(&panickingCrawler{fakeCrawler: newFakeCrawler(engine.StateRunning)}, nil, Config{}, nil)
	rec := serve(server, http.MethodGet, "/v1/stats", nil, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func serve(s *Server, method, target string, body []byte, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

// --- fakes ---

type fakeCrawler struct {
	state engine.State
	stats engine.Stats
	queue *queue.Queue
}

func newFakeCrawler(state engine.State) *fakeCrawler {
	return &fakeCrawler{state: state, queue: queue.NewPriority(0)}
}

func (f *fakeCrawler) State() engine.State { return f.state }

func (f *fakeCrawler) Stats() engine.Stats { return f.stats }

func (f *fakeCrawler) Scheduler() *crawler.Scheduler {
	return crawler.NewScheduler(f.queue, nil, zap.NewNop())
}

type panickingCrawler struct {
	*fakeCrawler
}

func (*panickingCrawler) Stats() engine.Stats { panic("stats exploded") }
