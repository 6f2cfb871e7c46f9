package engine

import (
	"context"
	"errors"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlengine/internal/crawler"
	"github.com/JakeFAU/crawlengine/internal/fetcher/fake"
	"github.com/JakeFAU/crawlengine/internal/policy/backoff"
	"github.com/JakeFAU/crawlengine/internal/policy/proxy"
	"github.com/JakeFAU/crawlengine/internal/queue"
)

const testURL = "https://example.com/page"

func TestCrawler_GracefulCloseFetchesEveryJob(t *testing.T) {
	t.Parallel()

	fetcher := fake.New(crawler.StatusComplete, crawler.StatusComplete, crawler.StatusComplete)
	c := newTestCrawler(t, fetcher, queue.NewFIFO(0), func(b *Builder) { b.MaxTries(2) })

	err := c.Scope(context.Background(), func(s *crawler.Scheduler) error {
		for range 3 {
			if err := s.Add(crawler.NewRequest(testURL), noopHandler()); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, fetcher.Calls())
	require.Equal(t, StateClosed, c.State())
}

func TestCrawler_StartAndClose(t *testing.T) {
	t.Parallel()

	fetcher := fake.New()
	c := newTestCrawler(t, fetcher, queue.NewFIFO(0), nil)
	for range 3 {
		require.NoError(t, c.Scheduler().Add(crawler.NewRequest(testURL), noopHandler()))
	}

	require.NoError(t, c.StartAndClose(context.Background()))
	require.Equal(t, 3, fetcher.Calls())
}

func TestCrawler_RetriesUntilComplete(t *testing.T) {
	t.Parallel()

	fetcher := fake.New(crawler.StatusFailed, crawler.StatusFailed, crawler.StatusComplete)
	c := newTestCrawler(t, fetcher, queue.NewFIFO(0), func(b *Builder) { b.MaxTries(5) })

	err := c.Scope(context.Background(), func(s *crawler.Scheduler) error {
		return s.Add(crawler.NewRequest(testURL), noopHandler())
	})
	require.NoError(t, err)
	require.Equal(t, 3, fetcher.Calls())
}

func TestCrawler_DropsJobAfterMaxTries(t *testing.T) {
	t.Parallel()

	script := make([]crawler.FetchStatus, 7)
	for i := range script {
		script[i] = crawler.StatusFailed
	}
	fetcher := fake.New(script...)
	c := newTestCrawler(t, fetcher, queue.NewFIFO(0), func(b *Builder) { b.MaxTries(5) })

	err := c.Scope(context.Background(), func(s *crawler.Scheduler) error {
		return s.Add(crawler.NewRequest(testURL), noopHandler())
	})
	require.NoError(t, err, "exhausted retries are not a crawl failure")
	require.Equal(t, 5, fetcher.Calls())
}

func TestCrawler_RetryIntoFullQueueStillDrains(t *testing.T) {
	t.Parallel()

	fetcher := fake.Always(crawler.StatusFailed).WithDelay(20 * time.Millisecond)
	c := newTestCrawler(t, fetcher, queue.NewFIFO(1), func(b *Builder) {
		b.MaxConnections(1).MaxTries(3)
	})
	require.NoError(t, c.Start(context.Background()))

	require.NoError(t, c.Scheduler().Add(crawler.NewRequest(testURL), noopHandler()))
	require.Eventually(t, func() bool { return fetcher.Calls() >= 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Scheduler().Add(crawler.NewRequest(testURL+"?b"), noopHandler()))

	closed := make(chan error, 1)
	go func() { closed <- c.Close() }()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("close did not return: calls=%d queued=%d", fetcher.Calls(), c.Stats().Queued)
	}
	require.Equal(t, 6, fetcher.Calls())
}

func TestCrawler_ProxyRetention(t *testing.T) {
	t.Parallel()

	proxyURL, err := url.Parse("http://127.0.0.1:8080")
	require.NoError(t, err)

	tests := []struct {
		name      string
		retain    float64
		wantProxy bool
	}{
		{name: "removed", retain: 0.2, wantProxy: false},
		{name: "retained", retain: 0.8, wantProxy: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			policy, err := proxy.New(tc.retain, proxy.WithRandom(func() float64 { return 0.5 }))
			require.NoError(t, err)
			fetcher := fake.New(crawler.StatusFailed, crawler.StatusComplete)
			c := newTestCrawler(t, fetcher, queue.NewFIFO(0), func(b *Builder) {
				b.MaxTries(5).ProxyPolicy(policy)
			})

			handler := &crawler.HandlerFuncs{ParseFn: func(hc *crawler.HandlerContext) error {
				if hc.Request().HasProxy() != tc.wantProxy {
					return crawler.Fatalf("proxy present = %t", hc.Request().HasProxy())
				}
				return nil
			}}
			err = c.Scope(context.Background(), func(s *crawler.Scheduler) error {
				return s.Add(crawler.NewRequest(testURL).WithProxy(proxyURL), handler)
			})
			require.NoError(t, err)
			require.Equal(t, 2, fetcher.Calls())

			seen := fetcher.Requests()
			require.True(t, seen[0].HasProxy())
			require.Equal(t, tc.wantProxy, seen[1].HasProxy())
		})
	}
}

func TestCrawler_ProxyKeptWithoutFailure(t *testing.T) {
	t.Parallel()

	proxyURL, err := url.Parse("http://127.0.0.1:8080")
	require.NoError(t, err)
	fetcher := fake.New()
	c := newTestCrawler(t, fetcher, queue.NewFIFO(0), func(b *Builder) { b.RetainProxy(0) })

	err = c.Scope(context.Background(), func(s *crawler.Scheduler) error {
		return s.Add(crawler.NewRequest(testURL).WithProxy(proxyURL), noopHandler())
	})
	require.NoError(t, err)
	require.Equal(t, 1, fetcher.Calls())
	require.Equal(t, proxyURL, fetcher.Requests()[0].Proxy)
}

func TestCrawler_LazyQueue(t *testing.T) {
	t.Parallel()

	source := crawler.URLSource(testURL, testURL, testURL)
	q := queue.NewLazy(source, queue.LazyConfig{Handler: noopHandler()})
	fetcher := fake.New()
	c := newTestCrawler(t, fetcher, q, func(b *Builder) { b.MaxTries(5).RetainProxy(0.2) })

	err := c.Scope(context.Background(), func(s *crawler.Scheduler) error {
		return s.Add(crawler.NewRequest(testURL), noopHandler())
	})
	require.NoError(t, err)
	require.Equal(t, 4, fetcher.Calls())
	require.True(t, q.Exhausted())
}

func TestCrawler_RouterResolvesHandler(t *testing.T) {
	t.Parallel()

	var routed atomic.Int32
	router := crawler.RouterFunc(func(crawler.Request) crawler.Handler {
		return &crawler.HandlerFuncs{ExtractFn: func(*crawler.HandlerContext) error {
			routed.Add(1)
			return nil
		}}
	})
	fetcher := fake.New()
	c := newTestCrawler(t, fetcher, queue.NewFIFO(0), func(b *Builder) { b.MaxTries(1).Router(router) })

	err := c.Scope(context.Background(), func(s *crawler.Scheduler) error {
		return s.AddURL(testURL)
	})
	require.NoError(t, err)
	require.Equal(t, 1, fetcher.Calls())
	require.EqualValues(t, 1, routed.Load())
}

func TestCrawler_SessionIsShared(t *testing.T) {
	t.Parallel()

	session := crawler.NewSession(map[string]any{"region": "us"})
	fetcher := fake.New()
	c := newTestCrawler(t, fetcher, queue.NewFIFO(0), func(b *Builder) { b.MaxTries(1).Session(session) })

	handler := &crawler.HandlerFuncs{ParseFn: func(hc *crawler.HandlerContext) error {
		region, ok := crawler.SessionValue[string](hc.Session(), "region")
		if !ok || region != "us" {
			return crawler.Fatalf("unexpected session %v", hc.Session())
		}
		return nil
	}}
	err := c.Scope(context.Background(), func(s *crawler.Scheduler) error {
		return s.Add(crawler.NewRequest(testURL), handler)
	})
	require.NoError(t, err)
}

func TestCrawler_EmptySessionByDefault(t *testing.T) {
	t.Parallel()

	fetcher := fake.New()
	c := newTestCrawler(t, fetcher, queue.NewFIFO(0), func(b *Builder) { b.MaxTries(1) })
	handler := &crawler.HandlerFuncs{ParseFn: func(hc *crawler.HandlerContext) error {
		if !hc.Session().IsEmpty() {
			return crawler.Fatalf("expected empty session")
		}
		return nil
	}}
	err := c.Scope(context.Background(), func(s *crawler.Scheduler) error {
		return s.Add(crawler.NewRequest(testURL), handler)
	})
	require.NoError(t, err)
	require.Equal(t, 1, fetcher.Calls())
}

func TestCrawler_InterruptBeforeEnqueue(t *testing.T) {
	t.Parallel()

	fetcher := fake.New()
	c := newTestCrawler(t, fetcher, queue.NewFIFO(0), func(b *Builder) { b.MaxTries(1) })

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.InterruptAndClose())
	err := c.Scheduler().Add(crawler.NewRequest(testURL), noopHandler())
	require.ErrorIs(t, err, crawler.ErrQueueClosed)
	require.Zero(t, fetcher.Calls())
	require.Equal(t, StateClosed, c.State())
}

func TestCrawler_InterruptDiscardsQueuedJobs(t *testing.T) {
	t.Parallel()

	fetcher := fake.New().WithDelay(time.Minute)
	c := newTestCrawler(t, fetcher, queue.NewFIFO(0), func(b *Builder) { b.MaxConnections(1) })
	for range 5 {
		require.NoError(t, c.Scheduler().Add(crawler.NewRequest(testURL), noopHandler()))
	}
	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return fetcher.Calls() == 1 }, time.Second, 5*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- c.InterruptAndClose() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("interrupt did not cancel the in-flight fetch")
	}
	require.Equal(t, 1, fetcher.Calls())
	require.EqualValues(t, 4, c.Stats().Discarded)
}

func TestCrawler_StopHaltsDispatch(t *testing.T) {
	t.Parallel()

	statuses := []crawler.FetchStatus{crawler.StatusComplete, crawler.StatusStop, crawler.StatusComplete}
	fetcher := fake.New(statuses...)
	c := newTestCrawler(t, fetcher, queue.NewFIFO(0), func(b *Builder) { b.MaxConnections(1).MaxTries(5) })

	for range statuses {
		require.NoError(t, c.Scheduler().Add(crawler.NewRequest(testURL), noopHandler()))
	}
	err := c.StartAndClose(context.Background())

	var stop *crawler.StopError
	require.ErrorAs(t, err, &stop)
	require.ErrorIs(t, err, crawler.ErrStopCrawl)
	require.Equal(t, 2, fetcher.Calls())
	require.Equal(t, StateClosed, c.State())
}

func TestCrawler_FatalHandlerErrorSurfaces(t *testing.T) {
	t.Parallel()

	fetcher := fake.New()
	c := newTestCrawler(t, fetcher, queue.NewFIFO(0), func(b *Builder) { b.MaxConnections(1).MaxTries(1) })
	broken := errors.New("broken invariant")
	exploding := &crawler.HandlerFuncs{ParseFn: func(*crawler.HandlerContext) error {
		return crawler.Fatal(broken)
	}}

	err := c.Scope(context.Background(), func(s *crawler.Scheduler) error {
		_ = s.Add(crawler.NewRequest(testURL), noopHandler())
		_ = s.Add(crawler.NewRequest(testURL), exploding)
		_ = s.Add(crawler.NewRequest(testURL), noopHandler())
		return nil
	})
	require.ErrorIs(t, err, crawler.ErrFatal)
	require.ErrorIs(t, err, broken)
	require.ErrorIs(t, c.Err(), broken)
	require.LessOrEqual(t, fetcher.Calls(), 3)
}

func TestCrawler_CloseWaitsForSideTasks(t *testing.T) {
	t.Parallel()

	var finished atomic.Bool
	handler := &crawler.HandlerFuncs{ExtractFn: func(hc *crawler.HandlerContext) error {
		hc.Tasks().Go(func(context.Context) error {
			time.Sleep(50 * time.Millisecond)
			finished.Store(true)
			return nil
		})
		return nil
	}}
	c := newTestCrawler(t, fake.New(), queue.NewFIFO(0), nil)

	err := c.Scope(context.Background(), func(s *crawler.Scheduler) error {
		return s.Add(crawler.NewRequest(testURL), handler)
	})
	require.NoError(t, err)
	require.True(t, finished.Load())
}

func TestCrawler_FollowUpJobsAreDrained(t *testing.T) {
	t.Parallel()

	fetcher := fake.New()
	c := newTestCrawler(t, fetcher, queue.NewPriority(0), nil)
	var handler *crawler.HandlerFuncs
	handler = &crawler.HandlerFuncs{ContinueFn: func(hc *crawler.HandlerContext) error {
		if depth := hc.Job().Depth(); depth < 3 {
			return hc.Scheduler().Add(crawler.NewRequest(testURL), handler, crawler.WithDepth(depth+1))
		}
		return nil
	}}

	err := c.Scope(context.Background(), func(s *crawler.Scheduler) error {
		return s.Add(crawler.NewRequest(testURL), handler)
	})
	require.NoError(t, err)
	require.Equal(t, 4, fetcher.Calls())
}

func TestCrawler_ScopeErrorInterrupts(t *testing.T) {
	t.Parallel()

	c := newTestCrawler(t, fake.New(), queue.NewFIFO(0), nil)
	boom := errors.New("seed failure")
	err := c.Scope(context.Background(), func(*crawler.Scheduler) error { return boom })
	require.ErrorIs(t, err, boom)
	require.Equal(t, StateClosed, c.State())
}

func TestCrawler_ScopePanicCloses(t *testing.T) {
	t.Parallel()

	c := newTestCrawler(t, fake.New(), queue.NewFIFO(0), nil)
	require.PanicsWithValue(t, "boom", func() {
		_ = c.Scope(context.Background(), func(*crawler.Scheduler) error { panic("boom") })
	})
	require.Equal(t, StateClosed, c.State())
}

func TestCrawler_ContextCancelEndsDrain(t *testing.T) {
	t.Parallel()

	fetcher := fake.New().WithDelay(time.Minute)
	c := newTestCrawler(t, fetcher, queue.NewFIFO(0), nil)
	require.NoError(t, c.Scheduler().Add(crawler.NewRequest(testURL), noopHandler()))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	require.Eventually(t, func() bool { return fetcher.Calls() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	require.NoError(t, c.Close())
	require.Equal(t, StateClosed, c.State())
}

func TestCrawler_LifecycleErrors(t *testing.T) {
	t.Parallel()

	c := newTestCrawler(t, fake.New(), queue.NewFIFO(0), nil)
	require.Equal(t, StateNew, c.State())
	require.ErrorIs(t, c.Close(), ErrNotStarted)

	require.NoError(t, c.Start(context.Background()))
	require.Equal(t, StateRunning, c.State())
	require.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "close is idempotent")
	require.NoError(t, c.InterruptAndClose())
	require.Equal(t, "CLOSED", c.Stats().State)
}

func TestCrawler_InterruptBeforeStart(t *testing.T) {
	t.Parallel()

	c := newTestCrawler(t, fake.New(), queue.NewFIFO(0), nil)
	require.NoError(t, c.Scheduler().Add(crawler.NewRequest(testURL), noopHandler()))
	require.NoError(t, c.InterruptAndClose())
	require.Equal(t, StateClosed, c.State())
	require.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)
	require.NoError(t, c.Close())
}

func TestBuilderValidation(t *testing.T) {
	t.Parallel()

	_, err := NewBuilder().Build()
	require.ErrorContains(t, err, "fetcher is required")
	require.ErrorContains(t, err, "queue is required")

	_, err = NewBuilder().Fetcher(fake.New()).Queue(queue.NewFIFO(0)).MaxConnections(0).Build()
	require.ErrorContains(t, err, "max connections must be > 0")

	_, err = NewBuilder().Fetcher(fake.New()).Queue(queue.NewFIFO(0)).MaxTries(-1).Build()
	require.ErrorContains(t, err, "max tries must be > 0")

	_, err = NewBuilder().Fetcher(fake.New()).Queue(queue.NewFIFO(0)).RetainProxy(1.5).Build()
	require.Error(t, err)

	cfg, err := NewBuilder().Fetcher(fake.New()).Queue(queue.NewFIFO(0)).Config()
	require.NoError(t, err)
	require.Equal(t, DefaultMaxConnections, cfg.MaxConnections)
	require.Equal(t, DefaultMaxTries, cfg.MaxTries)
	require.InDelta(t, DefaultRetainProxy, cfg.RetainProxy, 1e-9)
	require.True(t, cfg.Session.IsEmpty())
	require.NotNil(t, cfg.Sleeper)
	require.NotNil(t, cfg.Proxy)
}

func newTestCrawler(t *testing.T, f crawler.Fetcher, q crawler.JobQueue, configure func(*Builder)) *Crawler {
	t.Helper()
	b := NewBuilder().
		Fetcher(f).
		Queue(q).
		MaxConnections(2).
		SleepScheduler(backoff.Zero()).
		Logger(zap.NewNop())
	if configure != nil {
		configure(b)
	}
	c, err := b.Build()
	require.NoError(t, err)
	return c
}

func noopHandler() crawler.Handler {
	return &crawler.HandlerFuncs{}
}
