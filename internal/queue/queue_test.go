package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

func newJob(id string, attrs ...crawler.Attribute) *crawler.Job {
	return crawler.NewJob(id, crawler.NewRequest("https://example.com/"+id), nil, attrs...)
}

func TestFIFOPreservesInsertionOrder(t *testing.T) {
	t.Parallel()

	q := NewFIFO(0)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Add(newJob(id)))
	}
	require.Equal(t, 3, q.Len())

	for _, want := range []string{"a", "b", "c"} {
		job, ok := q.Poll()
		require.True(t, ok)
		require.Equal(t, want, job.ID())
	}
	_, ok := q.Poll()
	require.False(t, ok)
}

func TestPriorityOrdersByPriorityThenInsertion(t *testing.T) {
	t.Parallel()

	q := NewPriority(0)
	require.NoError(t, q.Add(newJob("low", crawler.WithPriority(crawler.PriorityLow))))
	require.NoError(t, q.Add(newJob("default-1")))
	require.NoError(t, q.Add(newJob("high", crawler.WithPriority(crawler.PriorityHigh))))
	require.NoError(t, q.Add(newJob("default-2")))

	var got []string
	for {
		job, ok := q.Poll()
		if !ok {
			break
		}
		got = append(got, job.ID())
	}
	require.Equal(t, []string{"high", "default-1", "default-2", "low"}, got)
}

func TestBoundedAddReportsFull(t *testing.T) {
	t.Parallel()

	q := NewFIFO(1)
	require.NoError(t, q.Add(newJob("a")))
	require.ErrorIs(t, q.Add(newJob("b")), crawler.ErrQueueFull)
}

func TestOfferTimesOutWhenFull(t *testing.T) {
	t.Parallel()

	q := NewFIFO(1)
	require.NoError(t, q.Add(newJob("a")))

	ok, err := q.Offer(context.Background(), newJob("b"), 20*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 1, q.Len())
}

func TestPutBlocksUntilSpace(t *testing.T) {
	t.Parallel()

	q := NewFIFO(1)
	require.NoError(t, q.Add(newJob("a")))

	done := make(chan error, 1)
	go func() {
		done <- q.Put(context.Background(), newJob("b"))
	}()

	select {
	case <-done:
		t.Fatal("put should block while the queue is full")
	case <-time.After(20 * time.Millisecond):
	}

	_, ok := q.Poll()
	require.True(t, ok)
	require.NoError(t, <-done)
	require.Equal(t, 1, q.Len())
}

func TestPutHonorsContext(t *testing.T) {
	t.Parallel()

	q := NewFIFO(1)
	require.NoError(t, q.Add(newJob("a")))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := q.Put(ctx, newJob("b"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequeueIgnoresCapacity(t *testing.T) {
	t.Parallel()

	q := NewFIFO(1)
	require.NoError(t, q.Add(newJob("a")))
	taken, ok := q.Poll()
	require.True(t, ok)
	require.NoError(t, q.Add(newJob("b")))

	require.NoError(t, q.Requeue(taken))
	q.Done(taken)
	require.Equal(t, 2, q.Len())
	require.Equal(t, 2, q.Unfinished())

	q.Close()
	require.ErrorIs(t, q.Requeue(taken), crawler.ErrQueueClosed)
}

func TestTakeWaitsForJob(t *testing.T) {
	t.Parallel()

	q := NewFIFO(0)
	got := make(chan *crawler.Job, 1)
	go func() {
		job, err := q.Take(context.Background())
		if err == nil {
			got <- job
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Add(newJob("a")))
	select {
	case job := <-got:
		require.Equal(t, "a", job.ID())
	case <-time.After(time.Second):
		t.Fatal("take did not return")
	}
}

func TestTakeHonorsContext(t *testing.T) {
	t.Parallel()

	q := NewFIFO(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Take(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCloseDiscardsAndWakesConsumers(t *testing.T) {
	t.Parallel()

	q := NewFIFO(0)
	require.NoError(t, q.Add(newJob("a")))
	require.NoError(t, q.Add(newJob("b")))
	require.Equal(t, 2, q.Close())
	require.Zero(t, q.Close())

	_, err := q.Take(context.Background())
	require.ErrorIs(t, err, crawler.ErrQueueClosed)
	_, ok := q.Poll()
	require.False(t, ok)
	require.ErrorIs(t, q.Add(newJob("c")), crawler.ErrQueueClosed)
	require.ErrorIs(t, q.Join(context.Background()), crawler.ErrQueueClosed)
	require.Zero(t, q.Len())
}

func TestCloseReleasesBlockedTake(t *testing.T) {
	t.Parallel()

	q := NewPriority(0)
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Take(context.Background())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, crawler.ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("take not released by close")
	}
}

func TestJoinWaitsForDone(t *testing.T) {
	t.Parallel()

	q := NewFIFO(0)
	require.NoError(t, q.Join(context.Background()), "empty queue joins immediately")
	require.NoError(t, q.Add(newJob("a")))

	job, err := q.Take(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, q.Unfinished())

	joined := make(chan error, 1)
	go func() { joined <- q.Join(context.Background()) }()

	select {
	case <-joined:
		t.Fatal("join returned before done")
	case <-time.After(20 * time.Millisecond):
	}

	// A retry re-enqueues before the original take is marked done.
	require.NoError(t, q.Put(context.Background(), job))
	q.Done(job)
	require.Equal(t, 1, q.Unfinished())

	job, err = q.Take(context.Background())
	require.NoError(t, err)
	q.Done(job)

	select {
	case err := <-joined:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("join did not return")
	}
}

func TestConcurrentProducersAndConsumersDeliverOnce(t *testing.T) {
	t.Parallel()

	const producers, perProducer = 4, 50
	q := NewPriority(8)
	ctx := context.Background()

	var produced sync.WaitGroup
	for p := 0; p < producers; p++ {
		produced.Add(1)
		go func(p int) {
			defer produced.Done()
			for i := 0; i < perProducer; i++ {
				job := crawler.NewJob("", crawler.NewRequest("https://example.com"), nil,
					crawler.WithPriority(crawler.Priority(i%3)))
				require.NoError(t, q.Put(ctx, job))
			}
		}(p)
	}

	var mu sync.Mutex
	seen := make(map[*crawler.Job]int)
	var consumed sync.WaitGroup
	for c := 0; c < 3; c++ {
		consumed.Add(1)
		go func() {
			defer consumed.Done()
			for {
				job, err := q.Take(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				seen[job]++
				mu.Unlock()
				q.Done(job)
			}
		}()
	}

	produced.Wait()
	require.NoError(t, q.Join(ctx))
	q.Close()
	consumed.Wait()

	require.Len(t, seen, producers*perProducer)
	for _, n := range seen {
		require.Equal(t, 1, n)
	}
}

func TestLazyDrainsQueuedJobsBeforeSource(t *testing.T) {
	t.Parallel()

	q := NewLazy(crawler.URLSource("https://example.com/s1", "https://example.com/s2"), LazyConfig{
		Attributes: []crawler.Attribute{crawler.WithDepth(0)},
	})
	require.Equal(t, 1, q.Len(), "unexhausted source counts as pending")
	require.NoError(t, q.Add(newJob("direct")))

	job, ok := q.Poll()
	require.True(t, ok)
	require.Equal(t, "direct", job.ID())

	job, ok = q.Poll()
	require.True(t, ok)
	require.Equal(t, "https://example.com/s1", job.Request().URL)
	_, hasDepth := job.Attribute(crawler.KindDepth)
	require.True(t, hasDepth)

	job, err := q.Take(context.Background())
	require.NoError(t, err)
	require.Equal(t, "https://example.com/s2", job.Request().URL)

	_, ok = q.Poll()
	require.False(t, ok)
	require.True(t, q.Exhausted())
	require.Zero(t, q.Len())
}

func TestLazyJoinCountsMaterializedJobs(t *testing.T) {
	t.Parallel()

	q := NewLazy(crawler.URLSource("https://example.com/s1"), LazyConfig{})
	ctx := context.Background()

	job, err := q.Take(ctx)
	require.NoError(t, err)

	joined := make(chan error, 1)
	go func() { joined <- q.Join(ctx) }()

	// The next take notices exhaustion; it must not block join forever.
	takeCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = q.Take(takeCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-joined:
		t.Fatal("join returned while a job is unfinished")
	case <-time.After(20 * time.Millisecond):
	}

	q.Done(job)
	select {
	case err := <-joined:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("join did not return")
	}
}

func TestLazyTreatsSourceErrorAsExhaustion(t *testing.T) {
	t.Parallel()

	q := NewLazy(&failingSource{err: errors.New("connection refused")}, LazyConfig{})
	_, ok := q.Poll()
	require.False(t, ok)
	require.True(t, q.Exhausted())
	require.ErrorContains(t, q.Err(), "connection refused")
}

func TestLazyCloseStopsMaterializing(t *testing.T) {
	t.Parallel()

	src := crawler.URLSource("https://example.com/s1")
	q := NewLazy(src, LazyConfig{})
	q.Close()

	_, err := q.Take(context.Background())
	require.ErrorIs(t, err, crawler.ErrQueueClosed)
	require.ErrorIs(t, q.Add(newJob("a")), crawler.ErrQueueClosed)
}

type failingSource struct {
	err error
}

func (s *failingSource) Next(context.Context) (crawler.Request, bool, error) {
	return crawler.Request{}, false, s.err
}
