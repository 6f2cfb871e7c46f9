// Package app assembles the crawl engine and its infrastructure from
// configuration and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlengine/internal/api"
	"github.com/JakeFAU/crawlengine/internal/clock/system"
	"github.com/JakeFAU/crawlengine/internal/config"
	"github.com/JakeFAU/crawlengine/internal/crawler"
	"github.com/JakeFAU/crawlengine/internal/engine"
	"github.com/JakeFAU/crawlengine/internal/fetcher"
	collyfetcher "github.com/JakeFAU/crawlengine/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/crawlengine/internal/fetcher/headless"
	"github.com/JakeFAU/crawlengine/internal/handlers/archive"
	"github.com/JakeFAU/crawlengine/internal/hash/sha256"
	"github.com/JakeFAU/crawlengine/internal/headless/detector"
	"github.com/JakeFAU/crawlengine/internal/id/uuid"
	"github.com/JakeFAU/crawlengine/internal/policy/backoff"
	"github.com/JakeFAU/crawlengine/internal/policy/ratelimit"
	"github.com/JakeFAU/crawlengine/internal/progress"
	progresssinks "github.com/JakeFAU/crawlengine/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/crawlengine/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/crawlengine/internal/publisher/pubsub"
	"github.com/JakeFAU/crawlengine/internal/queue"
	"github.com/JakeFAU/crawlengine/internal/router"
	kafkasource "github.com/JakeFAU/crawlengine/internal/source/kafka"
	redissource "github.com/JakeFAU/crawlengine/internal/source/redis"
	gcsstorage "github.com/JakeFAU/crawlengine/internal/storage/gcs"
	localstorage "github.com/JakeFAU/crawlengine/internal/storage/local"
	memorystorage "github.com/JakeFAU/crawlengine/internal/storage/memory"
	pgstore "github.com/JakeFAU/crawlengine/internal/storage/postgres"
	"github.com/JakeFAU/crawlengine/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// Option overrides a component Build would otherwise construct.
type Option func(*options)

type options struct {
	fetcher       crawler.Fetcher
	registerer    prometheus.Registerer
	publisher     crawler.Publisher
	tracerOptions []sdktrace.TracerProviderOption
}

// WithFetcher replaces the colly/headless fetcher chain. The breaker is
// still applied when enabled.
func WithFetcher(f crawler.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithRegisterer registers progress collectors somewhere other than the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithPublisher replaces the configured page event publisher.
func WithPublisher(p crawler.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithTracerOptions passes extra options, such as span exporters, to the
// tracer provider when tracing is enabled.
func WithTracerOptions(opts ...sdktrace.TracerProviderOption) Option {
	return func(o *options) { o.tracerOptions = append(o.tracerOptions, opts...) }
}

// App contains the crawler and everything it writes to.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	opts   options
	runID  string

	crawler *engine.Crawler
	archive *archive.Handler
	tally   *progresssinks.TallySink
	hub     *progress.Hub
	pages   crawler.PageStore
	queue   crawler.JobQueue
	proxies []*url.URL

	headless       *headlessfetcher.Fetcher
	pubsubClient   *pubsub.Client
	pubsubPub      *gcppublisher.Publisher
	gcsClient      *storage.Client
	tracerProvider *sdktrace.TracerProvider
}

// Build creates the application's dependencies. On error everything
// created so far is released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(&a.opts)
	}
	defer func() {
		if err != nil {
			a.closeInfrastructure(context.Background())
		}
	}()

	if a.runID, err = uuid.WithPrefix("run").NewID(); err != nil {
		return nil, fmt.Errorf("run id: %w", err)
	}
	a.logger = logger.With(zap.String("run_id", a.runID))
	a.logger.Info("building application dependencies")

	if err = a.setupTracing(ctx); err != nil {
		return nil, err
	}
	if a.proxies, err = parseProxies(cfg.HTTP.Proxies); err != nil {
		return nil, err
	}
	blobs, err := a.setupStorage(ctx)
	if err != nil {
		return nil, err
	}
	if err = a.setupDatabase(ctx); err != nil {
		return nil, err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	emitter, err := a.setupProgress(ctx)
	if err != nil {
		return nil, err
	}

	a.archive, err = archive.New(archive.Config{
		MaxDepth:     cfg.Crawl.MaxDepth,
		SameHostOnly: cfg.Crawl.SameHostOnly,
		BlobPrefix:   cfg.Storage.Prefix,
		Topic:        cfg.PubSub.Topic,
	}, archive.Deps{
		Hasher:    sha256.New(),
		Blobs:     blobs,
		Pages:     a.pages,
		Publisher: publisher,
	}, a.logger.Named("archive"))
	if err != nil {
		return nil, fmt.Errorf("archive handler init failed: %w", err)
	}
	routes, err := a.setupRouter()
	if err != nil {
		return nil, err
	}

	f := a.setupFetcher()
	q, err := a.setupQueue(ctx)
	if err != nil {
		return nil, err
	}
	a.queue = q

	b := engine.NewBuilder().
		Fetcher(f).
		Queue(q).
		MaxConnections(cfg.Engine.MaxConnections).
		MaxTries(cfg.Engine.MaxTries).
		RetainProxy(cfg.Engine.RetainProxy).
		MaxSideTasks(cfg.Engine.MaxSideTasks).
		SleepScheduler(newSleeper(cfg.Engine.Backoff)).
		Router(routes).
		Session(crawler.NewSession(map[string]any{archive.SessionRunID: a.runID})).
		IDGenerator(uuid.New()).
		Clock(system.New()).
		Emitter(emitter).
		Logger(a.logger)
	if cfg.RateLimit.RPS > 0 {
		b = b.Limiter(ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.RateLimit.RPS,
			DefaultBurst: cfg.RateLimit.Burst,
			PerHost:      cfg.RateLimit.PerHost,
		}))
		a.logger.Info("rate limiter enabled",
			zap.Float64("default_rps", cfg.RateLimit.RPS),
			zap.Int("default_burst", cfg.RateLimit.Burst),
		)
	}
	if a.crawler, err = b.Build(); err != nil {
		q.Close()
		return nil, fmt.Errorf("crawler init failed: %w", err)
	}
	return a, nil
}

// Crawler exposes the engine, mainly for the admin API and tests.
func (a *App) Crawler() *engine.Crawler { return a.crawler }

// Tally returns the in-memory progress tally.
func (a *App) Tally() *progresssinks.TallySink { return a.tally }

// RunID identifies this process's crawl in logs and page events.
func (a *App) RunID() string { return a.runID }

// Run starts the crawler and the admin server, seeds it and drains it.
// Cancelling ctx interrupts the crawl: queued jobs are discarded and
// in-flight fetches cancelled.
func (a *App) Run(ctx context.Context, seeds []string) error {
	if err := a.crawler.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("start crawler: %w", err)
	}
	stopAdmin := a.startAdmin()
	defer stopAdmin()

	n, err := a.archive.SeedRequests(a.crawler.Scheduler(), a.seedRequests(seeds)...)
	if err != nil {
		return errors.Join(err, a.crawler.InterruptAndClose())
	}
	a.logger.Info("crawl seeded", zap.Int("seeds", n))

	done := make(chan error, 1)
	go func() { done <- a.crawler.Close() }()
	select {
	case err = <-done:
	case <-ctx.Done():
		a.logger.Info("interrupt received, discarding queued jobs")
		err = a.crawler.InterruptAndClose()
		<-done
	}
	a.logSummary()
	return errors.Join(err, a.sourceErr())
}

// Serve runs the crawler and the admin server until ctx is cancelled, taking
// work from the admin API and the configured source.
func (a *App) Serve(ctx context.Context) error {
	if err := a.crawler.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("start crawler: %w", err)
	}
	stopAdmin := a.startAdmin()
	defer stopAdmin()
	if len(a.cfg.Crawl.Seeds) > 0 {
		if _, err := a.archive.SeedRequests(a.crawler.Scheduler(), a.seedRequests(a.cfg.Crawl.Seeds)...); err != nil {
			return errors.Join(err, a.crawler.InterruptAndClose())
		}
	}
	<-ctx.Done()
	a.logger.Info("shutdown initiated")
	err := a.crawler.InterruptAndClose()
	a.logSummary()
	return errors.Join(err, a.sourceErr())
}

// Close releases infrastructure. The crawler must already be closed.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) startAdmin() func() {
	if !a.cfg.Admin.Enabled {
		return func() {}
	}
	srv := &http.Server{
		Addr: a.cfg.Admin.Addr,
		Handler: api.NewServer(a.crawler, a.tally, api.Config{
			APIKey: a.cfg.Admin.APIKey,
		}, a.logger.Named("api")).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("admin server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("admin server error", zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			a.logger.Warn("admin server shutdown error", zap.Error(err))
		}
	}
}

// seedRequests assigns configured proxies to seeds round-robin.
func (a *App) seedRequests(seeds []string) []crawler.Request {
	reqs := make([]crawler.Request, 0, len(seeds))
	for i, seed := range seeds {
		req := crawler.NewRequest(seed)
		if len(a.proxies) > 0 {
			req = req.WithProxy(a.proxies[i%len(a.proxies)])
		}
		reqs = append(reqs, req)
	}
	return reqs
}

func (a *App) logSummary() {
	stats := a.crawler.Stats()
	fields := []zap.Field{
		zap.String("state", stats.State),
		zap.Int("visited", a.archive.Visited()),
		zap.Int64("discarded", stats.Discarded),
	}
	if stats.Fatal != "" {
		fields = append(fields, zap.String("fatal", stats.Fatal))
	}
	if err := a.sourceErr(); err != nil {
		fields = append(fields, zap.NamedError("source_error", err))
	}
	if a.hub != nil {
		hs := a.hub.Stats()
		fields = append(fields, zap.Int64("events", hs.Accepted), zap.Int64("events_dropped", hs.Dropped))
	}
	a.logger.Info("crawl finished", fields...)
}

// sourceErr reports why a lazy queue's request source stopped early.
func (a *App) sourceErr() error {
	if lazy, ok := a.queue.(*queue.Lazy); ok {
		return lazy.Err()
	}
	return nil
}

func (a *App) setupTracing(ctx context.Context) error {
	if !a.cfg.Tracing.Enabled {
		return nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.TracingConfig{
		ServiceName: a.cfg.Tracing.ServiceName,
		SampleRatio: a.cfg.Tracing.SampleRatio,
	}, a.opts.tracerOptions...)
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerProvider = tp
	a.logger.Info("tracing enabled", zap.Float64("sample_ratio", a.cfg.Tracing.SampleRatio))
	return nil
}

func (a *App) setupStorage(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		var err error
		a.gcsClient, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err := gcsstorage.New(a.gcsClient, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.LocalDir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no DSN specified for database, keeping page records in memory")
		a.pages = memorystorage.NewPageStore()
		return nil
	}
	pages, err := pgstore.NewPageStore(ctx, pgstore.PageStoreConfig{
		DSN:      a.cfg.DB.DSN,
		Table:    a.cfg.DB.Table,
		MaxConns: a.cfg.DB.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("page store init failed: %w", err)
	}
	a.pages = pages
	if a.cfg.DB.EnsureSchema {
		if err := pages.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("page store schema: %w", err)
		}
	}
	a.logger.Info("page store initialized", zap.String("table", a.cfg.DB.Table))
	return nil
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.opts.publisher != nil {
		return a.opts.publisher, nil
	}
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub project configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubPub, err = gcppublisher.New(a.pubsubClient, a.cfg.PubSub.Topic)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return a.pubsubPub, nil
}

func (a *App) setupProgress(ctx context.Context) (progress.Emitter, error) {
	a.tally = progresssinks.NewTallySink()
	sinkList := []progress.Sink{a.tally}
	if a.cfg.Progress.LogEvents {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	if a.cfg.Progress.Prometheus {
		promSink, err := progresssinks.NewPrometheusSink(a.opts.registerer)
		if err != nil {
			return nil, fmt.Errorf("prometheus sink init failed: %w", err)
		}
		sinkList = append(sinkList, promSink)
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   time.Duration(a.cfg.Progress.MaxBatchWaitMs) * time.Millisecond,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Debug("progress hub initialized", zap.Int("sinks", len(sinkList)))
	return a.hub, nil
}

func (a *App) setupRouter() (*router.Router, error) {
	if len(a.cfg.Crawl.AllowedHosts) == 0 {
		return router.New(a.archive), nil
	}
	r := router.New(nil)
	for _, host := range a.cfg.Crawl.AllowedHosts {
		if err := r.RegisterHost(host, a.archive); err != nil {
			return nil, fmt.Errorf("allowed host %q: %w", host, err)
		}
	}
	a.logger.Info("archiving restricted to hosts", zap.Strings("hosts", r.Patterns()))
	return r, nil
}

func (a *App) setupQueue(ctx context.Context) (crawler.JobQueue, error) {
	qc := a.cfg.Engine.Queue
	switch qc.Kind {
	case "fifo":
		return queue.NewFIFO(qc.Capacity), nil
	case "lazy":
		source, err := a.setupSource(ctx)
		if err != nil {
			return nil, err
		}
		return queue.NewLazy(source, queue.LazyConfig{
			Capacity: qc.Capacity,
			Factory:  crawler.NewJobFactory(uuid.New()),
			Logger:   a.logger.Named("lazy_queue"),
		}), nil
	default:
		return queue.NewPriority(qc.Capacity), nil
	}
}

// setupSource returns nil for "none"; a lazy queue over no source acts as a
// priority queue.
func (a *App) setupSource(ctx context.Context) (crawler.RequestSource, error) {
	sc := a.cfg.Source
	switch sc.Kind {
	case "redis":
		src, err := redissource.Dial(ctx, redissource.Config{
			Addr:     sc.Redis.Addr,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
			Key:      sc.Redis.Key,
		}, a.logger.Named("redis_source"))
		if err != nil {
			return nil, fmt.Errorf("redis source init failed: %w", err)
		}
		a.logger.Info("pulling requests from redis", zap.String("key", sc.Redis.Key))
		return src, nil
	case "kafka":
		src, err := kafkasource.New(kafkasource.Config{
			Brokers:     sc.Kafka.Brokers,
			Topic:       sc.Kafka.Topic,
			GroupID:     sc.Kafka.GroupID,
			IdleTimeout: time.Duration(sc.Kafka.IdleSeconds) * time.Second,
		}, a.logger.Named("kafka_source"))
		if err != nil {
			return nil, fmt.Errorf("kafka source init failed: %w", err)
		}
		a.logger.Info("pulling requests from kafka", zap.String("topic", sc.Kafka.Topic))
		return src, nil
	default:
		return nil, nil
	}
}

func (a *App) setupFetcher() crawler.Fetcher {
	f := a.opts.fetcher
	if f == nil {
		classifier := fetcher.NewClassifier(a.cfg.HTTP.StopCodes, a.cfg.HTTP.StopThreshold)
		probe := collyfetcher.New(collyfetcher.Config{
			UserAgent:     a.cfg.HTTP.UserAgent,
			RespectRobots: a.cfg.HTTP.RespectRobots,
			Timeout:       a.cfg.FetchTimeout(),
			Classifier:    classifier,
		}, a.logger.Named("colly"))
		a.logger.Info("using colly probe fetcher", zap.String("user_agent", a.cfg.HTTP.UserAgent))
		f = probe
		if a.cfg.Headless.Enabled {
			var headless crawler.Fetcher
			chrome, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
				MaxParallel:       a.cfg.Headless.MaxParallel,
				UserAgent:         a.cfg.HTTP.UserAgent,
				NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSeconds) * time.Second,
				Classifier:        classifier,
			})
			if err != nil {
				// Promotions then fall back to the probe response.
				a.logger.Warn("headless fetcher init failed", zap.Error(err))
				headless = headlessfetcher.NewNoop()
			} else {
				a.headless = chrome
				headless = chrome
				a.logger.Info("using headless fetcher", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
			}
			f = fetcher.NewPromoting(probe, headless,
				detector.NewHeuristic(a.cfg.Headless.PromotionThreshold), a.logger.Named("promoting"))
		}
	}
	if a.cfg.Breaker.Enabled {
		f = fetcher.NewBreaker(f, fetcher.BreakerConfig{
			FailureThreshold: a.cfg.Breaker.FailureThreshold,
			Window:           a.cfg.Breaker.Window,
			Delay:            time.Duration(a.cfg.Breaker.DelaySeconds) * time.Second,
			SuccessThreshold: a.cfg.Breaker.SuccessThreshold,
		}, a.logger.Named("breaker"))
	}
	return f
}

func newSleeper(c config.BackoffConfig) crawler.SleepScheduler {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	switch c.Kind {
	case "zero":
		return backoff.Zero()
	case "fixed":
		return backoff.New(backoff.Fixed(ms(c.BaseMs)))
	case "exponential":
		if c.BaseMs <= 0 {
			return backoff.New(backoff.DefaultExponential())
		}
		return backoff.New(backoff.Exponential{Base: ms(c.BaseMs), Max: ms(c.MaxMs)})
	default:
		return backoff.New(backoff.Uniform{Min: ms(c.MinMs), Max: ms(c.MaxMs)})
	}
}

func parseProxies(raw []string) ([]*url.URL, error) {
	proxies := make([]*url.URL, 0, len(raw))
	for _, p := range raw {
		u, err := url.Parse(p)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid proxy %q", p)
		}
		proxies = append(proxies, u)
	}
	return proxies, nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.pubsubPub != nil {
		a.pubsubPub.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pages != nil {
		if err := a.pages.Close(); err != nil {
			a.logger.Warn("page store close failed", zap.Error(err))
		}
	}
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}
