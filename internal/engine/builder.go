package engine

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlengine/internal/crawler"
	"github.com/JakeFAU/crawlengine/internal/id/uuid"
	"github.com/JakeFAU/crawlengine/internal/policy/backoff"
	"github.com/JakeFAU/crawlengine/internal/policy/proxy"
	"github.com/JakeFAU/crawlengine/internal/progress"
)

// Defaults applied by Build when an option is left unset.
const (
	DefaultMaxConnections = 16
	DefaultMaxTries       = 50
	DefaultRetainProxy    = 0.05
	DefaultMaxSideTasks   = 64
)

// DefaultSleeper waits a uniformly random 250ms to 2s between attempts.
func DefaultSleeper() crawler.SleepScheduler {
	return backoff.New(backoff.Uniform{Min: 250 * time.Millisecond, Max: 2 * time.Second})
}

// Config is the validated, immutable configuration of a Crawler.
type Config struct {
	Fetcher        crawler.Fetcher
	Queue          crawler.JobQueue
	MaxConnections int
	MaxTries       int
	RetainProxy    float64
	Proxy          crawler.ProxyPolicy
	Sleeper        crawler.SleepScheduler
	Router         crawler.HandlerRouter
	Session        crawler.Session
	Limiter        crawler.Limiter
	MaxSideTasks   int
	IDs            crawler.IDGenerator
	Clock          crawler.Clock
	Emitter        progress.Emitter
	Logger         *zap.Logger
}

// Builder assembles a Crawler fluently. Options are checked once, in Build.
type Builder struct {
	cfg         Config
	retainSet   bool
	connections *int
	tries       *int
	sideTasks   *int
}

// NewBuilder starts an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Fetcher sets the required fetch transport.
func (b *Builder) Fetcher(f crawler.Fetcher) *Builder {
	b.cfg.Fetcher = f
	return b
}

// Queue sets the required job queue.
func (b *Builder) Queue(q crawler.JobQueue) *Builder {
	b.cfg.Queue = q
	return b
}

// MaxConnections sets the worker count, which bounds in-flight fetches.
func (b *Builder) MaxConnections(n int) *Builder {
	b.connections = &n
	return b
}

// MaxTries sets the number of fetch attempts per job.
func (b *Builder) MaxTries(n int) *Builder {
	b.tries = &n
	return b
}

// RetainProxy sets the probability that a failed request keeps its proxy.
func (b *Builder) RetainProxy(p float64) *Builder {
	b.cfg.RetainProxy = p
	b.retainSet = true
	return b
}

// ProxyPolicy replaces the retention policy built from RetainProxy.
func (b *Builder) ProxyPolicy(p crawler.ProxyPolicy) *Builder {
	b.cfg.Proxy = p
	return b
}

// SleepScheduler sets the retry backoff.
func (b *Builder) SleepScheduler(s crawler.SleepScheduler) *Builder {
	b.cfg.Sleeper = s
	return b
}

// Router sets the handler router used for jobs without a handler.
func (b *Builder) Router(r crawler.HandlerRouter) *Builder {
	b.cfg.Router = r
	return b
}

// Session sets the read-only session shared by every handler.
func (b *Builder) Session(s crawler.Session) *Builder {
	b.cfg.Session = s
	return b
}

// Limiter sets an optional per-host politeness limiter.
func (b *Builder) Limiter(l crawler.Limiter) *Builder {
	b.cfg.Limiter = l
	return b
}

// MaxSideTasks bounds concurrently running handler side tasks.
func (b *Builder) MaxSideTasks(n int) *Builder {
	b.sideTasks = &n
	return b
}

// IDGenerator sets the job ID source.
func (b *Builder) IDGenerator(ids crawler.IDGenerator) *Builder {
	b.cfg.IDs = ids
	return b
}

// Clock sets the clock used for event timestamps.
func (b *Builder) Clock(c crawler.Clock) *Builder {
	b.cfg.Clock = c
	return b
}

// Emitter sets the progress event sink.
func (b *Builder) Emitter(e progress.Emitter) *Builder {
	b.cfg.Emitter = e
	return b
}

// Logger sets the logger.
func (b *Builder) Logger(l *zap.Logger) *Builder {
	b.cfg.Logger = l
	return b
}

// Config validates the options and fills defaults.
func (b *Builder) Config() (Config, error) {
	cfg := b.cfg
	var errs []error
	if cfg.Fetcher == nil {
		errs = append(errs, errors.New("fetcher is required"))
	}
	if cfg.Queue == nil {
		errs = append(errs, errors.New("queue is required"))
	}

	cfg.MaxConnections = intOption(b.connections, DefaultMaxConnections)
	if cfg.MaxConnections <= 0 {
		errs = append(errs, fmt.Errorf("max connections must be > 0, got %d", cfg.MaxConnections))
	}
	cfg.MaxTries = intOption(b.tries, DefaultMaxTries)
	if cfg.MaxTries <= 0 {
		errs = append(errs, fmt.Errorf("max tries must be > 0, got %d", cfg.MaxTries))
	}
	cfg.MaxSideTasks = intOption(b.sideTasks, DefaultMaxSideTasks)
	if cfg.MaxSideTasks <= 0 {
		errs = append(errs, fmt.Errorf("max side tasks must be > 0, got %d", cfg.MaxSideTasks))
	}

	if !b.retainSet {
		cfg.RetainProxy = DefaultRetainProxy
	}
	if cfg.Proxy == nil {
		policy, err := proxy.New(cfg.RetainProxy)
		if err != nil {
			errs = append(errs, err)
		} else {
			cfg.Proxy = policy
		}
	}

	if cfg.Sleeper == nil {
		cfg.Sleeper = DefaultSleeper()
	}
	if cfg.IDs == nil {
		cfg.IDs = uuid.New()
	}
	if cfg.Emitter == nil {
		cfg.Emitter = progress.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("invalid crawler config: %w", err)
	}
	return cfg, nil
}

// Build validates the options and constructs a Crawler in the NEW state.
func (b *Builder) Build() (*Crawler, error) {
	cfg, err := b.Config()
	if err != nil {
		return nil, err
	}
	return newCrawler(cfg), nil
}

func intOption(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}
