// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Engine    EngineConfig    `mapstructure:"engine"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Source    SourceConfig    `mapstructure:"source"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
}

// EngineConfig sizes the worker pool and retry behavior.
type EngineConfig struct {
	MaxConnections int           `mapstructure:"max_connections"`
	MaxTries       int           `mapstructure:"max_tries"`
	RetainProxy    float64       `mapstructure:"retain_proxy"`
	MaxSideTasks   int           `mapstructure:"max_side_tasks"`
	Queue          QueueConfig   `mapstructure:"queue"`
	Backoff        BackoffConfig `mapstructure:"backoff"`
}

// QueueConfig selects the job queue. Kind is fifo, priority or lazy; lazy
// pulls from the configured source.
type QueueConfig struct {
	Kind     string `mapstructure:"kind"`
	Capacity int    `mapstructure:"capacity"`
}

// BackoffConfig selects the sleep between retries. Kind is uniform, fixed,
// exponential or zero.
type BackoffConfig struct {
	Kind   string `mapstructure:"kind"`
	MinMs  int    `mapstructure:"min_ms"`
	MaxMs  int    `mapstructure:"max_ms"`
	BaseMs int    `mapstructure:"base_ms"`
}

// HTTPConfig configures the probe fetcher and result classification.
type HTTPConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	RespectRobots  bool   `mapstructure:"respect_robots"`
	// Proxies are assigned round-robin to seed requests.
	Proxies       []string `mapstructure:"proxies"`
	StopCodes     []int    `mapstructure:"stop_codes"`
	StopThreshold int      `mapstructure:"stop_threshold"`
}

// RateLimitConfig sets the per-host token bucket. RPS <= 0 disables it.
type RateLimitConfig struct {
	RPS     float64            `mapstructure:"rps"`
	Burst   int                `mapstructure:"burst"`
	PerHost map[string]float64 `mapstructure:"per_host"`
}

// BreakerConfig configures the per-host circuit breaker.
type BreakerConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	FailureThreshold uint `mapstructure:"failure_threshold"`
	Window           uint `mapstructure:"window"`
	DelaySeconds     int  `mapstructure:"delay_seconds"`
	SuccessThreshold uint `mapstructure:"success_threshold"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	MaxParallel        int  `mapstructure:"max_parallel"`
	NavTimeoutSeconds  int  `mapstructure:"nav_timeout_seconds"`
	PromotionThreshold int  `mapstructure:"promotion_threshold"`
}

// StorageConfig selects the blob backend: memory, local or gcs.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	Prefix    string `mapstructure:"prefix"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// DBConfig enables the Postgres page store when DSN is set.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	Table        string `mapstructure:"table"`
	MaxConns     int32  `mapstructure:"max_conns"`
	EnsureSchema bool   `mapstructure:"ensure_schema"`
}

// PubSubConfig enables page notifications when ProjectID is set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// SourceConfig selects where a lazy queue pulls requests from: none, redis
// or kafka.
type SourceConfig struct {
	Kind  string      `mapstructure:"kind"`
	Redis RedisConfig `mapstructure:"redis"`
	Kafka KafkaConfig `mapstructure:"kafka"`
}

// RedisConfig names the list a Redis source drains.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

// KafkaConfig names the topic a Kafka source consumes.
type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	Topic       string   `mapstructure:"topic"`
	GroupID     string   `mapstructure:"group_id"`
	IdleSeconds int      `mapstructure:"idle_seconds"`
}

// ProgressConfig tunes the progress hub and its sinks.
type ProgressConfig struct {
	BufferSize     int  `mapstructure:"buffer_size"`
	MaxBatchEvents int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int  `mapstructure:"max_batch_wait_ms"`
	LogEvents      bool `mapstructure:"log_events"`
	Prometheus     bool `mapstructure:"prometheus"`
}

// AdminConfig controls the admin HTTP server.
type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// CrawlConfig describes what to crawl.
type CrawlConfig struct {
	MaxDepth     int      `mapstructure:"max_depth"`
	SameHostOnly bool     `mapstructure:"same_host_only"`
	Seeds        []string `mapstructure:"seeds"`
	// AllowedHosts limits archiving to matching hosts ("example.com" or
	// "*.example.com"). Jobs for other hosts are dropped. Empty allows all.
	AllowedHosts []string `mapstructure:"allowed_hosts"`
}

// keyDelimiter separates nested config keys. It is not "." so that map keys
// such as rate_limit.per_host hostnames stay whole.
const keyDelimiter = "::"

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(keyDelimiter, "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	set := func(key string, value any) {
		v.SetDefault(strings.ReplaceAll(key, ".", keyDelimiter), value)
	}
	set("engine.max_connections", 16)
	set("engine.max_tries", 50)
	set("engine.retain_proxy", 0.05)
	set("engine.max_side_tasks", 64)
	set("engine.queue.kind", "priority")
	set("engine.queue.capacity", 0)
	set("engine.backoff.kind", "uniform")
	set("engine.backoff.min_ms", 250)
	set("engine.backoff.max_ms", 2000)
	set("engine.backoff.base_ms", 250)
	set("http.user_agent", "crawlengine/0.1")
	set("http.timeout_seconds", 15)
	set("http.respect_robots", true)
	set("http.stop_threshold", 1)
	set("rate_limit.rps", 0)
	set("rate_limit.burst", 1)
	set("breaker.enabled", false)
	set("breaker.failure_threshold", 5)
	set("breaker.window", 10)
	set("breaker.delay_seconds", 30)
	set("breaker.success_threshold", 1)
	set("headless.enabled", false)
	set("headless.max_parallel", 1)
	set("headless.nav_timeout_seconds", 25)
	set("headless.promotion_threshold", 10)
	set("storage.backend", "memory")
	set("storage.prefix", "html")
	set("db.table", "pages")
	set("db.ensure_schema", true)
	set("pubsub.topic", "crawl-pages")
	set("source.kind", "none")
	set("source.redis.key", "crawl:requests")
	set("source.kafka.idle_seconds", 5)
	set("progress.log_events", true)
	set("progress.prometheus", true)
	set("admin.enabled", false)
	set("admin.addr", ":8080")
	set("logging.development", true)
	set("logging.level", "info")
	set("tracing.enabled", false)
	set("tracing.service_name", "crawlengine")
	set("tracing.sample_ratio", 1.0)
	set("crawl.max_depth", 1)
	set("crawl.same_host_only", true)
}

// Validate enforces required values and reasonable limits. Every problem is
// reported, not just the first.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Engine.MaxConnections > 0, "engine.max_connections must be > 0")
	check(c.Engine.MaxTries > 0, "engine.max_tries must be > 0")
	check(c.Engine.RetainProxy >= 0 && c.Engine.RetainProxy <= 1, "engine.retain_proxy must be within [0,1]")
	check(c.Engine.MaxSideTasks > 0, "engine.max_side_tasks must be > 0")
	check(c.Engine.Queue.Capacity >= 0, "engine.queue.capacity must be >= 0")
	check(oneOf(c.Engine.Queue.Kind, "fifo", "priority", "lazy"), "engine.queue.kind %q is not supported", c.Engine.Queue.Kind)
	check(oneOf(c.Engine.Backoff.Kind, "uniform", "fixed", "exponential", "zero"),
		"engine.backoff.kind %q is not supported", c.Engine.Backoff.Kind)
	check(c.Engine.Backoff.MaxMs >= c.Engine.Backoff.MinMs, "engine.backoff.max_ms must be >= min_ms")
	check(c.Engine.Backoff.Kind != "exponential" || c.Engine.Backoff.MaxMs > 0,
		"engine.backoff.max_ms must be > 0 for exponential backoff")
	check(c.HTTP.TimeoutSeconds > 0, "http.timeout_seconds must be > 0")
	check(c.HTTP.StopThreshold > 0, "http.stop_threshold must be > 0")
	check(c.RateLimit.RPS <= 0 || c.RateLimit.Burst > 0, "rate_limit.burst must be > 0 when rate limiting")
	if c.Breaker.Enabled {
		check(c.Breaker.Window > 0 && c.Breaker.FailureThreshold <= c.Breaker.Window,
			"breaker.failure_threshold must be within breaker.window")
	}
	if c.Headless.Enabled {
		check(c.Headless.MaxParallel > 0, "headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		check(c.Storage.LocalDir != "", "storage.local_dir is required for the local backend")
	case "gcs":
		check(c.Storage.GCSBucket != "", "storage.gcs_bucket is required for the gcs backend")
	default:
		check(false, "storage.backend %q is not supported", c.Storage.Backend)
	}
	switch c.Source.Kind {
	case "none":
	case "redis":
		check(c.Source.Redis.Addr != "", "source.redis.addr is required for the redis source")
		check(c.Source.Redis.Key != "", "source.redis.key is required for the redis source")
	case "kafka":
		check(len(c.Source.Kafka.Brokers) > 0, "source.kafka.brokers is required for the kafka source")
		check(c.Source.Kafka.Topic != "", "source.kafka.topic is required for the kafka source")
		check(c.Source.Kafka.GroupID != "", "source.kafka.group_id is required for the kafka source")
	default:
		check(false, "source.kind %q is not supported", c.Source.Kind)
	}
	check(c.Source.Kind == "none" || c.Engine.Queue.Kind == "lazy",
		"source.kind %q requires engine.queue.kind lazy", c.Source.Kind)
	check(c.Crawl.MaxDepth >= 0, "crawl.max_depth must be >= 0")
	check(c.Tracing.SampleRatio >= 0 && c.Tracing.SampleRatio <= 1, "tracing.sample_ratio must be within [0,1]")

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// FetchTimeout returns the per-request HTTP timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

func oneOf(value string, options ...string) bool {
	for _, o := range options {
		if value == o {
			return true
		}
	}
	return false
}
