// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/site-crawler/internal/crawler"
)

// Backend names accepted by the pluggable sections.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendNone     = "none"
	BackendPubSub   = "pubsub"
	BackendKafka    = "kafka"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// QueueConfig selects the job queue backend and per-kind worker settings.
type QueueConfig struct {
	Backend        string        `mapstructure:"backend"`
	RedisAddr      string        `mapstructure:"redis_addr"`
	RedisDB        int           `mapstructure:"redis_db"`
	RedisPrefix    string        `mapstructure:"redis_prefix"`
	PollTimeout    time.Duration `mapstructure:"poll_timeout"`
	Capacity       int           `mapstructure:"capacity"`
	CrawlWorkers   int           `mapstructure:"crawl_workers"`
	ScrapeWorkers  int           `mapstructure:"scrape_workers"`
	Crawl          RetryConfig   `mapstructure:"crawl"`
	Scrape         RetryConfig   `mapstructure:"scrape"`
	RequeueTimeout time.Duration `mapstructure:"requeue_timeout"`
}

// RetryConfig is the retry policy of one queue kind.
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
}

// BrowserConfig sizes the headless browser pool.
type BrowserConfig struct {
	MaxInstances        int           `mapstructure:"max_instances"`
	MaxAge              time.Duration `mapstructure:"max_age"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	Headless            bool          `mapstructure:"headless"`
	NoSandbox           bool          `mapstructure:"no_sandbox"`
	ExecPath            string        `mapstructure:"exec_path"`
	UserAgent           string        `mapstructure:"user_agent"`
	PageTimeout         time.Duration `mapstructure:"page_timeout"`
	SettleDelay         time.Duration `mapstructure:"settle_delay"`
}

// CrawlConfig holds submission defaults and traversal limits.
type CrawlConfig struct {
	MaxDepth         int           `mapstructure:"max_depth"`
	MaxPages         int           `mapstructure:"max_pages"`
	Delay            time.Duration `mapstructure:"delay"`
	SameDomainOnly   bool          `mapstructure:"same_domain_only"`
	RespectRobotsTxt bool          `mapstructure:"respect_robots_txt"`
	MaxLinksPerPage  int           `mapstructure:"max_links_per_page"`
	DomainRPS        float64       `mapstructure:"domain_rps"`
	DomainBurst      int           `mapstructure:"domain_burst"`
	DenyDomains      []string      `mapstructure:"deny_domains"`
	RobotsTimeout    time.Duration `mapstructure:"robots_timeout"`
	RobotsCacheTTL   time.Duration `mapstructure:"robots_cache_ttl"`
	RobotsMaxHosts   int           `mapstructure:"robots_max_hosts"`
	ErrorTail        int           `mapstructure:"error_tail"`
	MinETASamples    int           `mapstructure:"min_eta_samples"`
	ReportInterval   time.Duration `mapstructure:"report_interval"`
}

// StorageConfig selects the job store and content blob backends.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	DSN         string `mapstructure:"dsn"`
	MaxConns    int32  `mapstructure:"max_conns"`
	Migrate     bool   `mapstructure:"migrate"`
	BlobBackend string `mapstructure:"blob_backend"`
	BlobPrefix  string `mapstructure:"blob_prefix"`
	HashLength  int    `mapstructure:"hash_length"`
	LocalDir    string `mapstructure:"local_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
}

// ProgressConfig selects snapshot persistence and the event hub knobs.
type ProgressConfig struct {
	Backend       string        `mapstructure:"backend"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPrefix   string        `mapstructure:"redis_prefix"`
	SnapshotTTL   time.Duration `mapstructure:"snapshot_ttl"`
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	LineOutput    bool          `mapstructure:"line_output"`
}

// PublisherConfig selects where job-finished notifications go.
type PublisherConfig struct {
	Backend   string   `mapstructure:"backend"`
	Topic     string   `mapstructure:"topic"`
	ProjectID string   `mapstructure:"project_id"`
	Brokers   []string `mapstructure:"brokers"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from an optional YAML file and CRAWLER_* environment
// variables.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")

	v.SetDefault("queue.backend", BackendMemory)
	v.SetDefault("queue.redis_addr", "localhost:6379")
	v.SetDefault("queue.redis_db", 0)
	v.SetDefault("queue.redis_prefix", "crawler:queue")
	v.SetDefault("queue.poll_timeout", time.Second)
	v.SetDefault("queue.capacity", 0)
	v.SetDefault("queue.crawl_workers", 2)
	v.SetDefault("queue.scrape_workers", 4)
	v.SetDefault("queue.crawl.max_attempts", 3)
	v.SetDefault("queue.crawl.backoff_initial", 2*time.Second)
	v.SetDefault("queue.crawl.backoff_max", time.Minute)
	v.SetDefault("queue.scrape.max_attempts", 3)
	v.SetDefault("queue.scrape.backoff_initial", time.Second)
	v.SetDefault("queue.scrape.backoff_max", 30*time.Second)
	v.SetDefault("queue.requeue_timeout", 5*time.Second)

	v.SetDefault("browser.max_instances", 4)
	v.SetDefault("browser.max_age", 10*time.Minute)
	v.SetDefault("browser.health_check_interval", 30*time.Second)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.no_sandbox", false)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.user_agent", "site-crawler/0.1")
	v.SetDefault("browser.page_timeout", 30*time.Second)
	v.SetDefault("browser.settle_delay", 500*time.Millisecond)

	v.SetDefault("crawl.max_depth", crawler.DefaultMaxDepth)
	v.SetDefault("crawl.max_pages", crawler.DefaultMaxPages)
	v.SetDefault("crawl.delay", crawler.DefaultDelay)
	v.SetDefault("crawl.same_domain_only", true)
	v.SetDefault("crawl.respect_robots_txt", false)
	v.SetDefault("crawl.max_links_per_page", crawler.DefaultMaxLinksPerPage)
	v.SetDefault("crawl.domain_rps", 2.0)
	v.SetDefault("crawl.domain_burst", 1)
	v.SetDefault("crawl.deny_domains", []string{})
	v.SetDefault("crawl.robots_timeout", 10*time.Second)
	v.SetDefault("crawl.robots_cache_ttl", 24*time.Hour)
	v.SetDefault("crawl.robots_max_hosts", 10000)
	v.SetDefault("crawl.error_tail", 10)
	v.SetDefault("crawl.min_eta_samples", 3)
	v.SetDefault("crawl.report_interval", 5*time.Second)

	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.max_conns", 10)
	v.SetDefault("storage.migrate", true)
	v.SetDefault("storage.blob_backend", BackendMemory)
	v.SetDefault("storage.blob_prefix", "pages")
	v.SetDefault("storage.hash_length", 32)
	v.SetDefault("storage.local_dir", "./data")
	v.SetDefault("storage.gcs_bucket", "")

	v.SetDefault("progress.backend", BackendMemory)
	v.SetDefault("progress.redis_addr", "localhost:6379")
	v.SetDefault("progress.redis_prefix", "crawler:progress:")
	v.SetDefault("progress.snapshot_ttl", 24*time.Hour)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch_size", 256)
	v.SetDefault("progress.flush_interval", 250*time.Millisecond)
	v.SetDefault("progress.line_output", true)

	v.SetDefault("publisher.backend", BackendNone)
	v.SetDefault("publisher.topic", "crawl-jobs")
	v.SetDefault("publisher.project_id", "")
	v.SetDefault("publisher.brokers", []string{})

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "site-crawler")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	errs = append(errs, oneOf("queue.backend", c.Queue.Backend, BackendMemory, BackendRedis))
	if c.Queue.CrawlWorkers <= 0 || c.Queue.ScrapeWorkers <= 0 {
		errs = append(errs, errors.New("queue.crawl_workers and queue.scrape_workers must be > 0"))
	}
	errs = append(errs, c.Queue.Crawl.validate("queue.crawl"), c.Queue.Scrape.validate("queue.scrape"))
	if c.Browser.MaxInstances <= 0 {
		errs = append(errs, errors.New("browser.max_instances must be > 0"))
	}
	if c.Browser.PageTimeout <= 0 {
		errs = append(errs, errors.New("browser.page_timeout must be > 0"))
	}
	if c.Crawl.MaxDepth < 0 || c.Crawl.MaxDepth > 10 {
		errs = append(errs, errors.New("crawl.max_depth must be within [0, 10]"))
	}
	if c.Crawl.MaxPages < 1 || c.Crawl.MaxPages > 1000 {
		errs = append(errs, errors.New("crawl.max_pages must be within [1, 1000]"))
	}
	errs = append(errs,
		oneOf("storage.backend", c.Storage.Backend, BackendMemory, BackendPostgres),
		oneOf("storage.blob_backend", c.Storage.BlobBackend, BackendNone, BackendMemory, BackendLocal, BackendGCS),
		oneOf("progress.backend", c.Progress.Backend, BackendMemory, BackendRedis, BackendPostgres),
		oneOf("publisher.backend", c.Publisher.Backend, BackendNone, BackendMemory, BackendPubSub, BackendKafka),
	)
	if c.Storage.Backend == BackendPostgres && c.Storage.DSN == "" {
		errs = append(errs, errors.New("storage.dsn must be set for the postgres backend"))
	}
	if c.Progress.Backend == BackendPostgres && c.Storage.Backend != BackendPostgres {
		errs = append(errs, errors.New("progress.backend postgres requires storage.backend postgres"))
	}
	if c.Storage.BlobBackend == BackendGCS && c.Storage.GCSBucket == "" {
		errs = append(errs, errors.New("storage.gcs_bucket must be set for the gcs blob backend"))
	}
	if c.Publisher.Backend == BackendPubSub && c.Publisher.ProjectID == "" {
		errs = append(errs, errors.New("publisher.project_id must be set for the pubsub backend"))
	}
	if c.Publisher.Backend == BackendKafka && len(c.Publisher.Brokers) == 0 {
		errs = append(errs, errors.New("publisher.brokers must be set for the kafka backend"))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, errors.New("telemetry.sample_ratio must be within [0, 1]"))
	}
	return errors.Join(errs...)
}

func (r RetryConfig) validate(section string) error {
	var errs []error
	if r.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("%s.max_attempts must be > 0", section))
	}
	if r.BackoffInitial < 0 || r.BackoffMax < r.BackoffInitial {
		errs = append(errs, fmt.Errorf("%s.backoff_max must be >= %s.backoff_initial >= 0", section, section))
	}
	return errors.Join(errs...)
}

// RetryPolicyFor converts the queue section of kind into its worker retry
// policy. Kinds without a section get the package default.
func (c Config) RetryPolicyFor(kind crawler.JobKind) crawler.RetryPolicy {
	var r RetryConfig
	switch kind {
	case crawler.JobKindCrawl:
		r = c.Queue.Crawl
	case crawler.JobKindScrape:
		r = c.Queue.Scrape
	default:
		return crawler.DefaultRetryPolicy()
	}
	return crawler.RetryPolicy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   r.BackoffInitial,
		MaxDelay:    r.BackoffMax,
		Jitter:      true,
	}
}

// CrawlDefaults returns the options applied to submissions that leave a
// field unset.
func (c Config) CrawlDefaults() crawler.CrawlOptions {
	return crawler.CrawlOptions{
		MaxDepth:         c.Crawl.MaxDepth,
		MaxPages:         c.Crawl.MaxPages,
		DelayMs:          int(c.Crawl.Delay / time.Millisecond),
		Formats:          []string{"markdown"},
		SameDomainOnly:   c.Crawl.SameDomainOnly,
		RespectRobotsTxt: c.Crawl.RespectRobotsTxt,
		MaxLinksPerPage:  c.Crawl.MaxLinksPerPage,
	}
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, "|"), value)
}
