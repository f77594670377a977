// Package server builds the crawler service from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-crawler/internal/api"
	"github.com/JakeFAU/site-crawler/internal/browser"
	"github.com/JakeFAU/site-crawler/internal/clock/system"
	"github.com/JakeFAU/site-crawler/internal/config"
	"github.com/JakeFAU/site-crawler/internal/crawler"
	"github.com/JakeFAU/site-crawler/internal/dispatcher"
	"github.com/JakeFAU/site-crawler/internal/engine"
	"github.com/JakeFAU/site-crawler/internal/extractor"
	"github.com/JakeFAU/site-crawler/internal/hash/sha256"
	"github.com/JakeFAU/site-crawler/internal/id/uuid"
	"github.com/JakeFAU/site-crawler/internal/metrics"
	"github.com/JakeFAU/site-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/site-crawler/internal/policy/robots"
	"github.com/JakeFAU/site-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/site-crawler/internal/progress/sinks"
	kafkapublisher "github.com/JakeFAU/site-crawler/internal/publisher/kafka"
	memorypublisher "github.com/JakeFAU/site-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/site-crawler/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/site-crawler/internal/queue/memory"
	queueredis "github.com/JakeFAU/site-crawler/internal/queue/redis"
	gcsstorage "github.com/JakeFAU/site-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/site-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/site-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/site-crawler/internal/storage/postgres"
	redisstore "github.com/JakeFAU/site-crawler/internal/storage/redis"
	"github.com/JakeFAU/site-crawler/internal/store"
	"github.com/JakeFAU/site-crawler/internal/telemetry"
	"github.com/JakeFAU/site-crawler/internal/worker"
)

// App holds the wired service and everything that must be released on exit.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	apiServer *api.Server
	svc       *dispatcher.Service
	pool      *browser.Pool
	hub       *progress.Hub
	publisher crawler.Publisher
	// closers run in reverse registration order on Close.
	closers []closer

	sessionLauncher browser.Launcher
	registerer      prometheus.Registerer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// Option customizes Build.
type Option func(*App)

// WithLauncher replaces the Chrome launcher, e.g. with a stub in tests.
func WithLauncher(l browser.Launcher) Option {
	return func(a *App) { a.sessionLauncher = l }
}

// WithRegisterer sets where progress collectors are registered.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// Build creates the application's dependencies. On error everything opened
// so far is closed again.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger, registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(app)
	}
	defer func() {
		if err != nil {
			_ = app.Close(context.Background())
		}
	}()

	metrics.Init()
	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     cfg.Telemetry.Version,
		ProjectID:   cfg.Telemetry.ProjectID,
		SampleRatio: cfg.Telemetry.SampleRatio,
	}, logger.Named("telemetry"))
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}
	app.addCloser("tracing", shutdownTracing)

	logger.Info("building application",
		zap.Int("port", cfg.Server.Port),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("blob_backend", cfg.Storage.BlobBackend),
		zap.String("progress_backend", cfg.Progress.Backend),
		zap.String("publisher_backend", cfg.Publisher.Backend),
	)

	redisClients := map[string]*redis.Client{}
	redisClient := func(addr string, db int) *redis.Client {
		key := fmt.Sprintf("%s/%d", addr, db)
		if c, ok := redisClients[key]; ok {
			return c
		}
		c := redis.NewClient(&redis.Options{Addr: addr, DB: db})
		redisClients[key] = c
		app.addCloser("redis "+key, func(context.Context) error { return c.Close() })
		return c
	}

	jobStore, pgPool, err := app.setupJobStore(ctx)
	if err != nil {
		return nil, err
	}
	progressRepo, err := app.setupProgressRepo(pgPool, redisClient)
	if err != nil {
		return nil, err
	}
	if err := app.setupHub(ctx, progressRepo); err != nil {
		return nil, err
	}
	blobs, err := app.setupBlobStore(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	eng, err := app.setupEngine(jobStore, blobs)
	if err != nil {
		return nil, err
	}
	lanes, err := app.setupLanes(ctx, eng, redisClient)
	if err != nil {
		return nil, err
	}

	dispatchOpts := []dispatcher.Option{dispatcher.WithClock(system.New()), dispatcher.WithEmitter(app.hub)}
	app.publisher = publisher
	if publisher != nil {
		dispatchOpts = append(dispatchOpts, dispatcher.WithPublisher(publisher))
	}
	tracker := worker.TrackerConfig{
		ErrorTail:      cfg.Crawl.ErrorTail,
		MinETASamples:  cfg.Crawl.MinETASamples,
		ReportInterval: cfg.Crawl.ReportInterval,
	}
	app.svc, err = dispatcher.New(jobStore, uuid.New(), lanes, dispatcher.Config{
		Topic:          cfg.Publisher.Topic,
		Tracker:        tracker,
		RequeueTimeout: cfg.Queue.RequeueTimeout,
	}, logger.Named("dispatcher"), dispatchOpts...)
	if err != nil {
		return nil, fmt.Errorf("dispatcher init failed: %w", err)
	}

	progressHandler := api.NewProgressHandler(app.svc.Trackers(), progressRepo, app.svc, logger.Named("progress_api"))
	app.apiServer = api.NewServer(app.svc, progressHandler, api.Config{
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
		RequestTimeout: cfg.Server.RequestTimeout,
		Defaults:       cfg.CrawlDefaults(),
	}, logger.Named("api"))
	return app, nil
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Service exposes the job dispatcher.
func (a *App) Service() *dispatcher.Service { return a.svc }

// Run starts workers, the pool maintenance loop, and the HTTP server, then
// blocks until ctx is cancelled or the server fails. It drains in-flight jobs
// before returning.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	if err := a.svc.Init(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	go a.pool.Run(ctx, a.cfg.Browser.HealthCheckInterval)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
		close(serveErr)
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.svc.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher shutdown: %w", err))
	}
	if err := <-serveErr; err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if err := a.Close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close releases every resource opened by Build, newest first.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("resource", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) addCloser(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) setupJobStore(ctx context.Context) (crawler.JobStore, pgstore.DB, error) {
	if a.cfg.Storage.Backend != config.BackendPostgres {
		a.logger.Info("using in-memory job store")
		return memorystorage.NewJobStore(), nil, nil
	}
	pool, err := pgstore.Connect(ctx, pgstore.Config{
		DSN:      a.cfg.Storage.DSN,
		MaxConns: a.cfg.Storage.MaxConns,
		Migrate:  a.cfg.Storage.Migrate,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("postgres init failed: %w", err)
	}
	a.addCloser("postgres", func(context.Context) error {
		pool.Close()
		return nil
	})
	jobs, err := pgstore.NewJobStore(pool)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres job store init failed: %w", err)
	}
	a.logger.Info("using postgres job store", zap.Bool("migrate", a.cfg.Storage.Migrate))
	return jobs, pool, nil
}

func (a *App) setupProgressRepo(
	pgPool pgstore.DB,
	redisClient func(addr string, db int) *redis.Client,
) (store.ProgressRepository, error) {
	switch a.cfg.Progress.Backend {
	case config.BackendRedis:
		a.logger.Info("using redis progress repository", zap.String("addr", a.cfg.Progress.RedisAddr))
		client := redisClient(a.cfg.Progress.RedisAddr, 0)
		return redisstore.NewProgressRepo(client, a.cfg.Progress.RedisPrefix, a.cfg.Progress.SnapshotTTL), nil
	case config.BackendPostgres:
		repo, err := pgstore.NewProgressStore(pgPool)
		if err != nil {
			return nil, fmt.Errorf("postgres progress store init failed: %w", err)
		}
		a.logger.Info("using postgres progress repository")
		return repo, nil
	default:
		a.logger.Info("using in-memory progress repository")
		return memorystorage.NewProgressRepo(), nil
	}
}

func (a *App) setupHub(ctx context.Context, repo store.ProgressRepository) error {
	sinkList := []progress.Sink{progresssinks.NewStoreSink(repo, a.logger.Named("progress_store"))}
	promSink, err := progresssinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)
	if a.cfg.Progress.LineOutput {
		sinkList = append(sinkList, progresssinks.NewLineSink(os.Stdout))
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.BatchSize,
		MaxBatchWait:   a.cfg.Progress.FlushInterval,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg, sinkList...)
	a.addCloser("progress hub", a.hub.Close)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func (a *App) setupBlobStore(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.BlobBackend {
	case config.BackendGCS:
		blobs, err := gcsstorage.Dial(ctx, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.addCloser("gcs", func(context.Context) error { return blobs.Close() })
		a.logger.Info("using GCS blob store", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return blobs, nil
	case config.BackendLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local blob store", zap.String("path", a.cfg.Storage.LocalDir))
		return blobs, nil
	case config.BackendMemory:
		a.logger.Info("using in-memory blob store")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Info("page content blobs disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	switch a.cfg.Publisher.Backend {
	case config.BackendPubSub:
		pub, err := gcppublisher.Dial(ctx, a.cfg.Publisher.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.addCloser("pubsub", func(context.Context) error { return pub.Close() })
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.Publisher.ProjectID),
			zap.String("topic", a.cfg.Publisher.Topic),
		)
		return pub, nil
	case config.BackendKafka:
		pub, err := kafkapublisher.New(a.cfg.Publisher.Brokers)
		if err != nil {
			return nil, fmt.Errorf("kafka publisher init failed: %w", err)
		}
		a.addCloser("kafka", func(context.Context) error { return pub.Close() })
		a.logger.Info("Kafka publisher initialized",
			zap.Strings("brokers", a.cfg.Publisher.Brokers),
			zap.String("topic", a.cfg.Publisher.Topic),
		)
		return pub, nil
	case config.BackendMemory:
		a.logger.Info("using in-memory publisher", zap.String("topic", a.cfg.Publisher.Topic))
		return memorypublisher.New(1000, a.logger.Named("publisher")), nil
	default:
		a.logger.Info("job notifications disabled")
		return nil, nil
	}
}

func (a *App) setupEngine(jobStore crawler.JobStore, blobs crawler.BlobStore) (*engine.Engine, error) {
	launcher := a.sessionLauncher
	if launcher == nil {
		launcher = browser.NewChromedpLauncher(browser.LauncherConfig{
			Headless:  a.cfg.Browser.Headless,
			NoSandbox: a.cfg.Browser.NoSandbox,
			UserAgent: a.cfg.Browser.UserAgent,
			ExecPath:  a.cfg.Browser.ExecPath,
		}, a.logger.Named("browser"))
	}
	pool, err := browser.NewPool(launcher, browser.Config{
		MaxInstances: a.cfg.Browser.MaxInstances,
		MaxAge:       a.cfg.Browser.MaxAge,
		OnExhausted:  metrics.ObserveBrowserExhausted,
		OnStats: func(s browser.Stats) {
			metrics.SetBrowserInstances(s.Idle, s.InUse, s.Launching)
		},
	}, a.logger.Named("browser_pool"))
	if err != nil {
		return nil, fmt.Errorf("browser pool init failed: %w", err)
	}
	a.pool = pool
	a.addCloser("browser pool", func(context.Context) error { return pool.CloseAll() })

	extract := extractor.NewChromedp(extractor.Config{
		NavigationTimeout: a.cfg.Browser.PageTimeout,
		UserAgent:         a.cfg.Browser.UserAgent,
		SettleDelay:       a.cfg.Browser.SettleDelay,
	}, a.logger.Named("extractor"))

	opts := []engine.Option{
		engine.WithClock(system.New()),
		engine.WithRobots(robots.New(robots.Config{
			UserAgent: a.cfg.Browser.UserAgent,
			Timeout:   a.cfg.Crawl.RobotsTimeout,
			CacheTTL:  a.cfg.Crawl.RobotsCacheTTL,
			MaxHosts:  a.cfg.Crawl.RobotsMaxHosts,
		}, a.logger.Named("robots"))),
		engine.WithDomainLimiter(ratelimit.New(ratelimit.Config{
			DefaultRPS:   a.cfg.Crawl.DomainRPS,
			DefaultBurst: a.cfg.Crawl.DomainBurst,
			Observe:      metrics.ObserveRateLimitDelay,
		})),
	}
	if blobs != nil {
		opts = append(opts, engine.WithBlobStore(blobs, sha256.NewTruncated(a.cfg.Storage.HashLength)))
	}
	eng, err := engine.New(pool, extract, jobStore, engine.Config{
		PageTimeout: a.cfg.Browser.PageTimeout,
		ErrorTail:   a.cfg.Crawl.ErrorTail,
		BlobPrefix:  a.cfg.Storage.BlobPrefix,
		DenyDomains: a.cfg.Crawl.DenyDomains,
	}, a.logger.Named("engine"), opts...)
	if err != nil {
		return nil, fmt.Errorf("engine init failed: %w", err)
	}
	return eng, nil
}

func (a *App) setupLanes(
	ctx context.Context,
	eng *engine.Engine,
	redisClient func(addr string, db int) *redis.Client,
) ([]dispatcher.Lane, error) {
	newQueue := func(kind crawler.JobKind) (crawler.Queue, error) {
		if a.cfg.Queue.Backend != config.BackendRedis {
			return queuememory.NewQueue(a.cfg.Queue.Capacity), nil
		}
		client := redisClient(a.cfg.Queue.RedisAddr, a.cfg.Queue.RedisDB)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis %s: %w", a.cfg.Queue.RedisAddr, err)
		}
		return queueredis.New(client, queueredis.Config{
			Prefix:      a.cfg.Queue.RedisPrefix,
			Kind:        kind,
			PollTimeout: a.cfg.Queue.PollTimeout,
		})
	}

	crawlQueue, err := newQueue(crawler.JobKindCrawl)
	if err != nil {
		return nil, fmt.Errorf("crawl queue init failed: %w", err)
	}
	scrapeQueue, err := newQueue(crawler.JobKindScrape)
	if err != nil {
		return nil, fmt.Errorf("scrape queue init failed: %w", err)
	}
	return []dispatcher.Lane{
		{
			Kind:        crawler.JobKindCrawl,
			Queue:       crawlQueue,
			Handler:     engine.CrawlHandler{Engine: eng},
			Concurrency: a.cfg.Queue.CrawlWorkers,
			Retry:       a.cfg.RetryPolicyFor(crawler.JobKindCrawl),
		},
		{
			Kind:        crawler.JobKindScrape,
			Queue:       scrapeQueue,
			Handler:     engine.ScrapeHandler{Engine: eng},
			Concurrency: a.cfg.Queue.ScrapeWorkers,
			Retry:       a.cfg.RetryPolicyFor(crawler.JobKindScrape),
		},
	}, nil
}
