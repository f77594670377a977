package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-crawler/internal/config"
	"github.com/JakeFAU/site-crawler/internal/crawler"
	"github.com/JakeFAU/site-crawler/internal/dispatcher"
	memorypublisher "github.com/JakeFAU/site-crawler/internal/publisher/memory"
)

// stubSession never connects, so every extraction fails fast without Chrome.
type stubSession struct{}

func (stubSession) Context() context.Context { return context.Background() }
func (stubSession) Alive() bool              { return false }
func (stubSession) Close() error             { return nil }

type stubLauncher struct{}

func (stubLauncher) Launch(context.Context) (crawler.Session, error) { return stubSession{}, nil }

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Progress.LineOutput = false
	cfg.Publisher.Backend = config.BackendMemory
	cfg.Server.Port = 0
	cfg.Server.ShutdownTimeout = 5 * time.Second
	return cfg
}

func build(t *testing.T, cfg config.Config) (*App, error) {
	t.Helper()
	return Build(context.Background(), cfg, zap.NewNop(),
		WithLauncher(stubLauncher{}),
		WithRegisterer(prometheus.NewRegistry()),
	)
}

func TestBuildInMemory(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.BlobBackend = config.BackendLocal
	cfg.Storage.LocalDir = t.TempDir()

	app, err := build(t, cfg)
	require.NoError(t, err)
	require.NotNil(t, app.Service())

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, app.Close(context.Background()))
}

func TestBuildFailsOnUnusableBlobDir(t *testing.T) {
	cfg := testConfig(t)
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	cfg.Storage.BlobBackend = config.BackendLocal
	cfg.Storage.LocalDir = file

	_, err := build(t, cfg)
	require.ErrorContains(t, err, "local blob store init failed")
}

func TestBuildFailsOnBadKafkaBrokers(t *testing.T) {
	cfg := testConfig(t)
	cfg.Publisher.Backend = config.BackendKafka
	cfg.Publisher.Brokers = nil

	_, err := build(t, cfg)
	require.ErrorContains(t, err, "kafka publisher init failed")
}

func TestSetupLanesUsesPerKindRetry(t *testing.T) {
	cfg := testConfig(t)
	cfg.Queue.Crawl.MaxAttempts = 5
	cfg.Queue.Scrape.MaxAttempts = 2
	cfg.Queue.Scrape.BackoffInitial = 100 * time.Millisecond
	a := &App{cfg: cfg, logger: zap.NewNop()}

	lanes, err := a.setupLanes(context.Background(), nil, nil)
	require.NoError(t, err)
	require.Len(t, lanes, 2)
	retry := make(map[crawler.JobKind]crawler.RetryPolicy, len(lanes))
	for _, l := range lanes {
		retry[l.Kind] = l.Retry
	}
	require.Equal(t, 5, retry[crawler.JobKindCrawl].MaxAttempts)
	require.Equal(t, 2*time.Second, retry[crawler.JobKindCrawl].BaseDelay)
	require.Equal(t, 2, retry[crawler.JobKindScrape].MaxAttempts)
	require.Equal(t, 100*time.Millisecond, retry[crawler.JobKindScrape].BaseDelay)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Queue.Scrape.MaxAttempts = 1
	app, err := build(t, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	job, err := app.Service().Submit(context.Background(), dispatcher.Submission{
		Kind: crawler.JobKindScrape,
		URL:  "https://example.com/",
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := app.Service().GetStatus(context.Background(), job.ID)
		return err == nil && got.Status == crawler.JobStatusFailed
	}, 10*time.Second, 20*time.Millisecond)

	published := app.publisher.(*memorypublisher.Publisher)
	require.Eventually(t, func() bool {
		return len(published.JobEvents(cfg.Publisher.Topic)) == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
