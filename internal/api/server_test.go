package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-crawler/internal/crawler"
	"github.com/JakeFAU/site-crawler/internal/dispatcher"
	ids "github.com/JakeFAU/site-crawler/internal/id/uuid"
	"github.com/JakeFAU/site-crawler/internal/progress"
	queuemem "github.com/JakeFAU/site-crawler/internal/queue/memory"
	"github.com/JakeFAU/site-crawler/internal/storage/memory"
	"github.com/JakeFAU/site-crawler/internal/worker"
)

type testAPI struct {
	server *Server
	svc    *dispatcher.Service
	store  *memory.JobStore
	repo   *memory.ProgressRepo
	crawlQ *queuemem.Queue
}

func newTestAPI(t *testing.T, handler worker.HandlerFunc, cfg Config) *testAPI {
	t.Helper()
	if handler == nil {
		handler = func(context.Context, crawler.Job, *progress.Tracker, *crawler.CancelToken) (crawler.Outcome, error) {
			return crawler.Outcome{}, nil
		}
	}
	if cfg.Defaults.MaxPages == 0 {
		cfg.Defaults = crawler.DefaultCrawlOptions()
	}
	store := memory.NewJobStore()
	crawlQ := queuemem.NewQueue(0)
	svc, err := dispatcher.New(store, ids.New(), []dispatcher.Lane{
		{Kind: crawler.JobKindCrawl, Queue: crawlQ, Handler: handler, Concurrency: 1, Retry: crawler.RetryPolicy{MaxAttempts: 1}},
		{Kind: crawler.JobKindScrape, Queue: queuemem.NewQueue(0), Handler: handler, Concurrency: 1, Retry: crawler.RetryPolicy{MaxAttempts: 1}},
	}, dispatcher.Config{}, zap.NewNop())
	require.NoError(t, err)

	repo := memory.NewProgressRepo()
	progressHandler := NewProgressHandler(svc.Trackers(), repo, svc, zap.NewNop(), WithPingInterval(50*time.Millisecond))
	return &testAPI{
		server: NewServer(svc, progressHandler, cfg, zap.NewNop()),
		svc:    svc,
		store:  store,
		repo:   repo,
		crawlQ: crawlQ,
	}
}

func (a *testAPI) start(t *testing.T) {
	t.Helper()
	require.NoError(t, a.svc.Init(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.svc.Shutdown(ctx)
	})
}

func (a *testAPI) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestSubmitCrawlAppliesDefaultsAndOverrides(t *testing.T) {
	t.Parallel()

	defaults := crawler.DefaultCrawlOptions()
	defaults.RespectRobotsTxt = true
	a := newTestAPI(t, nil, Config{Defaults: defaults})

	rec := a.do(t, http.MethodPost, "/v1/jobs/crawl",
		`{"url":"https://example.com","maxDepth":2,"sameDomainOnly":false,"includePatterns":["/docs"],"priority":"high"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	resp := decode[submitResponse](t, rec)
	require.True(t, ids.Valid(resp.JobID))
	require.Equal(t, crawler.JobStatusPending, resp.Status)
	require.Equal(t, "/v1/jobs/"+resp.JobID, rec.Header().Get("Location"))

	job, err := a.store.GetJob(context.Background(), resp.JobID)
	require.NoError(t, err)
	require.Equal(t, 2, job.Options.MaxDepth)
	require.Equal(t, defaults.MaxPages, job.Options.MaxPages)
	require.False(t, job.Options.SameDomainOnly)
	require.True(t, job.Options.RespectRobotsTxt)
	require.Equal(t, []string{"/docs"}, job.Options.IncludePatterns)
	require.Equal(t, crawler.PriorityHigh, job.Priority)

	n, err := a.crawlQ.Len(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestSubmitCrawlRejectsBadInput(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, nil, Config{})
	cases := map[string]string{
		"malformed":     `{invalid`,
		"unknown field": `{"url":"https://example.com","depth":3}`,
		"bad url":       `{"url":"ftp://example.com"}`,
		"depth range":   `{"url":"https://example.com","maxDepth":11}`,
		"zero pages":    `{"url":"https://example.com","maxPages":0}`,
		"bad pattern":   `{"url":"https://example.com","includePatterns":["("]}`,
		"bad format":    `{"url":"https://example.com","formats":["pdf"]}`,
		"bad priority":  `{"url":"https://example.com","priority":"urgent"}`,
	}
	for name, body := range cases {
		rec := a.do(t, http.MethodPost, "/v1/jobs/crawl", body)
		require.Equal(t, http.StatusBadRequest, rec.Code, name)
	}

	rec := a.do(t, http.MethodPost, "/v1/jobs/crawl", `{"url":"https://example.com","maxDepth":0}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "maxDepth", decode[map[string]string](t, rec)["field"])
}

func TestSubmitScrapeAndFetchJob(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, nil, Config{})
	rec := a.do(t, http.MethodPost, "/v1/jobs/scrape", `{"url":"https://example.com/a","formats":["html"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decode[submitResponse](t, rec)
	require.Equal(t, crawler.JobKindScrape, resp.Kind)

	rec = a.do(t, http.MethodGet, "/v1/jobs/"+resp.JobID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	job := decode[crawler.Job](t, rec)
	require.Equal(t, "https://example.com/a", job.URL)
	require.Equal(t, []string{"html"}, job.Options.Formats)
	require.Equal(t, 1, job.Options.MaxPages)
	require.Zero(t, job.Options.MaxDepth)

	rec = a.do(t, http.MethodGet, "/v1/jobs/"+resp.JobID+"/pages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"job_id":"`+resp.JobID+`","pages":[]}`, rec.Body.String())
}

func TestJobRoutesValidateIDs(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, nil, Config{})
	rec := a.do(t, http.MethodGet, "/v1/jobs/not-a-uuid", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	missing, err := ids.New().NewID()
	require.NoError(t, err)
	for _, path := range []string{"/v1/jobs/" + missing, "/v1/jobs/" + missing + "/pages", "/v1/jobs/" + missing + "/progress"} {
		rec = a.do(t, http.MethodGet, path, "")
		require.Equal(t, http.StatusNotFound, rec.Code, path)
	}
	rec = a.do(t, http.MethodPost, "/v1/jobs/"+missing+"/cancel", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelWaitingJob(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, nil, Config{})
	rec := a.do(t, http.MethodPost, "/v1/jobs/crawl", `{"url":"https://example.com"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID := decode[submitResponse](t, rec).JobID

	rec = a.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/cancel", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	job, err := a.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCancelled, job.Status)

	rec = a.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/cancel", "")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = a.do(t, http.MethodGet, "/v1/queues/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[map[string][]crawler.QueueStats](t, rec)["queues"]
	require.Len(t, stats, 2)
	require.Equal(t, crawler.JobKindCrawl, stats[0].Kind)
	require.Equal(t, int64(1), stats[0].Cancelled)
	require.Zero(t, stats[0].Waiting)
}

func TestJobRunsToCompletion(t *testing.T) {
	t.Parallel()

	handler := func(_ context.Context, job crawler.Job, tracker *progress.Tracker, _ *crawler.CancelToken) (crawler.Outcome, error) {
		tracker.StartProcessingPage(job.URL, 0)
		tracker.PageCompleted(job.URL, 0)
		tracker.MarkCompleted("1/1 pages succeeded")
		return crawler.Outcome{Result: crawler.JobResult{Summary: crawler.CrawlSummary{PagesProcessed: 1, PagesSuccessful: 1}}}, nil
	}
	a := newTestAPI(t, handler, Config{})
	a.start(t)

	rec := a.do(t, http.MethodPost, "/v1/jobs/crawl", `{"url":"https://example.com"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID := decode[submitResponse](t, rec).JobID

	require.Eventually(t, func() bool {
		rec := a.do(t, http.MethodGet, "/v1/jobs/"+jobID, "")
		return rec.Code == http.StatusOK && decode[crawler.Job](t, rec).Status == crawler.JobStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	rec = a.do(t, http.MethodGet, "/v1/jobs/"+jobID+"/progress", "")
	require.Equal(t, http.StatusOK, rec.Code)
	q := decode[progress.Query](t, rec)
	require.Equal(t, progress.StatusCompleted, q.Status)
	require.Equal(t, 1, q.PagesSuccessful)
	require.Equal(t, 100, q.Percentage)
}

func TestAuthMiddleware(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, nil, Config{AuthEnabled: true, APIKey: "secret"})

	rec := a.do(t, http.MethodGet, "/v1/queues/stats", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/queues/stats", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodGet, "/v1/queues/stats?api_key=secret", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestProbesAndRequestID(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, nil, Config{})
	rec := a.do(t, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec = httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))

	rec = a.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
