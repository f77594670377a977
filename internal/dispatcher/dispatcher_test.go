package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-crawler/internal/crawler"
	"github.com/JakeFAU/site-crawler/internal/progress"
	queuemem "github.com/JakeFAU/site-crawler/internal/queue/memory"
	"github.com/JakeFAU/site-crawler/internal/storage/memory"
	"github.com/JakeFAU/site-crawler/internal/worker"
)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("job-%d", s.n.Add(1)), nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []crawler.JobFinished
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, payload.(crawler.JobFinished))
	return "id", nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

type env struct {
	svc   *Service
	store *memory.JobStore
	queue *queuemem.Queue
	pub   *recordingPublisher
}

func newEnv(t *testing.T, handler worker.HandlerFunc, concurrency int) *env {
	t.Helper()
	store := memory.NewJobStore()
	queue := queuemem.NewQueue(0)
	pub := &recordingPublisher{}
	svc, err := New(store, &seqIDs{}, []Lane{{
		Kind:        crawler.JobKindCrawl,
		Queue:       queue,
		Handler:     handler,
		Concurrency: concurrency,
		Retry:       crawler.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond},
	}}, Config{Topic: "jobs"}, zap.NewNop(), WithPublisher(pub))
	require.NoError(t, err)
	return &env{svc: svc, store: store, queue: queue, pub: pub}
}

func (e *env) start(t *testing.T) {
	t.Helper()
	require.NoError(t, e.svc.Init(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.svc.Shutdown(ctx)
	})
}

func (e *env) status(id string) crawler.JobStatus {
	job, err := e.store.GetJob(context.Background(), id)
	if err != nil {
		return ""
	}
	return job.Status
}

func crawlSubmission(url string, priority crawler.Priority) Submission {
	return Submission{Kind: crawler.JobKindCrawl, URL: url, Priority: priority}
}

func doneHandler(context.Context, crawler.Job, *progress.Tracker, *crawler.CancelToken) (crawler.Outcome, error) {
	return crawler.Outcome{Result: crawler.JobResult{Summary: crawler.CrawlSummary{PagesProcessed: 1, PagesSuccessful: 1}}}, nil
}

func TestNewValidatesLanes(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore()
	_, err := New(store, &seqIDs{}, nil, Config{}, nil)
	require.Error(t, err)
	_, err = New(store, &seqIDs{}, []Lane{{Kind: "bogus", Queue: queuemem.NewQueue(0), Handler: worker.HandlerFunc(doneHandler)}}, Config{}, nil)
	require.Error(t, err)
	_, err = New(store, &seqIDs{}, []Lane{{Kind: crawler.JobKindCrawl}}, Config{}, nil)
	require.Error(t, err)
}

func TestSubmitRejectsInvalidJobs(t *testing.T) {
	t.Parallel()

	e := newEnv(t, doneHandler, 1)
	ctx := context.Background()

	_, err := e.svc.Submit(ctx, crawlSubmission("not a url", ""))
	var invalid *crawler.ValidationError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, "url", invalid.Field)

	_, err = e.svc.Submit(ctx, Submission{Kind: crawler.JobKindSearch, URL: "https://example.com"})
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, "kind", invalid.Field)

	_, err = e.svc.Submit(ctx, Submission{Kind: crawler.JobKindCrawl, URL: "https://example.com", Options: crawler.CrawlOptions{MaxPages: 5000}})
	require.ErrorAs(t, err, &invalid)

	n, err := e.queue.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSubmitPersistsAndEnqueues(t *testing.T) {
	t.Parallel()

	e := newEnv(t, doneHandler, 1)
	ctx := context.Background()

	job, err := e.svc.Submit(ctx, crawlSubmission("https://example.com", crawler.PriorityHigh))
	require.NoError(t, err)
	require.Equal(t, "job-1", job.ID)
	require.Equal(t, crawler.JobStatusPending, job.Status)
	require.Equal(t, crawler.DefaultMaxPages, job.Options.MaxPages)

	stored, err := e.svc.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusPending, stored.Status)

	item, err := e.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, job.ID, item.JobID)
	require.Equal(t, crawler.PriorityHigh.Value(), item.Priority)
	require.Equal(t, 1, item.Attempt)
}

func TestServiceRunsJobsToCompletion(t *testing.T) {
	t.Parallel()

	e := newEnv(t, doneHandler, 2)
	e.start(t)

	job, err := e.svc.Submit(context.Background(), crawlSubmission("https://example.com", ""))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.status(job.ID) == crawler.JobStatusCompleted }, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		stats, err := e.svc.Stats(context.Background())
		return err == nil && len(stats) == 1 && stats[0].Completed == 1
	}, time.Second, 5*time.Millisecond)
	stats, err := e.svc.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, crawler.JobKindCrawl, stats[0].Kind)
	require.Zero(t, stats[0].Waiting)
	require.Zero(t, stats[0].Active)
	require.Eventually(t, func() bool { return e.pub.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestServiceHonorsPriority(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		order []string
	)
	e := newEnv(t, func(_ context.Context, job crawler.Job, _ *progress.Tracker, _ *crawler.CancelToken) (crawler.Outcome, error) {
		mu.Lock()
		order = append(order, job.URL)
		mu.Unlock()
		return crawler.Outcome{}, nil
	}, 1)
	ctx := context.Background()
	_, err := e.svc.Submit(ctx, crawlSubmission("https://low.example.com", crawler.PriorityLow))
	require.NoError(t, err)
	_, err = e.svc.Submit(ctx, crawlSubmission("https://high.example.com", crawler.PriorityHigh))
	require.NoError(t, err)
	e.start(t)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"https://high.example.com", "https://low.example.com"}, order)
}

func TestCancelWaitingJob(t *testing.T) {
	t.Parallel()

	e := newEnv(t, doneHandler, 1)
	ctx := context.Background()
	job, err := e.svc.Submit(ctx, crawlSubmission("https://example.com", ""))
	require.NoError(t, err)

	ok, err := e.svc.Cancel(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, crawler.JobStatusCancelled, e.status(job.ID))

	n, err := e.queue.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	ok, err = e.svc.Cancel(ctx, job.ID)
	require.NoError(t, err)
	require.False(t, ok, "terminal jobs cannot be cancelled again")

	stats, err := e.svc.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats[0].Cancelled)
	require.Equal(t, 1, e.pub.count())
}

func TestCancelRunningJob(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	e := newEnv(t, func(_ context.Context, _ crawler.Job, _ *progress.Tracker, token *crawler.CancelToken) (crawler.Outcome, error) {
		close(started)
		select {
		case <-token.Done():
		case <-time.After(5 * time.Second):
		}
		return crawler.Outcome{Cancelled: token.Cancelled()}, nil
	}, 1)
	e.start(t)
	ctx := context.Background()
	job, err := e.svc.Submit(ctx, crawlSubmission("https://example.com", ""))
	require.NoError(t, err)
	<-started

	ok, err := e.svc.Cancel(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Eventually(t, func() bool { return e.status(job.ID) == crawler.JobStatusCancelled }, 2*time.Second, 5*time.Millisecond)
}

func TestCancelUnknownJob(t *testing.T) {
	t.Parallel()

	e := newEnv(t, doneHandler, 1)
	_, err := e.svc.Cancel(context.Background(), "missing")
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
	_, err = e.svc.GetStatus(context.Background(), "missing")
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
}

func TestLifecycle(t *testing.T) {
	t.Parallel()

	e := newEnv(t, doneHandler, 1)
	require.ErrorIs(t, e.svc.Shutdown(context.Background()), ErrNotStarted)
	require.NoError(t, e.svc.Init(context.Background()))
	require.Error(t, e.svc.Init(context.Background()))
	require.NoError(t, e.svc.Shutdown(context.Background()))

	_, err := e.svc.Submit(context.Background(), crawlSubmission("https://example.com", ""))
	require.ErrorIs(t, err, crawler.ErrQueueClosed)
}

// strandedQueue hands back one item left behind by an earlier process.
type strandedQueue struct {
	*queuemem.Queue
	stranded  crawler.QueueItem
	recovered atomic.Int32
}

func (q *strandedQueue) Recover(ctx context.Context) (int, error) {
	q.recovered.Add(1)
	return 1, q.Enqueue(ctx, q.stranded)
}

func TestInitRecoversUnacknowledgedItems(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore()
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, crawler.Job{
		ID:      "orphan",
		Kind:    crawler.JobKindCrawl,
		Status:  crawler.JobStatusProcessing,
		URL:     "https://example.com",
		Options: crawler.DefaultCrawlOptions(),
	}))
	queue := &strandedQueue{
		Queue:    queuemem.NewQueue(0),
		stranded: crawler.QueueItem{JobID: "orphan", Kind: crawler.JobKindCrawl, Attempt: 1},
	}
	svc, err := New(store, &seqIDs{}, []Lane{{
		Kind:    crawler.JobKindCrawl,
		Queue:   queue,
		Handler: worker.HandlerFunc(doneHandler),
	}}, Config{}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, svc.Init(ctx))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	require.Equal(t, int32(1), queue.recovered.Load())
	require.Eventually(t, func() bool {
		job, err := store.GetJob(ctx, "orphan")
		return err == nil && job.Status == crawler.JobStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSubmitNarrowsScrapeToSeedPage(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore()
	svc, err := New(store, &seqIDs{}, []Lane{{
		Kind:    crawler.JobKindScrape,
		Queue:   queuemem.NewQueue(0),
		Handler: worker.HandlerFunc(doneHandler),
	}}, Config{}, zap.NewNop())
	require.NoError(t, err)

	job, err := svc.Submit(context.Background(), Submission{
		Kind:    crawler.JobKindScrape,
		URL:     "https://example.com/a",
		Options: crawler.CrawlOptions{MaxPages: 40, MaxDepth: 2, DelayMs: 500},
	})
	require.NoError(t, err)
	stored, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, 1, stored.Options.MaxPages)
	require.Zero(t, stored.Options.MaxDepth)
	require.Zero(t, stored.Options.DelayMs)
}
