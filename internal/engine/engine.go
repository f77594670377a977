// Package engine runs the breadth-first traversal of a single crawl job.
//
// A job's frontier and visited set are owned by the goroutine running Crawl,
// so they need no locking. The browser pool is the only structure shared
// between concurrently running jobs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-crawler/internal/browser"
	"github.com/JakeFAU/site-crawler/internal/crawler"
	"github.com/JakeFAU/site-crawler/internal/linkfilter"
	"github.com/JakeFAU/site-crawler/internal/metrics"
	"github.com/JakeFAU/site-crawler/internal/progress"
)

const defaultErrorTail = 10

var tracer = otel.Tracer("github.com/JakeFAU/site-crawler/internal/engine")

// SessionPool hands out browser sessions. *browser.Pool satisfies it.
type SessionPool interface {
	Acquire(ctx context.Context) (browser.Handle, error)
	Release(h browser.Handle) error
}

// Config controls traversal behavior shared by every job.
type Config struct {
	// PageTimeout bounds navigation plus extraction of one page.
	PageTimeout time.Duration
	// ErrorTail bounds the per-page error list kept on the job record.
	ErrorTail int
	// BlobPrefix prefixes content blob keys.
	BlobPrefix  string
	DenyDomains []string
}

// Engine executes crawl traversals.
type Engine struct {
	pool      SessionPool
	extractor crawler.Extractor
	store     crawler.JobStore
	blobs     crawler.BlobStore
	hasher    crawler.Hasher
	robots    crawler.RobotsPolicy
	limiter   crawler.DomainLimiter
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithBlobStore stores successful page content under content-hash keys.
func WithBlobStore(blobs crawler.BlobStore, hasher crawler.Hasher) Option {
	return func(e *Engine) {
		e.blobs = blobs
		e.hasher = hasher
	}
}

// WithRobots consults policy for jobs that ask to respect robots.txt.
func WithRobots(policy crawler.RobotsPolicy) Option {
	return func(e *Engine) { e.robots = policy }
}

// WithDomainLimiter paces page loads per host across all jobs.
func WithDomainLimiter(limiter crawler.DomainLimiter) Option {
	return func(e *Engine) { e.limiter = limiter }
}

// WithClock overrides the time source.
func WithClock(clock crawler.Clock) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// New constructs an Engine.
func New(
	pool SessionPool,
	extractor crawler.Extractor,
	store crawler.JobStore,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) (*Engine, error) {
	if pool == nil || extractor == nil || store == nil {
		return nil, errors.New("engine requires a pool, an extractor, and a job store")
	}
	if cfg.ErrorTail <= 0 {
		cfg.ErrorTail = defaultErrorTail
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		pool:      pool,
		extractor: extractor,
		store:     store,
		clock:     systemClock{},
		cfg:       cfg,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// traversal is the job-local state of one Crawl call.
type traversal struct {
	job        crawler.Job
	filter     *linkfilter.Filter
	frontier   *frontier
	visited    map[string]struct{}
	domains    map[string]struct{}
	processed  int
	successful int
	failed     int
	skipped    int
	links      int
	pageTime   time.Duration
	pageErrors []string
	first      *crawler.PageResult
	lastErr    error
}

// Crawl runs the BFS loop for job. Pages left by an earlier attempt are
// dropped first. Page failures are recorded and never end the traversal. The returned error is nil when the job completed or was
// cancelled through token; otherwise it is classified for the queue with
// crawler.Permanent or crawler.Retryable. tracker is marked terminal before
// Crawl returns.
func (e *Engine) Crawl(
	ctx context.Context,
	job crawler.Job,
	tracker *progress.Tracker,
	token *crawler.CancelToken,
) (crawler.Outcome, error) {
	started := e.clock.Now()
	opts := job.Options
	seed, err := linkfilter.Normalize(job.URL)
	if err != nil {
		tracker.MarkFailed("invalid seed url")
		return crawler.Outcome{}, crawler.Permanent(&crawler.ValidationError{Field: "url", Reason: err.Error()})
	}
	filter, err := linkfilter.New(seed, linkfilter.Options{
		SameDomainOnly:  opts.SameDomainOnly,
		IncludePatterns: opts.IncludePatterns,
		ExcludePatterns: opts.ExcludePatterns,
		MaxLinksPerPage: opts.MaxLinksPerPage,
		DenyDomains:     e.cfg.DenyDomains,
	})
	if err != nil {
		tracker.MarkFailed(err.Error())
		return crawler.Outcome{}, crawler.Permanent(&crawler.ValidationError{Field: "patterns", Reason: err.Error()})
	}

	if err := e.store.ClearPageResults(ctx, job.ID); err != nil {
		tracker.MarkFailed("reset page results: " + err.Error())
		return crawler.Outcome{}, crawler.Retryable(fmt.Errorf("clear page results: %w", err))
	}

	t := &traversal{
		job:      job,
		filter:   filter,
		frontier: newFrontier(),
		visited:  make(map[string]struct{}),
		domains:  make(map[string]struct{}),
	}
	t.frontier.push(crawler.FrontierEntry{URL: seed})
	tracker.QueueStatusChanged(t.frontier.len())

	logger := e.logger.With(zap.String("job_id", job.ID), zap.String("seed", seed))
	logger.Info("crawl started", zap.Int("max_depth", opts.MaxDepth), zap.Int("max_pages", opts.MaxPages))

	cancelled := false
	for t.frontier.len() > 0 && t.processed < opts.MaxPages {
		if token.Cancelled() {
			cancelled = true
			break
		}
		if err := ctx.Err(); err != nil {
			tracker.MarkFailed("interrupted: " + err.Error())
			return e.outcome(t, started, false), err
		}
		entry, _ := t.frontier.pop()
		tracker.QueueStatusChanged(t.frontier.len())
		if _, seen := t.visited[entry.URL]; seen || entry.Depth > opts.MaxDepth {
			continue
		}
		t.visited[entry.URL] = struct{}{}

		if opts.RespectRobotsTxt && e.robots != nil && !e.robots.Allowed(ctx, entry.URL) {
			t.skipped++
			metrics.ObservePageSkipped(entry.URL)
			logger.Debug("robots.txt disallows url", zap.String("url", entry.URL))
			continue
		}

		e.visit(ctx, t, entry, tracker, logger)

		if token.Cancelled() {
			cancelled = true
			break
		}
		if t.frontier.len() > 0 && t.processed < opts.MaxPages {
			if !politenessSleep(ctx, token, opts.Delay()) && token.Cancelled() {
				cancelled = true
				break
			}
		}
	}

	out := e.outcome(t, started, cancelled)
	summary := out.Result.Summary
	logger.Info("crawl finished",
		zap.Int("processed", summary.PagesProcessed),
		zap.Int("successful", summary.PagesSuccessful),
		zap.Int("failed", summary.PagesFailed),
		zap.Int("skipped", summary.PagesSkipped),
		zap.Bool("cancelled", cancelled),
		zap.Int64("duration_ms", summary.DurationMs),
	)

	switch {
	case cancelled:
		tracker.MarkCancelled("cancelled by request")
		return out, nil
	case t.processed == 0:
		tracker.MarkFailed(crawler.ErrNoPagesProcessed.Error())
		return out, crawler.Permanent(crawler.ErrNoPagesProcessed)
	case t.successful == 0:
		reason := crawler.ErrAllPagesFailed.Error()
		if t.lastErr != nil {
			reason = fmt.Sprintf("%s: %v", reason, t.lastErr)
		}
		tracker.MarkFailed(reason)
		return out, crawler.Retryable(fmt.Errorf("%w: %w", crawler.ErrAllPagesFailed, t.lastErr))
	default:
		tracker.MarkCompleted(fmt.Sprintf("%d/%d pages succeeded", t.successful, t.processed))
		return out, nil
	}
}

// visit processes one frontier entry: acquire, extract, release, filter,
// enqueue, report, persist.
func (e *Engine) visit(
	ctx context.Context,
	t *traversal,
	entry crawler.FrontierEntry,
	tracker *progress.Tracker,
	logger *zap.Logger,
) {
	opts := t.job.Options
	t.processed++
	host := linkfilter.Host(entry.URL)
	t.domains[host] = struct{}{}
	tracker.StartProcessingPage(entry.URL, entry.Depth)

	page := crawler.PageResult{
		JobID:    t.job.ID,
		URL:      entry.URL,
		Depth:    entry.Depth,
		Sequence: t.processed,
	}
	start := e.clock.Now()
	ex, err := e.fetch(ctx, t.job, entry.URL, host)
	elapsed := e.clock.Now().Sub(start)
	t.pageTime += elapsed
	page.DurationMs = elapsed.Milliseconds()
	page.ProcessedAt = e.clock.Now()

	if err != nil {
		t.failed++
		t.lastErr = err
		page.Error = err.Error()
		t.pageErrors = appendTail(t.pageErrors, fmt.Sprintf("%s: %v", entry.URL, err), e.cfg.ErrorTail)
		tracker.PageFailed(entry.URL, err)
		metrics.ObservePage(entry.URL, false, elapsed)
		logger.Warn("page failed", zap.String("url", entry.URL), zap.Int("depth", entry.Depth), zap.Error(err))
	} else {
		t.successful++
		page.Success = true
		page.Title = ex.Title
		page.StatusCode = ex.StatusCode
		page.LinksFound = len(ex.Links)
		t.links += len(ex.Links)
		e.storeContent(ctx, t.job, &page, ex, logger)

		added := 0
		if next := entry.Depth + 1; next <= opts.MaxDepth {
			kept, stats := t.filter.Apply(entry.URL, ex.Links)
			for _, link := range kept {
				if _, seen := t.visited[link]; seen {
					continue
				}
				if t.frontier.push(crawler.FrontierEntry{URL: link, Depth: next, Parent: entry.URL}) {
					added++
				}
			}
			logger.Debug("links filtered",
				zap.String("url", entry.URL),
				zap.Int("found", stats.Found),
				zap.Int("kept", stats.Kept),
				zap.Int("enqueued", added),
			)
		}
		tracker.QueueStatusChanged(t.frontier.len())
		tracker.PageCompleted(entry.URL, len(ex.Links))
		if added > 0 {
			tracker.URLsDiscovered(added, entry.Depth+1)
		}
		metrics.ObservePage(entry.URL, true, elapsed)
	}

	if t.first == nil {
		first := page
		t.first = &first
	}
	if err := e.store.InsertPageResult(ctx, t.job.ID, page); err != nil {
		logger.Error("persist page result failed", zap.String("url", entry.URL), zap.Error(err))
	}
}

// fetch paces the host, borrows a session, and extracts the page. Pool
// exhaustion is reported as a page error without waiting.
func (e *Engine) fetch(ctx context.Context, job crawler.Job, url, host string) (_ crawler.Extraction, err error) {
	ctx, span := tracer.Start(ctx, "page fetch", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("page.url", url),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx, host); err != nil {
			return crawler.Extraction{}, &crawler.PageError{URL: url, Err: err}
		}
	}
	handle, err := e.pool.Acquire(ctx)
	if err != nil {
		return crawler.Extraction{}, &crawler.PageError{URL: url, Err: err}
	}
	ex, err := e.extractor.Extract(ctx, handle.Session(), crawler.ExtractRequest{
		JobID:   job.ID,
		URL:     url,
		Formats: job.Options.Formats,
		Timeout: e.cfg.PageTimeout,
	})
	if rerr := e.pool.Release(handle); rerr != nil {
		e.logger.Warn("release browser session failed", zap.String("job_id", job.ID), zap.Error(rerr))
	}
	if err != nil {
		var pageErr *crawler.PageError
		if errors.As(err, &pageErr) {
			return crawler.Extraction{}, err
		}
		return crawler.Extraction{}, &crawler.PageError{URL: url, Err: err}
	}
	return ex, nil
}

// storeContent writes markdown (or HTML when markdown was not produced) to
// the blob store under a content-hash key.
func (e *Engine) storeContent(
	ctx context.Context,
	job crawler.Job,
	page *crawler.PageResult,
	ex crawler.Extraction,
	logger *zap.Logger,
) {
	if e.blobs == nil || e.hasher == nil {
		return
	}
	content, ext, contentType := ex.Markdown, "md", "text/markdown; charset=utf-8"
	if content == "" {
		content, ext, contentType = ex.HTML, "html", "text/html; charset=utf-8"
	}
	if content == "" {
		return
	}
	hash, err := e.hasher.Hash([]byte(content))
	if err != nil {
		logger.Warn("hash page content failed", zap.String("url", page.URL), zap.Error(err))
		return
	}
	uri, err := e.blobs.PutObject(ctx, e.blobPath(job.ID, hash, ext), contentType, strings.NewReader(content))
	if err != nil {
		logger.Warn("store page content failed", zap.String("url", page.URL), zap.Error(err))
		return
	}
	page.ContentHash = hash
	page.ContentRef = uri
}

func (e *Engine) blobPath(jobID, hash, ext string) string {
	prefix := strings.Trim(e.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.%s", jobID, hash, ext)
	}
	return fmt.Sprintf("%s/%s/%s.%s", prefix, jobID, hash, ext)
}

func (e *Engine) outcome(t *traversal, started time.Time, cancelled bool) crawler.Outcome {
	domains := make([]string, 0, len(t.domains))
	for d := range t.domains {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	summary := crawler.CrawlSummary{
		PagesProcessed:  t.processed,
		PagesSuccessful: t.successful,
		PagesFailed:     t.failed,
		PagesSkipped:    t.skipped,
		DomainsVisited:  domains,
		LinksDiscovered: t.links,
		DurationMs:      e.clock.Now().Sub(started).Milliseconds(),
		Cancelled:       cancelled,
	}
	if t.processed > 0 {
		summary.SuccessRate = math.Round(float64(t.successful)/float64(t.processed)*10000) / 100
		summary.AveragePageMs = t.pageTime.Milliseconds() / int64(t.processed)
	}
	out := crawler.Outcome{
		Result:     crawler.JobResult{Summary: summary},
		PageErrors: t.pageErrors,
		Cancelled:  cancelled,
	}
	if t.job.Kind == crawler.JobKindScrape {
		out.Result.Page = t.first
	}
	return out
}

// politenessSleep waits d unless ctx ends or token is cancelled first. It
// reports whether the full delay elapsed.
func politenessSleep(ctx context.Context, token *crawler.CancelToken, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-token.Done():
		return false
	}
}

func appendTail(tail []string, entry string, limit int) []string {
	tail = append(tail, entry)
	if len(tail) > limit {
		tail = append([]string(nil), tail[len(tail)-limit:]...)
	}
	return tail
}
