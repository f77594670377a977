// Package worker implements the per-kind job execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-crawler/internal/crawler"
	"github.com/JakeFAU/site-crawler/internal/metrics"
	"github.com/JakeFAU/site-crawler/internal/progress"
)

const (
	defaultRequeueTimeout   = 5 * time.Second
	defaultProgressInterval = 5 * time.Second
)

var tracer = otel.Tracer("github.com/JakeFAU/site-crawler/internal/worker")

// Handler executes one attempt of a job. A nil error with Outcome.Cancelled
// set means the job honored a cancellation request.
type Handler interface {
	Handle(
		ctx context.Context,
		job crawler.Job,
		tracker *progress.Tracker,
		token *crawler.CancelToken,
	) (crawler.Outcome, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(context.Context, crawler.Job, *progress.Tracker, *crawler.CancelToken) (crawler.Outcome, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(
	ctx context.Context,
	job crawler.Job,
	tracker *progress.Tracker,
	token *crawler.CancelToken,
) (crawler.Outcome, error) {
	return f(ctx, job, tracker, token)
}

// Counters are the per-kind job counters reported by queue stats.
type Counters struct {
	Active    atomic.Int64
	Completed atomic.Int64
	Failed    atomic.Int64
	Cancelled atomic.Int64
}

// TrackerConfig holds the progress tracker knobs applied to every attempt.
type TrackerConfig struct {
	ErrorTail      int
	MinETASamples  int
	ReportInterval time.Duration
}

// Config controls Worker behavior.
type Config struct {
	Kind  crawler.JobKind
	Topic string
	Retry crawler.RetryPolicy
	// RequeueTimeout bounds the hand-back of an interrupted job at shutdown.
	RequeueTimeout time.Duration
	Tracker        TrackerConfig
}

// Deps are the collaborators a Worker needs. Queue, JobStore, and Handler are
// required.
type Deps struct {
	Queue     crawler.Queue
	JobStore  crawler.JobStore
	Handler   Handler
	Publisher crawler.Publisher
	Tokens    *Tokens
	Trackers  *progress.Registry
	Emitter   progress.Emitter
	Counters  *Counters
	Clock     crawler.Clock
}

// Worker consumes queue items for one job kind and drives each job through
// its lifecycle.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Worker, error) {
	if deps.Queue == nil || deps.JobStore == nil || deps.Handler == nil {
		return nil, errors.New("worker requires a queue, a job store, and a handler")
	}
	if deps.Tokens == nil {
		deps.Tokens = NewTokens()
	}
	if deps.Trackers == nil {
		deps.Trackers = progress.NewRegistry()
	}
	if deps.Counters == nil {
		deps.Counters = &Counters{}
	}
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = crawler.DefaultRetryPolicy()
	}
	if cfg.RequeueTimeout <= 0 {
		cfg.RequeueTimeout = defaultRequeueTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With(zap.String("kind", string(cfg.Kind))),
	}, nil
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed.
func (w *Worker) Run(ctx context.Context) {
	for ctx.Err() == nil {
		item, err := w.deps.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID), zap.Int("attempt", item.Attempt))
		w.processJob(ctx, item)
	}
}

func (w *Worker) processJob(ctx context.Context, item crawler.QueueItem) {
	logger := w.logger.With(zap.String("job_id", item.JobID))
	defer w.ack(item.JobID, logger)
	job, err := w.deps.JobStore.GetJob(ctx, item.JobID)
	if err != nil {
		if errors.Is(err, crawler.ErrJobNotFound) {
			logger.Warn("dropping queue item for unknown job")
			return
		}
		logger.Error("load job failed", zap.Error(err))
		w.postpone(item, logger)
		return
	}
	if job.Status.Terminal() {
		logger.Debug("skipping job in terminal state", zap.String("status", string(job.Status)))
		w.deps.Tokens.Remove(job.ID)
		return
	}

	attempt := item.Attempt
	if attempt < 1 {
		attempt = 1
	}
	if err := w.deps.JobStore.UpdateJobStatus(ctx, job.ID, crawler.JobUpdate{
		Status:   crawler.JobStatusProcessing,
		Attempts: &attempt,
		At:       w.deps.Clock.Now(),
	}); err != nil {
		if !errors.Is(err, crawler.ErrInvalidTransition) {
			logger.Error("mark job processing failed", zap.Error(err))
			w.postpone(item, logger)
		}
		return
	}
	job.Status = crawler.JobStatusProcessing
	job.Attempts = attempt

	token := w.deps.Tokens.Get(job.ID)
	tracker := progress.NewTracker(progress.TrackerConfig{
		JobID:           job.ID,
		StartURL:        job.URL,
		MaxPages:        job.Options.MaxPages,
		FloorPercentage: job.Progress,
		ErrorTail:       w.cfg.Tracker.ErrorTail,
		MinETASamples:   w.cfg.Tracker.MinETASamples,
		ReportInterval:  w.cfg.Tracker.ReportInterval,
		Clock:           w.deps.Clock,
		Emitter:         w.deps.Emitter,
	})
	w.deps.Trackers.Register(tracker)
	defer w.deps.Trackers.Remove(tracker)
	stopProgress := w.recordProgress(ctx, job, tracker, logger)

	ctx, span := tracer.Start(ctx, "job "+string(job.Kind), trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.url", job.URL),
		attribute.Int("job.attempt", attempt),
	))
	defer span.End()

	w.deps.Counters.Active.Add(1)
	metrics.IncActiveWorkers(string(w.cfg.Kind))
	logger.Info("job started", zap.String("url", job.URL), zap.Int("attempt", attempt))
	outcome, runErr := w.deps.Handler.Handle(ctx, job, tracker, token)
	stopProgress()
	w.deps.Counters.Active.Add(-1)
	metrics.DecActiveWorkers(string(w.cfg.Kind))

	span.SetAttributes(
		attribute.Int("job.pages_processed", outcome.Result.Summary.PagesProcessed),
		attribute.Bool("job.cancelled", outcome.Cancelled),
	)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}

	w.finish(ctx, item, job, outcome, runErr, logger)
}

// recordProgress copies the tracker percentage onto the job record at most
// once per report interval while the attempt runs. The returned func writes
// the last value seen and stops.
func (w *Worker) recordProgress(
	ctx context.Context,
	job crawler.Job,
	tracker *progress.Tracker,
	logger *zap.Logger,
) func() {
	updates, unsubscribe := tracker.Subscribe(1)
	interval := w.cfg.Tracker.ReportInterval
	if interval <= 0 {
		interval = defaultProgressInterval
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		written, latest := job.Progress, job.Progress
		flush := func() {
			if latest <= written || ctx.Err() != nil {
				return
			}
			pct := latest
			err := w.deps.JobStore.UpdateJobStatus(ctx, job.ID, crawler.JobUpdate{
				Status:   crawler.JobStatusProcessing,
				Progress: &pct,
				At:       w.deps.Clock.Now(),
			})
			if err != nil {
				if !errors.Is(err, crawler.ErrInvalidTransition) {
					logger.Warn("record job progress failed", zap.Error(err))
				}
				return
			}
			written = pct
		}
		for {
			select {
			case snap, ok := <-updates:
				if !ok {
					updates = nil
					continue
				}
				latest = snap.Percentage
			case <-ticker.C:
				flush()
			case <-done:
				if updates != nil {
					select {
					case snap, ok := <-updates:
						if ok {
							latest = snap.Percentage
						}
					default:
					}
				}
				flush()
				return
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
		unsubscribe()
	}
}

// ack releases the queue's hold on a delivered item once this worker has
// finished with it or put it back.
func (w *Worker) ack(jobID string, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.RequeueTimeout)
	defer cancel()
	if err := w.deps.Queue.Ack(ctx, jobID); err != nil {
		logger.Warn("ack queue item failed", zap.Error(err))
	}
}

// postpone puts back an item that could not start because the job store
// was unreachable. The attempt is not spent.
func (w *Worker) postpone(item crawler.QueueItem, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.RequeueTimeout)
	defer cancel()
	next := item
	next.NotBefore = w.deps.Clock.Now().Add(w.cfg.Retry.Backoff(1))
	if err := w.deps.Queue.Enqueue(ctx, next); err != nil {
		logger.Error("postpone job failed", zap.Error(err))
	}
}

func (w *Worker) finish(
	ctx context.Context,
	item crawler.QueueItem,
	job crawler.Job,
	outcome crawler.Outcome,
	runErr error,
	logger *zap.Logger,
) {
	switch {
	case outcome.Cancelled:
		w.complete(ctx, job, crawler.JobStatusCancelled, &outcome, "", logger)
	case runErr == nil:
		w.complete(ctx, job, crawler.JobStatusCompleted, &outcome, "", logger)
	case ctx.Err() != nil:
		w.handBack(item, job, runErr, logger)
	case w.cfg.Retry.ShouldRetry(runErr, job.Attempts):
		w.retry(ctx, item, job, runErr, logger)
	default:
		w.complete(ctx, job, crawler.JobStatusFailed, &outcome, runErr.Error(), logger)
	}
}

// complete writes the terminal status and announces it.
func (w *Worker) complete(
	ctx context.Context,
	job crawler.Job,
	status crawler.JobStatus,
	outcome *crawler.Outcome,
	errText string,
	logger *zap.Logger,
) {
	defer w.deps.Tokens.Remove(job.ID)
	now := w.deps.Clock.Now()
	update := crawler.JobUpdate{
		Status:     status,
		PageErrors: outcome.PageErrors,
		At:         now,
	}
	switch status {
	case crawler.JobStatusCompleted:
		full := 100
		cleared := ""
		update.Progress = &full
		update.Result = &outcome.Result
		update.Error = &cleared
	case crawler.JobStatusCancelled:
		update.Result = &outcome.Result
	case crawler.JobStatusFailed:
		update.Error = &errText
	}
	if err := w.deps.JobStore.UpdateJobStatus(ctx, job.ID, update); err != nil {
		if errors.Is(err, crawler.ErrInvalidTransition) {
			logger.Info("job already terminal", zap.String("status", string(status)))
			return
		}
		logger.Error("final job status update failed", zap.Error(err))
		return
	}

	switch status {
	case crawler.JobStatusCompleted:
		w.deps.Counters.Completed.Add(1)
	case crawler.JobStatusFailed:
		w.deps.Counters.Failed.Add(1)
	case crawler.JobStatusCancelled:
		w.deps.Counters.Cancelled.Add(1)
	}
	metrics.ObserveJob(string(job.Kind), string(status))
	logger.Info("job finished",
		zap.String("status", string(status)),
		zap.Int("pages_processed", outcome.Result.Summary.PagesProcessed),
		zap.String("error", errText),
	)

	evt := crawler.JobFinished{
		JobID:      job.ID,
		Kind:       job.Kind,
		Status:     status,
		URL:        job.URL,
		Error:      errText,
		FinishedAt: now,
	}
	if status != crawler.JobStatusFailed {
		summary := outcome.Result.Summary
		evt.Summary = &summary
	}
	w.publish(ctx, evt, logger)
}

// retry records the failed attempt and schedules the next one.
func (w *Worker) retry(ctx context.Context, item crawler.QueueItem, job crawler.Job, runErr error, logger *zap.Logger) {
	delay := w.cfg.Retry.Backoff(job.Attempts)
	errText := runErr.Error()
	if err := w.deps.JobStore.UpdateJobStatus(ctx, job.ID, crawler.JobUpdate{
		Status: crawler.JobStatusProcessing,
		Error:  &errText,
		At:     w.deps.Clock.Now(),
	}); err != nil {
		logger.Warn("record failed attempt", zap.Error(err))
	}
	next := item
	next.Attempt = job.Attempts + 1
	next.NotBefore = w.deps.Clock.Now().Add(delay)
	if err := w.deps.Queue.Enqueue(ctx, next); err != nil {
		logger.Error("requeue for retry failed", zap.Error(err))
		w.complete(ctx, job, crawler.JobStatusFailed, &crawler.Outcome{}, fmt.Sprintf("%s (requeue failed: %v)", errText, err), logger)
		return
	}
	metrics.ObserveJobRetry(string(job.Kind))
	logger.Warn("job attempt failed, retrying",
		zap.Int("attempt", job.Attempts),
		zap.Duration("backoff", delay),
		zap.Error(runErr),
	)
}

// handBack returns a job interrupted by shutdown to the queue without
// spending an attempt, so another process can pick it up.
func (w *Worker) handBack(item crawler.QueueItem, job crawler.Job, runErr error, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.RequeueTimeout)
	defer cancel()
	next := item
	next.Attempt = job.Attempts
	next.NotBefore = time.Time{}
	if err := w.deps.Queue.Enqueue(ctx, next); err != nil {
		logger.Warn("hand back interrupted job failed", zap.Error(err))
		w.complete(ctx, job, crawler.JobStatusFailed, &crawler.Outcome{}, "interrupted: "+runErr.Error(), logger)
		return
	}
	w.deps.Tokens.Remove(job.ID)
	logger.Info("interrupted job handed back to queue")
}

func (w *Worker) publish(ctx context.Context, evt crawler.JobFinished, logger *zap.Logger) {
	if w.cfg.Topic == "" || w.deps.Publisher == nil {
		return
	}
	id, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, evt)
	if err != nil {
		logger.Warn("publish job finished failed", zap.Error(err))
		return
	}
	logger.Debug("job finished published", zap.String("message_id", id))
}
