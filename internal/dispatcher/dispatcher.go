// Package dispatcher is the job service: it accepts submissions, answers
// status and cancellation requests, and fans queue work out to per-kind
// worker pools.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-crawler/internal/crawler"
	"github.com/JakeFAU/site-crawler/internal/metrics"
	"github.com/JakeFAU/site-crawler/internal/progress"
	"github.com/JakeFAU/site-crawler/internal/worker"
)

const defaultDepthInterval = 5 * time.Second

// ErrNotStarted is returned by Shutdown before Init.
var ErrNotStarted = errors.New("dispatcher not started")

// Lane binds a job kind to its queue, handler, concurrency, and retry policy.
type Lane struct {
	Kind        crawler.JobKind
	Queue       crawler.Queue
	Handler     worker.Handler
	Concurrency int
	Retry       crawler.RetryPolicy
}

// Config controls service-wide behavior.
type Config struct {
	// Topic receives a JobFinished message per terminal job.
	Topic          string
	Tracker        worker.TrackerConfig
	RequeueTimeout time.Duration
	// DepthInterval is how often queue depth gauges are refreshed.
	DepthInterval time.Duration
}

// Submission is a validated-on-submit job request.
type Submission struct {
	Kind     crawler.JobKind
	URL      string
	Options  crawler.CrawlOptions
	Priority crawler.Priority
}

type lane struct {
	Lane
	counters *worker.Counters
	workers  []*worker.Worker
}

// Service owns the job lifecycle for every configured kind.
type Service struct {
	store     crawler.JobStore
	ids       crawler.IDGenerator
	clock     crawler.Clock
	publisher crawler.Publisher
	emitter   progress.Emitter
	trackers  *progress.Registry
	tokens    *worker.Tokens
	lanes     map[crawler.JobKind]*lane
	order     []crawler.JobKind
	cfg       Config
	logger    *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option customizes a Service.
type Option func(*Service)

// WithPublisher announces terminal jobs on cfg.Topic.
func WithPublisher(p crawler.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithEmitter forwards tracker events, typically to a progress.Hub.
func WithEmitter(e progress.Emitter) Option {
	return func(s *Service) { s.emitter = e }
}

// WithTrackers shares a tracker registry with other readers such as the API.
func WithTrackers(r *progress.Registry) Option {
	return func(s *Service) {
		if r != nil {
			s.trackers = r
		}
	}
}

// WithClock overrides the time source.
func WithClock(c crawler.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// New builds the service. Workers are not started until Init.
func New(
	store crawler.JobStore,
	ids crawler.IDGenerator,
	lanes []Lane,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) (*Service, error) {
	if store == nil || ids == nil {
		return nil, errors.New("dispatcher requires a job store and an id generator")
	}
	if len(lanes) == 0 {
		return nil, errors.New("dispatcher requires at least one lane")
	}
	if cfg.DepthInterval <= 0 {
		cfg.DepthInterval = defaultDepthInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:    store,
		ids:      ids,
		clock:    systemClock{},
		trackers: progress.NewRegistry(),
		tokens:   worker.NewTokens(),
		lanes:    make(map[crawler.JobKind]*lane, len(lanes)),
		cfg:      cfg,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, l := range lanes {
		if !l.Kind.Valid() {
			return nil, fmt.Errorf("lane kind %q is not a job kind", l.Kind)
		}
		if l.Queue == nil || l.Handler == nil {
			return nil, fmt.Errorf("lane %s requires a queue and a handler", l.Kind)
		}
		if _, dup := s.lanes[l.Kind]; dup {
			return nil, fmt.Errorf("duplicate lane for kind %s", l.Kind)
		}
		if l.Concurrency <= 0 {
			l.Concurrency = 1
		}
		s.lanes[l.Kind] = &lane{Lane: l, counters: &worker.Counters{}}
		s.order = append(s.order, l.Kind)
	}
	return s, nil
}

// Trackers exposes the registry of live progress trackers.
func (s *Service) Trackers() *progress.Registry { return s.trackers }

// Init requeues items a previous process left unacknowledged, then starts
// every lane's workers. It returns immediately.
func (s *Service) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("dispatcher already started")
	}
	for _, kind := range s.order {
		rq, ok := s.lanes[kind].Queue.(crawler.RecoverableQueue)
		if !ok {
			continue
		}
		restored, err := rq.Recover(ctx)
		if err != nil {
			return fmt.Errorf("recover %s queue: %w", kind, err)
		}
		if restored > 0 {
			s.logger.Warn("requeued unacknowledged jobs", zap.String("kind", string(kind)), zap.Int("count", restored))
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	for _, kind := range s.order {
		l := s.lanes[kind]
		l.workers = l.workers[:0]
		for i := 0; i < l.Concurrency; i++ {
			w, err := worker.New(worker.Deps{
				Queue:     l.Queue,
				JobStore:  s.store,
				Handler:   l.Handler,
				Publisher: s.publisher,
				Tokens:    s.tokens,
				Trackers:  s.trackers,
				Emitter:   s.emitter,
				Counters:  l.counters,
				Clock:     s.clock,
			}, worker.Config{
				Kind:           kind,
				Topic:          s.cfg.Topic,
				Retry:          l.Retry,
				RequeueTimeout: s.cfg.RequeueTimeout,
				Tracker:        s.cfg.Tracker,
			}, s.logger)
			if err != nil {
				cancel()
				return fmt.Errorf("build %s worker: %w", kind, err)
			}
			l.workers = append(l.workers, w)
		}
	}
	for _, kind := range s.order {
		for _, w := range s.lanes[kind].workers {
			s.wg.Add(1)
			go func(wk *worker.Worker) {
				defer s.wg.Done()
				wk.Run(runCtx)
			}(w)
		}
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reportDepth(runCtx)
	}()
	s.cancel = cancel
	s.running = true
	s.logger.Info("dispatcher started", zap.Int("lanes", len(s.order)))
	return nil
}

// Shutdown stops dequeuing, waits for in-flight jobs to hand back or finish,
// and closes the queues. It returns ctx's error if workers outlive ctx.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}

	var errs []error
	for _, kind := range s.order {
		if err := s.lanes[kind].Queue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s queue: %w", kind, err))
		}
	}
	s.logger.Info("dispatcher stopped")
	return errors.Join(errs...)
}

// Submit validates sub, persists it as pending, and enqueues it. It never
// waits for the job to run.
func (s *Service) Submit(ctx context.Context, sub Submission) (crawler.Job, error) {
	job := crawler.Job{
		Kind:     sub.Kind,
		Status:   crawler.JobStatusPending,
		URL:      sub.URL,
		Options:  sub.Options.WithDefaults(),
		Priority: sub.Priority,
	}
	if job.Priority == "" {
		job.Priority = crawler.PriorityMedium
	}
	if job.Kind == crawler.JobKindScrape {
		job.Options = job.Options.SinglePage()
	}
	if err := crawler.ValidateJob(job); err != nil {
		return crawler.Job{}, err
	}
	l, ok := s.lanes[job.Kind]
	if !ok {
		return crawler.Job{}, &crawler.ValidationError{Field: "kind", Reason: fmt.Sprintf("%s jobs are not supported", job.Kind)}
	}

	id, err := s.ids.NewID()
	if err != nil {
		return crawler.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	job.ID = id
	job.CreatedAt = s.clock.Now()
	if err := s.store.CreateJob(ctx, job); err != nil {
		return crawler.Job{}, fmt.Errorf("create job: %w", err)
	}

	item := crawler.QueueItem{
		JobID:    job.ID,
		Kind:     job.Kind,
		Priority: job.Priority.Value(),
		Attempt:  1,
		Enqueued: job.CreatedAt,
	}
	if err := l.Queue.Enqueue(ctx, item); err != nil {
		reason := "enqueue failed: " + err.Error()
		if uerr := s.store.UpdateJobStatus(ctx, job.ID, crawler.JobUpdate{
			Status: crawler.JobStatusFailed,
			Error:  &reason,
			At:     s.clock.Now(),
		}); uerr != nil {
			s.logger.Error("mark unqueued job failed", zap.String("job_id", job.ID), zap.Error(uerr))
		}
		return crawler.Job{}, fmt.Errorf("enqueue job: %w", err)
	}
	metrics.ObserveJob(string(job.Kind), string(crawler.JobStatusPending))
	s.logger.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.String("url", job.URL),
		zap.String("priority", string(job.Priority)),
	)
	return job, nil
}

// GetStatus returns the stored job record.
func (s *Service) GetStatus(ctx context.Context, jobID string) (crawler.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Pages returns the page results recorded for a job.
func (s *Service) Pages(ctx context.Context, jobID string) ([]crawler.PageResult, error) {
	pages, err := s.store.ListPages(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	return pages, nil
}

// Cancel removes a waiting job outright or flags a running one. It reports
// false when the job is already terminal.
func (s *Service) Cancel(ctx context.Context, jobID string) (bool, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("get job: %w", err)
	}
	if job.Status.Terminal() {
		return false, nil
	}
	l, ok := s.lanes[job.Kind]
	if !ok {
		return false, fmt.Errorf("cancel %s: %w", jobID, crawler.ErrNoHandler)
	}

	removed, err := l.Queue.Remove(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("remove from queue: %w", err)
	}
	if !removed {
		s.tokens.Cancel(jobID)
		if latest, err := s.store.GetJob(ctx, jobID); err == nil && latest.Status.Terminal() {
			s.tokens.Remove(jobID)
		}
		s.logger.Info("cancellation requested", zap.String("job_id", jobID))
		return true, nil
	}

	reason := "cancelled before start"
	if err := s.store.UpdateJobStatus(ctx, jobID, crawler.JobUpdate{
		Status: crawler.JobStatusCancelled,
		Error:  &reason,
		At:     s.clock.Now(),
	}); err != nil {
		if errors.Is(err, crawler.ErrInvalidTransition) {
			return false, nil
		}
		return false, fmt.Errorf("mark cancelled: %w", err)
	}
	l.counters.Cancelled.Add(1)
	metrics.ObserveJob(string(job.Kind), string(crawler.JobStatusCancelled))
	s.announceCancelled(ctx, job)
	s.logger.Info("waiting job cancelled", zap.String("job_id", jobID))
	return true, nil
}

func (s *Service) announceCancelled(ctx context.Context, job crawler.Job) {
	if s.publisher == nil || s.cfg.Topic == "" {
		return
	}
	if _, err := s.publisher.Publish(ctx, s.cfg.Topic, crawler.JobFinished{
		JobID:      job.ID,
		Kind:       job.Kind,
		Status:     crawler.JobStatusCancelled,
		URL:        job.URL,
		FinishedAt: s.clock.Now(),
	}); err != nil {
		s.logger.Warn("publish job finished failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// Stats reports per-kind counters in lane order.
func (s *Service) Stats(ctx context.Context) ([]crawler.QueueStats, error) {
	out := make([]crawler.QueueStats, 0, len(s.order))
	for _, kind := range s.order {
		l := s.lanes[kind]
		waiting, err := l.Queue.Len(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s queue length: %w", kind, err)
		}
		out = append(out, crawler.QueueStats{
			Kind:      kind,
			Waiting:   waiting,
			Active:    int(l.counters.Active.Load()),
			Completed: l.counters.Completed.Load(),
			Failed:    l.counters.Failed.Load(),
			Cancelled: l.counters.Cancelled.Load(),
		})
	}
	return out, nil
}

func (s *Service) reportDepth(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.DepthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, kind := range s.order {
				n, err := s.lanes[kind].Queue.Len(ctx)
				if err != nil {
					continue
				}
				metrics.SetQueueDepth(string(kind), n)
			}
		}
	}
}
