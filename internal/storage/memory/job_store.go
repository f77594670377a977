package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/site-crawler/internal/crawler"
)

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu    sync.RWMutex
	jobs  map[string]crawler.Job
	pages map[string][]crawler.PageResult
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:  make(map[string]crawler.Job),
		pages: make(map[string][]crawler.PageResult),
	}
}

// CreateJob stores a new job. IDs must be unique.
func (s *JobStore) CreateJob(_ context.Context, job crawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if job.Status == "" {
		job.Status = crawler.JobStatusPending
	}
	s.jobs[job.ID] = job
	return nil
}

// UpdateJobStatus applies update if the status transition is allowed.
func (s *JobStore) UpdateJobStatus(_ context.Context, jobID string, update crawler.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("update %s: %w", jobID, crawler.ErrJobNotFound)
	}
	if !job.Status.CanTransition(update.Status) {
		return fmt.Errorf("update %s from %s to %s: %w", jobID, job.Status, update.Status, crawler.ErrInvalidTransition)
	}
	now := update.At
	if now.IsZero() {
		now = time.Now().UTC()
	}
	job.Status = update.Status
	if update.Progress != nil && *update.Progress > job.Progress {
		job.Progress = *update.Progress
	}
	if update.Attempts != nil {
		job.Attempts = *update.Attempts
	}
	if update.Result != nil {
		result := *update.Result
		job.Result = &result
	}
	if update.Error != nil {
		job.Error = *update.Error
	}
	if update.PageErrors != nil {
		job.PageErrors = append([]string(nil), update.PageErrors...)
	}
	if update.Status == crawler.JobStatusProcessing && job.StartedAt == nil {
		job.StartedAt = pointerTime(now)
	}
	if update.Status.Terminal() {
		job.CompletedAt = pointerTime(now)
	}
	s.jobs[jobID] = job
	return nil
}

// InsertPageResult appends a page row for a job.
func (s *JobStore) InsertPageResult(_ context.Context, jobID string, page crawler.PageResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return fmt.Errorf("insert page for %s: %w", jobID, crawler.ErrJobNotFound)
	}
	page.JobID = jobID
	s.pages[jobID] = append(s.pages[jobID], page)
	return nil
}

// ClearPageResults forgets the pages recorded by earlier attempts.
func (s *JobStore) ClearPageResults(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return fmt.Errorf("clear pages for %s: %w", jobID, crawler.ErrJobNotFound)
	}
	delete(s.pages, jobID)
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, fmt.Errorf("get %s: %w", jobID, crawler.ErrJobNotFound)
	}
	if job.PageErrors != nil {
		job.PageErrors = append([]string(nil), job.PageErrors...)
	}
	return job, nil
}

// ListPages returns all recorded pages for a job ordered by sequence.
func (s *JobStore) ListPages(_ context.Context, jobID string) ([]crawler.PageResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.jobs[jobID]; !ok {
		return nil, fmt.Errorf("list pages for %s: %w", jobID, crawler.ErrJobNotFound)
	}
	pages := s.pages[jobID]
	out := make([]crawler.PageResult, len(pages))
	copy(out, pages)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
