package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-crawler/internal/progress"
	"github.com/JakeFAU/site-crawler/internal/store"
)

// StoreSink persists the newest snapshot per job in each batch via a
// store.ProgressRepository, collapsing intermediate events to one write.
type StoreSink struct {
	repo   store.ProgressRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.ProgressRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume writes one snapshot per job. It respects ctx deadlines and returns
// the first repository error after attempting every job.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	latest := make(map[string]progress.Snapshot)
	order := make([]string, 0)
	for _, evt := range batch {
		if evt.Snapshot.JobID == "" {
			continue
		}
		current, seen := latest[evt.JobID]
		if !seen {
			order = append(order, evt.JobID)
		}
		if !seen || !evt.Snapshot.UpdatedAt.Before(current.UpdatedAt) {
			latest[evt.JobID] = evt.Snapshot
		}
	}

	var firstErr error
	for _, jobID := range order {
		if err := s.repo.SaveSnapshot(ctx, latest[jobID]); err != nil {
			s.logger.Warn("persist progress snapshot failed", zap.String("job_id", jobID), zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("save snapshot %s: %w", jobID, err)
			}
		}
	}
	return firstErr
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
