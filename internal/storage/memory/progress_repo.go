package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/site-crawler/internal/progress"
	"github.com/JakeFAU/site-crawler/internal/store"
)

// ProgressRepo keeps the newest snapshot per job in memory.
type ProgressRepo struct {
	mu    sync.RWMutex
	snaps map[string]progress.Snapshot
}

// NewProgressRepo constructs an empty ProgressRepo.
func NewProgressRepo() *ProgressRepo {
	return &ProgressRepo{snaps: make(map[string]progress.Snapshot)}
}

// SaveSnapshot stores snap unless a newer snapshot is already held.
func (r *ProgressRepo) SaveSnapshot(_ context.Context, snap progress.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.snaps[snap.JobID]; ok && current.UpdatedAt.After(snap.UpdatedAt) {
		return nil
	}
	r.snaps[snap.JobID] = snap
	return nil
}

// GetSnapshot returns the stored snapshot or store.ErrNotFound.
func (r *ProgressRepo) GetSnapshot(_ context.Context, jobID string) (progress.Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap, ok := r.snaps[jobID]
	if !ok {
		return progress.Snapshot{}, store.ErrNotFound
	}
	return snap, nil
}
