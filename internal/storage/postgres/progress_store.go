package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/site-crawler/internal/progress"
	"github.com/JakeFAU/site-crawler/internal/store"
)

// ProgressStore implements store.ProgressRepository using a JSONB column.
type ProgressStore struct {
	db DB
}

// NewProgressStore wraps an open pool.
func NewProgressStore(db DB) (*ProgressStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ProgressStore{db: db}, nil
}

const upsertSnapshotSQL = `
INSERT INTO job_progress (job_id, snapshot, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (job_id) DO UPDATE
SET snapshot = EXCLUDED.snapshot, updated_at = EXCLUDED.updated_at
WHERE job_progress.updated_at <= EXCLUDED.updated_at`

// SaveSnapshot upserts snap unless a newer snapshot is stored.
func (s *ProgressStore) SaveSnapshot(ctx context.Context, snap progress.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if _, err := s.db.Exec(ctx, upsertSnapshotSQL, snap.JobID, payload, snap.UpdatedAt); err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

// GetSnapshot loads the latest snapshot for jobID.
func (s *ProgressStore) GetSnapshot(ctx context.Context, jobID string) (progress.Snapshot, error) {
	var payload []byte
	err := s.db.QueryRow(ctx, `SELECT snapshot FROM job_progress WHERE job_id = $1`, jobID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return progress.Snapshot{}, store.ErrNotFound
	}
	if err != nil {
		return progress.Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	var snap progress.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return progress.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}
