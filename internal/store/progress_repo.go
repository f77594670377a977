// Package store declares the repository contract for persisted progress
// snapshots, which outlive the in-memory tracker of a finished job.
package store

import (
	"context"
	"errors"

	"github.com/JakeFAU/site-crawler/internal/progress"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("progress record not found")

// ProgressRepository persists the latest progress snapshot per job.
type ProgressRepository interface {
	// SaveSnapshot replaces the stored snapshot for snap.JobID. Implementations
	// ignore snapshots older than the stored one.
	SaveSnapshot(ctx context.Context, snap progress.Snapshot) error
	// GetSnapshot loads the latest snapshot or returns ErrNotFound.
	GetSnapshot(ctx context.Context, jobID string) (progress.Snapshot, error)
}
