package crawler

import (
	"context"
	"io"
	"time"
)

// JobStore persists job lifecycle and page results.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJobStatus(ctx context.Context, jobID string, update JobUpdate) error
	InsertPageResult(ctx context.Context, jobID string, page PageResult) error
	// ClearPageResults drops every page recorded for a job so a new attempt
	// starts its sequence from 1.
	ClearPageResults(ctx context.Context, jobID string) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListPages(ctx context.Context, jobID string) ([]PageResult, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub, Kafka, or similar.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Session is an opaque headless browser session owned by the browser pool.
type Session interface {
	// Context returns the browser-scoped context tabs are derived from.
	Context() context.Context
	// Alive reports whether the underlying browser is still connected.
	Alive() bool
	Close() error
}

// Extractor navigates a pooled session to a URL and extracts its content.
type Extractor interface {
	Extract(ctx context.Context, session Session, req ExtractRequest) (Extraction, error)
}

// Queue provides priority enqueue/dequeue semantics for one job kind.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
	// Ack reports that the worker is done with a dequeued item, whether it
	// finished or was enqueued again.
	Ack(ctx context.Context, jobID string) error
	// Remove drops a still-waiting item and reports whether it was found.
	Remove(ctx context.Context, jobID string) (bool, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// RecoverableQueue is a Queue that holds dequeued items until Ack, so items
// a stopped process never acknowledged can be put back in line.
type RecoverableQueue interface {
	Queue
	// Recover requeues unacknowledged items and reports how many it restored.
	Recover(ctx context.Context) (int, error)
}

// RobotsPolicy decides whether robots.txt allows fetching a URL.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// DomainLimiter paces requests to the same host across all jobs.
type DomainLimiter interface {
	Wait(ctx context.Context, host string) error
}

// Hasher computes digests for content addressing.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string    `json:"job_id"`
	Kind      JobKind   `json:"kind"`
	Priority  int       `json:"priority"`
	Attempt   int       `json:"attempt"`
	Enqueued  time.Time `json:"enqueued_at"`
	NotBefore time.Time `json:"not_before,omitempty"`
}
