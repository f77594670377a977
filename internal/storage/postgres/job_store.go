package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/site-crawler/internal/crawler"
)

const foreignKeyViolation = "23503"

// JobStore persists jobs and page results in Postgres.
type JobStore struct {
	db DB
}

// NewJobStore wraps an open pool.
func NewJobStore(db DB) (*JobStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{db: db}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

const insertJobSQL = `
INSERT INTO jobs (id, kind, status, url, options, priority, progress, attempts, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job crawler.Job) error {
	options, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	status := job.Status
	if status == "" {
		status = crawler.JobStatusPending
	}
	_, err = s.db.Exec(ctx, insertJobSQL,
		job.ID,
		string(job.Kind),
		string(status),
		job.URL,
		options,
		string(job.Priority),
		job.Progress,
		job.Attempts,
		job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// The WHERE clause restricts the update to rows whose current status may
// transition to $2, so concurrent writers cannot move a job backwards.
// Progress only ever grows.
const updateJobSQL = `
UPDATE jobs SET
	status = $2,
	progress = GREATEST(progress, COALESCE($3, progress)),
	attempts = COALESCE($4, attempts),
	result = COALESCE($5, result),
	error_message = COALESCE($6, error_message),
	page_errors = COALESCE($7, page_errors),
	started_at = CASE WHEN $2 = 'processing' THEN COALESCE(started_at, $8) ELSE started_at END,
	completed_at = CASE WHEN $2 IN ('completed', 'failed', 'cancelled') THEN $8 ELSE completed_at END
WHERE id = $1 AND status = ANY($9)`

// UpdateJobStatus applies update if the stored status allows the transition.
func (s *JobStore) UpdateJobStatus(ctx context.Context, jobID string, update crawler.JobUpdate) error {
	var result, pageErrors []byte
	var err error
	if update.Result != nil {
		if result, err = json.Marshal(update.Result); err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
	}
	if update.PageErrors != nil {
		if pageErrors, err = json.Marshal(update.PageErrors); err != nil {
			return fmt.Errorf("marshal page errors: %w", err)
		}
	}
	tag, err := s.db.Exec(ctx, updateJobSQL,
		jobID,
		string(update.Status),
		update.Progress,
		update.Attempts,
		result,
		update.Error,
		pageErrors,
		update.At,
		allowedFrom(update.Status),
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var current string
	err = s.db.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("update %s: %w", jobID, crawler.ErrJobNotFound)
	}
	if err != nil {
		return fmt.Errorf("load job status %s: %w", jobID, err)
	}
	return fmt.Errorf("update %s from %s to %s: %w", jobID, current, update.Status, crawler.ErrInvalidTransition)
}

// allowedFrom lists the stored statuses that may move to next.
func allowedFrom(next crawler.JobStatus) []string {
	var out []string
	for _, prev := range []crawler.JobStatus{crawler.JobStatusPending, crawler.JobStatusProcessing} {
		if prev.CanTransition(next) {
			out = append(out, string(prev))
		}
	}
	return out
}

const insertPageSQL = `
INSERT INTO page_results (
	job_id,
	sequence,
	url,
	depth,
	success,
	error,
	title,
	status_code,
	links_found,
	duration_ms,
	content_ref,
	content_hash,
	processed_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
) ON CONFLICT (job_id, sequence) DO NOTHING`

// InsertPageResult records a processed page.
func (s *JobStore) InsertPageResult(ctx context.Context, jobID string, page crawler.PageResult) error {
	_, err := s.db.Exec(ctx, insertPageSQL,
		jobID,
		page.Sequence,
		page.URL,
		page.Depth,
		page.Success,
		page.Error,
		page.Title,
		page.StatusCode,
		page.LinksFound,
		page.DurationMs,
		page.ContentRef,
		page.ContentHash,
		page.ProcessedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return fmt.Errorf("insert page for %s: %w", jobID, crawler.ErrJobNotFound)
		}
		return fmt.Errorf("insert page result: %w", err)
	}
	return nil
}

// ClearPageResults deletes the pages recorded by earlier attempts.
func (s *JobStore) ClearPageResults(ctx context.Context, jobID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM page_results WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("clear page results for %s: %w", jobID, err)
	}
	return nil
}

const selectJobSQL = `
SELECT id, kind, status, url, options, priority, progress, attempts,
	result, error_message, page_errors, created_at, started_at, completed_at
FROM jobs
WHERE id = $1`

// GetJob loads a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	var (
		job                         crawler.Job
		kind, status, priority      string
		options, result, pageErrors []byte
		errMsg                      *string
	)
	err := s.db.QueryRow(ctx, selectJobSQL, jobID).Scan(
		&job.ID,
		&kind,
		&status,
		&job.URL,
		&options,
		&priority,
		&job.Progress,
		&job.Attempts,
		&result,
		&errMsg,
		&pageErrors,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Job{}, fmt.Errorf("get %s: %w", jobID, crawler.ErrJobNotFound)
	}
	if err != nil {
		return crawler.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	job.Kind = crawler.JobKind(kind)
	job.Status = crawler.JobStatus(status)
	job.Priority = crawler.Priority(priority)
	if errMsg != nil {
		job.Error = *errMsg
	}
	if err := json.Unmarshal(options, &job.Options); err != nil {
		return crawler.Job{}, fmt.Errorf("decode options: %w", err)
	}
	if len(result) > 0 {
		job.Result = &crawler.JobResult{}
		if err := json.Unmarshal(result, job.Result); err != nil {
			return crawler.Job{}, fmt.Errorf("decode result: %w", err)
		}
	}
	if len(pageErrors) > 0 {
		if err := json.Unmarshal(pageErrors, &job.PageErrors); err != nil {
			return crawler.Job{}, fmt.Errorf("decode page errors: %w", err)
		}
	}
	return job, nil
}

const selectPagesSQL = `
SELECT sequence, url, depth, success, COALESCE(error, ''), COALESCE(title, ''),
	COALESCE(status_code, 0), links_found, duration_ms, COALESCE(content_ref, ''),
	COALESCE(content_hash, ''), processed_at
FROM page_results
WHERE job_id = $1
ORDER BY sequence`

// ListPages returns a job's page results ordered by sequence.
func (s *JobStore) ListPages(ctx context.Context, jobID string) ([]crawler.PageResult, error) {
	rows, err := s.db.Query(ctx, selectPagesSQL, jobID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	var pages []crawler.PageResult
	for rows.Next() {
		page := crawler.PageResult{JobID: jobID}
		err := rows.Scan(
			&page.Sequence,
			&page.URL,
			&page.Depth,
			&page.Success,
			&page.Error,
			&page.Title,
			&page.StatusCode,
			&page.LinksFound,
			&page.DurationMs,
			&page.ContentRef,
			&page.ContentHash,
			&page.ProcessedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan page row: %w", err)
		}
		pages = append(pages, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate page rows: %w", err)
	}
	return pages, nil
}
