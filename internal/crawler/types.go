package crawler

import (
	"time"
)

// JobKind selects the queue and handler a job is routed to.
type JobKind string

// Supported job kinds.
const (
	JobKindScrape JobKind = "scrape"
	JobKindCrawl  JobKind = "crawl"
	JobKindSearch JobKind = "search"
)

// JobKinds lists every kind known to the service.
var JobKinds = []JobKind{JobKindCrawl, JobKindScrape, JobKindSearch}

// Valid reports whether k is a known kind.
func (k JobKind) Valid() bool {
	for _, known := range JobKinds {
		if k == known {
			return true
		}
	}
	return false
}

// JobStatus represents the lifecycle state of a job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

func (s JobStatus) rank() int {
	switch s {
	case JobStatusPending:
		return 0
	case JobStatusProcessing:
		return 1
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return 2
	default:
		return -1
	}
}

// CanTransition reports whether a job may move from s to next. Transitions
// only move forward; a processing job may be marked processing again when a
// retried attempt starts.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s.Terminal() || next.rank() < 0 || s.rank() < 0 {
		return false
	}
	return next.rank() >= s.rank()
}

// Priority is the client-facing priority label.
type Priority string

// Priority labels accepted on submission.
const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Value maps the label onto the numeric queue priority. Lower runs first.
func (p Priority) Value() int {
	switch p {
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 10
	default:
		return 5
	}
}

// Defaults applied to crawl options when the client leaves them unset.
const (
	DefaultMaxDepth        = 3
	DefaultMaxPages        = 100
	DefaultDelay           = 1000 * time.Millisecond
	DefaultMaxLinksPerPage = 50
)

// CrawlOptions captures per-job traversal knobs requested by the client.
type CrawlOptions struct {
	MaxDepth         int      `json:"max_depth" validate:"min=0,max=10"`
	MaxPages         int      `json:"max_pages" validate:"min=1,max=1000"`
	IncludePatterns  []string `json:"include_patterns,omitempty"`
	ExcludePatterns  []string `json:"exclude_patterns,omitempty"`
	RespectRobotsTxt bool     `json:"respect_robots_txt"`
	DelayMs          int      `json:"delay_between_requests_ms" validate:"min=0,max=60000"`
	Formats          []string `json:"formats,omitempty" validate:"dive,oneof=markdown html json links"`
	SameDomainOnly   bool     `json:"same_domain_only"`
	MaxLinksPerPage  int      `json:"max_links_per_page,omitempty" validate:"min=0,max=1000"`
}

// DefaultCrawlOptions returns the documented defaults.
func DefaultCrawlOptions() CrawlOptions {
	return CrawlOptions{
		MaxDepth:        DefaultMaxDepth,
		MaxPages:        DefaultMaxPages,
		DelayMs:         int(DefaultDelay / time.Millisecond),
		Formats:         []string{"markdown"},
		SameDomainOnly:  true,
		MaxLinksPerPage: DefaultMaxLinksPerPage,
	}
}

// SinglePage narrows o to exactly the seed page, the way scrape jobs run.
func (o CrawlOptions) SinglePage() CrawlOptions {
	o.MaxDepth = 0
	o.MaxPages = 1
	o.DelayMs = 0
	return o
}

// Delay returns the politeness delay as a duration.
func (o CrawlOptions) Delay() time.Duration {
	return time.Duration(o.DelayMs) * time.Millisecond
}

// WantsFormat reports whether format was requested.
func (o CrawlOptions) WantsFormat(format string) bool {
	for _, f := range o.Formats {
		if f == format {
			return true
		}
	}
	return false
}

// Job represents the metadata persisted for each submitted request.
type Job struct {
	ID          string       `json:"id"`
	Kind        JobKind      `json:"kind"`
	Status      JobStatus    `json:"status"`
	URL         string       `json:"url"`
	Options     CrawlOptions `json:"options"`
	Priority    Priority     `json:"priority"`
	Progress    int          `json:"progress"`
	Attempts    int          `json:"attempts"`
	Result      *JobResult   `json:"result,omitempty"`
	Error       string       `json:"error_message,omitempty"`
	PageErrors  []string     `json:"page_errors,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// JobUpdate carries an optional-field status update. Nil fields are left
// untouched by stores.
type JobUpdate struct {
	Status     JobStatus
	Progress   *int
	Attempts   *int
	Result     *JobResult
	Error      *string
	PageErrors []string
	At         time.Time
}

// JobResult is the payload recorded on successful (or cancelled) completion.
type JobResult struct {
	Summary CrawlSummary `json:"summary"`
	// Page is set for single-page scrape jobs.
	Page *PageResult `json:"page,omitempty"`
}

// CrawlSummary aggregates a finished traversal.
type CrawlSummary struct {
	PagesProcessed  int      `json:"pages_processed"`
	PagesSuccessful int      `json:"pages_successful"`
	PagesFailed     int      `json:"pages_failed"`
	PagesSkipped    int      `json:"pages_skipped"`
	SuccessRate     float64  `json:"success_rate"`
	DomainsVisited  []string `json:"domains_visited"`
	LinksDiscovered int      `json:"links_discovered"`
	AveragePageMs   int64    `json:"average_page_ms"`
	DurationMs      int64    `json:"duration_ms"`
	Cancelled       bool     `json:"cancelled"`
}

// FrontierEntry is a discovered URL waiting in a job's BFS queue.
type FrontierEntry struct {
	URL    string
	Depth  int
	Parent string
}

// PageResult is persisted once per page attempt.
type PageResult struct {
	JobID       string    `json:"job_id"`
	URL         string    `json:"url"`
	Depth       int       `json:"depth"`
	Sequence    int       `json:"sequence"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	Title       string    `json:"title,omitempty"`
	StatusCode  int       `json:"status_code,omitempty"`
	LinksFound  int       `json:"links_found"`
	DurationMs  int64     `json:"duration_ms"`
	ContentRef  string    `json:"content_ref,omitempty"`
	ContentHash string    `json:"content_hash,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
}

// ExtractRequest describes one navigation + extraction.
type ExtractRequest struct {
	JobID   string
	URL     string
	Formats []string
	Timeout time.Duration
}

// Extraction is returned by a content extractor.
type Extraction struct {
	URL        string         `json:"url"`
	StatusCode int            `json:"status_code"`
	Title      string         `json:"title"`
	Markdown   string         `json:"markdown,omitempty"`
	HTML       string         `json:"html,omitempty"`
	JSON       map[string]any `json:"json,omitempty"`
	Links      []string       `json:"links"`
	Images     []string       `json:"images"`
	Duration   time.Duration  `json:"-"`
}

// QueueStats reports per-kind queue counters.
type QueueStats struct {
	Kind      JobKind `json:"kind"`
	Waiting   int     `json:"waiting"`
	Active    int     `json:"active"`
	Completed int64   `json:"completed"`
	Failed    int64   `json:"failed"`
	Cancelled int64   `json:"cancelled"`
}

// JobFinished is published once a job reaches a terminal status.
type JobFinished struct {
	JobID      string        `json:"job_id"`
	Kind       JobKind       `json:"kind"`
	Status     JobStatus     `json:"status"`
	URL        string        `json:"url"`
	Error      string        `json:"error_message,omitempty"`
	Summary    *CrawlSummary `json:"summary,omitempty"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Outcome is what a job handler reports back to the worker that ran it.
type Outcome struct {
	Result     JobResult
	PageErrors []string
	Cancelled  bool
}
