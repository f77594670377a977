package progress

import (
	"time"
)

// Status is the tracker state machine: starting -> crawling -> terminal.
type Status string

// Tracker states.
const (
	StatusStarting  Status = "starting"
	StatusCrawling  Status = "crawling"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s accepts no further events.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Phase is the coarse sub-state shown to clients while crawling.
type Phase string

// Tracker phases.
const (
	PhaseDiscovering Phase = "discovering"
	PhaseProcessing  Phase = "processing"
	PhaseFinishing   Phase = "finishing"
)

// PageFailure is one entry of the bounded recent-error list.
type PageFailure struct {
	URL   string    `json:"url"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

// Snapshot is the full progress state of one job.
type Snapshot struct {
	JobID           string        `json:"job_id"`
	StartURL        string        `json:"start_url"`
	Status          Status        `json:"status"`
	Phase           Phase         `json:"phase"`
	PagesDiscovered int           `json:"pages_discovered"`
	PagesProcessed  int           `json:"pages_processed"`
	PagesSuccessful int           `json:"pages_successful"`
	PagesFailed     int           `json:"pages_failed"`
	LinksFound      int           `json:"links_found"`
	MaxPages        int           `json:"max_pages"`
	CurrentURL      string        `json:"current_url,omitempty"`
	CurrentDepth    int           `json:"current_depth"`
	CurrentPage     int           `json:"current_page"`
	Percentage      int           `json:"percentage"`
	PagesPerMinute  float64       `json:"pages_per_minute"`
	ETAMs           *int64        `json:"estimated_time_remaining_ms,omitempty"`
	QueueSize       int           `json:"queue_size"`
	Errors          []PageFailure `json:"errors,omitempty"`
	Reason          string        `json:"reason,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
}

// Query is the compact progress view returned to pollers.
type Query struct {
	JobID           string `json:"job_id"`
	Percentage      int    `json:"percentage"`
	CurrentURL      string `json:"current_url"`
	PagesProcessed  int    `json:"pages_processed"`
	PagesSuccessful int    `json:"pages_successful"`
	PagesFailed     int    `json:"pages_failed"`
	Status          Status `json:"status"`
	Phase           Phase  `json:"phase"`
	ETAMs           *int64 `json:"estimated_time_remaining_ms"`
}

// Query projects the snapshot onto the poller view.
func (s Snapshot) Query() Query {
	return Query{
		JobID:           s.JobID,
		Percentage:      s.Percentage,
		CurrentURL:      s.CurrentURL,
		PagesProcessed:  s.PagesProcessed,
		PagesSuccessful: s.PagesSuccessful,
		PagesFailed:     s.PagesFailed,
		Status:          s.Status,
		Phase:           s.Phase,
		ETAMs:           s.ETAMs,
	}
}

func (s Snapshot) clone() Snapshot {
	out := s
	if s.Errors != nil {
		out.Errors = append([]PageFailure(nil), s.Errors...)
	}
	if s.ETAMs != nil {
		eta := *s.ETAMs
		out.ETAMs = &eta
	}
	if s.CompletedAt != nil {
		at := *s.CompletedAt
		out.CompletedAt = &at
	}
	return out
}
