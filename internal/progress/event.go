package progress

import (
	"errors"
	"fmt"
	"time"
)

// EventType denotes the milestone represented by an Event. The string form is
// the EVENT_TYPE column of the observability line format.
type EventType string

// Supported event types.
const (
	EventJobStarted     EventType = "JOB_STARTED"
	EventPageStarted    EventType = "PAGE_STARTED"
	EventPageCompleted  EventType = "PAGE_COMPLETED"
	EventPageFailed     EventType = "PAGE_FAILED"
	EventURLsDiscovered EventType = "URLS_DISCOVERED"
	EventQueueStatus    EventType = "QUEUE_STATUS"
	EventProgress       EventType = "PROGRESS"
	EventJobCompleted   EventType = "JOB_COMPLETED"
	EventJobFailed      EventType = "JOB_FAILED"
	EventJobCancelled   EventType = "JOB_CANCELLED"
)

// Terminal reports whether the event closes a job's stream.
func (t EventType) Terminal() bool {
	return t == EventJobCompleted || t == EventJobFailed || t == EventJobCancelled
}

// Event is one emitted progress milestone.
type Event struct {
	JobID string
	// TS is the UTC timestamp recorded by the tracker.
	TS   time.Time
	Type EventType
	// URL is set for page-scoped events.
	URL   string
	Depth int
	// Message is the human-readable summary rendered on the line stream.
	Message string
	// Snapshot is the tracker state right after the event was applied.
	Snapshot Snapshot
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Type {
	case EventJobStarted, EventProgress, EventQueueStatus, EventURLsDiscovered,
		EventJobCompleted, EventJobFailed, EventJobCancelled:
	case EventPageStarted, EventPageCompleted, EventPageFailed:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Type)
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}
