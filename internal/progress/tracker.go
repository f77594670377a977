package progress

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/JakeFAU/site-crawler/internal/crawler"
)

const (
	defaultErrorTail      = 10
	defaultMinETASamples  = 3
	defaultReportInterval = 5 * time.Second
	defaultSubBuffer      = 16
	finishingPercentage   = 95
)

// TrackerConfig seeds a Tracker.
type TrackerConfig struct {
	JobID    string
	StartURL string
	MaxPages int
	// FloorPercentage is the percentage an earlier attempt of the job reached.
	// The tracker never reports less.
	FloorPercentage int
	// ErrorTail bounds the recent-error list. Defaults to 10.
	ErrorTail int
	// MinETASamples is the processed-page count before an ETA is published.
	MinETASamples int
	// ReportInterval throttles PROGRESS summaries sent to the emitter.
	ReportInterval time.Duration
	Clock          crawler.Clock
	Emitter        Emitter
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Tracker owns the progress snapshot of one running job. Every event updates
// the snapshot and then publishes a copy to subscribers. Lifecycle events,
// page failures, and interval-throttled PROGRESS summaries also go to the
// emitter.
type Tracker struct {
	mu         sync.Mutex
	cfg        TrackerConfig
	clock      crawler.Clock
	emitter    Emitter
	snap       Snapshot
	subs       map[int]chan Snapshot
	nextSub    int
	lastReport time.Time
	subsClosed bool
}

// NewTracker creates a tracker in the starting state and emits JOB_STARTED.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.ErrorTail <= 0 {
		cfg.ErrorTail = defaultErrorTail
	}
	if cfg.MinETASamples <= 0 {
		cfg.MinETASamples = defaultMinETASamples
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = defaultReportInterval
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1
	}
	cfg.FloorPercentage = min(max(cfg.FloorPercentage, 0), 100)
	clock := cfg.Clock
	if clock == nil {
		clock = systemClock{}
	}
	now := clock.Now()
	t := &Tracker{
		cfg:     cfg,
		clock:   clock,
		emitter: cfg.Emitter,
		subs:    make(map[int]chan Snapshot),
		snap: Snapshot{
			JobID:           cfg.JobID,
			StartURL:        cfg.StartURL,
			Status:          StatusStarting,
			Phase:           PhaseDiscovering,
			PagesDiscovered: 1,
			MaxPages:        cfg.MaxPages,
			Percentage:      cfg.FloorPercentage,
			StartedAt:       now,
			UpdatedAt:       now,
		},
		lastReport: now,
	}
	t.emit(Event{
		JobID:    cfg.JobID,
		TS:       now,
		Type:     EventJobStarted,
		URL:      cfg.StartURL,
		Message:  fmt.Sprintf("crawl started at %s (max %d pages)", cfg.StartURL, cfg.MaxPages),
		Snapshot: t.snap.clone(),
	})
	return t
}

// JobID returns the tracked job.
func (t *Tracker) JobID() string { return t.cfg.JobID }

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap.clone()
}

// Subscribe registers a listener. The channel receives a snapshot after every
// event; a slow reader only loses intermediate snapshots, never the latest.
// The channel is closed once the job is terminal or cancel is called.
func (t *Tracker) Subscribe(buffer int) (<-chan Snapshot, func()) {
	if buffer <= 0 {
		buffer = defaultSubBuffer
	}
	ch := make(chan Snapshot, buffer)
	t.mu.Lock()
	defer t.mu.Unlock()
	ch <- t.snap.clone()
	if t.subsClosed {
		close(ch)
		return ch, func() {}
	}
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	return ch, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if sub, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(sub)
		}
	}
}

// StartProcessingPage records the page the engine is about to fetch.
func (t *Tracker) StartProcessingPage(url string, depth int) {
	t.apply(EventPageStarted, url, depth, func(s *Snapshot) string {
		if s.Status == StatusStarting {
			s.Status = StatusCrawling
		}
		s.CurrentURL = url
		s.CurrentDepth = depth
		s.CurrentPage = s.PagesProcessed + 1
		return fmt.Sprintf("processing page %d at depth %d: %s", s.CurrentPage, depth, url)
	})
}

// PageCompleted records a successful page.
func (t *Tracker) PageCompleted(url string, linksFound int) {
	t.apply(EventPageCompleted, url, 0, func(s *Snapshot) string {
		s.PagesProcessed++
		s.PagesSuccessful++
		s.LinksFound += linksFound
		return fmt.Sprintf("page completed with %d links: %s", linksFound, url)
	})
}

// PageFailed records a failed page and appends it to the error tail.
func (t *Tracker) PageFailed(url string, pageErr error) {
	msg := "unknown error"
	if pageErr != nil {
		msg = pageErr.Error()
	}
	t.apply(EventPageFailed, url, 0, func(s *Snapshot) string {
		s.PagesProcessed++
		s.PagesFailed++
		s.Errors = append(s.Errors, PageFailure{URL: url, Error: msg, At: t.clock.Now()})
		if extra := len(s.Errors) - t.cfg.ErrorTail; extra > 0 {
			s.Errors = append([]PageFailure(nil), s.Errors[extra:]...)
		}
		return fmt.Sprintf("page failed: %s: %s", url, msg)
	})
}

// URLsDiscovered records a batch of newly enqueued URLs at depth.
func (t *Tracker) URLsDiscovered(count, depth int) {
	if count <= 0 {
		return
	}
	t.apply(EventURLsDiscovered, "", depth, func(s *Snapshot) string {
		s.PagesDiscovered += count
		return fmt.Sprintf("%d urls discovered at depth %d", count, depth)
	})
}

// QueueStatusChanged records the current frontier size.
func (t *Tracker) QueueStatusChanged(size int) {
	t.apply(EventQueueStatus, "", 0, func(s *Snapshot) string {
		s.QueueSize = size
		return fmt.Sprintf("frontier size %d", size)
	})
}

// MarkCompleted moves the tracker to completed. It reports false when the
// tracker was already terminal.
func (t *Tracker) MarkCompleted(summary string) bool {
	return t.finish(StatusCompleted, EventJobCompleted, summary)
}

// MarkFailed moves the tracker to failed with reason.
func (t *Tracker) MarkFailed(reason string) bool {
	return t.finish(StatusFailed, EventJobFailed, reason)
}

// MarkCancelled moves the tracker to cancelled.
func (t *Tracker) MarkCancelled(reason string) bool {
	return t.finish(StatusCancelled, EventJobCancelled, reason)
}

func (t *Tracker) apply(typ EventType, url string, depth int, mutate func(*Snapshot) string) {
	t.mu.Lock()
	if t.snap.Status.Terminal() {
		t.mu.Unlock()
		return
	}
	now := t.clock.Now()
	msg := mutate(&t.snap)
	t.recomputeLocked(now)
	snap := t.snap.clone()
	t.publishLocked(snap)

	var out []Event
	if typ == EventPageFailed {
		out = append(out, Event{JobID: snap.JobID, TS: now, Type: typ, URL: url, Depth: depth, Message: msg, Snapshot: snap})
	}
	if now.Sub(t.lastReport) >= t.cfg.ReportInterval && snap.PagesProcessed > 0 {
		t.lastReport = now
		out = append(out, Event{JobID: snap.JobID, TS: now, Type: EventProgress, Message: summarize(snap), Snapshot: snap})
	}
	t.mu.Unlock()

	for _, evt := range out {
		t.emit(evt)
	}
}

func (t *Tracker) finish(status Status, typ EventType, reason string) bool {
	t.mu.Lock()
	if t.snap.Status.Terminal() {
		t.mu.Unlock()
		return false
	}
	now := t.clock.Now()
	t.recomputeLocked(now)
	t.snap.Status = status
	t.snap.Phase = PhaseFinishing
	t.snap.Reason = reason
	t.snap.CurrentURL = ""
	t.snap.CompletedAt = &now
	t.snap.ETAMs = nil
	if status == StatusCompleted {
		t.snap.Percentage = 100
		zero := int64(0)
		t.snap.ETAMs = &zero
	}
	snap := t.snap.clone()
	t.publishLocked(snap)
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
	t.subsClosed = true
	t.mu.Unlock()

	msg := summarize(snap)
	if reason != "" {
		msg = reason + "; " + msg
	}
	t.emit(Event{JobID: snap.JobID, TS: now, Type: typ, Message: msg, Snapshot: snap})
	return true
}

func (t *Tracker) recomputeLocked(now time.Time) {
	s := &t.snap
	s.UpdatedAt = now

	pct := int(math.Round(float64(s.PagesProcessed) / float64(s.MaxPages) * 100))
	if pct > 100 {
		pct = 100
	}
	if pct > s.Percentage {
		s.Percentage = pct
	}

	elapsed := now.Sub(s.StartedAt).Minutes()
	if elapsed > 0 {
		s.PagesPerMinute = float64(s.PagesProcessed) / elapsed
	}

	s.ETAMs = nil
	if s.PagesProcessed >= t.cfg.MinETASamples && s.PagesPerMinute > 0 {
		remaining := s.MaxPages - s.PagesProcessed
		if remaining < 0 {
			remaining = 0
		}
		eta := int64(float64(remaining) / s.PagesPerMinute * float64(time.Minute/time.Millisecond))
		s.ETAMs = &eta
	}

	switch {
	case s.PagesProcessed == 0:
		s.Phase = PhaseDiscovering
	case s.Percentage >= finishingPercentage || s.QueueSize == 0:
		s.Phase = PhaseFinishing
	default:
		s.Phase = PhaseProcessing
	}
}

// publishLocked delivers snap to every subscriber, replacing the oldest
// buffered snapshot when a subscriber's buffer is full.
func (t *Tracker) publishLocked(snap Snapshot) {
	for _, ch := range t.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func (t *Tracker) emit(evt Event) {
	if t.emitter == nil {
		return
	}
	t.emitter.Emit(evt)
}

func summarize(s Snapshot) string {
	msg := fmt.Sprintf("%d/%d pages (%d%%), %d ok, %d failed, %.1f pages/min, queue %d",
		s.PagesProcessed, s.MaxPages, s.Percentage, s.PagesSuccessful, s.PagesFailed, s.PagesPerMinute, s.QueueSize)
	if s.ETAMs != nil && !s.Status.Terminal() {
		msg += fmt.Sprintf(", eta %s", (time.Duration(*s.ETAMs) * time.Millisecond).Round(time.Second))
	}
	return msg
}
