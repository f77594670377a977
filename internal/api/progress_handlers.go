package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-crawler/internal/crawler"
	"github.com/JakeFAU/site-crawler/internal/progress"
	"github.com/JakeFAU/site-crawler/internal/store"
)

const (
	progressTimeout     = 3 * time.Second
	defaultPingInterval = 20 * time.Second
	writeWait           = 5 * time.Second
	streamBuffer        = 16
)

// JobReader resolves a job record when no progress snapshot exists.
type JobReader interface {
	GetStatus(ctx context.Context, jobID string) (crawler.Job, error)
}

// ProgressHandler serves progress queries and websocket subscriptions. Live
// trackers answer first; persisted snapshots and finally the job record
// cover jobs that are not running in this process.
type ProgressHandler struct {
	trackers     *progress.Registry
	repo         store.ProgressRepository
	jobs         JobReader
	upgrader     websocket.Upgrader
	timeout      time.Duration
	pingInterval time.Duration
	logger       *zap.Logger
}

// ProgressOption customizes a ProgressHandler.
type ProgressOption func(*ProgressHandler)

// WithPingInterval overrides how often idle streams are pinged.
func WithPingInterval(d time.Duration) ProgressOption {
	return func(h *ProgressHandler) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

// WithCheckOrigin restricts which origins may open progress streams.
func WithCheckOrigin(check func(r *http.Request) bool) ProgressOption {
	return func(h *ProgressHandler) { h.upgrader.CheckOrigin = check }
}

// NewProgressHandler wires the trackers, repository, and job reader. repo may
// be nil when snapshots are not persisted.
func NewProgressHandler(
	trackers *progress.Registry,
	repo store.ProgressRepository,
	jobs JobReader,
	logger *zap.Logger,
	opts ...ProgressOption,
) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if trackers == nil {
		trackers = progress.NewRegistry()
	}
	h := &ProgressHandler{
		trackers: trackers,
		repo:     repo,
		jobs:     jobs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		timeout:      progressTimeout,
		pingInterval: defaultPingInterval,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Get handles GET /v1/jobs/{job_id}/progress. It returns the compact query
// view, or the full snapshot with ?view=full.
func (h *ProgressHandler) Get(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	snap, err := h.current(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if r.URL.Query().Get("view") == "full" {
		writeJSON(w, http.StatusOK, snap)
		return
	}
	writeJSON(w, http.StatusOK, snap.Query())
}

type streamFrame struct {
	Type     string            `json:"type"`
	Snapshot progress.Snapshot `json:"snapshot"`
}

// Stream handles GET /v1/jobs/{job_id}/progress/ws. Every tracker update is
// pushed as a JSON frame; the socket closes normally after the terminal
// snapshot. Jobs without a live tracker receive one frame and a close.
func (h *ProgressHandler) Stream(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	tracker, live := h.trackers.Get(jobID)
	var final progress.Snapshot
	if !live {
		snap, err := h.stored(r.Context(), jobID)
		if err != nil {
			writeServiceError(w, h.logger, err)
			return
		}
		final = snap
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("progress stream upgrade failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	defer conn.Close()
	logger := h.logger.With(zap.String("job_id", jobID), zap.String("request_id", RequestID(r.Context())))
	logger.Debug("progress stream opened", zap.Bool("live", live))

	if !live {
		if err := writeFrame(conn, final); err == nil {
			closeStream(conn, "job not running")
		}
		return
	}

	updates, unsubscribe := tracker.Subscribe(streamBuffer)
	defer unsubscribe()

	// The read pump only notices client closes; clients send nothing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debug("progress stream read failed", zap.Error(err))
				}
				return
			}
		}
	}()

	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()
	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				closeStream(conn, "job finished")
				logger.Debug("progress stream completed")
				return
			}
			if err := writeFrame(conn, snap); err != nil {
				logger.Debug("progress stream write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

// current prefers the live tracker over stored state.
func (h *ProgressHandler) current(ctx context.Context, jobID string) (progress.Snapshot, error) {
	if tracker, ok := h.trackers.Get(jobID); ok {
		return tracker.Snapshot(), nil
	}
	return h.stored(ctx, jobID)
}

func (h *ProgressHandler) stored(ctx context.Context, jobID string) (progress.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	if h.repo != nil {
		snap, err := h.repo.GetSnapshot(ctx, jobID)
		switch {
		case err == nil:
			return snap, nil
		case !errors.Is(err, store.ErrNotFound):
			return progress.Snapshot{}, err
		}
	}
	if h.jobs == nil {
		return progress.Snapshot{}, crawler.ErrJobNotFound
	}
	job, err := h.jobs.GetStatus(ctx, jobID)
	if err != nil {
		return progress.Snapshot{}, err
	}
	return snapshotFromJob(job), nil
}

// snapshotFromJob synthesizes a snapshot for jobs that never reported
// progress here, such as queued jobs or jobs run by another process.
func snapshotFromJob(job crawler.Job) progress.Snapshot {
	snap := progress.Snapshot{
		JobID:       job.ID,
		StartURL:    job.URL,
		Status:      progress.StatusStarting,
		Phase:       progress.PhaseDiscovering,
		MaxPages:    job.Options.MaxPages,
		Percentage:  job.Progress,
		Reason:      job.Error,
		StartedAt:   job.CreatedAt,
		UpdatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
	}
	if job.StartedAt != nil {
		snap.UpdatedAt = *job.StartedAt
	}
	switch job.Status {
	case crawler.JobStatusProcessing:
		snap.Status = progress.StatusCrawling
		snap.Phase = progress.PhaseProcessing
	case crawler.JobStatusCompleted:
		snap.Status = progress.StatusCompleted
	case crawler.JobStatusFailed:
		snap.Status = progress.StatusFailed
	case crawler.JobStatusCancelled:
		snap.Status = progress.StatusCancelled
	}
	if snap.Status.Terminal() {
		snap.Phase = progress.PhaseFinishing
		if job.CompletedAt != nil {
			snap.UpdatedAt = *job.CompletedAt
		}
	}
	if job.Result != nil {
		sum := job.Result.Summary
		snap.PagesProcessed = sum.PagesProcessed
		snap.PagesSuccessful = sum.PagesSuccessful
		snap.PagesFailed = sum.PagesFailed
		snap.LinksFound = sum.LinksDiscovered
	}
	return snap
}

func writeFrame(conn *websocket.Conn, snap progress.Snapshot) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(streamFrame{Type: "progress", Snapshot: snap})
}

func closeStream(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
