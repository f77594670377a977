// Package api exposes the HTTP interface for the crawler service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-crawler/internal/crawler"
	"github.com/JakeFAU/site-crawler/internal/dispatcher"
	ids "github.com/JakeFAU/site-crawler/internal/id/uuid"
	"github.com/JakeFAU/site-crawler/internal/metrics"
)

const maxBodyBytes = 1 << 20

// Config controls the HTTP surface.
type Config struct {
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
	// Defaults fill crawl options the client leaves unset.
	Defaults crawler.CrawlOptions
}

// Server wires HTTP handlers to the dispatcher and progress views.
type Server struct {
	router   chi.Router
	svc      *dispatcher.Service
	progress *ProgressHandler
	cfg      Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc *dispatcher.Service, progress *ProgressHandler, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		svc:      svc,
		progress: progress,
		cfg:      cfg,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.AuthEnabled {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		// Websocket upgrades need the raw connection, so the stream route
		// sits outside the timeout group.
		r.Get("/jobs/{job_id}/progress/ws", progress.Stream)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(cfg.RequestTimeout))
			r.Post("/jobs/crawl", s.submitCrawl)
			r.Post("/jobs/scrape", s.submitScrape)
			r.Get("/jobs/{job_id}", s.getJob)
			r.Get("/jobs/{job_id}/pages", s.getPages)
			r.Get("/jobs/{job_id}/progress", progress.Get)
			r.Post("/jobs/{job_id}/cancel", s.cancelJob)
			r.Get("/queues/stats", s.queueStats)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.svc.Stats(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "queues unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// crawlRequest mirrors the public submission schema. Pointer fields fall back
// to the server defaults when omitted.
type crawlRequest struct {
	URL                  string   `json:"url"`
	MaxDepth             *int     `json:"maxDepth" validate:"omitempty,min=1,max=10"`
	MaxPages             *int     `json:"maxPages" validate:"omitempty,min=1,max=1000"`
	IncludePatterns      []string `json:"includePatterns"`
	ExcludePatterns      []string `json:"excludePatterns"`
	RespectRobotsTxt     *bool    `json:"respectRobotsTxt"`
	DelayBetweenRequests *int     `json:"delayBetweenRequests" validate:"omitempty,min=0,max=60000"`
	Formats              []string `json:"formats"`
	SameDomainOnly       *bool    `json:"sameDomainOnly"`
	MaxLinksPerPage      *int     `json:"maxLinksPerPage" validate:"omitempty,min=1,max=1000"`
	Priority             string   `json:"priority"`
}

type scrapeRequest struct {
	URL      string   `json:"url"`
	Formats  []string `json:"formats"`
	Priority string   `json:"priority"`
}

type submitResponse struct {
	JobID     string            `json:"job_id"`
	Kind      crawler.JobKind   `json:"kind"`
	Status    crawler.JobStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
}

func (s *Server) submitCrawl(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := crawler.ValidateStruct(req); err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	s.submit(w, r, dispatcher.Submission{
		Kind:     crawler.JobKindCrawl,
		URL:      req.URL,
		Options:  s.crawlOptions(req),
		Priority: crawler.Priority(req.Priority),
	})
}

func (s *Server) submitScrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	opts := s.cfg.Defaults
	if len(req.Formats) > 0 {
		opts.Formats = req.Formats
	}
	s.submit(w, r, dispatcher.Submission{
		Kind:     crawler.JobKindScrape,
		URL:      req.URL,
		Options:  opts,
		Priority: crawler.Priority(req.Priority),
	})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, sub dispatcher.Submission) {
	job, err := s.svc.Submit(r.Context(), sub)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	w.Header().Set("Location", "/v1/jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:     job.ID,
		Kind:      job.Kind,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
	})
}

func (s *Server) crawlOptions(req crawlRequest) crawler.CrawlOptions {
	opts := s.cfg.Defaults
	opts.MaxDepth = valueOrDefault(req.MaxDepth, opts.MaxDepth)
	opts.MaxPages = valueOrDefault(req.MaxPages, opts.MaxPages)
	opts.DelayMs = valueOrDefault(req.DelayBetweenRequests, opts.DelayMs)
	opts.RespectRobotsTxt = valueOrDefault(req.RespectRobotsTxt, opts.RespectRobotsTxt)
	opts.SameDomainOnly = valueOrDefault(req.SameDomainOnly, opts.SameDomainOnly)
	opts.MaxLinksPerPage = valueOrDefault(req.MaxLinksPerPage, opts.MaxLinksPerPage)
	opts.IncludePatterns = req.IncludePatterns
	opts.ExcludePatterns = req.ExcludePatterns
	if len(req.Formats) > 0 {
		opts.Formats = req.Formats
	}
	return opts
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	job, err := s.svc.GetStatus(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) getPages(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	if _, err := s.svc.GetStatus(r.Context(), jobID); err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	pages, err := s.svc.Pages(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	if pages == nil {
		pages = []crawler.PageResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "pages": pages})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	cancelled, err := s.svc.Cancel(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	if !cancelled {
		writeJSON(w, http.StatusConflict, map[string]any{
			"job_id":    jobID,
			"cancelled": false,
			"error":     "job already finished",
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": jobID, "cancelled": true})
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats(r.Context())
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": stats})
}

// jobIDParam rejects malformed IDs before they reach a store.
func jobIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	jobID := chi.URLParam(r, "job_id")
	if !ids.Valid(jobID) {
		writeError(w, http.StatusBadRequest, "invalid job_id")
		return "", false
	}
	return jobID, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return false
	}
	return true
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

// writeServiceError maps the error taxonomy onto HTTP status codes.
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var invalid *crawler.ValidationError
	switch {
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": invalid.Error(),
			"field": invalid.Field,
		})
	case errors.Is(err, crawler.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type requestIDKey struct{}

// RequestID returns the ID assigned to the request carried by ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" || len(reqID) > 128 {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic recovered",
						zap.String("request_id", RequestID(r.Context())),
						zap.Any("panic", rec),
						zap.Stack("stack"),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"error":"request timed out"}`)
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// statusRecorder captures the response code and keeps the optional
// interfaces of the wrapped writer reachable through Unwrap.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (rw *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacker not supported")
	}
	conn, buf, err := h.Hijack()
	if err != nil {
		return nil, nil, fmt.Errorf("hijack connection: %w", err)
	}
	return conn, buf, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
