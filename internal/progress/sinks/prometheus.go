package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/site-crawler/internal/progress"
)

// PrometheusSink exports job-level crawl progress via Prometheus. Page-level
// latency lives in the metrics package because pages bypass the hub.
type PrometheusSink struct {
	jobsStarted   prometheus.Counter
	jobsFinished  *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec
	jobPages      *prometheus.HistogramVec
	pageFailures  prometheus.Counter
	progressLines prometheus.Counter

	running *runningJobs
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_jobs_started_total",
			Help: "Total job attempts that have started crawling.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_jobs_finished_total",
			Help: "Total job attempts finished partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_jobs_running",
			Help: "Current number of running job attempts.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_job_runtime_seconds",
			Help:    "Wall time per finished job attempt.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"result"}),
		jobPages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_job_pages",
			Help:    "Pages processed per finished job attempt.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"result"}),
		pageFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_progress_page_failures_total",
			Help: "Page failures reported through the progress stream.",
		}),
		progressLines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_progress_reports_total",
			Help: "Throttled progress summaries emitted.",
		}),
		running: newRunningJobs(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsFinished,
		s.jobsRunning,
		s.jobRuntime,
		s.jobPages,
		s.pageFailures,
		s.progressLines,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Type {
	case progress.EventJobStarted:
		s.jobsStarted.Inc()
		if s.running.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
	case progress.EventPageFailed:
		s.pageFailures.Inc()
	case progress.EventProgress:
		s.progressLines.Inc()
	case progress.EventJobCompleted, progress.EventJobFailed, progress.EventJobCancelled:
		result := string(evt.Snapshot.Status)
		if result == "" {
			result = "unknown"
		}
		s.jobsFinished.WithLabelValues(result).Inc()
		s.jobPages.WithLabelValues(result).Observe(float64(evt.Snapshot.PagesProcessed))
		if !evt.Snapshot.StartedAt.IsZero() {
			if runtime := evt.TS.Sub(evt.Snapshot.StartedAt); runtime > 0 {
				s.jobRuntime.WithLabelValues(result).Observe(runtime.Seconds())
			}
		}
		if s.running.complete(evt.JobID) {
			s.jobsRunning.Dec()
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runningJobs struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newRunningJobs() *runningJobs {
	return &runningJobs{ids: make(map[string]struct{})}
}

func (r *runningJobs) start(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; ok {
		return false
	}
	r.ids[id] = struct{}{}
	return true
}

func (r *runningJobs) complete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; !ok {
		return false
	}
	delete(r.ids, id)
	return true
}
