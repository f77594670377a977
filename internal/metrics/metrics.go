// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerPagesTotal             *prometheus.CounterVec
	crawlerPageDurationSeconds    *prometheus.HistogramVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	crawlerJobsTotal              *prometheus.CounterVec
	crawlerJobRetriesTotal        *prometheus.CounterVec
	crawlerActiveWorkers          *prometheus.GaugeVec
	crawlerQueueDepth             *prometheus.GaugeVec
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec
	browserInstances              *prometheus.GaugeVec
	browserExhaustedTotal         prometheus.Counter
	browserRecycledTotal          *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of pages processed, labeled by site and outcome.",
			},
			[]string{"site", "status"},
		)

		crawlerPageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_page_duration_seconds",
				Help:    "Histogram of navigation plus extraction time per page.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"status"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		crawlerJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_jobs_total",
				Help: "Total number of jobs finished, labeled by kind and status.",
			},
			[]string{"kind", "status"},
		)

		crawlerJobRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_job_retries_total",
				Help: "Total number of job redeliveries scheduled after a retryable failure.",
			},
			[]string{"kind"},
		)

		crawlerActiveWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing a job.",
			},
			[]string{"kind"},
		)

		crawlerQueueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawler_queue_depth",
				Help: "Jobs waiting in each queue, sampled on enqueue and dequeue.",
			},
			[]string{"kind"},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		browserInstances = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "browser_pool_instances",
				Help: "Browser instances held by the pool, labeled by state.",
			},
			[]string{"state"},
		)

		browserExhaustedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "browser_pool_exhausted_total",
				Help: "Acquisitions rejected because every browser slot was busy.",
			},
		)

		browserRecycledTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "browser_pool_recycled_total",
				Help: "Browser instances closed by the pool, labeled by reason.",
			},
			[]string{"reason"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObservePage records one processed page.
func ObservePage(site string, success bool, duration time.Duration) {
	Init()
	status := "success"
	if !success {
		status = "failure"
	}
	crawlerPagesTotal.WithLabelValues(SanitizeSite(site), status).Inc()
	crawlerPageDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
}

// ObservePageSkipped records a page dropped by robots.txt.
func ObservePageSkipped(site string) {
	Init()
	crawlerPagesTotal.WithLabelValues(SanitizeSite(site), "skipped").Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given kind and status.
func ObserveJob(kind, status string) {
	Init()
	crawlerJobsTotal.WithLabelValues(kind, status).Inc()
}

// ObserveJobRetry counts a scheduled redelivery.
func ObserveJobRetry(kind string) {
	Init()
	crawlerJobRetriesTotal.WithLabelValues(kind).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers(kind string) {
	Init()
	crawlerActiveWorkers.WithLabelValues(kind).Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers(kind string) {
	Init()
	crawlerActiveWorkers.WithLabelValues(kind).Dec()
}

// SetQueueDepth records the waiting count for a queue.
func SetQueueDepth(kind string, depth int) {
	Init()
	crawlerQueueDepth.WithLabelValues(kind).Set(float64(depth))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// SetBrowserInstances publishes the pool occupancy.
func SetBrowserInstances(idle, busy, launching int) {
	Init()
	browserInstances.WithLabelValues("idle").Set(float64(idle))
	browserInstances.WithLabelValues("busy").Set(float64(busy))
	browserInstances.WithLabelValues("launching").Set(float64(launching))
}

// ObserveBrowserExhausted counts a fail-fast acquisition.
func ObserveBrowserExhausted() {
	Init()
	browserExhaustedTotal.Inc()
}

// ObserveBrowserRecycled counts a closed instance; reason is "dead", "expired", or "shutdown".
func ObserveBrowserRecycled(reason string) {
	Init()
	browserRecycledTotal.WithLabelValues(reason).Inc()
}
