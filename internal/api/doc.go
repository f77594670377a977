// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - POST /v1/jobs/crawl and /v1/jobs/scrape submit jobs.
//   - GET /v1/jobs/{id}, /pages, and /progress read job state; /progress/ws
//     streams progress snapshots over a websocket.
//   - POST /v1/jobs/{id}/cancel and GET /v1/queues/stats.
//   - GET /healthz, /readyz, and /metrics for probes and Prometheus.
package api
