// Package main hosts the crawler service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes crawl and scrape submission, job status, page results, cancellation,
//     queue stats, and per-job progress (JSON or a websocket stream) under /v1. /healthz, /readyz, and /metrics sit
//     at the root.
//   - Dispatcher & queues: internal/dispatcher keeps one priority queue per job kind (in-memory heap or Redis sorted
//     sets) and a fixed worker count per kind. Failed attempts are retried with exponential backoff; cancellation of
//     a waiting job removes it from its queue, cancellation of a running job sets a cooperative token.
//   - Crawl engine: internal/engine walks the site breadth-first from the seed URL, bounded by depth and page limits.
//     Every page is rendered in a headless Chrome session borrowed from internal/browser's fixed-size pool, which
//     fails fast with a retryable error when every instance is busy.
//   - Persistence & fanout: job records and page results live in memory or Postgres; page content goes to a blob
//     store (memory/local/GCS) under content-hash keys; job-finished events go to Pub/Sub or Kafka.
//   - Progress: each running attempt owns a tracker that feeds live subscribers and a batching hub whose sinks
//     persist snapshots (memory/Redis/Postgres), export Prometheus gauges, and print progress lines.
//   - Configuration & plumbing: Viper loads YAML plus CRAWLER_* env vars; zap provides structured logging.
//
// Usage:
//
//	webcrawler --config config.yaml          # same as "webcrawler serve"
//	webcrawler config validate --config config.yaml
//
// The process drains in-flight jobs on SIGTERM or SIGINT before exiting.
package main
