// Package progress tracks per-job crawl progress.
//
// A Tracker owns one mutable Snapshot per running job, derives percentage,
// throughput, phase, and ETA from it, and pushes a copy to every subscriber
// channel after each event. Lower-volume lifecycle events and throttled
// summaries flow into a Hub, which batches them on a background goroutine and
// fans them out to sinks such as the observability line stream, Prometheus,
// or the snapshot repository.
package progress
