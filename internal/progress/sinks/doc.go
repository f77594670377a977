// Package sinks implements progress consumers: the observability line stream,
// Prometheus job metrics, and snapshot persistence. Each sink satisfies the
// progress.Sink interface and is safe for repeated Consume/Close cycles.
package sinks
