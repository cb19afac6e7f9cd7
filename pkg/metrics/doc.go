// Package metrics exposes Prometheus collectors for the orchestrator: job
// and queue gauges, scheduling latency, placement counters, worker session
// gauges and artifact transfer counters. Collectors are package-level and
// registered once in init; the HTTP API mounts Handler at /metrics.
package metrics
