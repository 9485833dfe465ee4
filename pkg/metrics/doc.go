// Package metrics exposes fdb's Prometheus counters, gauges, and
// histograms, plus small HTTP health/readiness/liveness handlers.
//
// Metrics are package-level prometheus.Collector values registered once
// in init; callers
// reach them directly (metrics.ArchiveTotal.WithLabelValues(db).Inc())
// rather than through an
// injected interface, matching the low ceremony of the rest of the stack.
package metrics
