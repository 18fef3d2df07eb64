// Package metrics exposes harvest run, status transition and write
// counters for Prometheus.
package metrics
