/*
Package metrics exposes Burrow's Prometheus instrumentation: module,
session, and subscription gauges, commit counters and latency
histograms, lock wait times, and notification delivery counters.

Collectors register themselves at init; the admin HTTP server mounts
Handler() at /metrics.
*/
package metrics
