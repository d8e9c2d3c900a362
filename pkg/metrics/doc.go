/*
Package metrics exposes the Coordinator's Prometheus instrumentation:
gauges for jobs-by-state and workers-by-status, counters for submissions,
completions, failures, scheduling and janitor activity, and histograms for
scheduling latency, API request duration and downlink delivery latency.

Collector polls a storage.Repository on a ticker to keep the gauges
current; everything else is updated inline by the scheduler, janitor,
transport registry and API middleware as events happen. Handler returns
the promhttp scrape endpoint mounted by pkg/api at /metrics.
*/
package metrics
