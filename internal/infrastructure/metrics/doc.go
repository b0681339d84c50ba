// Package metrics exposes Prometheus metrics for the sync daemon: store
// mutations, fan-out passes, conversions, bus broadcasts, HTTP requests
// and bridge state sampled at scrape time.
package metrics
