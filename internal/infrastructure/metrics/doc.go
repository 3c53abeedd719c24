// Package metrics exposes tracker counters to Prometheus.
//
// A Metrics value owns its own registry, implements the registry's event
// hooks and serves the text exposition format over HTTP.
package metrics
