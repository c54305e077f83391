// Package observability bundles the proxy's operational concerns: the
// structured JSON logger, Prometheus metrics, OpenTelemetry setup, health
// probes and the graceful shutdown manager.
package observability
