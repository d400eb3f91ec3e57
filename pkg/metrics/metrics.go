// Package metrics exposes the Prometheus registry used by apicache.
// All metrics are defined in their respective packages (cache, client)
// to maintain modularity and avoid circular dependencies.
//
// This package provides the HTTP handler and a reference for all available
// metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by apicache.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler serves every registered metric in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache), layer is one of memory, file, shared, nop:
//   - apicache_hits_total{layer} (Counter): Cache hits
//   - apicache_misses_total{layer} (Counter): Cache misses, expired and corrupt entries included
//   - apicache_size_bytes{layer} (Gauge): Storage used, refreshed on Stats
//   - apicache_entries{layer} (Gauge): Live entries, refreshed on Stats
//   - apicache_evictions_total{layer} (Counter): FIFO evictions (memory) and stale evictions (shared)
//   - apicache_corrupt_records_total{layer} (Counter): Undecodable records removed on read or sweep
//   - apicache_errors_total{layer, operation} (Counter): Backend operation failures
//
// Client Metrics (pkg/client):
//   - apicache_client_requests_total{source, status} (Counter): Requests by source (cache, network, shared)
//   - apicache_client_request_duration_seconds{status} (Histogram): Upstream duration, retries included
//   - apicache_client_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network, decode)
//   - apicache_client_cache_write_failures_total (Counter): Fetched responses the cache rejected
//   - apicache_client_retries_total{error_class} (Counter): Retry attempts by error class
//   - apicache_client_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - apicache_client_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate per layer
//   sum by (layer) (rate(apicache_hits_total[5m])) /
//   (sum by (layer) (rate(apicache_hits_total[5m])) + sum by (layer) (rate(apicache_misses_total[5m])))
//
//   # Shared store under memory pressure
//   rate(apicache_evictions_total{layer="shared"}[5m]) > 0
//
//   # P95 Upstream Latency
//   histogram_quantile(0.95, rate(apicache_client_request_duration_seconds_bucket[5m]))
//
//   # Requests collapsed onto an in-flight fetch
//   rate(apicache_client_requests_total{source="shared"}[5m])
