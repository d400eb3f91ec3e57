// Package cache provides the response cache used by the API client.
//
// The package defines the backend-agnostic Adapter contract, the entry and
// stats types, and the Key generator. Backends live in sub-packages:
//
//   - memory: in-process, FIFO-bounded, lazily expiring (default and tests)
//   - file: on-disk, sharded, atomically written, optionally compressed
//   - shared: machine-local Redis with prefix scoping and evict-and-retry writes
//
// # Basic Usage
//
//	adapter := memory.New(memory.Config{MaxEntries: 1000})
//
//	key := cache.Key{
//		Method:        http.MethodGet,
//		Path:          "/v1/courses",
//		Query:         url.Values{"page": []string{"2"}},
//		Authorization: "Bearer " + token,
//	}.String()
//
//	if payload, ok := adapter.Get(ctx, key); ok {
//		return payload, nil
//	}
//
//	payload, err := fetch(ctx)
//	if err != nil {
//		return nil, err
//	}
//	if err := adapter.Set(ctx, key, payload, time.Minute); err != nil {
//		log.Warn().Err(err).Msg("cache write failed")
//	}
//
// # Keys
//
// A key is the colon-joined namespace, scheme version, method, normalized
// URL (query sorted by name), a short digest of the credential and a short
// digest of the remaining cache-affecting options. Credentials never
// appear in clear form, so two principals never share an entry.
//
// # Invalidation
//
//	// Drop every cached page of the course list for all principals.
//	n, err := adapter.DeleteByPattern(ctx, "apicache:v2:GET:/v1/courses*")
//
// # Metrics
//
// Every backend exports Prometheus metrics labelled by layer:
//
//   - apicache_hits_total{layer}
//   - apicache_misses_total{layer}
//   - apicache_evictions_total{layer}
//   - apicache_corrupt_records_total{layer}
//   - apicache_errors_total{layer,operation}
//   - apicache_size_bytes{layer}, apicache_entries{layer} (updated by ReportStats)
package cache
