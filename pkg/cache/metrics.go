package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Layer names used as the "layer" metric label and in Stats.Backend.
const (
	LayerMemory = "memory"
	LayerFile   = "file"
	LayerShared = "shared"
	LayerNop    = "nop"
)

var (
	// CacheHits tracks cache hits by layer
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apicache_hits_total",
			Help: "Total number of response cache hits",
		},
		[]string{"layer"},
	)

	// CacheMisses tracks cache misses by layer
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apicache_misses_total",
			Help: "Total number of response cache misses",
		},
		[]string{"layer"},
	)

	// CacheSize tracks the last reported working-set size by layer
	CacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "apicache_size_bytes",
			Help: "Size of the response cache working set in bytes",
		},
		[]string{"layer"},
	)

	// CacheEntries tracks the last reported entry count by layer
	CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "apicache_entries",
			Help: "Number of entries in the response cache",
		},
		[]string{"layer"},
	)

	// CacheEvictions tracks entries removed by capacity or memory pressure
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apicache_evictions_total",
			Help: "Total number of entries evicted to make room",
		},
		[]string{"layer"},
	)

	// CacheCorrupt tracks stored records dropped because they could not be decoded
	CacheCorrupt = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apicache_corrupt_records_total",
			Help: "Total number of unreadable cache records removed",
		},
		[]string{"layer"},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apicache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"layer", "operation"}, // "set", "delete", "clear", "scan"
	)
)

// ReportStats publishes a Stats snapshot to the size and entry gauges.
func ReportStats(s Stats) {
	CacheSize.WithLabelValues(s.Backend).Set(float64(s.SizeBytes))
	CacheEntries.WithLabelValues(s.Backend).Set(float64(s.EntryCount))
}
