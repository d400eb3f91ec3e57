package cache

import (
	"context"
	"time"
)

// Payload is a cached response body. The cache never interprets it; backends
// that persist entries require it to be JSON-serializable.
type Payload map[string]any

// Adapter is the contract every cache backend implements.
//
// Contract:
//   - Get never errors: a missing, expired or unreadable entry is a miss.
//   - Set with ttl <= 0 stores the entry without expiry.
//   - Has follows Get's expiry rules but does not count as a hit or miss.
//   - Clear only touches entries owned by the adapter and zeroes the counters.
//   - DeleteByPattern matches the logical key, never a storage path.
type Adapter interface {
	// Get returns the payload stored under key, or (nil, false) on a miss.
	Get(ctx context.Context, key string) (Payload, bool)

	// Set stores value under key, replacing any previous entry and its TTL.
	Set(ctx context.Context, key string, value Payload, ttl time.Duration) error

	// Delete removes key and reports whether an entry was removed.
	Delete(ctx context.Context, key string) bool

	// Clear removes every entry owned by the adapter.
	Clear(ctx context.Context) error

	// Has reports whether a live entry exists for key.
	Has(ctx context.Context, key string) bool

	// DeleteByPattern removes live keys matching pattern (see MatchPattern)
	// and returns how many were removed.
	DeleteByPattern(ctx context.Context, pattern string) (int, error)

	// Stats returns a snapshot of the adapter counters.
	Stats(ctx context.Context) Stats
}

// Stats is a snapshot of adapter counters. Hits and Misses count since
// construction or the last Clear and are never persisted.
type Stats struct {
	Backend    string `json:"backend"`
	Hits       int64  `json:"hits"`
	Misses     int64  `json:"misses"`
	SizeBytes  int64  `json:"size_bytes"`
	EntryCount int64  `json:"entry_count"`
}

// HitRatio returns hits / (hits + misses), or 0 before any lookup.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}
