package cache

import (
	"time"
)

// Entry is the unit of storage shared by the backends.
type Entry struct {
	// Key is the logical, generator-produced key.
	Key string `json:"key"`

	// Value is the cached payload.
	Value Payload `json:"value"`

	// ExpiresAt is the absolute deadline in epoch seconds; 0 means never.
	ExpiresAt int64 `json:"expires"`

	// CreatedAt is when the entry was stored, in epoch seconds.
	CreatedAt int64 `json:"created"`
}

// NewEntry builds an entry stored at now. A positive ttl is rounded up to
// whole seconds so an entry never lives shorter than requested.
func NewEntry(key string, value Payload, ttl time.Duration, now time.Time) Entry {
	return Entry{
		Key:       key,
		Value:     value,
		ExpiresAt: Deadline(ttl, now),
		CreatedAt: now.Unix(),
	}
}

// Deadline converts a TTL into an epoch-second deadline, or 0 for ttl <= 0.
func Deadline(ttl time.Duration, now time.Time) int64 {
	if ttl <= 0 {
		return 0
	}
	return now.Unix() + TTLSeconds(ttl)
}

// TTLSeconds rounds a positive ttl up to whole seconds.
func TTLSeconds(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return int64((ttl + time.Second - 1) / time.Second)
}

// IsExpired returns true once the deadline has passed.
func (e *Entry) IsExpired(now time.Time) bool {
	return e.ExpiresAt > 0 && now.Unix() > e.ExpiresAt
}

// TTL returns the time until expiration.
// Returns 0 for entries without a deadline or already expired.
func (e *Entry) TTL(now time.Time) time.Duration {
	if e.ExpiresAt <= 0 {
		return 0
	}
	ttl := time.Unix(e.ExpiresAt, 0).Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}
