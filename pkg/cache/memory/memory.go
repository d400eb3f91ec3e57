// Package memory implements an in-process cache bounded by entry count with
// first-in-first-out eviction and lazy TTL expiry.
package memory

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/apicache/pkg/cache"
	"github.com/Sternrassler/apicache/pkg/logging"
)

// Config holds the memory adapter configuration.
type Config struct {
	// MaxEntries bounds the number of entries; 0 means unbounded.
	MaxEntries int

	// Clock is the time source (default: wall clock).
	Clock clock.Clock

	// Logger overrides the component logger.
	Logger *zerolog.Logger
}

// Adapter is the in-process cache. Content is lost when the process exits
// and is never visible to other processes.
type Adapter struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // insertion order, oldest at the front

	maxEntries int
	clock      clock.Clock
	logger     zerolog.Logger

	hits   int64
	misses int64
}

type item struct {
	entry cache.Entry
	size  int64
}

// New creates a memory adapter.
func New(cfg Config) *Adapter {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.MaxEntries < 0 {
		cfg.MaxEntries = 0
	}
	return &Adapter{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: cfg.MaxEntries,
		clock:      cfg.Clock,
		logger:     logging.OrComponent(cfg.Logger, "cache.memory"),
	}
}

// Get returns the payload stored under key. An expired entry is removed.
func (a *Adapter) Get(_ context.Context, key string) (cache.Payload, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	it, ok := a.lookup(key)
	if !ok {
		a.misses++
		cache.CacheMisses.WithLabelValues(cache.LayerMemory).Inc()
		return nil, false
	}

	a.hits++
	cache.CacheHits.WithLabelValues(cache.LayerMemory).Inc()
	return it.entry.Value, true
}

// Set stores value under key. A new key evicts the oldest-inserted entry
// when the bound is reached; replacing a key keeps its queue position.
func (a *Adapter) Set(_ context.Context, key string, value cache.Payload, ttl time.Duration) error {
	if key == "" {
		return &cache.WriteError{Backend: cache.LayerMemory, Op: "set", Key: key, Err: cache.ErrEmptyKey}
	}

	entry := cache.NewEntry(key, value, ttl, a.clock.Now())
	size := approxSize(key, value)

	a.mu.Lock()
	defer a.mu.Unlock()

	if el, ok := a.entries[key]; ok {
		el.Value = &item{entry: entry, size: size}
		return nil
	}

	for a.maxEntries > 0 && a.order.Len() >= a.maxEntries {
		a.evictOldest()
	}

	a.entries[key] = a.order.PushBack(&item{entry: entry, size: size})
	return nil
}

// Delete removes key.
func (a *Adapter) Delete(_ context.Context, key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	el, ok := a.entries[key]
	if !ok {
		return false
	}
	a.remove(el)
	return true
}

// Clear removes all entries and resets the counters.
func (a *Adapter) Clear(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.entries = make(map[string]*list.Element)
	a.order.Init()
	a.hits = 0
	a.misses = 0
	return nil
}

// Has reports whether a live entry exists for key.
func (a *Adapter) Has(_ context.Context, key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, ok := a.lookup(key)
	return ok
}

// DeleteByPattern removes every live key matching pattern.
func (a *Adapter) DeleteByPattern(_ context.Context, pattern string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	removed := 0
	for el := a.order.Front(); el != nil; {
		next := el.Next()
		it := el.Value.(*item)
		switch {
		case it.entry.IsExpired(now):
			a.remove(el)
		case cache.MatchPattern(pattern, it.entry.Key):
			a.remove(el)
			removed++
		}
		el = next
	}
	return removed, nil
}

// Stats sweeps expired entries and returns a snapshot.
func (a *Adapter) Stats(_ context.Context) cache.Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	var size int64
	for el := a.order.Front(); el != nil; {
		next := el.Next()
		it := el.Value.(*item)
		if it.entry.IsExpired(now) {
			a.remove(el)
		} else {
			size += it.size
		}
		el = next
	}

	stats := cache.Stats{
		Backend:    cache.LayerMemory,
		Hits:       a.hits,
		Misses:     a.misses,
		SizeBytes:  size,
		EntryCount: int64(a.order.Len()),
	}
	cache.ReportStats(stats)
	return stats
}

// Len returns the number of stored entries, expired ones included.
func (a *Adapter) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.order.Len()
}

// lookup returns the live item for key, dropping it if expired.
// Callers hold a.mu.
func (a *Adapter) lookup(key string) (*item, bool) {
	el, ok := a.entries[key]
	if !ok {
		return nil, false
	}
	it := el.Value.(*item)
	if it.entry.IsExpired(a.clock.Now()) {
		a.remove(el)
		a.logger.Debug().Str("key", key).Msg("Expired entry removed on read")
		return nil, false
	}
	return it, true
}

func (a *Adapter) evictOldest() {
	el := a.order.Front()
	if el == nil {
		return
	}
	it := el.Value.(*item)
	a.remove(el)
	cache.CacheEvictions.WithLabelValues(cache.LayerMemory).Inc()
	a.logger.Debug().
		Str("key", it.entry.Key).
		Int("max_entries", a.maxEntries).
		Msg("Evicted oldest entry")
}

func (a *Adapter) remove(el *list.Element) {
	it := a.order.Remove(el).(*item)
	delete(a.entries, it.entry.Key)
}

// approxSize estimates the memory held by an entry from its encoded form.
func approxSize(key string, value cache.Payload) int64 {
	data, err := json.Marshal(value)
	if err != nil {
		return int64(len(key))
	}
	return int64(len(key) + len(data))
}

var _ cache.Adapter = (*Adapter)(nil)
