// Package shared implements a machine-wide cache on top of a Redis server
// with a fixed memory budget shared by every consumer on the host.
//
// All keys are stored under a configurable prefix; Clear and
// DeleteByPattern never touch keys outside of it. Expiry is delegated to
// Redis. When a write is rejected (typically because maxmemory is reached
// under the noeviction policy) the adapter unlinks its own entries that
// have been idle longer than StaleAfter and retries the write once.
package shared

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/apicache/pkg/cache"
	"github.com/Sternrassler/apicache/pkg/logging"
)

// Mode describes the kind of process the adapter runs in.
type Mode int

const (
	// ModeServer is a long-running server process.
	ModeServer Mode = iota

	// ModeCLI is a short-lived command-line process. The shared store must
	// be enabled for it explicitly through Config.EnableCLI.
	ModeCLI
)

// String returns the mode name.
func (m Mode) String() string {
	if m == ModeCLI {
		return "cli"
	}
	return "server"
}

// Config holds the shared adapter configuration.
type Config struct {
	// Client is the Redis client. A nil client means the store is absent.
	Client redis.UniversalClient

	// Prefix namespaces every physical key.
	Prefix string

	// Enabled is the global switch for the shared store.
	Enabled bool

	// Mode is the execution mode of the current process.
	Mode Mode

	// EnableCLI allows use of the shared store from ModeCLI processes.
	EnableCLI bool

	// StaleAfter is the idle time after which an entry may be evicted to
	// make room for a rejected write. It is independent of the entry TTL.
	StaleAfter time.Duration

	// ScanCount is the SCAN COUNT hint used when iterating the prefix.
	ScanCount int64

	// CloseClient makes Close also close Client.
	CloseClient bool

	// Logger overrides the component logger.
	Logger *zerolog.Logger
}

// DefaultConfig returns the default configuration for client.
func DefaultConfig(client redis.UniversalClient) Config {
	return Config{
		Client:     client,
		Prefix:     "apicache:",
		Enabled:    true,
		Mode:       ModeServer,
		StaleAfter: time.Hour,
		ScanCount:  100,
	}
}

// Adapter is the shared-store cache.
type Adapter struct {
	client      redis.UniversalClient
	prefix      string
	staleAfter  time.Duration
	scanCount   int64
	closeClient bool
	logger      zerolog.Logger

	available atomic.Bool
	hits      atomic.Int64
	misses    atomic.Int64
}

// New checks availability once and returns the adapter. Unlike the file
// backend it refuses to start degraded: a missing, disabled or unreachable
// store is an *cache.UnavailableError.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	if cfg.Client == nil {
		return nil, unavailable("no redis client configured", nil)
	}
	if !cfg.Enabled {
		return nil, unavailable("disabled by configuration", nil)
	}
	if cfg.Mode == ModeCLI && !cfg.EnableCLI {
		return nil, unavailable("not enabled for cli processes", nil)
	}
	if err := cfg.Client.Ping(ctx).Err(); err != nil {
		return nil, unavailable("ping failed", err)
	}

	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Hour
	}
	if cfg.ScanCount <= 0 {
		cfg.ScanCount = 100
	}

	a := &Adapter{
		client:      cfg.Client,
		prefix:      cfg.Prefix,
		staleAfter:  cfg.StaleAfter,
		scanCount:   cfg.ScanCount,
		closeClient: cfg.CloseClient,
		logger:      logging.OrComponent(cfg.Logger, "cache.shared"),
	}
	a.available.Store(true)

	a.logger.Debug().
		Str("prefix", a.prefix).
		Str("mode", cfg.Mode.String()).
		Msg("Shared cache available")

	return a, nil
}

func unavailable(reason string, err error) error {
	return &cache.UnavailableError{Backend: cache.LayerShared, Reason: reason, Err: err}
}

// Available reports whether the adapter still talks to the store.
func (a *Adapter) Available() bool {
	return a.available.Load()
}

// Prefix returns the key prefix.
func (a *Adapter) Prefix() string {
	return a.prefix
}

// Get returns the payload stored under key. Undecodable values are
// removed and reported as a miss.
func (a *Adapter) Get(ctx context.Context, key string) (cache.Payload, bool) {
	if !a.Available() {
		return a.miss()
	}

	data, err := a.client.Get(ctx, a.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			cache.CacheErrors.WithLabelValues(cache.LayerShared, "get").Inc()
			a.logger.Debug().Err(err).Str("key", key).Msg("Shared cache read failed")
		}
		return a.miss()
	}

	var value cache.Payload
	if err := json.Unmarshal(data, &value); err != nil {
		a.client.Del(ctx, a.prefix+key)
		cache.CacheCorrupt.WithLabelValues(cache.LayerShared).Inc()
		a.logger.Warn().Err(err).Str("key", key).Msg("Corrupt shared cache value removed")
		return a.miss()
	}

	a.hits.Add(1)
	cache.CacheHits.WithLabelValues(cache.LayerShared).Inc()
	return value, true
}

func (a *Adapter) miss() (cache.Payload, bool) {
	a.misses.Add(1)
	cache.CacheMisses.WithLabelValues(cache.LayerShared).Inc()
	return nil, false
}

// Set stores value under key with the store's native TTL. A rejected write
// triggers one stale-entry eviction pass and exactly one retry.
func (a *Adapter) Set(ctx context.Context, key string, value cache.Payload, ttl time.Duration) error {
	if !a.Available() {
		return nil
	}
	if key == "" {
		return a.writeErr("set", key, cache.ErrEmptyKey)
	}

	data, err := json.Marshal(value)
	if err != nil {
		return a.writeErr("encode", key, err)
	}

	expiration := time.Duration(cache.TTLSeconds(ttl)) * time.Second
	physical := a.prefix + key

	err = a.client.Set(ctx, physical, data, expiration).Err()
	if err == nil {
		return nil
	}

	evicted, evictErr := a.EvictStale(ctx)
	a.logger.Warn().
		Err(err).
		Str("key", key).
		Int("evicted", evicted).
		AnErr("evict_error", evictErr).
		Msg("Shared cache write rejected, retrying after evicting stale entries")

	if err := a.client.Set(ctx, physical, data, expiration).Err(); err != nil {
		return a.writeErr("set", key, err)
	}
	return nil
}

// Delete removes key.
func (a *Adapter) Delete(ctx context.Context, key string) bool {
	if !a.Available() {
		return false
	}
	n, err := a.client.Del(ctx, a.prefix+key).Result()
	if err != nil {
		cache.CacheErrors.WithLabelValues(cache.LayerShared, "delete").Inc()
		return false
	}
	return n > 0
}

// Clear removes every key under the prefix and resets the counters.
func (a *Adapter) Clear(ctx context.Context) error {
	a.hits.Store(0)
	a.misses.Store(0)
	if !a.Available() {
		return nil
	}

	_, err := a.unlinkMatching(ctx, escapeGlob(a.prefix)+"*", nil)
	if err != nil {
		cache.CacheErrors.WithLabelValues(cache.LayerShared, "clear").Inc()
		return fmt.Errorf("clear shared cache: %w", err)
	}
	return nil
}

// Has reports whether key exists. Expired keys are already gone from the
// store, so no extra bookkeeping is needed.
func (a *Adapter) Has(ctx context.Context, key string) bool {
	if !a.Available() {
		return false
	}
	n, err := a.client.Exists(ctx, a.prefix+key).Result()
	return err == nil && n > 0
}

// DeleteByPattern removes keys under the prefix whose logical key matches
// pattern.
func (a *Adapter) DeleteByPattern(ctx context.Context, pattern string) (int, error) {
	if !a.Available() {
		return 0, nil
	}

	match := escapeGlob(a.prefix) + escapePattern(pattern)
	removed, err := a.unlinkMatching(ctx, match, func(logical string) bool {
		return cache.MatchPattern(pattern, logical)
	})
	if err != nil {
		cache.CacheErrors.WithLabelValues(cache.LayerShared, "scan").Inc()
		return removed, fmt.Errorf("delete by pattern: %w", err)
	}
	return removed, nil
}

// EvictStale unlinks entries under the prefix idle for at least StaleAfter
// and returns how many were removed.
func (a *Adapter) EvictStale(ctx context.Context) (int, error) {
	if !a.Available() {
		return 0, nil
	}

	removed := 0
	err := a.scan(ctx, escapeGlob(a.prefix)+"*", func(keys []string) error {
		pipe := a.client.Pipeline()
		idle := make([]*redis.DurationCmd, len(keys))
		for i, k := range keys {
			idle[i] = pipe.ObjectIdleTime(ctx, k)
		}
		// per-command errors (key vanished, LFU policy) are checked below
		_, _ = pipe.Exec(ctx)

		stale := make([]string, 0, len(keys))
		for i, cmd := range idle {
			d, err := cmd.Result()
			if err == nil && d >= a.staleAfter {
				stale = append(stale, keys[i])
			}
		}
		if len(stale) == 0 {
			return nil
		}

		n, err := a.client.Unlink(ctx, stale...).Result()
		if err != nil {
			return err
		}
		removed += int(n)
		return nil
	})

	if removed > 0 {
		cache.CacheEvictions.WithLabelValues(cache.LayerShared).Add(float64(removed))
	}
	if err != nil {
		return removed, fmt.Errorf("evict stale entries: %w", err)
	}
	return removed, nil
}

// Stats returns the local counters with the entry count under the prefix
// and the store-reported memory usage.
func (a *Adapter) Stats(ctx context.Context) cache.Stats {
	stats := cache.Stats{
		Backend: cache.LayerShared,
		Hits:    a.hits.Load(),
		Misses:  a.misses.Load(),
	}
	if !a.Available() {
		return stats
	}

	info, err := a.Info(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Failed to read shared cache info")
		return stats
	}
	stats.SizeBytes = info.UsedMemory
	stats.EntryCount = info.EntryCount

	cache.ReportStats(stats)
	return stats
}

// Close marks the adapter unavailable, turning every operation into a
// no-op, and closes the client when configured to.
func (a *Adapter) Close() error {
	if !a.available.Swap(false) {
		return nil
	}
	if a.closeClient {
		return a.client.Close()
	}
	return nil
}

// scan iterates keys matching a Redis MATCH pattern in batches.
func (a *Adapter) scan(ctx context.Context, match string, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := a.client.Scan(ctx, cursor, match, a.scanCount).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// unlinkMatching unlinks scanned keys whose unprefixed name passes keep
// (all of them when keep is nil).
func (a *Adapter) unlinkMatching(ctx context.Context, match string, keep func(logical string) bool) (int, error) {
	removed := 0
	err := a.scan(ctx, match, func(keys []string) error {
		batch := keys[:0:0]
		for _, k := range keys {
			if !strings.HasPrefix(k, a.prefix) {
				continue
			}
			if keep == nil || keep(strings.TrimPrefix(k, a.prefix)) {
				batch = append(batch, k)
			}
		}
		if len(batch) == 0 {
			return nil
		}
		n, err := a.client.Unlink(ctx, batch...).Result()
		if err != nil {
			return err
		}
		removed += int(n)
		return nil
	})
	return removed, err
}

func (a *Adapter) writeErr(op, key string, err error) error {
	cache.CacheErrors.WithLabelValues(cache.LayerShared, "set").Inc()
	return &cache.WriteError{Backend: cache.LayerShared, Op: op, Key: key, Err: err}
}

// escapeGlob escapes every Redis glob metacharacter in s.
func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}

// escapePattern escapes Redis glob metacharacters except '*', the only
// wildcard DeleteByPattern supports.
func escapePattern(s string) string {
	return patternEscaper.Replace(s)
}

var (
	globEscaper    = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	patternEscaper = strings.NewReplacer(`\`, `\\`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
)

var _ cache.Adapter = (*Adapter)(nil)
