// Package file implements a disk-backed cache shared by every process that
// can write to the same root directory.
//
// Records live at <root>/<hex[0:2]>/<hex[2:4]>/<hex>.cache where hex is the
// BLAKE2b-256 digest of the logical key. Each record is written to a temp
// file in the target directory and renamed into place, so readers see
// either the old or the new record, never a partial one. When two writers
// race on one key the last rename wins.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/apicache/pkg/cache"
	"github.com/Sternrassler/apicache/pkg/logging"
)

const (
	recordExt = ".cache"
	tempInfix = ".tmp-"

	// staleTempAge is how old an orphaned temp file must be before
	// CleanExpired removes it.
	staleTempAge = time.Hour
)

// errCorrupt marks a record that exists but cannot be trusted.
var errCorrupt = errors.New("corrupt cache record")

// Config holds the file adapter configuration.
type Config struct {
	// Dir is the cache root directory.
	Dir string

	// Compression selects the record codec (default: zstd).
	Compression Compression

	// FileMode is applied to record files (default: 0644).
	FileMode os.FileMode

	// Clock is the time source (default: wall clock).
	Clock clock.Clock

	// Logger overrides the component logger.
	Logger *zerolog.Logger
}

// DefaultConfig returns a configuration rooted in the system temp directory.
func DefaultConfig() Config {
	return Config{
		Dir:         filepath.Join(os.TempDir(), "apicache"),
		Compression: CompressionZstd,
		FileMode:    0o644,
	}
}

// Adapter is the file-backed cache.
type Adapter struct {
	root     string
	codec    codec
	fileMode os.FileMode
	clock    clock.Clock
	logger   zerolog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates the root directory and returns the adapter. A root that
// cannot be created makes the adapter unusable, so that error is fatal.
func New(cfg Config) (*Adapter, error) {
	if cfg.Dir == "" {
		cfg.Dir = DefaultConfig().Dir
	}
	if cfg.FileMode == 0 {
		cfg.FileMode = 0o644
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, &cache.UnavailableError{Backend: cache.LayerFile, Reason: "create cache directory " + cfg.Dir, Err: err}
	}

	c, err := newCodec(cfg.Compression)
	if err != nil {
		return nil, &cache.UnavailableError{Backend: cache.LayerFile, Reason: "configure compression", Err: err}
	}

	return &Adapter{
		root:     cfg.Dir,
		codec:    c,
		fileMode: cfg.FileMode,
		clock:    cfg.Clock,
		logger:   logging.OrComponent(cfg.Logger, "cache.file"),
	}, nil
}

// Root returns the cache root directory.
func (a *Adapter) Root() string {
	return a.root
}

// Path returns the record path for a logical key.
func (a *Adapter) Path(key string) string {
	digest := cache.Digest(key)
	return filepath.Join(a.root, digest[0:2], digest[2:4], digest+recordExt)
}

// Get returns the payload stored under key. Expired or unreadable records
// are removed and reported as a miss.
func (a *Adapter) Get(_ context.Context, key string) (cache.Payload, bool) {
	entry, ok := a.load(key)
	if !ok {
		a.misses.Add(1)
		cache.CacheMisses.WithLabelValues(cache.LayerFile).Inc()
		return nil, false
	}

	a.hits.Add(1)
	cache.CacheHits.WithLabelValues(cache.LayerFile).Inc()
	return entry.Value, true
}

// Set atomically writes the record for key.
func (a *Adapter) Set(_ context.Context, key string, value cache.Payload, ttl time.Duration) error {
	if key == "" {
		return a.writeErr("set", key, cache.ErrEmptyKey)
	}

	entry := cache.NewEntry(key, value, ttl, a.clock.Now())
	data, err := json.Marshal(entry)
	if err != nil {
		return a.writeErr("encode", key, err)
	}
	data, err = a.codec.encode(data)
	if err != nil {
		return a.writeErr("compress", key, err)
	}

	path := a.Path(key)
	if err := a.writeAtomic(path, data); err != nil {
		return a.writeErr("write", key, err)
	}
	return nil
}

// writeAtomic writes data to a temp file next to path and renames it over
// path. The temp file is removed on every failure.
func (a *Adapter) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create shard directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+tempInfix+"*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if err := writeAndClose(tmp, data, a.fileMode); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func writeAndClose(f *os.File, data []byte, mode os.FileMode) error {
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Chmod(mode); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Delete removes the record for key.
func (a *Adapter) Delete(_ context.Context, key string) bool {
	err := os.Remove(a.Path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		cache.CacheErrors.WithLabelValues(cache.LayerFile, "delete").Inc()
		a.logger.Warn().Err(err).Str("key", key).Msg("Failed to delete cache record")
	}
	return err == nil
}

// Clear removes everything under the root and resets the counters. The
// root itself is kept; shard directories are recreated on demand.
func (a *Adapter) Clear(_ context.Context) error {
	a.hits.Store(0)
	a.misses.Store(0)

	children, err := os.ReadDir(a.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		cache.CacheErrors.WithLabelValues(cache.LayerFile, "clear").Inc()
		return fmt.Errorf("read cache directory: %w", err)
	}

	var firstErr error
	for _, child := range children {
		if err := os.RemoveAll(filepath.Join(a.root, child.Name())); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		cache.CacheErrors.WithLabelValues(cache.LayerFile, "clear").Inc()
		return fmt.Errorf("clear cache directory: %w", firstErr)
	}
	return nil
}

// Has reports whether a live record exists for key.
func (a *Adapter) Has(_ context.Context, key string) bool {
	_, ok := a.load(key)
	return ok
}

// DeleteByPattern decodes every record and removes those whose stored
// logical key matches pattern. Expired and corrupt records found on the
// way are removed but not counted.
func (a *Adapter) DeleteByPattern(ctx context.Context, pattern string) (int, error) {
	now := a.clock.Now()
	removed := 0

	err := a.walkRecords(ctx, func(path string, _ fs.DirEntry) error {
		entry, err := a.read(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil
		case err != nil:
			a.dropCorrupt(path, err)
			return nil
		case entry.IsExpired(now):
			_ = os.Remove(path)
			return nil
		case cache.MatchPattern(pattern, entry.Key):
			if os.Remove(path) == nil {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		cache.CacheErrors.WithLabelValues(cache.LayerFile, "scan").Inc()
		return removed, fmt.Errorf("delete by pattern: %w", err)
	}
	return removed, nil
}

// CleanExpired walks every record and removes expired and corrupt ones,
// orphaned temp files and empty shard directories. Nothing else guarantees
// an entry that is never read again ever leaves the disk.
func (a *Adapter) CleanExpired(ctx context.Context) (int, error) {
	now := a.clock.Now()
	removed := 0

	err := filepath.WalkDir(a.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}

		name := d.Name()
		switch {
		case strings.Contains(name, tempInfix):
			if info, err := d.Info(); err == nil && now.Sub(info.ModTime()) > staleTempAge {
				_ = os.Remove(path)
			}
		case strings.HasSuffix(name, recordExt):
			entry, err := a.read(path)
			switch {
			case errors.Is(err, fs.ErrNotExist):
			case err != nil:
				a.dropCorrupt(path, err)
				removed++
			case entry.IsExpired(now):
				if os.Remove(path) == nil {
					removed++
				}
			}
		}
		return nil
	})
	if err != nil {
		cache.CacheErrors.WithLabelValues(cache.LayerFile, "scan").Inc()
		return removed, fmt.Errorf("clean expired: %w", err)
	}

	a.pruneEmptyDirs()

	a.logger.Info().Int("removed", removed).Str("root", a.root).Msg("Expired cache records cleaned")
	return removed, nil
}

// pruneEmptyDirs removes empty shard directories, deepest level first.
func (a *Adapter) pruneEmptyDirs() {
	level1, err := os.ReadDir(a.root)
	if err != nil {
		return
	}
	for _, d1 := range level1 {
		if !d1.IsDir() {
			continue
		}
		p1 := filepath.Join(a.root, d1.Name())
		level2, err := os.ReadDir(p1)
		if err != nil {
			continue
		}
		for _, d2 := range level2 {
			if d2.IsDir() {
				// fails harmlessly when not empty
				_ = os.Remove(filepath.Join(p1, d2.Name()))
			}
		}
		_ = os.Remove(p1)
	}
}

// Stats counts record files and their on-disk size.
func (a *Adapter) Stats(ctx context.Context) cache.Stats {
	stats := cache.Stats{
		Backend: cache.LayerFile,
		Hits:    a.hits.Load(),
		Misses:  a.misses.Load(),
	}

	err := a.walkRecords(ctx, func(_ string, d fs.DirEntry) error {
		info, err := d.Info()
		if err != nil {
			// removed concurrently
			return nil
		}
		stats.EntryCount++
		stats.SizeBytes += info.Size()
		return nil
	})
	if err != nil {
		a.logger.Warn().Err(err).Msg("Failed to compute cache stats")
	}

	cache.ReportStats(stats)
	return stats
}

// Close releases codec resources.
func (a *Adapter) Close() error {
	a.codec.close()
	return nil
}

// load reads the live entry for key, removing it when it is expired,
// corrupt or belongs to another key.
func (a *Adapter) load(key string) (cache.Entry, bool) {
	path := a.Path(key)

	entry, err := a.read(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			a.dropCorrupt(path, err)
		}
		return cache.Entry{}, false
	}

	if entry.Key != key {
		a.dropCorrupt(path, fmt.Errorf("%w: stored key %q", errCorrupt, entry.Key))
		return cache.Entry{}, false
	}

	if entry.IsExpired(a.clock.Now()) {
		_ = os.Remove(path)
		a.logger.Debug().Str("key", key).Msg("Expired record removed on read")
		return cache.Entry{}, false
	}

	return entry, true
}

// read decodes the record at path. Missing files return fs.ErrNotExist;
// anything undecodable returns errCorrupt.
func (a *Adapter) read(path string) (cache.Entry, error) {
	var entry cache.Entry

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return entry, err
		}
		return entry, fmt.Errorf("%w: %v", errCorrupt, err)
	}

	raw, err := a.codec.decode(data)
	if err != nil {
		return entry, fmt.Errorf("%w: decompress: %v", errCorrupt, err)
	}
	if err := json.Unmarshal(raw, &entry); err != nil {
		return entry, fmt.Errorf("%w: decode: %v", errCorrupt, err)
	}
	return entry, nil
}

func (a *Adapter) dropCorrupt(path string, err error) {
	_ = os.Remove(path)
	cache.CacheCorrupt.WithLabelValues(cache.LayerFile).Inc()
	a.logger.Warn().Err(err).Str("path", path).Msg("Corrupt cache record removed")
}

// walkRecords calls fn for every record file under the root.
func (a *Adapter) walkRecords(ctx context.Context, fn func(path string, d fs.DirEntry) error) error {
	return filepath.WalkDir(a.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), recordExt) {
			return nil
		}
		return fn(path, d)
	})
}

func (a *Adapter) writeErr(op, key string, err error) error {
	cache.CacheErrors.WithLabelValues(cache.LayerFile, "set").Inc()
	return &cache.WriteError{Backend: cache.LayerFile, Op: op, Key: key, Err: err}
}

var _ cache.Adapter = (*Adapter)(nil)
