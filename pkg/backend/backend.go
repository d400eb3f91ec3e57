// Package backend opens the cache adapter selected by configuration.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/apicache/pkg/cache"
	"github.com/Sternrassler/apicache/pkg/cache/file"
	"github.com/Sternrassler/apicache/pkg/cache/memory"
	"github.com/Sternrassler/apicache/pkg/cache/shared"
	"github.com/Sternrassler/apicache/pkg/config"
	"github.com/Sternrassler/apicache/pkg/logging"
)

// Cleaner is implemented by backends that need periodic removal of
// expired entries.
type Cleaner interface {
	CleanExpired(ctx context.Context) (int, error)
}

// Open constructs the configured backend. An unavailable backend is
// replaced by cache.Nop when cfg.FallbackOnUnavailable is set; invalid
// configuration is always an error.
func Open(ctx context.Context, cfg config.CacheConfig, mode shared.Mode) (cache.Adapter, error) {
	logger := logging.NewLogger("cache.backend")

	adapter, err := open(ctx, cfg, mode)
	if err == nil {
		logger.Info().
			Str("backend", string(cfg.Backend)).
			Msg("Cache backend ready")
		return adapter, nil
	}

	if cfg.FallbackOnUnavailable && errors.Is(err, cache.ErrUnavailable) {
		logger.Warn().
			Err(err).
			Str("backend", string(cfg.Backend)).
			Msg("Cache backend unavailable, continuing without cache")
		return cache.NewNop(), nil
	}
	return nil, err
}

func open(ctx context.Context, cfg config.CacheConfig, mode shared.Mode) (cache.Adapter, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.New(memory.Config{MaxEntries: cfg.MaxEntries}), nil

	case config.BackendFile:
		fileCfg := file.DefaultConfig()
		fileCfg.Dir = cfg.Dir
		fileCfg.Compression = file.Compression(cfg.Compression)
		return file.New(fileCfg)

	case config.BackendShared:
		return openShared(ctx, cfg, mode)

	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

func openShared(ctx context.Context, cfg config.CacheConfig, mode shared.Mode) (cache.Adapter, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	sharedCfg := shared.DefaultConfig(client)
	sharedCfg.Prefix = cfg.Prefix
	sharedCfg.Enabled = cfg.SharedEnabled
	sharedCfg.Mode = mode
	sharedCfg.EnableCLI = cfg.SharedCLI
	sharedCfg.StaleAfter = cfg.StaleAfter
	sharedCfg.CloseClient = true

	adapter, err := shared.New(ctx, sharedCfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	return adapter, nil
}

// Close releases adapter resources when it holds any.
func Close(adapter cache.Adapter) error {
	if c, ok := adapter.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
