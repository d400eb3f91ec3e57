// Package config loads the cache and proxy configuration from environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Sternrassler/apicache/pkg/logging"
)

// Backend names a cache backend.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendFile   Backend = "file"
	BackendShared Backend = "shared"
)

// CacheConfig selects and configures the cache backend.
type CacheConfig struct {
	Backend Backend

	// memory
	MaxEntries int

	// file
	Dir           string
	Compression   string
	SweepInterval time.Duration

	// shared
	RedisURL      string
	Prefix        string
	StaleAfter    time.Duration
	SharedEnabled bool
	SharedCLI     bool

	// FallbackOnUnavailable degrades to an always-empty cache instead of
	// failing when the selected backend cannot be used.
	FallbackOnUnavailable bool
}

// ClientConfig configures the upstream API client.
type ClientConfig struct {
	BaseURL      string
	Token        string
	UserAgent    string
	Timeout      time.Duration
	FetchTimeout time.Duration
	MaxAttempts  int
	RateLimit    float64
	RateBurst    int
	DefaultTTL   time.Duration
}

// Config is the complete process configuration.
type Config struct {
	Cache  CacheConfig
	Client ClientConfig
	Log    logging.Config
	Port   string
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Cache: CacheConfig{
			Backend:               Backend(GetEnv("CACHE_BACKEND", string(BackendMemory))),
			MaxEntries:            GetEnvAsInt("CACHE_MAX_ENTRIES", 1000),
			Dir:                   GetEnv("CACHE_DIR", filepath.Join(os.TempDir(), "apicache")),
			Compression:           GetEnv("CACHE_COMPRESSION", "zstd"),
			SweepInterval:         GetEnvAsDuration("CACHE_SWEEP_INTERVAL", 10*time.Minute),
			RedisURL:              GetEnv("REDIS_URL", "redis://localhost:6379/0"),
			Prefix:                GetEnv("CACHE_PREFIX", "apicache:"),
			StaleAfter:            GetEnvAsDuration("CACHE_STALE_AFTER", time.Hour),
			SharedEnabled:         GetEnvAsBool("CACHE_SHARED_ENABLED", true),
			SharedCLI:             GetEnvAsBool("CACHE_SHARED_CLI", false),
			FallbackOnUnavailable: GetEnvAsBool("CACHE_FALLBACK", true),
		},
		Client: ClientConfig{
			BaseURL:      GetEnv("API_BASE_URL", ""),
			Token:        GetEnv("API_TOKEN", ""),
			UserAgent:    GetEnv("USER_AGENT", "apicache/0.1"),
			Timeout:      GetEnvAsDuration("HTTP_TIMEOUT", 30*time.Second),
			FetchTimeout: GetEnvAsDuration("HTTP_FETCH_TIMEOUT", 2*time.Minute),
			MaxAttempts:  GetEnvAsInt("HTTP_MAX_RETRIES", 3),
			RateLimit:    GetEnvAsFloat("RATE_LIMIT", 10),
			RateBurst:    GetEnvAsInt("RATE_LIMIT_BURST", 5),
			DefaultTTL:   GetEnvAsDuration("CACHE_DEFAULT_TTL", time.Minute),
		},
		Log: logging.Config{
			Level:  logging.LogLevel(GetEnv("LOG_LEVEL", string(logging.LevelInfo))),
			Pretty: GetEnvAsBool("LOG_PRETTY", false),
			Output: os.Stderr,
		},
		Port: GetEnv("PORT", "8080"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values Load cannot default.
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case BackendMemory, BackendFile, BackendShared:
	default:
		return fmt.Errorf("invalid CACHE_BACKEND %q (want memory, file or shared)", c.Cache.Backend)
	}

	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("CACHE_MAX_ENTRIES must be >= 0 (got %d)", c.Cache.MaxEntries)
	}
	if c.Cache.Backend == BackendFile && c.Cache.Dir == "" {
		return fmt.Errorf("CACHE_DIR is required for the file backend")
	}
	if c.Client.RateLimit < 0 {
		return fmt.Errorf("RATE_LIMIT must be >= 0 (got %v)", c.Client.RateLimit)
	}
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	return nil
}
