// Package client provides a caching JSON API client with rate limiting,
// retries and request collapsing.
//
// Every GET is keyed with cache.Key. Hits are served from the configured
// cache.Adapter; misses are collapsed per key, throttled, fetched with
// retries and stored with a TTL derived from the response headers.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-resty/resty/v2"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/Sternrassler/apicache/pkg/cache"
	"github.com/Sternrassler/apicache/pkg/logging"
)

// Client is the caching API client.
type Client struct {
	resty   *resty.Client
	cache   cache.Adapter
	limiter *rate.Limiter
	group   singleflight.Group
	policy  RetryPolicy
	clock   clock.Clock
	config  Config
	logger  zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the upstream API root (REQUIRED).
	BaseURL string

	// UserAgent header (REQUIRED).
	// Format: "AppName/Version (contact@example.com)"
	UserAgent string

	// Token is the default bearer credential. WithBearer overrides it per
	// request.
	Token string

	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration

	// FetchTimeout bounds one upstream fetch including throttling and
	// retries. The fetch is shared by every caller waiting on the same key
	// and does not stop when one of them cancels. 0 means no bound.
	FetchTimeout time.Duration

	// RateLimit is the sustained request rate per second; 0 disables
	// throttling.
	RateLimit float64
	RateBurst int

	// DefaultTTL applies to responses without freshness headers. 0 means
	// such responses are not cached.
	DefaultTTL time.Duration

	// Retry selects backoff per error class (default: RetryConfigForErrorClass).
	Retry RetryPolicy

	// MaxAttempts overrides the policy's attempt count when > 0.
	MaxAttempts int

	// Clock is the time source for TTL computation.
	Clock clock.Clock

	// Logger overrides the component logger.
	Logger *zerolog.Logger
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL, userAgent string) Config {
	return Config{
		BaseURL:    baseURL,
		UserAgent:  userAgent,
		Timeout:      30 * time.Second,
		FetchTimeout: 2 * time.Minute,
		RateLimit:    10,
		RateBurst:    5,
		DefaultTTL:   60 * time.Second,
	}
}

// New creates a new client on top of adapter.
func New(cfg Config, adapter cache.Adapter) (*Client, error) {
	if adapter == nil {
		return nil, fmt.Errorf("cache adapter is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.RateLimit < 0 {
		return nil, fmt.Errorf("rate_limit must be >= 0 (got %v)", cfg.RateLimit)
	}

	logger := logging.OrComponent(cfg.Logger, "api-client")

	rc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("User-Agent", cfg.UserAgent).
		SetHeader("Accept", "application/json").
		SetLogger(restyLogger{logger})
	if cfg.Timeout > 0 {
		rc.SetTimeout(cfg.Timeout)
	}

	c := &Client{
		resty:  rc,
		cache:  adapter,
		policy: cfg.Retry,
		clock:  cfg.Clock,
		config: cfg,
		logger: logger,
	}
	if c.policy == nil {
		c.policy = RetryConfigForErrorClass
	}
	if cfg.MaxAttempts > 0 {
		base := c.policy
		c.policy = func(class ErrorClass) RetryConfig {
			retry := base(class)
			retry.MaxAttempts = cfg.MaxAttempts
			return retry
		}
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.RateBurst, 1))
	}

	return c, nil
}

// RequestOption customizes a single request.
type RequestOption func(*requestOptions)

type requestOptions struct {
	authorization string
	headers       http.Header
	options       map[string]string
	ttl           time.Duration
	refresh       bool
	hit           *bool
}

// WithBearer sends token as the bearer credential instead of Config.Token.
func WithBearer(token string) RequestOption {
	return func(o *requestOptions) {
		token = strings.TrimSpace(token)
		if token != "" {
			o.authorization = "Bearer " + token
		}
	}
}

// WithHeader sends a header that changes the response (e.g.
// Accept-Language). It becomes part of the cache key.
func WithHeader(name, value string) RequestOption {
	return func(o *requestOptions) {
		if o.headers == nil {
			o.headers = http.Header{}
		}
		o.headers.Add(name, value)
	}
}

// WithOption adds a cache-affecting option that is not sent upstream.
func WithOption(name, value string) RequestOption {
	return func(o *requestOptions) {
		if o.options == nil {
			o.options = make(map[string]string)
		}
		o.options[name] = value
	}
}

// WithTTL stores the response for ttl regardless of its freshness headers.
func WithTTL(ttl time.Duration) RequestOption {
	return func(o *requestOptions) {
		o.ttl = ttl
	}
}

// WithRefresh skips the cache lookup; the fresh response is still stored.
func WithRefresh() RequestOption {
	return func(o *requestOptions) {
		o.refresh = true
	}
}

// ReportHit makes GetJSON set *hit to whether the payload was served from
// the cache.
func ReportHit(hit *bool) RequestOption {
	return func(o *requestOptions) {
		o.hit = hit
	}
}

func (c *Client) newRequestOptions(opts []RequestOption) requestOptions {
	ro := requestOptions{}
	if c.config.Token != "" {
		ro.authorization = "Bearer " + c.config.Token
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&ro)
		}
	}
	return ro
}

// Key returns the cache key GetJSON uses for the same arguments.
func (c *Client) Key(path string, query url.Values, opts ...RequestOption) string {
	return c.key(path, query, c.newRequestOptions(opts))
}

func (c *Client) key(path string, query url.Values, ro requestOptions) string {
	return cache.Key{
		Method:        http.MethodGet,
		Path:          path,
		Query:         query,
		Authorization: ro.authorization,
		Headers:       ro.headers,
		Options:       ro.options,
	}.String()
}

// GetJSON returns the JSON object at path, from the cache when possible.
// Concurrent misses for the same key share one upstream request. The
// returned payload may be shared with the cache and other callers and
// must not be modified.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, opts ...RequestOption) (cache.Payload, error) {
	ro := c.newRequestOptions(opts)
	key := c.key(path, query, ro)
	if ro.hit != nil {
		*ro.hit = false
	}

	if !ro.refresh {
		if payload, ok := c.cache.Get(ctx, key); ok {
			requestsTotal.WithLabelValues("cache", "hit").Inc()
			c.logger.Debug().Str("key", key).Msg("Served from cache")
			if ro.hit != nil {
				*ro.hit = true
			}
			return payload, nil
		}
	}

	// The fetch outlives any single caller; each caller only stops
	// waiting when its own context ends.
	ch := c.group.DoChan(key, func() (any, error) {
		fetchCtx, cancel := c.fetchContext(ctx)
		defer cancel()
		return c.fetch(fetchCtx, key, path, query, ro)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			requestsTotal.WithLabelValues("shared", "collapsed").Inc()
		}
		return res.Val.(cache.Payload), nil
	}
}

func (c *Client) fetchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if c.config.FetchTimeout > 0 {
		return context.WithTimeout(detached, c.config.FetchTimeout)
	}
	return context.WithCancel(detached)
}

func (c *Client) fetch(ctx context.Context, key, path string, query url.Values, ro requestOptions) (cache.Payload, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	c.logger.Debug().
		Str("path", path).
		Str("key", key).
		Msg("Executing upstream request")

	start := time.Now()
	var resp *resty.Response

	err := retryWithBackoff(ctx, c.logger, c.policy, func() error {
		req := c.resty.R().SetContext(ctx)
		if len(query) > 0 {
			req.SetQueryParamsFromValues(query)
		}
		if ro.authorization != "" {
			req.SetHeader("Authorization", ro.authorization)
		}
		for name, values := range ro.headers {
			req.SetHeader(name, strings.Join(values, ", "))
		}

		r, err := req.Get(path)
		if err != nil {
			errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			c.logger.Warn().Err(err).Str("path", path).Msg("HTTP request failed")
			return &APIError{Class: ErrorClassNetwork, Message: "request failed", Err: err}
		}

		if class := classifyStatus(r.StatusCode()); class != "" {
			errorsTotal.WithLabelValues(string(class)).Inc()
			c.logger.Warn().
				Str("path", path).
				Int("status", r.StatusCode()).
				Str("error_class", string(class)).
				Msg("Upstream request error")
			return &APIError{StatusCode: r.StatusCode(), Class: class, Message: r.Status()}
		}

		resp = r
		return nil
	})

	status := statusLabel(resp, err)
	requestDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	requestsTotal.WithLabelValues("network", status).Inc()
	if err != nil {
		return nil, err
	}

	payload, err := decodePayload(resp.Body())
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassDecode)).Inc()
		return nil, &APIError{
			StatusCode: resp.StatusCode(),
			Class:      ErrorClassDecode,
			Message:    "response body is not a JSON object",
			Err:        err,
		}
	}

	c.store(ctx, key, payload, resp.Header(), ro)
	return payload, nil
}

// store writes payload to the cache. Failures are logged and counted, never
// returned: the response has been fetched and is served either way.
func (c *Client) store(ctx context.Context, key string, payload cache.Payload, headers http.Header, ro requestOptions) {
	ttl, ok := cache.TTLFromHeaders(headers, c.config.DefaultTTL, c.clock.Now())
	if ro.ttl > 0 {
		ttl, ok = ro.ttl, true
	}
	if !ok {
		c.logger.Debug().Str("key", key).Msg("Response not cacheable")
		return
	}

	if err := c.cache.Set(ctx, key, payload, ttl); err != nil {
		cacheWriteFailures.Inc()
		c.logger.Warn().Err(err).Str("key", key).Msg("Failed to cache response")
		return
	}

	c.logger.Debug().
		Str("key", key).
		Dur("ttl", ttl).
		Msg("Cached response")
}

func decodePayload(body []byte) (cache.Payload, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return cache.Payload{}, nil
	}
	var payload cache.Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, errors.New("null body")
	}
	return payload, nil
}

func statusLabel(resp *resty.Response, err error) string {
	if resp != nil {
		return strconv.Itoa(resp.StatusCode())
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode != 0 {
		return strconv.Itoa(apiErr.StatusCode)
	}
	return "error"
}

// Invalidate removes every cached entry whose key matches pattern ('*'
// wildcards only).
func (c *Client) Invalidate(ctx context.Context, pattern string) (int, error) {
	n, err := c.cache.DeleteByPattern(ctx, pattern)
	if err != nil {
		return n, fmt.Errorf("invalidate %q: %w", pattern, err)
	}
	c.logger.Info().Str("pattern", pattern).Int("removed", n).Msg("Cache invalidated")
	return n, nil
}

// InvalidatePath removes cached GET responses for path and everything
// below it, for every query, credential and option. Sibling paths that
// only share the prefix (/v1/courses-archive for /v1/courses) are kept.
func (c *Client) InvalidatePath(ctx context.Context, path string) (int, error) {
	removed := 0
	for _, pattern := range PathPatterns(path) {
		n, err := c.cache.DeleteByPattern(ctx, pattern)
		removed += n
		if err != nil {
			return removed, fmt.Errorf("invalidate path %q: %w", path, err)
		}
	}
	c.logger.Info().Str("path", path).Int("removed", removed).Msg("Cache invalidated")
	return removed, nil
}

// PathPatterns returns the disjoint DeleteByPattern patterns covering GET
// keys for path itself (with or without credential and option hashes),
// its queries and the paths below it.
func PathPatterns(path string) []string {
	trimmed := strings.TrimRight(path, "/")
	if trimmed == "" {
		return []string{cache.Key{Method: http.MethodGet, Path: "/"}.String() + "*"}
	}

	base := cache.Key{Method: http.MethodGet, Path: trimmed}.String()
	return []string{base, base + ":*", base + "?*", base + "/*"}
}

// Cache returns the underlying adapter.
func (c *Client) Cache() cache.Adapter {
	return c.cache
}

// restyLogger routes resty's internal messages through zerolog.
type restyLogger struct {
	l zerolog.Logger
}

func (r restyLogger) Errorf(format string, v ...interface{}) { r.l.Error().Msgf(format, v...) }
func (r restyLogger) Warnf(format string, v ...interface{})  { r.l.Warn().Msgf(format, v...) }
func (r restyLogger) Debugf(format string, v ...interface{}) { r.l.Debug().Msgf(format, v...) }
