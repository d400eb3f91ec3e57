package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/apicache/pkg/client"
	"github.com/Sternrassler/apicache/pkg/logging"
	"github.com/Sternrassler/apicache/pkg/metrics"
)

type server struct {
	client *client.Client
	logger zerolog.Logger
}

func newServer(c *client.Client) *server {
	return &server{client: c, logger: logging.NewLogger("cache-proxy")}
}

func newRouter(s *server) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", healthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/cache/stats", s.statsHandler).Methods(http.MethodGet)
	r.HandleFunc("/cache", s.invalidateHandler).Methods(http.MethodDelete)
	r.PathPrefix("/api/").HandlerFunc(s.proxyHandler).Methods(http.MethodGet)
	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *server) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats := s.client.Cache().Stats(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]any{
		"backend":     stats.Backend,
		"hits":        stats.Hits,
		"misses":      stats.Misses,
		"hit_ratio":   stats.HitRatio(),
		"size_bytes":  stats.SizeBytes,
		"entry_count": stats.EntryCount,
	})
}

// invalidateHandler removes entries by raw key pattern (?pattern=) or by
// upstream path and everything below it (?path=).
func (s *server) invalidateHandler(w http.ResponseWriter, r *http.Request) {
	if path := r.URL.Query().Get("path"); path != "" {
		removed, err := s.client.InvalidatePath(r.Context(), path)
		if err != nil {
			s.logger.Error().Err(err).Str("path", path).Msg("Invalidation failed")
			s.writeError(w, http.StatusInternalServerError, "invalidation failed")
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"path": path, "removed": removed})
		return
	}

	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		s.writeError(w, http.StatusBadRequest, "pattern or path query parameter is required")
		return
	}

	removed, err := s.client.Invalidate(r.Context(), pattern)
	if err != nil {
		s.logger.Error().Err(err).Str("pattern", pattern).Msg("Invalidation failed")
		s.writeError(w, http.StatusInternalServerError, "invalidation failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"pattern": pattern, "removed": removed})
}

// proxyHandler serves GET /api/<upstream path> through the cache. The
// caller's bearer token and Accept-Language are forwarded and take part in
// the cache key.
func (s *server) proxyHandler(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api")
	query := r.URL.Query()

	var opts []client.RequestOption
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		opts = append(opts, client.WithBearer(token))
	}
	if lang := r.Header.Get("Accept-Language"); lang != "" {
		opts = append(opts, client.WithHeader("Accept-Language", lang))
	}
	if r.Header.Get("Cache-Control") == "no-cache" {
		opts = append(opts, client.WithRefresh())
	}

	var hit bool
	opts = append(opts, client.ReportHit(&hit))

	payload, err := s.client.GetJSON(r.Context(), path, query, opts...)
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.Class == client.ErrorClassClient {
			s.writeError(w, apiErr.StatusCode, apiErr.Message)
			return
		}
		s.logger.Warn().Err(err).Str("path", path).Msg("Upstream request failed")
		s.writeError(w, http.StatusBadGateway, "upstream request failed")
		return
	}

	status := "MISS"
	if hit {
		status = "HIT"
	}
	w.Header().Set("X-Cache", status)
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write response")
	}
}

func (s *server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
