// Command cache-proxy serves an upstream JSON API through the response
// cache and exposes cache statistics, invalidation and metrics.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/apicache/pkg/backend"
	"github.com/Sternrassler/apicache/pkg/cache/shared"
	"github.com/Sternrassler/apicache/pkg/client"
	"github.com/Sternrassler/apicache/pkg/config"
	"github.com/Sternrassler/apicache/pkg/logging"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	logging.Setup(cfg.Log)
	logger := logging.NewLogger("cache-proxy")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	adapter, err := backend.Open(ctx, cfg.Cache, shared.ModeServer)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open cache backend")
	}
	defer backend.Close(adapter)

	clientCfg := client.DefaultConfig(cfg.Client.BaseURL, cfg.Client.UserAgent)
	clientCfg.Token = cfg.Client.Token
	clientCfg.Timeout = cfg.Client.Timeout
	clientCfg.FetchTimeout = cfg.Client.FetchTimeout
	clientCfg.MaxAttempts = cfg.Client.MaxAttempts
	clientCfg.RateLimit = cfg.Client.RateLimit
	clientCfg.RateBurst = cfg.Client.RateBurst
	clientCfg.DefaultTTL = cfg.Client.DefaultTTL

	apiClient, err := client.New(clientCfg, adapter)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create API client")
	}

	if cleaner, ok := adapter.(backend.Cleaner); ok && cfg.Cache.SweepInterval > 0 {
		go runSweeper(ctx, cleaner, newTicker(cfg.Cache.SweepInterval))
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newRouter(newServer(apiClient)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Graceful shutdown failed")
		}
	}()

	logger.Info().
		Str("addr", srv.Addr).
		Str("backend", string(cfg.Cache.Backend)).
		Str("upstream", cfg.Client.BaseURL).
		Msg("Starting cache proxy")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("Server failed")
	}
	logger.Info().Msg("Cache proxy stopped")
}
