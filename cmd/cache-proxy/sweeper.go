package main

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Sternrassler/apicache/pkg/backend"
	"github.com/Sternrassler/apicache/pkg/logging"
)

func newTicker(interval time.Duration) *clock.Ticker {
	return clock.New().Ticker(interval)
}

// runSweeper calls CleanExpired on every tick until ctx is done.
func runSweeper(ctx context.Context, cleaner backend.Cleaner, ticker *clock.Ticker) {
	logger := logging.NewLogger("cache-sweeper")
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := cleaner.CleanExpired(ctx)
			if err != nil {
				logger.Warn().Err(err).Int("removed", removed).Msg("Cache sweep failed")
				continue
			}
			logger.Debug().Int("removed", removed).Msg("Cache sweep finished")
		}
	}
}
