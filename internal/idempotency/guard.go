// Package idempotency remembers which external jobs already had a terminal
// callback processed, so redelivered completions and failures are acked
// without touching state again.
package idempotency

import (
	"context"
	"log/slog"
	"time"
)

// Guard records processed terminal callbacks for a bounded window
type Guard interface {
	// Seen reports whether key was marked within the window
	Seen(ctx context.Context, key string) (bool, error)
	// Mark records key as processed now. A key already inside its window
	// keeps its original timestamp.
	Mark(ctx context.Context, key string) error
}

// Sweeper is implemented by backends that need expired records removed
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// RunJanitor sweeps expired records every interval until ctx is done
func RunJanitor(ctx context.Context, sweeper Sweeper, interval time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("Idempotency janitor started", slog.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			logger.Info("Idempotency janitor stopped")
			return nil
		case <-ticker.C:
			removed, err := sweeper.Sweep(ctx)
			if err != nil {
				logger.Warn("Idempotency sweep failed", slog.Any("error", err))
				continue
			}
			if removed > 0 {
				logger.Debug("Idempotency records expired", slog.Int("removed", removed))
			}
		}
	}
}
