package storage

import (
	"context"
	"log/slog"
	"time"
)

// DefaultRetentionInterval is how often expired query logs are purged.
const DefaultRetentionInterval = 6 * time.Hour

// RunRetention purges query logs older than keep, once immediately and then
// every interval, until ctx is cancelled. A non-positive keep disables purging.
func RunRetention(ctx context.Context, s Storage, keep, interval time.Duration, logger *slog.Logger) {
	if keep <= 0 {
		return
	}
	if interval <= 0 {
		interval = DefaultRetentionInterval
	}

	purge := func() {
		cutoff := time.Now().Add(-keep)
		deleted, err := s.Cleanup(ctx, cutoff)
		if err != nil {
			logger.Error("Query log retention failed", "error", err)
			return
		}
		if deleted > 0 {
			logger.Info("Purged expired query logs", "deleted", deleted, "cutoff", cutoff)
		}
	}

	purge()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purge()
		}
	}
}
