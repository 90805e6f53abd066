package tracker

import (
	"context"
	"log/slog"
	"time"
)

// RunRetention prunes ended and missing streams older than the retention
// window, once at startup and then daily, until ctx is cancelled.
func RunRetention(ctx context.Context, store *Store, retentionDays int) {
	if retentionDays <= 0 {
		slog.Info("retention pruning disabled")
		return
	}
	retention := time.Duration(retentionDays) * 24 * time.Hour
	run := func() {
		removed, err := store.Prune(ctx, retention)
		if err != nil {
			slog.Error("retention prune failed", slog.Any("err", err))
			return
		}
		if removed > 0 {
			slog.Info("retention prune complete", slog.Int("removed", removed))
		}
	}
	run()
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}
