package store

import (
	"context"
	"log/slog"
	"time"
)

const retentionInterval = time.Hour

// Cleaner removes closed conversations past their retention window.
type Cleaner interface {
	CleanupClosedConversations(ctx context.Context, ttl time.Duration) (int64, error)
}

// RunRetention sweeps closed conversations older than ttl until ctx is done.
// A zero interval uses the hourly default. It blocks and always returns nil
// so it can run inside an errgroup next to the HTTP server.
func RunRetention(ctx context.Context, repo Cleaner, ttl, interval time.Duration) error {
	if interval <= 0 {
		interval = retentionInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	slog.Info("Retention worker started", "interval", interval, "ttl", ttl)

	for {
		select {
		case <-ticker.C:
			cleanupClosed(ctx, repo, ttl)
		case <-ctx.Done():
			slog.Info("Retention worker shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

func cleanupClosed(ctx context.Context, repo Cleaner, ttl time.Duration) {
	deleted, err := repo.CleanupClosedConversations(ctx, ttl)
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("Retention worker interrupted", "error", err)
			return
		}
		slog.Error("Retention worker failed to clean up conversations", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("Retention worker removed closed conversations", "count", deleted)
	}
}
