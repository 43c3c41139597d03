package chat

import (
	"context"
	"log/slog"
	"time"
)

// ExchangeCleaner removes logged exchanges past their retention.
type ExchangeCleaner interface {
	CleanupExchanges(ctx context.Context, retention time.Duration) (int64, error)
}

// JanitorConfig controls the background sweep.
type JanitorConfig struct {
	Interval   time.Duration
	SessionTTL time.Duration
	Retention  time.Duration
	Cleaner    ExchangeCleaner
}

const defaultJanitorInterval = 5 * time.Minute

// StartJanitor runs a background goroutine that periodically evicts idle
// sessions and prunes the exchange log. It stops when ctx is done.
func StartJanitor(ctx context.Context, m *Manager, cfg JanitorConfig) {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultJanitorInterval
	}
	ticker := time.NewTicker(cfg.Interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Janitor started", "interval", cfg.Interval, "session_ttl", cfg.SessionTTL, "retention", cfg.Retention)

		for {
			select {
			case <-ticker.C:
				sweep(ctx, m, cfg)
			case <-ctx.Done():
				slog.Info("Janitor shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweep(ctx context.Context, m *Manager, cfg JanitorConfig) {
	if cfg.SessionTTL > 0 {
		if n := m.EvictIdle(time.Now(), cfg.SessionTTL); n > 0 {
			slog.Info("Janitor evicted idle sessions", "count", n, "remaining", m.Len())
		}
	}

	if cfg.Cleaner == nil || cfg.Retention <= 0 {
		return
	}
	deleted, err := cfg.Cleaner.CleanupExchanges(ctx, cfg.Retention)
	if err != nil {
		slog.Error("Janitor failed to prune exchange log", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("Janitor pruned exchange log", "count", deleted)
	}
}
