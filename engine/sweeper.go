package engine

import (
	"context"
	"log/slog"
	"time"

	"ghostswap/intent"
	"ghostswap/protocol"
)

// Sweep cancels every local open intent older than the configured TTL and
// returns the expired IDs.
func (e *Engine) Sweep(ctx context.Context) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	var expired []string
	for _, rec := range e.store.ListOpen() {
		if rec.Poster != e.cfg.Self || !e.Expired(rec, now) {
			continue
		}
		cancel := protocol.Cancel{ID: rec.ID, CancelledBy: ExpiryActor}
		if !e.applyCancel(ctx, cancel) {
			continue
		}
		_ = e.broadcastLocked(cancel, "")
		expired = append(expired, rec.ID)
	}
	if len(expired) > 0 {
		e.metrics.setOpen(len(e.store.ListOpen()))
		e.log().Info("expired stale intents", slog.Int("count", len(expired)))
	}
	return expired
}

// RunSweeper ticks Sweep until ctx is cancelled.
func (e *Engine) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// Expired reports whether rec is past the TTL at now.
func (e *Engine) Expired(rec intent.Intent, now time.Time) bool {
	return now.Unix()-rec.PostedAt > int64(e.cfg.IntentTTL/time.Second)
}
