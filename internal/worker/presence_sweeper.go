package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/benbjohnson/clock"

	"geopresence/internal/model"
	"geopresence/internal/store"
)

// PresenceStore is what the sweeper needs from the backing store.
type PresenceStore interface {
	List(ctx context.Context, filter store.Filter) ([]model.PresenceRecord, error)
	Upsert(ctx context.Context, subjectID string, patch model.PresencePatch) error
}

// PresenceSweeper marks records disconnected when their device stopped
// writing without an unload or logout (crash, lost network, killed tab).
type PresenceSweeper struct {
	store      PresenceStore
	clock      clock.Clock
	interval   time.Duration
	staleAfter time.Duration
}

func NewPresenceSweeper(s PresenceStore, clk clock.Clock, interval, staleAfter time.Duration) *PresenceSweeper {
	if clk == nil {
		clk = clock.New()
	}
	return &PresenceSweeper{store: s, clock: clk, interval: interval, staleAfter: staleAfter}
}

// Run sweeps every interval until ctx ends. A zero interval disables it.
func (w *PresenceSweeper) Run(ctx context.Context) {
	if w.interval <= 0 || w.staleAfter <= 0 {
		log.Println("🧹 Presence sweeper disabled")
		return
	}
	log.Printf("🧹 Presence sweeper started (every %s, stale after %s)", w.interval, w.staleAfter)

	ticker := w.clock.Ticker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("🧹 Presence sweeper stopped")
			return
		case <-ticker.C:
			if n, err := w.Sweep(ctx); err != nil {
				log.Printf("❌ Sweeper error: %v", err)
			} else if n > 0 {
				log.Printf("🧹 Marked %d presence record(s) disconnected", n)
			}
		}
	}
}

// Sweep runs one pass and returns how many records it marked.
func (w *PresenceSweeper) Sweep(ctx context.Context) (int, error) {
	records, err := w.store.List(ctx, store.Filter{})
	if err != nil {
		return 0, fmt.Errorf("failed to list presence: %w", err)
	}

	cutoff := w.clock.Now().Add(-w.staleAfter)
	marked := 0
	for _, r := range records {
		if r.Status == model.StatusDisconnected || r.LastUpdatedAt.After(cutoff) {
			continue
		}
		if err := w.store.Upsert(ctx, r.SubjectID, model.PresencePatch{Status: model.StatusDisconnected}); err != nil {
			log.Printf("❌ Failed to mark %s disconnected: %v", r.SubjectID, err)
			continue
		}
		marked++
	}
	return marked, nil
}
