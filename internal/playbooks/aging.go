package playbooks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/torii-ai/sekisho/internal/storage"
)

const (
	// unusedRetirement archives playbooks with no use in this window.
	unusedRetirement = 90 * 24 * time.Hour
	// minSuccessRate archives playbooks performing below it after enough uses.
	minSuccessRate = 0.3
	// minUsesForRate is how many uses a playbook gets before its rate counts.
	minUsesForRate = 5
)

// Ager retires playbooks that stopped working: unused too long, or a poor
// success rate after a fair number of tries.
type Ager struct {
	db     *storage.DB
	now    func() time.Time
	logger *slog.Logger
}

func NewAger(db *storage.DB, logger *slog.Logger) *Ager {
	return &Ager{db: db, now: time.Now, logger: logger}
}

// Sweep archives stale playbooks and returns how many were retired.
func (ag *Ager) Sweep(ctx context.Context) (int, error) {
	cutoff := ag.now().UTC().Add(-unusedRetirement)
	archived, err := ag.db.ArchiveStalePlaybooks(ctx, cutoff, minSuccessRate, minUsesForRate)
	if err != nil {
		return 0, fmt.Errorf("playbooks: aging sweep: %w", err)
	}
	if archived > 0 {
		ag.logger.Info("stale playbooks archived", "count", archived, "cutoff", cutoff)
	}
	return archived, nil
}

// Run sweeps on the given interval until the context ends.
func (ag *Ager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := ag.Sweep(ctx); err != nil {
				ag.logger.Error("aging sweep failed", "error", err)
			}
		}
	}
}
