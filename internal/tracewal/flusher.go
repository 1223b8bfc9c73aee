package tracewal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/torii-ai/sekisho/internal/model"
)

// FlushStore is the durable destination for journaled events. The flush must
// be idempotent on (case_id, seq) so crash replays cannot duplicate rows.
type FlushStore interface {
	FlushTraceEvents(ctx context.Context, events []model.TraceEvent) (int, error)
}

// Flusher drains the journal into the store on an interval.
type Flusher struct {
	journal  *Journal
	store    FlushStore
	interval time.Duration
	batch    int
	logger   *slog.Logger
}

func NewFlusher(journal *Journal, store FlushStore, interval time.Duration, batch int, logger *slog.Logger) *Flusher {
	if batch <= 0 {
		batch = 256
	}
	return &Flusher{journal: journal, store: store, interval: interval, batch: batch, logger: logger}
}

// FlushOnce moves one batch from the journal to the store and acks it.
// Returns how many events were handed to the store. Called at startup to
// replay whatever a previous run left behind.
func (f *Flusher) FlushOnce(ctx context.Context) (int, error) {
	events, err := f.journal.Pending(ctx, f.batch)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	written, err := f.store.FlushTraceEvents(ctx, events)
	if err != nil {
		return 0, fmt.Errorf("tracewal: flush batch: %w", err)
	}

	ids := make([]uuid.UUID, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	if err := f.journal.Ack(ctx, ids); err != nil {
		// The store has the events; the journal replays them next time and
		// the idempotent flush drops the duplicates.
		return len(events), err
	}

	if written < len(events) {
		f.logger.Debug("trace flush skipped replayed events", "flushed", written, "batch", len(events))
	}
	return len(events), nil
}

// Run drains on the interval until the context ends, then performs one final
// flush with a short grace period.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := f.FlushOnce(drainCtx); err != nil {
				f.logger.Error("final trace flush failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			for {
				n, err := f.FlushOnce(ctx)
				if err != nil {
					f.logger.Error("trace flush failed", "error", err)
					break
				}
				if n < f.batch {
					break
				}
			}
		}
	}
}
