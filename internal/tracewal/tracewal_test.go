package tracewal

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torii-ai/sekisho/internal/model"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "trace.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func sampleEvent(seq int64) model.TraceEvent {
	refID := uuid.New()
	return model.TraceEvent{
		ID:        uuid.New(),
		CaseID:    uuid.New(),
		Seq:       seq,
		EventType: model.TraceStateEnter,
		RefType:   "state",
		RefID:     &refID,
		Meta:      map[string]any{"state": "INVESTIGATE", "round": float64(1)},
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
}

func TestJournalRoundTrip(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)

	ev := sampleEvent(1)
	require.NoError(t, j.Append(ctx, ev))

	pending, err := j.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	got := pending[0]
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, ev.CaseID, got.CaseID)
	assert.Equal(t, ev.Seq, got.Seq)
	assert.Equal(t, ev.EventType, got.EventType)
	assert.Equal(t, ev.RefType, got.RefType)
	require.NotNil(t, got.RefID)
	assert.Equal(t, *ev.RefID, *got.RefID)
	assert.Equal(t, ev.Meta, got.Meta)
	assert.True(t, ev.CreatedAt.Equal(got.CreatedAt))
}

func TestJournalAppendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)

	ev := sampleEvent(1)
	require.NoError(t, j.Append(ctx, ev))
	require.NoError(t, j.Append(ctx, ev))

	depth, err := j.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestJournalAckRemoves(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)

	first := sampleEvent(1)
	second := sampleEvent(2)
	require.NoError(t, j.Append(ctx, first))
	require.NoError(t, j.Append(ctx, second))

	require.NoError(t, j.Ack(ctx, []uuid.UUID{first.ID}))

	pending, err := j.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)

	require.NoError(t, j.Ack(ctx, nil), "empty ack is a no-op")
}

func TestJournalNilRefAndMeta(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)

	ev := sampleEvent(1)
	ev.RefID = nil
	ev.Meta = nil
	require.NoError(t, j.Append(ctx, ev))

	pending, err := j.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Nil(t, pending[0].RefID)
	assert.Equal(t, map[string]any{}, pending[0].Meta)
}

type fakeStore struct {
	flushed [][]model.TraceEvent
	err     error
}

func (f *fakeStore) FlushTraceEvents(_ context.Context, events []model.TraceEvent) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.flushed = append(f.flushed, events)
	return len(events), nil
}

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestFlushOnceDrainsAndAcks(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)
	store := &fakeStore{}
	f := NewFlusher(j, store, time.Second, 10, discard())

	require.NoError(t, j.Append(ctx, sampleEvent(1)))
	require.NoError(t, j.Append(ctx, sampleEvent(2)))

	n, err := f.FlushOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, store.flushed, 1)
	assert.Len(t, store.flushed[0], 2)

	depth, err := j.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth, "flushed events leave the journal")

	n, err = f.FlushOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFlushOnceKeepsJournalOnStoreError(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)
	store := &fakeStore{err: errors.New("postgres down")}
	f := NewFlusher(j, store, time.Second, 10, discard())

	require.NoError(t, j.Append(ctx, sampleEvent(1)))

	_, err := f.FlushOnce(ctx)
	require.Error(t, err)

	depth, derr := j.Depth(ctx)
	require.NoError(t, derr)
	assert.Equal(t, 1, depth, "events survive a failed flush")
}
