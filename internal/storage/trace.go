package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/torii-ai/sekisho/internal/model"
)

// TraceJournal is a durable local buffer for trace events, written before
// the Postgres insert so a crash between the two loses nothing. Satisfied
// by *tracewal.Journal.
type TraceJournal interface {
	Append(ctx context.Context, ev model.TraceEvent) error
	Ack(ctx context.Context, ids []uuid.UUID) error
}

// AppendTraceEvent writes one trace event, allocating the next per-case seq
// atomically. When a journal is attached the event is journaled first, then
// inserted, then acked; if the insert fails the event stays journaled and
// the flusher replays it, idempotent on (case_id, seq).
func (db *DB) AppendTraceEvent(ctx context.Context, ev model.TraceEvent) (model.TraceEvent, error) {
	if db.journal != nil {
		return db.appendViaJournal(ctx, ev)
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.TraceEvent{}, fmt.Errorf("storage: begin trace event tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ev, err = fillTraceEvent(ctx, tx, ev)
	if err != nil {
		return model.TraceEvent{}, err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO trace_event (id, case_id, seq, event_type, ref_type, ref_id, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, ev.CaseID, ev.Seq, string(ev.EventType), ev.RefType, ev.RefID, ev.Meta, ev.CreatedAt,
	); err != nil {
		return model.TraceEvent{}, fmt.Errorf("storage: insert trace event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.TraceEvent{}, fmt.Errorf("storage: commit trace event tx: %w", err)
	}
	return ev, nil
}

// appendViaJournal allocates the seq on the pool, journals the fully formed
// event, then attempts the Postgres insert. A failed insert is not an error
// for the caller: the journaled copy is replayed by the flusher.
func (db *DB) appendViaJournal(ctx context.Context, ev model.TraceEvent) (model.TraceEvent, error) {
	ev, err := fillTraceEvent(ctx, db.pool, ev)
	if err != nil {
		return model.TraceEvent{}, err
	}

	if err := db.journal.Append(ctx, ev); err != nil {
		return model.TraceEvent{}, fmt.Errorf("storage: journal trace event: %w", err)
	}

	if _, err := db.pool.Exec(ctx, `
		INSERT INTO trace_event (id, case_id, seq, event_type, ref_type, ref_id, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, ev.CaseID, ev.Seq, string(ev.EventType), ev.RefType, ev.RefID, ev.Meta, ev.CreatedAt,
	); err != nil {
		db.logger.Warn("trace insert deferred to journal replay",
			"case_id", ev.CaseID, "seq", ev.Seq, "error", err)
		return ev, nil
	}

	if err := db.journal.Ack(ctx, []uuid.UUID{ev.ID}); err != nil {
		// The row landed; the replay skips it on (case_id, seq).
		db.logger.Warn("trace journal ack failed", "case_id", ev.CaseID, "seq", ev.Seq, "error", err)
	}
	return ev, nil
}

// rowQuerier is the slice of pgx shared by pgx.Tx and *pgxpool.Pool that
// seq allocation needs.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// fillTraceEvent allocates the next per-case seq and defaults the id,
// timestamp, and meta. The case_seq upsert is atomic, so concurrent writers
// never collide.
func fillTraceEvent(ctx context.Context, q rowQuerier, ev model.TraceEvent) (model.TraceEvent, error) {
	seq, err := nextTraceSeq(ctx, q, ev.CaseID)
	if err != nil {
		return model.TraceEvent{}, err
	}
	ev.Seq = seq

	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.Meta == nil {
		ev.Meta = map[string]any{}
	}
	return ev, nil
}

func nextTraceSeq(ctx context.Context, q rowQuerier, caseID uuid.UUID) (int64, error) {
	var seq int64
	err := q.QueryRow(ctx, `
		INSERT INTO case_seq (case_id, last_seq)
		VALUES ($1, 1)
		ON CONFLICT (case_id) DO UPDATE SET last_seq = case_seq.last_seq + 1
		RETURNING last_seq`, caseID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("storage: allocate trace seq: %w", err)
	}
	return seq, nil
}

// FlushTraceEvents batch-inserts journaled trace events via COPY. Events
// whose (case_id, seq) already exist are skipped first, so replaying a WAL
// after a crash is idempotent.
func (db *DB) FlushTraceEvents(ctx context.Context, events []model.TraceEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: begin trace flush tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var pending []model.TraceEvent
	for _, ev := range events {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM trace_event WHERE case_id = $1 AND seq = $2)`,
			ev.CaseID, ev.Seq,
		).Scan(&exists); err != nil {
			return 0, fmt.Errorf("storage: check trace event: %w", err)
		}
		if !exists {
			pending = append(pending, ev)
		}
	}
	if len(pending) == 0 {
		return 0, tx.Commit(ctx)
	}

	columns := []string{"id", "case_id", "seq", "event_type", "ref_type", "ref_id", "meta", "created_at"}
	rows := make([][]any, len(pending))
	for i, ev := range pending {
		meta := ev.Meta
		if meta == nil {
			meta = map[string]any{}
		}
		rows[i] = []any{ev.ID, ev.CaseID, ev.Seq, string(ev.EventType), ev.RefType, ev.RefID, meta, ev.CreatedAt}
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"trace_event"}, columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, fmt.Errorf("storage: copy trace events: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("storage: commit trace flush tx: %w", err)
	}
	return len(pending), nil
}

// CaseTrace returns all trace events for a case in seq order.
func (db *DB) CaseTrace(ctx context.Context, caseID uuid.UUID) ([]model.TraceEvent, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, case_id, seq, event_type, ref_type, ref_id, meta, created_at
		FROM trace_event
		WHERE case_id = $1
		ORDER BY seq`, caseID)
	if err != nil {
		return nil, fmt.Errorf("storage: case trace: %w", err)
	}
	defer rows.Close()

	return scanTraceEvents(rows)
}

// CaseTraceByTypes returns trace events for a case filtered by event types,
// in seq order.
func (db *DB) CaseTraceByTypes(ctx context.Context, caseID uuid.UUID, types []model.TraceEventType) ([]model.TraceEvent, error) {
	ts := make([]string, len(types))
	for i, t := range types {
		ts[i] = string(t)
	}
	rows, err := db.pool.Query(ctx, `
		SELECT id, case_id, seq, event_type, ref_type, ref_id, meta, created_at
		FROM trace_event
		WHERE case_id = $1 AND event_type = ANY($2)
		ORDER BY seq`, caseID, ts)
	if err != nil {
		return nil, fmt.Errorf("storage: case trace by types: %w", err)
	}
	defer rows.Close()

	return scanTraceEvents(rows)
}

// CountTraceEvents counts events for a case matching event type and ref type.
// Used for guardrails like the critic's rejection counter.
func (db *DB) CountTraceEvents(ctx context.Context, caseID uuid.UUID, eventType model.TraceEventType, refType string) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM trace_event
		WHERE case_id = $1 AND event_type = $2 AND ref_type = $3`,
		caseID, string(eventType), refType,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count trace events: %w", err)
	}
	return n, nil
}

// LatestTraceMeta returns the meta of the newest trace event for a case with
// the given ref type, or ErrNotFound.
func (db *DB) LatestTraceMeta(ctx context.Context, caseID uuid.UUID, refType string) (map[string]any, error) {
	var meta map[string]any
	err := db.pool.QueryRow(ctx, `
		SELECT meta FROM trace_event
		WHERE case_id = $1 AND ref_type = $2
		ORDER BY seq DESC LIMIT 1`, caseID, refType,
	).Scan(&meta)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: latest trace meta: %w", err)
	}
	return meta, nil
}

func scanTraceEvents(rows pgx.Rows) ([]model.TraceEvent, error) {
	var out []model.TraceEvent
	for rows.Next() {
		var ev model.TraceEvent
		var eventType string
		if err := rows.Scan(&ev.ID, &ev.CaseID, &ev.Seq, &eventType, &ev.RefType, &ev.RefID, &ev.Meta, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan trace event: %w", err)
		}
		ev.EventType = model.TraceEventType(eventType)
		out = append(out, ev)
	}
	return out, rows.Err()
}
