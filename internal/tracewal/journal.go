// Package tracewal journals trace events to an embedded SQLite database
// before they are batch-flushed to Postgres. A crash between append and
// flush loses nothing: the journal is replayed on startup, and the flush
// path skips (case_id, seq) pairs that already landed.
package tracewal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/torii-ai/sekisho/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS trace_wal (
	id         TEXT PRIMARY KEY,
	case_id    TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	ref_type   TEXT NOT NULL DEFAULT '',
	ref_id     TEXT,
	meta       TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trace_wal_created ON trace_wal (created_at);
`

// Journal is a durable local buffer for trace events.
type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal at path. ":memory:" works for tests.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("tracewal: open %s: %w", path, err)
	}
	// A single writer keeps SQLite's locking out of the picture.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("tracewal: enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("tracewal: create schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Append journals one event. The event must already carry its id, case id,
// and seq; the journal stores, it does not allocate.
func (j *Journal) Append(ctx context.Context, ev model.TraceEvent) error {
	meta := ev.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("tracewal: marshal meta: %w", err)
	}

	var refID any
	if ev.RefID != nil {
		refID = ev.RefID.String()
	}

	if _, err := j.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO trace_wal (id, case_id, seq, event_type, ref_type, ref_id, meta, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID.String(), ev.CaseID.String(), ev.Seq, string(ev.EventType),
		ev.RefType, refID, string(metaJSON), ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("tracewal: append: %w", err)
	}
	return nil
}

// Pending returns up to limit journaled events, oldest first.
func (j *Journal) Pending(ctx context.Context, limit int) ([]model.TraceEvent, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, case_id, seq, event_type, ref_type, ref_id, meta, created_at
		FROM trace_wal
		ORDER BY created_at ASC, seq ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("tracewal: select pending: %w", err)
	}
	defer rows.Close()

	var out []model.TraceEvent
	for rows.Next() {
		var (
			ev                              model.TraceEvent
			idStr, caseStr, typ, createdStr string
			refStr                          sql.NullString
			metaJSON                        string
		)
		if err := rows.Scan(&idStr, &caseStr, &ev.Seq, &typ, &ev.RefType, &refStr, &metaJSON, &createdStr); err != nil {
			return nil, fmt.Errorf("tracewal: scan pending: %w", err)
		}
		if ev.ID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("tracewal: parse event id: %w", err)
		}
		if ev.CaseID, err = uuid.Parse(caseStr); err != nil {
			return nil, fmt.Errorf("tracewal: parse case id: %w", err)
		}
		if refStr.Valid {
			refID, err := uuid.Parse(refStr.String)
			if err != nil {
				return nil, fmt.Errorf("tracewal: parse ref id: %w", err)
			}
			ev.RefID = &refID
		}
		if err := json.Unmarshal([]byte(metaJSON), &ev.Meta); err != nil {
			return nil, fmt.Errorf("tracewal: unmarshal meta: %w", err)
		}
		if ev.CreatedAt, err = time.Parse(time.RFC3339Nano, createdStr); err != nil {
			return nil, fmt.Errorf("tracewal: parse created_at: %w", err)
		}
		ev.EventType = model.TraceEventType(typ)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Ack removes flushed events from the journal.
func (j *Journal) Ack(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("tracewal: begin ack: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM trace_wal WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("tracewal: prepare ack: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id.String()); err != nil {
			return fmt.Errorf("tracewal: ack %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("tracewal: commit ack: %w", err)
	}
	return nil
}

// Depth returns how many events are waiting to flush.
func (j *Journal) Depth(ctx context.Context) (int, error) {
	var n int
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trace_wal`).Scan(&n); err != nil {
		return 0, fmt.Errorf("tracewal: depth: %w", err)
	}
	return n, nil
}

// Close closes the underlying SQLite database.
func (j *Journal) Close() error {
	return j.db.Close()
}
