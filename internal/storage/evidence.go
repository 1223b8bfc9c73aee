package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/torii-ai/sekisho/internal/model"
)

// HashContent computes the lowercase hex SHA-256 of raw evidence content.
// Evidence is content-addressed: identical payloads from the same source
// dedup to one row.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// InsertEvidence stores a fetch attempt. If a row with the same
// (source_system, uri, content_hash) already exists, the existing row is
// returned: the same payload retrieved from the same place dedups, while
// the same payload from a different location stays a distinct row.
func (db *DB) InsertEvidence(ctx context.Context, ev model.Evidence, content []byte) (model.Evidence, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.ContentHash == "" {
		ev.ContentHash = HashContent(content)
	}
	if ev.RetrievedAt.IsZero() {
		ev.RetrievedAt = time.Now().UTC()
	}

	err := db.pool.QueryRow(ctx, `
		INSERT INTO evidence (id, source_system, content_hash, uri, excerpt, retrieved_at, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (source_system, uri, content_hash) DO UPDATE SET excerpt = EXCLUDED.excerpt
		RETURNING id, retrieved_at`,
		ev.ID, ev.SourceSystem, ev.ContentHash, ev.URI, ev.Excerpt, ev.RetrievedAt, ev.Embedding,
	).Scan(&ev.ID, &ev.RetrievedAt)
	if err != nil {
		return model.Evidence{}, fmt.Errorf("storage: insert evidence: %w", err)
	}
	return ev, nil
}

// GetEvidence returns one evidence row by id.
func (db *DB) GetEvidence(ctx context.Context, id uuid.UUID) (model.Evidence, error) {
	var ev model.Evidence
	err := db.pool.QueryRow(ctx, `
		SELECT id, source_system, content_hash, uri, excerpt, retrieved_at
		FROM evidence WHERE id = $1`, id,
	).Scan(&ev.ID, &ev.SourceSystem, &ev.ContentHash, &ev.URI, &ev.Excerpt, &ev.RetrievedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Evidence{}, ErrNotFound
	}
	if err != nil {
		return model.Evidence{}, fmt.Errorf("storage: get evidence: %w", err)
	}
	return ev, nil
}

// CaseEvidence returns all evidence bound to a case through trace events,
// newest retrieval first.
func (db *DB) CaseEvidence(ctx context.Context, caseID uuid.UUID) ([]model.Evidence, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT e.id, e.source_system, e.content_hash, e.uri, e.excerpt, e.retrieved_at
		FROM evidence e
		WHERE e.id IN (
			SELECT ref_id FROM trace_event
			WHERE case_id = $1 AND ref_type = 'evidence' AND ref_id IS NOT NULL
		)
		ORDER BY e.retrieved_at DESC`, caseID)
	if err != nil {
		return nil, fmt.Errorf("storage: case evidence: %w", err)
	}
	defer rows.Close()

	var out []model.Evidence
	for rows.Next() {
		var ev model.Evidence
		if err := rows.Scan(&ev.ID, &ev.SourceSystem, &ev.ContentHash, &ev.URI, &ev.Excerpt, &ev.RetrievedAt); err != nil {
			return nil, fmt.Errorf("storage: scan evidence: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// HasBookingEvidence reports whether the case has evidence from the BOOKING
// source system. Shipment-level actions are gated on this.
func (db *DB) HasBookingEvidence(ctx context.Context, caseID uuid.UUID) (bool, error) {
	var count int
	err := db.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM evidence
		WHERE source_system = 'BOOKING'
		  AND id IN (
			SELECT ref_id FROM trace_event
			WHERE case_id = $1 AND ref_type = 'evidence' AND ref_id IS NOT NULL
		  )`, caseID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("storage: booking evidence check: %w", err)
	}
	return count > 0, nil
}

// StaleEvidenceSources returns source systems whose case evidence is older
// than the threshold.
func (db *DB) StaleEvidenceSources(ctx context.Context, caseID uuid.UUID, olderThan time.Time) ([]string, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT DISTINCT source_system FROM evidence
		WHERE retrieved_at < $2
		  AND id IN (
			SELECT ref_id FROM trace_event
			WHERE case_id = $1 AND ref_type = 'evidence' AND ref_id IS NOT NULL
		  )`, caseID, olderThan)
	if err != nil {
		return nil, fmt.Errorf("storage: stale evidence sources: %w", err)
	}
	defer rows.Close()

	var sources []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("storage: scan stale source: %w", err)
		}
		sources = append(sources, s)
	}
	return sources, rows.Err()
}
