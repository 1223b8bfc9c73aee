package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/torii-ai/sekisho/internal/model"
)

// CreateCase opens a new case.
func (db *DB) CreateCase(ctx context.Context, caseType string, scope map[string]any) (model.Case, error) {
	now := time.Now().UTC()
	c := model.Case{
		ID:        uuid.New(),
		CaseType:  caseType,
		Scope:     scope,
		Status:    model.CaseOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if c.Scope == nil {
		c.Scope = map[string]any{}
	}

	if _, err := db.pool.Exec(ctx, `
		INSERT INTO "case" (id, case_type, scope, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.CaseType, c.Scope, string(c.Status), c.CreatedAt, c.UpdatedAt,
	); err != nil {
		return model.Case{}, fmt.Errorf("storage: create case: %w", err)
	}
	return c, nil
}

// GetCase returns one case by id.
func (db *DB) GetCase(ctx context.Context, id uuid.UUID) (model.Case, error) {
	var c model.Case
	var status string
	err := db.pool.QueryRow(ctx,
		`SELECT id, case_type, scope, status, created_at, updated_at FROM "case" WHERE id = $1`, id,
	).Scan(&c.ID, &c.CaseType, &c.Scope, &status, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Case{}, ErrNotFound
	}
	if err != nil {
		return model.Case{}, fmt.Errorf("storage: get case: %w", err)
	}
	c.Status = model.CaseStatus(status)
	return c, nil
}

// UpdateCaseStatus moves a case to a new lifecycle status.
func (db *DB) UpdateCaseStatus(ctx context.Context, id uuid.UUID, status model.CaseStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE "case" SET status = $2, updated_at = now() WHERE id = $1`,
		id, string(status))
	if err != nil {
		return fmt.Errorf("storage: update case status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListCases returns cases filtered by optional status, newest first.
func (db *DB) ListCases(ctx context.Context, status *model.CaseStatus, limit int) ([]model.Case, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, case_type, scope, status, created_at, updated_at FROM "case"`
	args := []any{}
	if status != nil {
		args = append(args, string(*status))
		query += ` WHERE status = $1`
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list cases: %w", err)
	}
	defer rows.Close()

	var cases []model.Case
	for rows.Next() {
		var c model.Case
		var s string
		if err := rows.Scan(&c.ID, &c.CaseType, &c.Scope, &s, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan case: %w", err)
		}
		c.Status = model.CaseStatus(s)
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

// CreateMissingEvidenceRequest records a blocking evidence gap.
func (db *DB) CreateMissingEvidenceRequest(ctx context.Context, req model.MissingEvidenceRequest) (model.MissingEvidenceRequest, error) {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	if _, err := db.pool.Exec(ctx, `
		INSERT INTO missing_evidence_request (id, case_id, source_system, request_type, reason, criticality, created_at, resolved_at, resolved_by_evidence_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULL, NULL)`,
		req.ID, req.CaseID, req.SourceSystem, req.RequestType, req.Reason, req.Criticality, req.CreatedAt,
	); err != nil {
		return model.MissingEvidenceRequest{}, fmt.Errorf("storage: create missing evidence request: %w", err)
	}
	return req, nil
}

// OpenMissingEvidenceRequests returns unresolved evidence gaps for a case.
func (db *DB) OpenMissingEvidenceRequests(ctx context.Context, caseID uuid.UUID) ([]model.MissingEvidenceRequest, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, case_id, source_system, request_type, reason, criticality, created_at, resolved_at, resolved_by_evidence_id
		FROM missing_evidence_request
		WHERE case_id = $1 AND resolved_at IS NULL
		ORDER BY created_at`, caseID)
	if err != nil {
		return nil, fmt.Errorf("storage: open missing evidence requests: %w", err)
	}
	defer rows.Close()

	var out []model.MissingEvidenceRequest
	for rows.Next() {
		var r model.MissingEvidenceRequest
		if err := rows.Scan(&r.ID, &r.CaseID, &r.SourceSystem, &r.RequestType, &r.Reason,
			&r.Criticality, &r.CreatedAt, &r.ResolvedAt, &r.ResolvedByEvidenceID); err != nil {
			return nil, fmt.Errorf("storage: scan missing evidence request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ResolveMissingEvidenceRequests marks all open requests for a source
// resolved, recording which evidence row closed the gap.
func (db *DB) ResolveMissingEvidenceRequests(ctx context.Context, caseID uuid.UUID, sourceSystem string, evidenceID uuid.UUID) error {
	if _, err := db.pool.Exec(ctx, `
		UPDATE missing_evidence_request SET resolved_at = now(), resolved_by_evidence_id = $3
		WHERE case_id = $1 AND source_system = $2 AND resolved_at IS NULL`,
		caseID, sourceSystem, evidenceID,
	); err != nil {
		return fmt.Errorf("storage: resolve missing evidence requests: %w", err)
	}
	return nil
}
