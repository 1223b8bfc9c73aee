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

// InsertClaim stores a new claim.
func (db *DB) InsertClaim(ctx context.Context, c model.Claim) (model.Claim, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = model.StatusDraft
	}
	if c.IngestedAt.IsZero() {
		c.IngestedAt = time.Now().UTC()
	}

	_, err := db.pool.Exec(ctx, `
		INSERT INTO claim (id, subject_node_id, predicate, text, status, confidence, ingested_at, supersedes_claim_id, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.SubjectNodeID, c.Predicate, c.Text, string(c.Status), c.Confidence,
		c.IngestedAt, c.SupersedesClaimID, c.Embedding,
	)
	if err != nil {
		return model.Claim{}, fmt.Errorf("storage: insert claim: %w", err)
	}
	return c, nil
}

// SupersedeClaim inserts a replacement claim pointing at the old one.
func (db *DB) SupersedeClaim(ctx context.Context, oldClaimID uuid.UUID, replacement model.Claim) (model.Claim, error) {
	replacement.SupersedesClaimID = &oldClaimID
	c, err := db.InsertClaim(ctx, replacement)
	if err != nil {
		return model.Claim{}, fmt.Errorf("storage: supersede claim: %w", err)
	}
	return c, nil
}

// PromoteClaim moves a DRAFT claim to FACT. Promotion requires at least one
// bound evidence row; unsupported claims stay DRAFT.
func (db *DB) PromoteClaim(ctx context.Context, claimID uuid.UUID) error {
	var bound bool
	if err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM claim_evidence WHERE claim_id = $1)`, claimID,
	).Scan(&bound); err != nil {
		return fmt.Errorf("storage: promote claim: %w", err)
	}
	if !bound {
		return fmt.Errorf("storage: promote claim %s: %w", claimID, ErrEvidenceWithoutBinding)
	}

	if _, err := db.pool.Exec(ctx,
		`UPDATE claim SET status = 'FACT' WHERE id = $1 AND status = 'DRAFT'`, claimID,
	); err != nil {
		return fmt.Errorf("storage: promote claim: %w", err)
	}
	return nil
}

// BindEvidence links a claim to supporting evidence.
func (db *DB) BindEvidence(ctx context.Context, claimID, evidenceID uuid.UUID) error {
	if _, err := db.pool.Exec(ctx, `
		INSERT INTO claim_evidence (claim_id, evidence_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, claimID, evidenceID,
	); err != nil {
		return fmt.Errorf("storage: bind evidence: %w", err)
	}
	return nil
}

// GetClaim returns one claim with its evidence ids.
func (db *DB) GetClaim(ctx context.Context, id uuid.UUID) (model.Claim, error) {
	var c model.Claim
	var status string
	err := db.pool.QueryRow(ctx, `
		SELECT c.id, c.subject_node_id, c.predicate, c.text, c.status, c.confidence,
			c.ingested_at, c.supersedes_claim_id,
			COALESCE(array_agg(ce.evidence_id) FILTER (WHERE ce.evidence_id IS NOT NULL), '{}')
		FROM claim c
		LEFT JOIN claim_evidence ce ON ce.claim_id = c.id
		WHERE c.id = $1
		GROUP BY c.id`, id,
	).Scan(&c.ID, &c.SubjectNodeID, &c.Predicate, &c.Text, &status, &c.Confidence,
		&c.IngestedAt, &c.SupersedesClaimID, &c.EvidenceIDs)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Claim{}, ErrNotFound
	}
	if err != nil {
		return model.Claim{}, fmt.Errorf("storage: get claim: %w", err)
	}
	c.Status = model.AssertionStatus(status)
	return c, nil
}

// CaseClaims returns claims bound to a case via trace events, highest
// confidence first.
func (db *DB) CaseClaims(ctx context.Context, caseID uuid.UUID) ([]model.Claim, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT c.id, c.subject_node_id, c.predicate, c.text, c.status, c.confidence,
			c.ingested_at, c.supersedes_claim_id,
			COALESCE(array_agg(ce.evidence_id) FILTER (WHERE ce.evidence_id IS NOT NULL), '{}')
		FROM claim c
		LEFT JOIN claim_evidence ce ON ce.claim_id = c.id
		WHERE c.id IN (
			SELECT ref_id FROM trace_event
			WHERE case_id = $1 AND ref_type = 'claim' AND ref_id IS NOT NULL
		)
		GROUP BY c.id
		ORDER BY c.confidence DESC`, caseID)
	if err != nil {
		return nil, fmt.Errorf("storage: case claims: %w", err)
	}
	defer rows.Close()

	var claims []model.Claim
	for rows.Next() {
		var c model.Claim
		var status string
		if err := rows.Scan(&c.ID, &c.SubjectNodeID, &c.Predicate, &c.Text, &status, &c.Confidence,
			&c.IngestedAt, &c.SupersedesClaimID, &c.EvidenceIDs); err != nil {
			return nil, fmt.Errorf("storage: scan claim: %w", err)
		}
		c.Status = model.AssertionStatus(status)
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

// InsertContradiction records a detected contradiction between two claims.
func (db *DB) InsertContradiction(ctx context.Context, con model.Contradiction) (model.Contradiction, error) {
	if con.ID == uuid.Nil {
		con.ID = uuid.New()
	}
	if con.ResolutionStatus == "" {
		con.ResolutionStatus = "OPEN"
	}
	if con.DetectedAt.IsZero() {
		con.DetectedAt = time.Now().UTC()
	}

	_, err := db.pool.Exec(ctx, `
		INSERT INTO contradiction (id, claim_a, claim_b, type, severity, resolution_status, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		con.ID, con.ClaimA, con.ClaimB, string(con.Type), con.Severity, con.ResolutionStatus, con.DetectedAt,
	)
	if err != nil {
		return model.Contradiction{}, fmt.Errorf("storage: insert contradiction: %w", err)
	}
	return con, nil
}

// ResolveContradiction marks a contradiction resolved.
func (db *DB) ResolveContradiction(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE contradiction SET resolution_status = 'RESOLVED' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: resolve contradiction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CaseContradictions returns contradictions bound to a case via trace events.
func (db *DB) CaseContradictions(ctx context.Context, caseID uuid.UUID) ([]model.Contradiction, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT co.id, co.claim_a, co.claim_b, co.type, co.severity, co.resolution_status, co.detected_at
		FROM contradiction co
		WHERE co.id IN (
			SELECT ref_id FROM trace_event
			WHERE case_id = $1 AND ref_type = 'contradiction' AND ref_id IS NOT NULL
		)
		ORDER BY co.detected_at DESC`, caseID)
	if err != nil {
		return nil, fmt.Errorf("storage: case contradictions: %w", err)
	}
	defer rows.Close()

	var out []model.Contradiction
	for rows.Next() {
		var con model.Contradiction
		var typ string
		if err := rows.Scan(&con.ID, &con.ClaimA, &con.ClaimB, &typ, &con.Severity,
			&con.ResolutionStatus, &con.DetectedAt); err != nil {
			return nil, fmt.Errorf("storage: scan contradiction: %w", err)
		}
		con.Type = model.ContradictionType(typ)
		out = append(out, con)
	}
	return out, rows.Err()
}
