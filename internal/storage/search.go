package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// CaseEmbedding is the searchable projection of a case: the text that was
// embedded, the edge-type fingerprint of its scope, and the 384-dim vector.
type CaseEmbedding struct {
	CaseID    uuid.UUID
	Text      string
	Signals   []string
	Embedding *pgvector.Vector
	CreatedAt time.Time
}

// CaseScore pairs a case id with a raw retrieval score. The meaning of the
// score depends on the query that produced it.
type CaseScore struct {
	CaseID uuid.UUID
	Score  float64
}

// UpsertCaseEmbedding stores the searchable projection of a case and, in the
// same transaction, enqueues an outbox row so any external vector index is
// brought in sync. Postgres stays the source of truth either way.
func (db *DB) UpsertCaseEmbedding(ctx context.Context, rec CaseEmbedding) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin case embedding upsert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO embedding_case (case_id, text, signals, embedding)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (case_id) DO UPDATE SET
			text = EXCLUDED.text,
			signals = EXCLUDED.signals,
			embedding = EXCLUDED.embedding`,
		rec.CaseID, rec.Text, rec.Signals, rec.Embedding,
	); err != nil {
		return fmt.Errorf("storage: upsert case embedding: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO search_outbox (entity, entity_id, op) VALUES ('case', $1, 'upsert')`,
		rec.CaseID,
	); err != nil {
		return fmt.Errorf("storage: enqueue case embedding sync: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit case embedding upsert: %w", err)
	}
	return nil
}

// DeleteCaseEmbedding removes a case from the search projection and enqueues
// the matching delete for any external index.
func (db *DB) DeleteCaseEmbedding(ctx context.Context, caseID uuid.UUID) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin case embedding delete: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM embedding_case WHERE case_id = $1`, caseID); err != nil {
		return fmt.Errorf("storage: delete case embedding: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO search_outbox (entity, entity_id, op) VALUES ('case', $1, 'delete')`,
		caseID,
	); err != nil {
		return fmt.Errorf("storage: enqueue case embedding delete: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit case embedding delete: %w", err)
	}
	return nil
}

// SemanticCaseMatches returns the cases nearest to the query embedding by
// cosine distance. The score is the similarity mapped onto [0, 1]: pgvector's
// <=> operator yields cosine distance in [0, 2], so score = 1 - distance/2.
func (db *DB) SemanticCaseMatches(ctx context.Context, embedding pgvector.Vector, limit int) ([]CaseScore, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT case_id, 1 - (embedding <=> $1) / 2
		FROM embedding_case
		WHERE embedding IS NOT NULL
		ORDER BY embedding <=> $1, case_id ASC
		LIMIT $2`, embedding, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: semantic case matches: %w", err)
	}
	defer rows.Close()
	return scanCaseScores(rows)
}

// KeywordCaseMatches returns cases whose indexed text matches the query,
// scored by ts_rank. Raw ranks are not comparable across queries; callers
// normalize within the result set.
func (db *DB) KeywordCaseMatches(ctx context.Context, query string, limit int) ([]CaseScore, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT case_id, ts_rank(to_tsvector('english', text), plainto_tsquery('english', $1))
		FROM embedding_case
		WHERE to_tsvector('english', text) @@ plainto_tsquery('english', $1)
		ORDER BY 2 DESC, case_id ASC
		LIMIT $2`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: keyword case matches: %w", err)
	}
	defer rows.Close()
	return scanCaseScores(rows)
}

// CaseSignalFingerprints returns the stored edge-type fingerprints for the
// given cases. Cases without a search projection are absent from the map.
func (db *DB) CaseSignalFingerprints(ctx context.Context, caseIDs []uuid.UUID) (map[uuid.UUID][]string, error) {
	if len(caseIDs) == 0 {
		return map[uuid.UUID][]string{}, nil
	}
	rows, err := db.pool.Query(ctx, `
		SELECT case_id, signals FROM embedding_case WHERE case_id = ANY($1)`, caseIDs)
	if err != nil {
		return nil, fmt.Errorf("storage: case signal fingerprints: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]string)
	for rows.Next() {
		var id uuid.UUID
		var signals []string
		if err := rows.Scan(&id, &signals); err != nil {
			return nil, fmt.Errorf("storage: scan signal fingerprint: %w", err)
		}
		out[id] = signals
	}
	return out, rows.Err()
}

// CaseEmbeddingsForIndex hydrates the rows an external vector index needs,
// joined with the case so the point payload carries type, scope, and status.
func (db *DB) CaseEmbeddingsForIndex(ctx context.Context, caseIDs []uuid.UUID) ([]CaseIndexRow, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT ec.case_id, c.case_type, COALESCE(c.scope->>'airport', ''), c.status, c.created_at, ec.embedding
		FROM embedding_case ec
		JOIN "case" c ON c.id = ec.case_id
		WHERE ec.case_id = ANY($1) AND ec.embedding IS NOT NULL`, caseIDs)
	if err != nil {
		return nil, fmt.Errorf("storage: case embeddings for index: %w", err)
	}
	defer rows.Close()

	var out []CaseIndexRow
	for rows.Next() {
		var r CaseIndexRow
		var emb pgvector.Vector
		if err := rows.Scan(&r.CaseID, &r.CaseType, &r.Airport, &r.Status, &r.CreatedAt, &emb); err != nil {
			return nil, fmt.Errorf("storage: scan case index row: %w", err)
		}
		r.Embedding = emb.Slice()
		out = append(out, r)
	}
	return out, rows.Err()
}

// CaseIndexRow is one case as an external vector index sees it.
type CaseIndexRow struct {
	CaseID    uuid.UUID
	CaseType  string
	Airport   string
	Status    string
	CreatedAt time.Time
	Embedding []float32
}

func scanCaseScores(rows pgx.Rows) ([]CaseScore, error) {
	var out []CaseScore
	for rows.Next() {
		var cs CaseScore
		if err := rows.Scan(&cs.CaseID, &cs.Score); err != nil {
			return nil, fmt.Errorf("storage: scan case score: %w", err)
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}
