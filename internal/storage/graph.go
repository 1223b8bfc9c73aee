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

// UpsertNode finds or creates a node identity by (type, identifier).
func (db *DB) UpsertNode(ctx context.Context, nodeType model.NodeType, identifier string) (model.Node, error) {
	now := time.Now().UTC()
	n := model.Node{ID: uuid.New(), Type: nodeType, Identifier: identifier, CreatedAt: now}

	err := db.pool.QueryRow(ctx, `
		INSERT INTO node (id, type, identifier, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (type, identifier) DO UPDATE SET identifier = EXCLUDED.identifier
		RETURNING id, created_at`,
		n.ID, string(n.Type), n.Identifier, n.CreatedAt,
	).Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		return model.Node{}, fmt.Errorf("storage: upsert node: %w", err)
	}
	return n, nil
}

// GetNode looks up a node by (type, identifier).
func (db *DB) GetNode(ctx context.Context, nodeType model.NodeType, identifier string) (model.Node, error) {
	var n model.Node
	var typ string
	err := db.pool.QueryRow(ctx,
		`SELECT id, type, identifier, created_at FROM node WHERE type = $1 AND identifier = $2`,
		string(nodeType), identifier,
	).Scan(&n.ID, &typ, &n.Identifier, &n.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Node{}, ErrNotFound
	}
	if err != nil {
		return model.Node{}, fmt.Errorf("storage: get node: %w", err)
	}
	n.Type = model.NodeType(typ)
	return n, nil
}

// UpsertNodeVersion closes the current version of the node (if any) at
// validFrom and opens a new version carrying attrs. Append-only: prior
// versions remain queryable at earlier event times.
func (db *DB) UpsertNodeVersion(ctx context.Context, nodeID uuid.UUID, attrs map[string]any, validFrom time.Time) (model.NodeVersion, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.NodeVersion{}, fmt.Errorf("storage: begin node version tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		UPDATE node_version SET valid_to = $2
		WHERE node_id = $1 AND valid_to IS NULL AND valid_from < $2`,
		nodeID, validFrom,
	); err != nil {
		return model.NodeVersion{}, fmt.Errorf("storage: close node version: %w", err)
	}

	nv := model.NodeVersion{
		ID:        uuid.New(),
		NodeID:    nodeID,
		Attrs:     attrs,
		ValidFrom: validFrom,
		CreatedAt: time.Now().UTC(),
	}
	if nv.Attrs == nil {
		nv.Attrs = map[string]any{}
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO node_version (id, node_id, attrs, valid_from, valid_to, created_at)
		VALUES ($1, $2, $3, $4, NULL, $5)`,
		nv.ID, nv.NodeID, nv.Attrs, nv.ValidFrom, nv.CreatedAt,
	); err != nil {
		return model.NodeVersion{}, fmt.Errorf("storage: insert node version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.NodeVersion{}, fmt.Errorf("storage: commit node version tx: %w", err)
	}
	return nv, nil
}

// GetNodeVersionAsOf returns the node_version current at the given event time.
func (db *DB) GetNodeVersionAsOf(ctx context.Context, nodeID uuid.UUID, eventTime time.Time) (model.NodeVersion, error) {
	var nv model.NodeVersion
	err := db.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT nv.id, nv.node_id, nv.attrs, nv.valid_from, nv.valid_to, nv.created_at
		FROM node_version nv
		WHERE nv.node_id = $2 AND %s
		ORDER BY nv.valid_from DESC
		LIMIT 1`, NodeVersionVisibleSQL("nv", 1)),
		eventTime, nodeID,
	).Scan(&nv.ID, &nv.NodeID, &nv.Attrs, &nv.ValidFrom, &nv.ValidTo, &nv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.NodeVersion{}, ErrNotFound
	}
	if err != nil {
		return model.NodeVersion{}, fmt.Errorf("storage: get node version as of: %w", err)
	}
	return nv, nil
}

// InsertEdge records a new edge in DRAFT status.
func (db *DB) InsertEdge(ctx context.Context, e model.Edge) (model.Edge, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = model.StatusDraft
	}
	if e.IngestedAt.IsZero() {
		e.IngestedAt = time.Now().UTC()
	}
	if e.Attrs == nil {
		e.Attrs = map[string]any{}
	}

	_, err := db.pool.Exec(ctx, `
		INSERT INTO edge (id, src, dst, type, attrs, status, confidence, source_system,
			event_time_start, event_time_end, ingested_at, valid_from, valid_to, supersedes_edge_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID, e.Src, e.Dst, string(e.Type), e.Attrs, string(e.Status), e.Confidence, e.SourceSystem,
		e.EventTimeStart, e.EventTimeEnd, e.IngestedAt, e.ValidFrom, e.ValidTo, e.SupersedesEdgeID,
	)
	if err != nil {
		return model.Edge{}, fmt.Errorf("storage: insert edge: %w", err)
	}
	return e, nil
}

// BindEdgeEvidence links an edge to supporting evidence.
func (db *DB) BindEdgeEvidence(ctx context.Context, edgeID, evidenceID uuid.UUID) error {
	if _, err := db.pool.Exec(ctx, `
		INSERT INTO edge_evidence (edge_id, evidence_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, edgeID, evidenceID,
	); err != nil {
		return fmt.Errorf("storage: bind edge evidence: %w", err)
	}
	return nil
}

// EdgeEvidenceIDs returns the evidence bound to an edge.
func (db *DB) EdgeEvidenceIDs(ctx context.Context, edgeID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT evidence_id FROM edge_evidence WHERE edge_id = $1`, edgeID)
	if err != nil {
		return nil, fmt.Errorf("storage: edge evidence: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan edge evidence: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PromoteEdge moves a DRAFT edge to FACT. Promotion requires at least one
// bound evidence row; unsupported assertions stay DRAFT. Promoting a
// non-DRAFT edge is a no-op.
func (db *DB) PromoteEdge(ctx context.Context, edgeID uuid.UUID) error {
	var bound bool
	if err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM edge_evidence WHERE edge_id = $1)`, edgeID,
	).Scan(&bound); err != nil {
		return fmt.Errorf("storage: promote edge: %w", err)
	}
	if !bound {
		return fmt.Errorf("storage: promote edge %s: %w", edgeID, ErrEvidenceWithoutBinding)
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE edge SET status = 'FACT' WHERE id = $1 AND status = 'DRAFT'`, edgeID)
	if err != nil {
		return fmt.Errorf("storage: promote edge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		db.logger.Debug("promote edge skipped, not in DRAFT", "edge_id", edgeID)
	}
	return nil
}

// RetractEdge marks an edge RETRACTED. Retracted edges never satisfy the
// visibility predicate.
func (db *DB) RetractEdge(ctx context.Context, edgeID uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE edge SET status = 'RETRACTED' WHERE id = $1`, edgeID)
	if err != nil {
		return fmt.Errorf("storage: retract edge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SupersedeEdge inserts a replacement edge carrying supersedes_edge_id.
// The old edge is untouched; it simply stops being visible at ingest times
// at or after the replacement's ingested_at.
func (db *DB) SupersedeEdge(ctx context.Context, oldEdgeID uuid.UUID, replacement model.Edge) (model.Edge, error) {
	replacement.SupersedesEdgeID = &oldEdgeID
	e, err := db.InsertEdge(ctx, replacement)
	if err != nil {
		return model.Edge{}, fmt.Errorf("storage: supersede edge: %w", err)
	}
	return e, nil
}

// EdgeFilter narrows VisibleEdges results.
type EdgeFilter struct {
	DstNodeID *uuid.UUID
	SrcNodeID *uuid.UUID
	Types     []model.EdgeType
}

// VisibleEdges returns edges satisfying the canonical visibility predicate
// at the given as-of pair, newest ingested first.
func (db *DB) VisibleEdges(ctx context.Context, asOf AsOf, filter EdgeFilter) ([]model.Edge, error) {
	query := fmt.Sprintf(`
		SELECT e.id, e.src, e.dst, e.type, e.attrs, e.status, e.confidence, e.source_system,
			e.event_time_start, e.event_time_end, e.ingested_at, e.valid_from, e.valid_to, e.supersedes_edge_id
		FROM edge e
		WHERE %s`, EdgeVisibleSQL("e", 1, 2))
	args := []any{asOf.EventTime, asOf.IngestTime}

	if filter.DstNodeID != nil {
		args = append(args, *filter.DstNodeID)
		query += fmt.Sprintf(" AND e.dst = $%d", len(args))
	}
	if filter.SrcNodeID != nil {
		args = append(args, *filter.SrcNodeID)
		query += fmt.Sprintf(" AND e.src = $%d", len(args))
	}
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		args = append(args, types)
		query += fmt.Sprintf(" AND e.type = ANY($%d)", len(args))
	}
	query += " ORDER BY e.ingested_at DESC"

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: visible edges: %w", err)
	}
	defer rows.Close()

	return scanEdges(rows)
}

func scanEdges(rows pgx.Rows) ([]model.Edge, error) {
	var edges []model.Edge
	for rows.Next() {
		var e model.Edge
		var typ, status string
		if err := rows.Scan(
			&e.ID, &e.Src, &e.Dst, &typ, &e.Attrs, &status, &e.Confidence, &e.SourceSystem,
			&e.EventTimeStart, &e.EventTimeEnd, &e.IngestedAt, &e.ValidFrom, &e.ValidTo, &e.SupersedesEdgeID,
		); err != nil {
			return nil, fmt.Errorf("storage: scan edge: %w", err)
		}
		e.Type = model.EdgeType(typ)
		e.Status = model.AssertionStatus(status)
		edges = append(edges, e)
	}
	return edges, rows.Err()
}
