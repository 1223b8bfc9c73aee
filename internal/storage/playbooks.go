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

// CreatePlaybook stores a new playbook with zeroed stats.
func (db *DB) CreatePlaybook(ctx context.Context, pb model.Playbook) (model.Playbook, error) {
	if pb.ID == uuid.Nil {
		pb.ID = uuid.New()
	}
	if pb.CreatedAt.IsZero() {
		pb.CreatedAt = time.Now().UTC()
	}
	if pb.Pattern == nil {
		pb.Pattern = map[string]any{}
	}
	if pb.ActionTemplate == nil {
		pb.ActionTemplate = map[string]any{}
	}

	if _, err := db.pool.Exec(ctx, `
		INSERT INTO playbook (id, name, pattern, action_template, use_count, success_count, success_rate, last_used_at, archived, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		pb.ID, pb.Name, pb.Pattern, pb.ActionTemplate,
		pb.Stats.UseCount, pb.Stats.SuccessCount, pb.Stats.SuccessRate, pb.Stats.LastUsedAt,
		pb.Archived, pb.CreatedAt,
	); err != nil {
		return model.Playbook{}, fmt.Errorf("storage: create playbook: %w", err)
	}
	return pb, nil
}

// GetPlaybook returns one playbook by id.
func (db *DB) GetPlaybook(ctx context.Context, id uuid.UUID) (model.Playbook, error) {
	row := db.pool.QueryRow(ctx, `
		SELECT id, name, pattern, action_template, use_count, success_count, success_rate, last_used_at, archived, created_at
		FROM playbook WHERE id = $1`, id)
	pb, err := scanPlaybook(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Playbook{}, ErrNotFound
	}
	if err != nil {
		return model.Playbook{}, fmt.Errorf("storage: get playbook: %w", err)
	}
	return pb, nil
}

// PlaybooksByCaseType returns non-archived playbooks for a case type, best
// success rate first.
func (db *DB) PlaybooksByCaseType(ctx context.Context, caseType string, limit int) ([]model.Playbook, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, name, pattern, action_template, use_count, success_count, success_rate, last_used_at, archived, created_at
		FROM playbook
		WHERE pattern->>'case_type' = $1 AND NOT archived
		ORDER BY success_rate DESC
		LIMIT $2`, caseType, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: playbooks by case type: %w", err)
	}
	defer rows.Close()

	var out []model.Playbook
	for rows.Next() {
		pb, err := scanPlaybook(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan playbook: %w", err)
		}
		out = append(out, pb)
	}
	return out, rows.Err()
}

// LinkPlaybookCase associates a playbook with a case it was learned from or
// applied to.
func (db *DB) LinkPlaybookCase(ctx context.Context, playbookID, caseID uuid.UUID) error {
	if _, err := db.pool.Exec(ctx, `
		INSERT INTO playbook_case (playbook_id, case_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`, playbookID, caseID,
	); err != nil {
		return fmt.Errorf("storage: link playbook case: %w", err)
	}
	return nil
}

// RecordPlaybookUsage bumps use/success counters and recomputes success rate.
func (db *DB) RecordPlaybookUsage(ctx context.Context, playbookID uuid.UUID, success bool) error {
	inc := 0
	if success {
		inc = 1
	}
	tag, err := db.pool.Exec(ctx, `
		UPDATE playbook SET
			use_count = use_count + 1,
			success_count = success_count + $2,
			success_rate = (success_count + $2)::float / GREATEST(use_count + 1, 1),
			last_used_at = now()
		WHERE id = $1`, playbookID, inc)
	if err != nil {
		return fmt.Errorf("storage: record playbook usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ArchiveStalePlaybooks demotes playbooks unused since the cutoff or with a
// poor success rate after enough uses. Returns the number archived.
func (db *DB) ArchiveStalePlaybooks(ctx context.Context, unusedSince time.Time, minRate float64, minUses int) (int, error) {
	tag, err := db.pool.Exec(ctx, `
		UPDATE playbook SET archived = true
		WHERE NOT archived AND (
			COALESCE(last_used_at, created_at) < $1
			OR (use_count >= $3 AND success_rate < $2)
		)`, unusedSince, minRate, minUses)
	if err != nil {
		return 0, fmt.Errorf("storage: archive stale playbooks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanPlaybook(row rowScanner) (model.Playbook, error) {
	var pb model.Playbook
	if err := row.Scan(&pb.ID, &pb.Name, &pb.Pattern, &pb.ActionTemplate,
		&pb.Stats.UseCount, &pb.Stats.SuccessCount, &pb.Stats.SuccessRate, &pb.Stats.LastUsedAt,
		&pb.Archived, &pb.CreatedAt); err != nil {
		return model.Playbook{}, err
	}
	return pb, nil
}
