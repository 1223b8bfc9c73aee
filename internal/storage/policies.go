package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/torii-ai/sekisho/internal/model"
)

// InsertPolicy stores one governance policy.
func (db *DB) InsertPolicy(ctx context.Context, p model.Policy) (model.Policy, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.EffectiveFrom.IsZero() {
		p.EffectiveFrom = time.Now().UTC()
	}
	if p.Conditions == nil {
		p.Conditions = map[string]any{}
	}
	if p.Effects == nil {
		p.Effects = map[string]any{}
	}

	if _, err := db.pool.Exec(ctx, `
		INSERT INTO policy (id, type, text, conditions, effects, effective_from, effective_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.Type, p.Text, p.Conditions, p.Effects, p.EffectiveFrom, p.EffectiveTo,
	); err != nil {
		return model.Policy{}, fmt.Errorf("storage: insert policy: %w", err)
	}
	return p, nil
}

// ActivePolicies returns policies whose effectiveness window covers now.
func (db *DB) ActivePolicies(ctx context.Context, now time.Time) ([]model.Policy, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, type, text, conditions, effects, effective_from, effective_to
		FROM policy
		WHERE effective_from <= $1 AND (effective_to IS NULL OR effective_to > $1)
		ORDER BY effective_from`, now)
	if err != nil {
		return nil, fmt.Errorf("storage: active policies: %w", err)
	}
	defer rows.Close()

	var out []model.Policy
	for rows.Next() {
		var p model.Policy
		if err := rows.Scan(&p.ID, &p.Type, &p.Text, &p.Conditions, &p.Effects, &p.EffectiveFrom, &p.EffectiveTo); err != nil {
			return nil, fmt.Errorf("storage: scan policy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SeedPolicies loads the built-in policy set if the policy table is empty.
func (db *DB) SeedPolicies(ctx context.Context, builtins []model.Policy) error {
	var count int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM policy`).Scan(&count); err != nil {
		return fmt.Errorf("storage: count policies: %w", err)
	}
	if count > 0 {
		return nil
	}
	for _, p := range builtins {
		if _, err := db.InsertPolicy(ctx, p); err != nil {
			return err
		}
	}
	db.logger.Info("seeded built-in policies", "count", len(builtins))
	return nil
}
