package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Operator is a human allowed to approve, reject, or roll back actions.
type Operator struct {
	ID        uuid.UUID
	Name      string
	KeyHash   string
	CreatedAt time.Time
}

// GetOperator returns an operator by name, or ErrNotFound.
func (db *DB) GetOperator(ctx context.Context, name string) (Operator, error) {
	var op Operator
	err := db.pool.QueryRow(ctx, `
		SELECT id, name, key_hash, created_at FROM operator WHERE name = $1`, name,
	).Scan(&op.ID, &op.Name, &op.KeyHash, &op.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Operator{}, ErrNotFound
	}
	if err != nil {
		return Operator{}, fmt.Errorf("storage: get operator: %w", err)
	}
	return op, nil
}

// UpsertOperator creates an operator or replaces its key hash. Used at boot
// to seed the bootstrap operator from configuration.
func (db *DB) UpsertOperator(ctx context.Context, name, keyHash string) (Operator, error) {
	op := Operator{ID: uuid.New(), Name: name, KeyHash: keyHash}
	err := db.pool.QueryRow(ctx, `
		INSERT INTO operator (id, name, key_hash)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET key_hash = EXCLUDED.key_hash
		RETURNING id, created_at`,
		op.ID, op.Name, op.KeyHash,
	).Scan(&op.ID, &op.CreatedAt)
	if err != nil {
		return Operator{}, fmt.Errorf("storage: upsert operator: %w", err)
	}
	return op, nil
}
