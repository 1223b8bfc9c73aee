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

// CreateAction stores a newly proposed action.
func (db *DB) CreateAction(ctx context.Context, a model.Action) (model.Action, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.State == "" {
		a.State = model.ActionProposed
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if a.Args == nil {
		a.Args = map[string]any{}
	}

	if _, err := db.pool.Exec(ctx, `
		INSERT INTO action (id, case_id, type, args, state, risk_level, score, approved_by, approved_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.CaseID, string(a.Type), a.Args, string(a.State), string(a.RiskLevel), a.Score,
		a.ApprovedBy, a.ApprovedAt, a.CreatedAt, a.UpdatedAt,
	); err != nil {
		return model.Action{}, fmt.Errorf("storage: create action: %w", err)
	}
	return a, nil
}

// GetAction returns one action by id.
func (db *DB) GetAction(ctx context.Context, id uuid.UUID) (model.Action, error) {
	row := db.pool.QueryRow(ctx, `
		SELECT id, case_id, type, args, state, risk_level, score, approved_by, approved_at, created_at, updated_at
		FROM action WHERE id = $1`, id)
	a, err := scanAction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Action{}, ErrNotFound
	}
	if err != nil {
		return model.Action{}, fmt.Errorf("storage: get action: %w", err)
	}
	return a, nil
}

// TransitionAction performs a compare-and-set state change. It fails with
// ErrInvalidTransition when the action is not in fromState at commit time,
// which makes concurrent approvals safe.
func (db *DB) TransitionAction(ctx context.Context, id uuid.UUID, fromState, toState model.ActionState) (model.Action, error) {
	row := db.pool.QueryRow(ctx, `
		UPDATE action SET state = $3, updated_at = now()
		WHERE id = $1 AND state = $2
		RETURNING id, case_id, type, args, state, risk_level, score, approved_by, approved_at, created_at, updated_at`,
		id, string(fromState), string(toState))
	a, err := scanAction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish missing action from wrong state.
		if _, getErr := db.GetAction(ctx, id); getErr != nil {
			return model.Action{}, getErr
		}
		return model.Action{}, ErrInvalidTransition
	}
	if err != nil {
		return model.Action{}, fmt.Errorf("storage: transition action: %w", err)
	}
	return a, nil
}

// SetActionApproval records the approver on an action.
func (db *DB) SetActionApproval(ctx context.Context, id uuid.UUID, approver string, at time.Time) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE action SET approved_by = $2, approved_at = $3, updated_at = now()
		WHERE id = $1`, id, approver, at)
	if err != nil {
		return fmt.Errorf("storage: set action approval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateActionArgs replaces the args document on an action.
func (db *DB) UpdateActionArgs(ctx context.Context, id uuid.UUID, args map[string]any) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE action SET args = $2, updated_at = now() WHERE id = $1`, id, args)
	if err != nil {
		return fmt.Errorf("storage: update action args: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CaseActions returns all actions for a case in creation order.
func (db *DB) CaseActions(ctx context.Context, caseID uuid.UUID) ([]model.Action, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, case_id, type, args, state, risk_level, score, approved_by, approved_at, created_at, updated_at
		FROM action WHERE case_id = $1 ORDER BY created_at`, caseID)
	if err != nil {
		return nil, fmt.Errorf("storage: case actions: %w", err)
	}
	defer rows.Close()

	var out []model.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan action: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListActionsByState returns actions in a given state across cases, oldest first.
func (db *DB) ListActionsByState(ctx context.Context, state model.ActionState, limit int) ([]model.Action, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx, `
		SELECT id, case_id, type, args, state, risk_level, score, approved_by, approved_at, created_at, updated_at
		FROM action WHERE state = $1 ORDER BY created_at LIMIT $2`, string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list actions by state: %w", err)
	}
	defer rows.Close()

	var out []model.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan action: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecordOutcome stores the result of an executed action.
func (db *DB) RecordOutcome(ctx context.Context, o model.Outcome) (model.Outcome, error) {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	if o.Payload == nil {
		o.Payload = map[string]any{}
	}

	if _, err := db.pool.Exec(ctx, `
		INSERT INTO outcome (id, action_id, success, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		o.ID, o.ActionID, o.Success, o.Payload, o.CreatedAt,
	); err != nil {
		return model.Outcome{}, fmt.Errorf("storage: record outcome: %w", err)
	}
	return o, nil
}

// ActionOutcomes returns outcomes for all actions of a case keyed by action id.
func (db *DB) ActionOutcomes(ctx context.Context, caseID uuid.UUID) (map[uuid.UUID]model.Outcome, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT o.id, o.action_id, o.success, o.payload, o.created_at
		FROM outcome o
		JOIN action a ON a.id = o.action_id
		WHERE a.case_id = $1
		ORDER BY o.created_at`, caseID)
	if err != nil {
		return nil, fmt.Errorf("storage: action outcomes: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]model.Outcome)
	for rows.Next() {
		var o model.Outcome
		if err := rows.Scan(&o.ID, &o.ActionID, &o.Success, &o.Payload, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan outcome: %w", err)
		}
		out[o.ActionID] = o
	}
	return out, rows.Err()
}

// PostureEmission returns the outcome timestamp and payload of the latest
// completed SET_POSTURE action for a case, or ErrNotFound.
func (db *DB) PostureEmission(ctx context.Context, caseID uuid.UUID) (time.Time, map[string]any, error) {
	var at time.Time
	var payload map[string]any
	err := db.pool.QueryRow(ctx, `
		SELECT o.created_at, o.payload
		FROM action a
		JOIN outcome o ON o.action_id = a.id
		WHERE a.case_id = $1 AND a.type = 'SET_POSTURE' AND a.state = 'COMPLETED'
		ORDER BY a.created_at DESC LIMIT 1`, caseID,
	).Scan(&at, &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil, ErrNotFound
	}
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("storage: posture emission: %w", err)
	}
	return at, payload, nil
}

// AirportPosture is the most recently emitted posture for an airport.
type AirportPosture struct {
	Airport     string    `json:"airport"`
	Posture     string    `json:"posture"`
	CaseID      uuid.UUID `json:"case_id"`
	EffectiveAt time.Time `json:"effective_at"`
}

// CurrentAirportPosture returns the latest completed SET_POSTURE emission
// for an airport across all cases, or ErrNotFound if none was ever emitted.
func (db *DB) CurrentAirportPosture(ctx context.Context, airportICAO string) (AirportPosture, error) {
	var p AirportPosture
	err := db.pool.QueryRow(ctx, `
		SELECT o.payload->>'airport', o.payload->>'posture', a.case_id, o.created_at
		FROM action a
		JOIN outcome o ON o.action_id = a.id
		WHERE a.type = 'SET_POSTURE' AND a.state = 'COMPLETED'
		  AND o.payload->>'airport' = $1
		ORDER BY o.created_at DESC LIMIT 1`, airportICAO,
	).Scan(&p.Airport, &p.Posture, &p.CaseID, &p.EffectiveAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return AirportPosture{}, ErrNotFound
	}
	if err != nil {
		return AirportPosture{}, fmt.Errorf("storage: current airport posture: %w", err)
	}
	return p, nil
}

// LatestSetPosture returns the newest SET_POSTURE action for a case.
func (db *DB) LatestSetPosture(ctx context.Context, caseID uuid.UUID) (model.Action, error) {
	row := db.pool.QueryRow(ctx, `
		SELECT id, case_id, type, args, state, risk_level, score, approved_by, approved_at, created_at, updated_at
		FROM action
		WHERE case_id = $1 AND type = 'SET_POSTURE'
		ORDER BY created_at DESC LIMIT 1`, caseID)
	a, err := scanAction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Action{}, ErrNotFound
	}
	if err != nil {
		return model.Action{}, fmt.Errorf("storage: latest set posture: %w", err)
	}
	return a, nil
}

// AllActionsTerminal reports whether every action of a case has reached a
// terminal state (COMPLETED or ROLLED_BACK), with rejected proposals treated
// as settled.
func (db *DB) AllActionsTerminal(ctx context.Context, caseID uuid.UUID) (bool, error) {
	var open int
	err := db.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM action
		WHERE case_id = $1
		  AND state NOT IN ('COMPLETED', 'ROLLED_BACK')
		  AND NOT (state = 'PROPOSED' AND COALESCE((args->>'_rejected')::bool, false))`,
		caseID,
	).Scan(&open)
	if err != nil {
		return false, fmt.Errorf("storage: terminal action check: %w", err)
	}
	return open == 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (model.Action, error) {
	var a model.Action
	var typ, state, risk string
	if err := row.Scan(&a.ID, &a.CaseID, &typ, &a.Args, &state, &risk, &a.Score,
		&a.ApprovedBy, &a.ApprovedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return model.Action{}, err
	}
	a.Type = model.ActionType(typ)
	a.State = model.ActionState(state)
	a.RiskLevel = model.RiskLevel(risk)
	return a, nil
}

// NotifyApprovalChannel publishes an action id on the approvals NOTIFY
// channel so operator consoles can watch pending approvals.
func (db *DB) NotifyApprovalChannel(ctx context.Context, actionID uuid.UUID) error {
	if _, err := db.pool.Exec(ctx,
		`SELECT pg_notify('sekisho_approvals', $1)`, actionID.String(),
	); err != nil {
		return fmt.Errorf("storage: notify approval channel: %w", err)
	}
	return nil
}

// WaitApproval blocks on the dedicated notify connection until an approval
// notification arrives or the context is cancelled. Returns the notified
// action id.
func (db *DB) WaitApproval(ctx context.Context) (uuid.UUID, error) {
	if db.notifyConn == nil {
		return uuid.Nil, fmt.Errorf("storage: notify connection not configured")
	}
	if _, err := db.notifyConn.Exec(ctx, `LISTEN sekisho_approvals`); err != nil {
		return uuid.Nil, fmt.Errorf("storage: listen approvals: %w", err)
	}
	n, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: wait approval notification: %w", err)
	}
	id, err := uuid.Parse(n.Payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: parse approval payload: %w", err)
	}
	return id, nil
}
