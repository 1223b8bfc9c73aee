package governance

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/torii-ai/sekisho/internal/model"
	"github.com/torii-ai/sekisho/internal/planner"
	"github.com/torii-ai/sekisho/internal/storage"
)

// Rollback compensates FAILED actions whose type is reversible.
type Rollback struct {
	db     *storage.DB
	sm     *StateMachine
	logger *slog.Logger
}

func NewRollback(db *storage.DB, sm *StateMachine, logger *slog.Logger) *Rollback {
	return &Rollback{db: db, sm: sm, logger: logger}
}

// CanRollback reports whether the action may be rolled back, with a reason
// when it may not.
func (r *Rollback) CanRollback(ctx context.Context, actionID uuid.UUID) (bool, string, error) {
	action, err := r.db.GetAction(ctx, actionID)
	if err != nil {
		return false, "", fmt.Errorf("governance: load action for rollback check: %w", err)
	}
	if action.State != model.ActionFailed {
		return false, fmt.Sprintf("action is %s, only FAILED actions roll back", action.State), nil
	}
	if !planner.Rollbackable(action.Type) {
		return false, fmt.Sprintf("action type %s is not reversible", action.Type), nil
	}
	return true, "", nil
}

// Execute rolls back a FAILED action: emits the type-specific compensating
// side effect, transitions to ROLLED_BACK, and records the outcome.
func (r *Rollback) Execute(ctx context.Context, actionID uuid.UUID, actor, reason string) (model.Action, error) {
	ok, why, err := r.CanRollback(ctx, actionID)
	if err != nil {
		return model.Action{}, err
	}
	if !ok {
		return model.Action{}, fmt.Errorf("governance: cannot rollback action %s: %s", actionID, why)
	}

	action, err := r.db.GetAction(ctx, actionID)
	if err != nil {
		return model.Action{}, fmt.Errorf("governance: load action for rollback: %w", err)
	}

	compensation := r.compensate(action)

	rolled, err := r.sm.Transition(ctx, actionID, model.ActionRolledBack, reason, actor)
	if err != nil {
		return model.Action{}, err
	}

	if _, err := r.db.RecordOutcome(ctx, model.Outcome{
		ActionID: actionID,
		Success:  true,
		Payload: map[string]any{
			"rollback":     true,
			"compensation": compensation,
			"reason":       reason,
			"actor":        actor,
		},
	}); err != nil {
		return model.Action{}, fmt.Errorf("governance: record rollback outcome: %w", err)
	}

	r.logger.Info("action rolled back", "action_id", actionID, "type", action.Type, "actor", actor)
	return rolled, nil
}

// compensate names the side effect that undoes the action. The effects
// themselves are delivered by downstream systems consuming the outcome.
func (r *Rollback) compensate(action model.Action) string {
	switch action.Type {
	case model.ActionSetPosture:
		return "revert_posture"
	case model.ActionPublishAdvisory:
		return "retract_advisory"
	case model.ActionUpdateBookingRules:
		return "restore_booking_rules"
	case model.ActionTriggerReevaluation:
		return "cancel_reevaluation"
	case model.ActionHoldCargo:
		return "release_hold"
	default:
		return "manual_compensation"
	}
}
