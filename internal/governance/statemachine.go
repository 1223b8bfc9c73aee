// Package governance enforces the action lifecycle: proposed actions move
// through approval, execution, and rollback along a fixed transition graph,
// and every transition lands in the case's audit trail.
package governance

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/torii-ai/sekisho/internal/model"
	"github.com/torii-ai/sekisho/internal/storage"
)

// validTransitions is the whole lifecycle graph. One-way except the single
// PENDING_APPROVAL -> PROPOSED reject path.
var validTransitions = map[model.ActionState][]model.ActionState{
	model.ActionProposed:        {model.ActionPendingApproval, model.ActionApproved},
	model.ActionPendingApproval: {model.ActionApproved, model.ActionProposed},
	model.ActionApproved:        {model.ActionExecuting},
	model.ActionExecuting:       {model.ActionCompleted, model.ActionFailed},
	model.ActionFailed:          {model.ActionRolledBack},
	model.ActionCompleted:       {},
	model.ActionRolledBack:      {},
}

// TransitionError reports a rejected state change with the allowed targets.
type TransitionError struct {
	ActionID uuid.UUID
	From     model.ActionState
	To       model.ActionState
	Allowed  []model.ActionState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("governance: invalid transition %s -> %s for action %s (allowed: %v)",
		e.From, e.To, e.ActionID, e.Allowed)
}

// ValidTransitions returns the allowed next states for a state.
func ValidTransitions(from model.ActionState) []model.ActionState {
	return append([]model.ActionState(nil), validTransitions[from]...)
}

// StateMachine moves actions between lifecycle states.
type StateMachine struct {
	db     *storage.DB
	logger *slog.Logger
}

func NewStateMachine(db *storage.DB, logger *slog.Logger) *StateMachine {
	return &StateMachine{db: db, logger: logger}
}

// Transition validates and applies a state change, then records it as a
// STATE_ENTER trace event on the action's case.
func (sm *StateMachine) Transition(ctx context.Context, actionID uuid.UUID, to model.ActionState, reason, actor string) (model.Action, error) {
	action, err := sm.db.GetAction(ctx, actionID)
	if err != nil {
		return model.Action{}, fmt.Errorf("governance: load action: %w", err)
	}

	from := action.State
	if !allowed(from, to) {
		return model.Action{}, &TransitionError{
			ActionID: actionID, From: from, To: to, Allowed: validTransitions[from],
		}
	}

	updated, err := sm.db.TransitionAction(ctx, actionID, from, to)
	if err != nil {
		return model.Action{}, fmt.Errorf("governance: apply transition: %w", err)
	}

	if _, err := sm.db.AppendTraceEvent(ctx, model.TraceEvent{
		CaseID:    action.CaseID,
		EventType: model.TraceStateEnter,
		RefType:   "action",
		RefID:     &actionID,
		Meta: map[string]any{
			"from_state": string(from),
			"to_state":   string(to),
			"reason":     reason,
			"actor":      actor,
		},
	}); err != nil {
		return model.Action{}, fmt.Errorf("governance: trace transition: %w", err)
	}

	sm.logger.Info("action transitioned",
		"action_id", actionID, "from", from, "to", to, "actor", actor)
	return updated, nil
}

func allowed(from, to model.ActionState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
