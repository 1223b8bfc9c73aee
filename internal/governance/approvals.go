package governance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/torii-ai/sekisho/internal/model"
	"github.com/torii-ai/sekisho/internal/storage"
)

// ActionExecutor runs an approved action to a terminal state.
type ActionExecutor interface {
	ExecuteAction(ctx context.Context, action model.Action) error
}

// Approvals manages the human gate on high-risk actions.
type Approvals struct {
	db       *storage.DB
	sm       *StateMachine
	executor ActionExecutor
	logger   *slog.Logger
}

func NewApprovals(db *storage.DB, sm *StateMachine, executor ActionExecutor, logger *slog.Logger) *Approvals {
	return &Approvals{db: db, sm: sm, executor: executor, logger: logger}
}

// RequestApproval parks a PROPOSED action in PENDING_APPROVAL and notifies
// the approval channel so waiting operators see it.
func (a *Approvals) RequestApproval(ctx context.Context, actionID uuid.UUID, reason string) (model.Action, error) {
	action, err := a.sm.Transition(ctx, actionID, model.ActionPendingApproval, reason, "system")
	if err != nil {
		return model.Action{}, err
	}
	if err := a.db.NotifyApprovalChannel(ctx, actionID); err != nil {
		a.logger.Warn("approval notify failed", "action_id", actionID, "error", err)
	}
	return action, nil
}

// Approve moves a PENDING_APPROVAL action to APPROVED, records the approver,
// and when autoExecute is set runs the action and settles the case if every
// action has reached a terminal state.
func (a *Approvals) Approve(ctx context.Context, actionID uuid.UUID, actor string, autoExecute bool) (model.Action, error) {
	current, err := a.db.GetAction(ctx, actionID)
	if err != nil {
		return model.Action{}, fmt.Errorf("governance: load action for approval: %w", err)
	}
	if current.State != model.ActionPendingApproval {
		return model.Action{}, &TransitionError{
			ActionID: actionID,
			From:     current.State,
			To:       model.ActionApproved,
			Allowed:  validTransitions[current.State],
		}
	}

	action, err := a.sm.Transition(ctx, actionID, model.ActionApproved,
		fmt.Sprintf("approved by %s", actor), actor)
	if err != nil {
		return model.Action{}, err
	}
	if err := a.db.SetActionApproval(ctx, actionID, actor, time.Now().UTC()); err != nil {
		return model.Action{}, fmt.Errorf("governance: record approver: %w", err)
	}

	if autoExecute && a.executor != nil {
		if err := a.executor.ExecuteAction(ctx, action); err != nil {
			return model.Action{}, fmt.Errorf("governance: execute approved action: %w", err)
		}
		if err := a.settleCase(ctx, action.CaseID); err != nil {
			return model.Action{}, err
		}
	}

	return a.db.GetAction(ctx, actionID)
}

// Reject returns a PENDING_APPROVAL action to PROPOSED and flags it rejected
// in its args so terminality checks count it settled.
func (a *Approvals) Reject(ctx context.Context, actionID uuid.UUID, actor, reason string) (model.Action, error) {
	current, err := a.db.GetAction(ctx, actionID)
	if err != nil {
		return model.Action{}, fmt.Errorf("governance: load action for rejection: %w", err)
	}
	if current.State != model.ActionPendingApproval {
		return model.Action{}, &TransitionError{
			ActionID: actionID,
			From:     current.State,
			To:       model.ActionProposed,
			Allowed:  validTransitions[current.State],
		}
	}

	action, err := a.sm.Transition(ctx, actionID, model.ActionProposed,
		fmt.Sprintf("rejected by %s: %s", actor, reason), actor)
	if err != nil {
		return model.Action{}, err
	}

	args := action.Args
	if args == nil {
		args = map[string]any{}
	}
	args["_rejected"] = true
	args["_rejection_reason"] = reason
	args["_rejected_by"] = actor
	if err := a.db.UpdateActionArgs(ctx, actionID, args); err != nil {
		return model.Action{}, fmt.Errorf("governance: flag rejection: %w", err)
	}

	if err := a.settleCase(ctx, action.CaseID); err != nil {
		return model.Action{}, err
	}
	return a.db.GetAction(ctx, actionID)
}

// settleCase resolves the case once every action is terminal or rejected.
func (a *Approvals) settleCase(ctx context.Context, caseID uuid.UUID) error {
	done, err := a.db.AllActionsTerminal(ctx, caseID)
	if err != nil {
		return fmt.Errorf("governance: check case terminality: %w", err)
	}
	if !done {
		return nil
	}
	if err := a.db.UpdateCaseStatus(ctx, caseID, model.CaseResolved); err != nil {
		return fmt.Errorf("governance: resolve case: %w", err)
	}
	a.logger.Info("case resolved after approval settlement", "case_id", caseID)
	return nil
}
