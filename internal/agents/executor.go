package agents

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/torii-ai/sekisho/internal/governance"
	"github.com/torii-ai/sekisho/internal/model"
	"github.com/torii-ai/sekisho/internal/storage"
)

// Executor runs approved actions to a terminal state through the governed
// lifecycle. Actions flagged requires_approval are parked for an operator
// instead of executed.
type Executor struct {
	db     *storage.DB
	sm     *governance.StateMachine
	logger *slog.Logger
}

func NewExecutor(db *storage.DB, sm *governance.StateMachine, logger *slog.Logger) *Executor {
	return &Executor{db: db, sm: sm, logger: logger}
}

// ExecuteAll processes a case's proposed actions. Auto-executable actions
// run to COMPLETED or FAILED; approval-gated ones move to PENDING_APPROVAL.
// Returns whether any action is now waiting on an operator.
func (e *Executor) ExecuteAll(ctx context.Context, belief *BeliefState, actions []model.Action) (anyPending bool, err error) {
	for _, action := range actions {
		if action.State != model.ActionProposed {
			if action.State == model.ActionPendingApproval {
				anyPending = true
			}
			continue
		}

		if needsApproval, _ := action.Args["requires_approval"].(bool); needsApproval {
			if _, err := e.sm.Transition(ctx, action.ID, model.ActionPendingApproval,
				"action requires operator approval", "system"); err != nil {
				return anyPending, err
			}
			if err := e.db.NotifyApprovalChannel(ctx, action.ID); err != nil {
				e.logger.Warn("approval notify failed", "action_id", action.ID, "error", err)
			}
			anyPending = true
			continue
		}

		if _, err := e.sm.Transition(ctx, action.ID, model.ActionApproved,
			"auto-approved, action below approval threshold", "system"); err != nil {
			return anyPending, err
		}
		approved, err := e.db.GetAction(ctx, action.ID)
		if err != nil {
			return anyPending, fmt.Errorf("agents: reload approved action: %w", err)
		}
		if err := e.ExecuteAction(ctx, approved); err != nil {
			return anyPending, err
		}
	}
	return anyPending, nil
}

// ExecuteAction runs one APPROVED action: EXECUTING, the effect itself,
// then COMPLETED or FAILED with an outcome either way. Satisfies the
// governance executor contract so operator approvals can auto-execute.
func (e *Executor) ExecuteAction(ctx context.Context, action model.Action) error {
	if _, err := e.sm.Transition(ctx, action.ID, model.ActionExecuting, "execution started", "system"); err != nil {
		return err
	}

	payload, effErr := e.effect(action)

	if effErr != nil {
		if _, err := e.sm.Transition(ctx, action.ID, model.ActionFailed, effErr.Error(), "system"); err != nil {
			return err
		}
		if _, err := e.db.RecordOutcome(ctx, model.Outcome{
			ActionID: action.ID,
			Success:  false,
			Payload:  map[string]any{"error": effErr.Error()},
		}); err != nil {
			return fmt.Errorf("agents: record failure outcome: %w", err)
		}
		e.logger.Warn("action failed", "action_id", action.ID, "type", action.Type, "error", effErr)
		return nil
	}

	if _, err := e.sm.Transition(ctx, action.ID, model.ActionCompleted, "execution completed", "system"); err != nil {
		return err
	}
	if _, err := e.db.RecordOutcome(ctx, model.Outcome{
		ActionID: action.ID,
		Success:  true,
		Payload:  payload,
	}); err != nil {
		return fmt.Errorf("agents: record outcome: %w", err)
	}

	e.logger.Info("action executed", "action_id", action.ID, "type", action.Type)
	return nil
}

// effect produces the action's outcome payload. Side effects are carried
// by downstream consumers of the outcome stream; the payload is the
// contract with them.
func (e *Executor) effect(action model.Action) (map[string]any, error) {
	now := time.Now().UTC()

	switch action.Type {
	case model.ActionSetPosture:
		posture, _ := action.Args["posture"].(string)
		if !model.Posture(posture).Valid() {
			return nil, fmt.Errorf("agents: invalid posture %q", posture)
		}
		return map[string]any{
			"posture":      posture,
			"airport":      action.Args["airport"],
			"effective_at": now.Format(time.RFC3339Nano),
		}, nil

	case model.ActionPublishAdvisory:
		return map[string]any{
			"advisory": action.Args["advisory"],
			"airport":  action.Args["airport"],
			"published_at": now.Format(time.RFC3339Nano),
		}, nil

	case model.ActionUpdateBookingRules:
		return map[string]any{
			"restriction_level": action.Args["restriction_level"],
			"airport":           action.Args["airport"],
			"applied_at":        now.Format(time.RFC3339Nano),
		}, nil

	case model.ActionTriggerReevaluation:
		return map[string]any{
			"reason":       action.Args["reason"],
			"scheduled_at": now.Add(15 * time.Minute).Format(time.RFC3339Nano),
		}, nil

	case model.ActionEscalateOps:
		return map[string]any{
			"reason":       action.Args["reason"],
			"notification": action.Args["notification_draft"],
			"escalated_at": now.Format(time.RFC3339Nano),
		}, nil

	case model.ActionHoldCargo, model.ActionReleaseCargo, model.ActionNotifyCustomer:
		return map[string]any{
			"airport":      action.Args["airport"],
			"notification": action.Args["notification_draft"],
			"effective_at": now.Format(time.RFC3339Nano),
		}, nil

	case model.ActionSwitchGateway, model.ActionRebookFlight,
		model.ActionUpgradeService, model.ActionFileClaim:
		return map[string]any{
			"airport":      action.Args["airport"],
			"notification": action.Args["notification_draft"],
			"submitted_at": now.Format(time.RFC3339Nano),
		}, nil

	default:
		return nil, fmt.Errorf("agents: unknown action type %q", action.Type)
	}
}
