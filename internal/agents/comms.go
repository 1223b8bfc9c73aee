package agents

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/torii-ai/sekisho/internal/model"
	"github.com/torii-ai/sekisho/internal/storage"
)

// Comms drafts customer and operations notifications for actions that
// require them. Drafts are plain templates over the case facts; nothing is
// sent from here, downstream delivery systems consume the drafts.
type Comms struct {
	db     *storage.DB
	logger *slog.Logger
}

func NewComms(db *storage.DB, logger *slog.Logger) *Comms {
	return &Comms{db: db, logger: logger}
}

// Draft writes a notification draft into the args of every persisted
// action that requires one. Returns the number of drafts attached.
func (cm *Comms) Draft(ctx context.Context, belief *BeliefState, actions []model.Action) (int, error) {
	drafted := 0
	for _, action := range actions {
		needs, _ := action.Args["requires_notification"].(bool)
		if !needs {
			continue
		}

		draft := cm.render(belief, action)
		args := action.Args
		if args == nil {
			args = make(map[string]any)
		}
		args["notification_draft"] = draft

		if err := cm.db.UpdateActionArgs(ctx, action.ID, args); err != nil {
			return drafted, fmt.Errorf("agents: attach notification draft: %w", err)
		}

		actionID := action.ID
		if _, err := cm.db.AppendTraceEvent(ctx, model.TraceEvent{
			CaseID:    belief.CaseID,
			EventType: model.TraceToolResult,
			RefType:   "comms",
			RefID:     &actionID,
			Meta: map[string]any{
				"action_type": string(action.Type),
				"subject":     draft["subject"],
			},
		}); err != nil {
			return drafted, fmt.Errorf("agents: trace comms draft: %w", err)
		}
		drafted++
	}

	cm.logger.Debug("notification drafts attached",
		"case_id", belief.CaseID, "count", drafted)
	return drafted, nil
}

func (cm *Comms) render(belief *BeliefState, action model.Action) map[string]any {
	airport := belief.AirportICAO
	var subject, body string

	switch action.Type {
	case model.ActionHoldCargo:
		subject = fmt.Sprintf("Cargo hold at %s", airport)
		body = fmt.Sprintf(
			"Your shipment routed through %s has been placed on hold due to an operational disruption. "+
				"We will release it as soon as conditions allow.", airport)
	case model.ActionSwitchGateway:
		subject = fmt.Sprintf("Gateway change from %s", airport)
		body = fmt.Sprintf(
			"Due to a disruption at %s, your shipment is being rerouted through an alternate gateway. "+
				"Updated routing details will follow.", airport)
	case model.ActionRebookFlight:
		subject = fmt.Sprintf("Flight rebooking, %s disruption", airport)
		body = fmt.Sprintf(
			"Your shipment's flight through %s is affected by a disruption and is being rebooked. "+
				"A new itinerary will be confirmed shortly.", airport)
	case model.ActionUpgradeService:
		subject = fmt.Sprintf("Service upgrade for %s shipment", airport)
		body = fmt.Sprintf(
			"To protect your delivery commitment through %s, your shipment is being upgraded to a "+
				"faster service at no charge.", airport)
	case model.ActionNotifyCustomer:
		subject = fmt.Sprintf("Service disruption at %s", airport)
		body = fmt.Sprintf(
			"We are monitoring a disruption at %s that may affect your shipment. "+
				"Current risk level: %s. No action is needed from you at this time.",
			airport, belief.RiskLevel)
	case model.ActionFileClaim:
		subject = fmt.Sprintf("Claim filed, %s disruption", airport)
		body = fmt.Sprintf(
			"A claim has been filed on your behalf for the disruption at %s. "+
				"Our claims team will contact you with next steps.", airport)
	case model.ActionEscalateOps:
		subject = fmt.Sprintf("Operations escalation: %s", airport)
		body = fmt.Sprintf(
			"Case %s at %s requires operator attention. Risk level %s, posture %s.",
			belief.CaseID, airport, belief.RiskLevel, belief.CurrentPosture)
	default:
		subject = fmt.Sprintf("Gateway update for %s", airport)
		body = fmt.Sprintf("An operational update applies to shipments routed through %s.", airport)
	}

	return map[string]any{
		"subject":  subject,
		"body":     body,
		"airport":  airport,
		"audience": audienceFor(action.Type),
	}
}

func audienceFor(t model.ActionType) string {
	if t == model.ActionEscalateOps {
		return "operations"
	}
	return "customer"
}
