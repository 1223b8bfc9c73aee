// Package planner proposes actions by beam search over a fixed action
// library. Scoring is pure arithmetic over the belief state; two runs with
// the same inputs produce identical plans.
package planner

import "github.com/torii-ai/sekisho/internal/model"

// Definition captures the static properties of one action type.
type Definition struct {
	Description          string
	RiskLevel            model.RiskLevel
	RequiresApproval     bool
	RequiresBooking      bool
	Reversible           bool
	NotificationRequired bool
}

var definitions = map[model.ActionType]Definition{
	model.ActionHoldCargo: {
		Description:          "Place cargo on hold pending review",
		RiskLevel:            model.RiskMedium,
		RequiresBooking:      true,
		Reversible:           true,
		NotificationRequired: true,
	},
	model.ActionReleaseCargo: {
		Description:     "Release held cargo for processing",
		RiskLevel:       model.RiskLow,
		RequiresBooking: true,
	},
	model.ActionSwitchGateway: {
		Description:          "Reroute cargo to alternative gateway",
		RiskLevel:            model.RiskHigh,
		RequiresApproval:     true,
		RequiresBooking:      true,
		NotificationRequired: true,
	},
	model.ActionRebookFlight: {
		Description:          "Rebook cargo on different flight",
		RiskLevel:            model.RiskHigh,
		RequiresApproval:     true,
		RequiresBooking:      true,
		NotificationRequired: true,
	},
	model.ActionUpgradeService: {
		Description:          "Upgrade service level to meet deadline",
		RiskLevel:            model.RiskMedium,
		RequiresApproval:     true,
		RequiresBooking:      true,
		NotificationRequired: true,
	},
	model.ActionNotifyCustomer: {
		Description:          "Send notification to customer",
		RiskLevel:            model.RiskMedium,
		RequiresBooking:      true,
		NotificationRequired: true,
	},
	model.ActionFileClaim: {
		Description:          "File claim for damages or delays",
		RiskLevel:            model.RiskHigh,
		RequiresApproval:     true,
		RequiresBooking:      true,
		NotificationRequired: true,
	},
	model.ActionSetPosture: {
		Description: "Set gateway posture directive",
		RiskLevel:   model.RiskLow,
		Reversible:  true,
	},
	model.ActionPublishAdvisory: {
		Description: "Publish advisory to downstream systems",
		RiskLevel:   model.RiskLow,
		Reversible:  true,
	},
	model.ActionUpdateBookingRules: {
		Description: "Update rules engine for new bookings",
		RiskLevel:   model.RiskMedium,
		Reversible:  true,
	},
	model.ActionTriggerReevaluation: {
		Description: "Force re-evaluation of pending decisions",
		RiskLevel:   model.RiskLow,
		Reversible:  true,
	},
	model.ActionEscalateOps: {
		Description:          "Escalate to duty manager",
		RiskLevel:            model.RiskLow,
		NotificationRequired: true,
	},
}

// Define returns the definition for an action type. Unknown types get a
// conservative MEDIUM-risk definition.
func Define(t model.ActionType) Definition {
	if d, ok := definitions[t]; ok {
		return d
	}
	return Definition{RiskLevel: model.RiskMedium}
}

// ShipmentAction reports whether the type operates on a shipment and thus
// requires booking evidence.
func ShipmentAction(t model.ActionType) bool {
	return Define(t).RequiresBooking
}

// Rollbackable reports whether a FAILED action of this type may be rolled
// back with a compensating side effect.
func Rollbackable(t model.ActionType) bool {
	return Define(t).Reversible
}
