package model

import (
	"time"

	"github.com/google/uuid"
)

// ActionState is the governed lifecycle state of an action.
type ActionState string

const (
	ActionProposed        ActionState = "PROPOSED"
	ActionPendingApproval ActionState = "PENDING_APPROVAL"
	ActionApproved        ActionState = "APPROVED"
	ActionExecuting       ActionState = "EXECUTING"
	ActionCompleted       ActionState = "COMPLETED"
	ActionFailed          ActionState = "FAILED"
	ActionRolledBack      ActionState = "ROLLED_BACK"
)

// Terminal reports whether s admits no further transitions.
func (s ActionState) Terminal() bool {
	return s == ActionCompleted || s == ActionRolledBack
}

// ActionType enumerates proposable actions.
type ActionType string

const (
	// Shipment-level actions. These require booking evidence.
	ActionHoldCargo      ActionType = "HOLD_CARGO"
	ActionReleaseCargo   ActionType = "RELEASE_CARGO"
	ActionSwitchGateway  ActionType = "SWITCH_GATEWAY"
	ActionRebookFlight   ActionType = "REBOOK_FLIGHT"
	ActionUpgradeService ActionType = "UPGRADE_SERVICE"
	ActionNotifyCustomer ActionType = "NOTIFY_CUSTOMER"
	ActionFileClaim      ActionType = "FILE_CLAIM"

	// Posture-level.
	ActionSetPosture ActionType = "SET_POSTURE"

	// Operational, system-to-system.
	ActionPublishAdvisory     ActionType = "PUBLISH_GATEWAY_ADVISORY"
	ActionUpdateBookingRules  ActionType = "UPDATE_BOOKING_RULES"
	ActionTriggerReevaluation ActionType = "TRIGGER_REEVALUATION"
	ActionEscalateOps         ActionType = "ESCALATE_OPS"
)

// Action is a governed operation proposed by the planner for a case.
type Action struct {
	ID         uuid.UUID      `json:"id"`
	CaseID     uuid.UUID      `json:"case_id"`
	Type       ActionType     `json:"type"`
	Args       map[string]any `json:"args"`
	State      ActionState    `json:"state"`
	RiskLevel  RiskLevel      `json:"risk_level"`
	Score      float64        `json:"score"`
	ApprovedBy *string        `json:"approved_by,omitempty"`
	ApprovedAt *time.Time     `json:"approved_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Outcome records the result of executing an action.
type Outcome struct {
	ID        uuid.UUID      `json:"id"`
	ActionID  uuid.UUID      `json:"action_id"`
	Success   bool           `json:"success"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}
