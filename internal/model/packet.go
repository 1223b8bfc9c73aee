package model

import (
	"time"

	"github.com/google/uuid"
)

// DecisionPacket is the exportable record of one completed case: what was
// decided, on what evidence, under which policies, and how long it took.
type DecisionPacket struct {
	CaseID      uuid.UUID      `json:"case_id"`
	CaseType    string         `json:"case_type"`
	Scope       map[string]any `json:"scope"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt time.Time      `json:"completed_at"`

	PostureDecision     PostureDecision        `json:"posture_decision"`
	TopClaims           []ClaimSummary         `json:"top_claims"`
	EvidenceList        []EvidenceSummary      `json:"evidence_list"`
	Contradictions      []ContradictionSummary `json:"contradictions"`
	PoliciesApplied     []PolicyReference      `json:"policies_applied"`
	ActionsProposed     []ActionSummary        `json:"actions_proposed"`
	ActionsExecuted     []OutcomeSummary       `json:"actions_executed"`
	Blocked             *BlockedInfo           `json:"blocked,omitempty"`
	Metrics             PacketMetrics          `json:"metrics"`
	WorkflowTrace       []TraceStep            `json:"workflow_trace"`
	ConfidenceBreakdown map[string]any         `json:"confidence_breakdown,omitempty"`
	CascadeImpact       *CascadeImpact         `json:"cascade_impact,omitempty"`
}

// PostureDecision is the emitted posture with provenance.
type PostureDecision struct {
	Posture     Posture   `json:"posture"`
	Airport     string    `json:"airport"`
	EffectiveAt time.Time `json:"effective_at"`
	Reason      string    `json:"reason"`
}

// ClaimSummary is a claim as presented in a packet.
type ClaimSummary struct {
	ClaimID     uuid.UUID   `json:"claim_id"`
	Text        string      `json:"text"`
	Status      string      `json:"status"`
	Confidence  float32     `json:"confidence"`
	EvidenceIDs []uuid.UUID `json:"evidence_ids"`
}

// EvidenceSummary is an evidence row as presented in a packet.
type EvidenceSummary struct {
	EvidenceID   uuid.UUID `json:"evidence_id"`
	SourceSystem string    `json:"source_system"`
	RetrievedAt  time.Time `json:"retrieved_at"`
	Excerpt      string    `json:"excerpt"`
}

// ContradictionSummary is a contradiction as presented in a packet.
type ContradictionSummary struct {
	ClaimAID         uuid.UUID `json:"claim_a_id"`
	ClaimBID         uuid.UUID `json:"claim_b_id"`
	Type             string    `json:"type"`
	ResolutionStatus string    `json:"resolution_status"`
}

// PolicyReference records a policy consulted during the run.
type PolicyReference struct {
	PolicyID   string `json:"policy_id"`
	PolicyText string `json:"policy_text"`
	Effect     string `json:"effect"`
}

// ActionSummary is an action as presented in a packet.
type ActionSummary struct {
	ActionID  uuid.UUID      `json:"action_id"`
	Type      ActionType     `json:"type"`
	Args      map[string]any `json:"args"`
	State     ActionState    `json:"state"`
	RiskLevel RiskLevel      `json:"risk_level"`
}

// OutcomeSummary is an executed-action outcome as presented in a packet.
type OutcomeSummary struct {
	ActionID uuid.UUID      `json:"action_id"`
	Success  bool           `json:"success"`
	Payload  map[string]any `json:"payload"`
}

// BlockedInfo explains why a case stopped without a posture.
type BlockedInfo struct {
	Reason                  string                   `json:"reason"`
	MissingEvidenceRequests []MissingEvidenceRequest `json:"missing_evidence_requests"`
}

// TraceStep is one workflow transition in the packet's trace section.
type TraceStep struct {
	EventType string         `json:"event_type"`
	State     string         `json:"state"`
	Meta      map[string]any `json:"meta"`
	Timestamp time.Time      `json:"timestamp"`
}

// PacketMetrics carries latency and volume measurements for a case.
// PDLSeconds is posture decision latency: posture_emitted_at minus the
// earliest evidence retrieval. The emission time comes from the completed
// SET_POSTURE outcome, not from when the packet was read.
type PacketMetrics struct {
	FirstSignalAt            time.Time `json:"first_signal_at"`
	PostureEmittedAt         time.Time `json:"posture_emitted_at"`
	PDLSeconds               float64   `json:"pdl_seconds"`
	EvidenceCount            int       `json:"evidence_count"`
	UncertaintyResolvedCount int       `json:"uncertainty_resolved_count"`
	ContradictionCount       int       `json:"contradiction_count"`
	ActionCount              int       `json:"action_count"`
}

// CascadeImpact summarizes operational exposure discovered by graph traversal.
type CascadeImpact struct {
	Airport           string           `json:"airport"`
	FlightsAffected   int              `json:"flights_affected"`
	Flights           []map[string]any `json:"flights"`
	Carriers          []map[string]any `json:"carriers"`
	ShipmentsAffected int              `json:"shipments_affected"`
	Shipments         []map[string]any `json:"shipments"`
	SLAExposure       []map[string]any `json:"sla_exposure"`
	ConnectedAirports []map[string]any `json:"connected_airports"`
	IsHub             bool             `json:"is_hub"`
	EdgeTypes         map[string]int   `json:"edge_types"`
	Summary           CascadeSummary   `json:"summary"`
	Simulated         bool             `json:"simulated"`
}

// CascadeSummary is the financial rollup of a cascade traversal.
// Revenue is forwarder revenue (booking charges), not item value.
type CascadeSummary struct {
	TotalFlights        int     `json:"total_flights"`
	TotalShipments      int     `json:"total_shipments"`
	TotalBookings       int     `json:"total_bookings"`
	TotalWeightKg       float64 `json:"total_weight_kg"`
	TotalRevenueUSD     float64 `json:"total_revenue_usd"`
	SLABreachesImminent int     `json:"sla_breaches_imminent"`
}
