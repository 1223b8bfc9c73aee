// Package agents runs cases through a deterministic orchestration state
// machine. Role agents (investigator, risk quant, critic, policy judge,
// planner, comms, executor) act inside states; transitions between states
// are fixed rules over the belief state, never engine decisions.
package agents

import (
	"github.com/google/uuid"

	"github.com/torii-ai/sekisho/internal/model"
)

// StopCondition records why a case run ended.
type StopCondition string

const (
	StopMet            StopCondition = "MET"
	StopBlocked        StopCondition = "BLOCKED"
	StopBudgetExceeded StopCondition = "BUDGET_EXCEEDED"
)

// Hypothesis is a working explanation held in the belief state.
type Hypothesis struct {
	ID               uuid.UUID   `json:"id"`
	Text             string      `json:"text"`
	Confidence       float64     `json:"confidence"`
	SupportingClaims []uuid.UUID `json:"supporting_claim_ids,omitempty"`
}

// Uncertainty is an open question blocking a confident posture.
type Uncertainty struct {
	ID                  string     `json:"id"`
	Question            string     `json:"question"`
	Type                string     `json:"uncertainty_type"`
	Resolved            bool       `json:"resolved"`
	ResolvedByEvidence  *uuid.UUID `json:"resolved_by_evidence_id,omitempty"`
	MissingEvidenceReq  *uuid.UUID `json:"missing_evidence_request_id,omitempty"`
}

// ContradictionRef tracks a detected contradiction in the belief state.
type ContradictionRef struct {
	ContradictionID uuid.UUID `json:"contradiction_id"`
	SignalA         uuid.UUID `json:"claim_a"`
	SignalB         uuid.UUID `json:"claim_b"`
	Type            string    `json:"contradiction_type"`
	WhyItMatters    string    `json:"why_it_matters"`
	Resolved        bool      `json:"resolved"`
}

// Budgets bound the orchestrator's work per case.
type Budgets struct {
	MaxIterations     int
	MaxToolCalls      int
	MaxInvestigations int
}

// BeliefState is the orchestrator's working memory for one case. Trace
// events persist a summary of it, never the full content.
type BeliefState struct {
	CaseID      uuid.UUID
	AirportICAO string

	Hypotheses     []Hypothesis
	Uncertainties  []Uncertainty
	Contradictions []ContradictionRef
	CurrentPosture model.Posture
	RiskLevel      model.RiskLevel
	StopCondition  StopCondition

	EvidenceIDs      []uuid.UUID
	ValidEvidenceIDs []uuid.UUID
	ErrorEvidenceIDs []uuid.UUID
	ClaimIDs         []uuid.UUID
	EdgeIDs          []uuid.UUID

	// Sources whose fetch produced usable evidence this run, and sources
	// whose fetch failed. Partial credit in the confidence model depends on
	// knowing which is which.
	ValidSources map[string]bool
	ErrorSources map[string]bool

	Iterations     int
	ToolCalls      int
	Investigations int
	Budgets        Budgets
}

// NewBeliefState seeds a belief state for a case. Posture starts at HOLD:
// until evidence says otherwise the gateway stays cautious.
func NewBeliefState(caseID uuid.UUID, airportICAO string, budgets Budgets) *BeliefState {
	return &BeliefState{
		CaseID:         caseID,
		AirportICAO:    airportICAO,
		CurrentPosture: model.PostureHold,
		ValidSources:   make(map[string]bool),
		ErrorSources:   make(map[string]bool),
		Budgets:        budgets,
	}
}

// OpenUncertainties returns the unresolved uncertainties.
func (b *BeliefState) OpenUncertainties() []Uncertainty {
	var open []Uncertainty
	for _, u := range b.Uncertainties {
		if !u.Resolved {
			open = append(open, u)
		}
	}
	return open
}

// OpenUncertaintyTypes returns unresolved uncertainty type names.
func (b *BeliefState) OpenUncertaintyTypes() []string {
	var types []string
	for _, u := range b.Uncertainties {
		if !u.Resolved {
			types = append(types, u.Type)
		}
	}
	return types
}

// UncertaintyCount counts open uncertainties.
func (b *BeliefState) UncertaintyCount() int {
	return len(b.OpenUncertainties())
}

// ContradictionCount counts unresolved contradictions.
func (b *BeliefState) ContradictionCount() int {
	n := 0
	for _, c := range b.Contradictions {
		if !c.Resolved {
			n++
		}
	}
	return n
}

// ResolveUncertainty marks an uncertainty resolved by a piece of evidence.
func (b *BeliefState) ResolveUncertainty(id string, evidenceID uuid.UUID) {
	for i := range b.Uncertainties {
		if b.Uncertainties[i].ID == id {
			b.Uncertainties[i].Resolved = true
			b.Uncertainties[i].ResolvedByEvidence = &evidenceID
			return
		}
	}
}

// BudgetRemaining reports whether the run may keep working.
func (b *BeliefState) BudgetRemaining() bool {
	return b.Iterations < b.Budgets.MaxIterations && b.ToolCalls < b.Budgets.MaxToolCalls
}

// CountIteration advances the iteration budget, stamping BUDGET_EXCEEDED
// when it runs out.
func (b *BeliefState) CountIteration() {
	b.Iterations++
	if !b.BudgetRemaining() {
		b.StopCondition = StopBudgetExceeded
	}
}

// CountToolCalls advances the tool call budget.
func (b *BeliefState) CountToolCalls(n int) {
	b.ToolCalls += n
	if !b.BudgetRemaining() {
		b.StopCondition = StopBudgetExceeded
	}
}

// Summary is what trace events persist about the belief state.
func (b *BeliefState) Summary() map[string]any {
	return map[string]any{
		"airport_icao":        b.AirportICAO,
		"hypothesis_count":    len(b.Hypotheses),
		"uncertainty_count":   b.UncertaintyCount(),
		"contradiction_count": b.ContradictionCount(),
		"evidence_count":      len(b.EvidenceIDs),
		"current_posture":     string(b.CurrentPosture),
		"stop_condition":      string(b.StopCondition),
		"iterations":          b.Iterations,
		"tool_calls":          b.ToolCalls,
	}
}
