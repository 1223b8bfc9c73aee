package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/torii-ai/sekisho/internal/llm"
	"github.com/torii-ai/sekisho/internal/model"
	"github.com/torii-ai/sekisho/internal/planner"
	"github.com/torii-ai/sekisho/internal/storage"
)

// PolicyReview is the policy judge's verdict over an assessment and the
// provisional action plan.
type PolicyReview struct {
	Verdict         string   `json:"verdict"`
	Rationale       string   `json:"rationale"`
	AppliedPolicies []string `json:"applied_policies"`
	Violations      []string `json:"violations"`
	Guardrail       string   `json:"guardrail,omitempty"`
}

const policySystemPrompt = `You are a compliance reviewer for freight gateway decisions. Decide whether
the assessment and proposed actions comply with operating policy. Answer with a single JSON object:
{"verdict": "COMPLIANT|NEEDS_EVIDENCE|BLOCKED", "rationale": "...",
"applied_policies": ["..."], "violations": ["..."]}`

// PolicyJudge enforces hard policy guardrails, then defers the judgment
// call to the engine. Guardrails run first because the engine must never
// be able to approve what policy forbids.
type PolicyJudge struct {
	db     *storage.DB
	client llm.Client
	logger *slog.Logger
}

func NewPolicyJudge(db *storage.DB, client llm.Client, logger *slog.Logger) *PolicyJudge {
	return &PolicyJudge{db: db, client: client, logger: logger}
}

// Evaluate reviews the assessment and the provisional plan. It may mutate
// candidates: HIGH or CRITICAL risk forces approval on every shipment
// action regardless of what the action library says.
func (pj *PolicyJudge) Evaluate(ctx context.Context, belief *BeliefState, assessment Assessment, candidates []planner.Candidate) (PolicyReview, error) {
	shipmentActions := shipmentCandidates(candidates)

	var review PolicyReview
	switch {
	case assessment.RiskLevel == model.RiskCritical && assessment.Posture == model.PostureAccept:
		review = PolicyReview{
			Verdict:    PolicyBlocked,
			Rationale:  "CRITICAL risk cannot carry an ACCEPT posture",
			Violations: []string{"critical_risk_accept"},
			Guardrail:  "critical_accept_block",
		}
	default:
		booking := true
		if len(shipmentActions) > 0 {
			var err error
			booking, err = pj.db.HasBookingEvidence(ctx, belief.CaseID)
			if err != nil {
				return PolicyReview{}, fmt.Errorf("agents: booking evidence check: %w", err)
			}
		}
		if !booking {
			review = PolicyReview{
				Verdict:    PolicyBlocked,
				Rationale:  "shipment actions proposed without booking evidence on file",
				Violations: []string{"shipment_without_booking"},
				Guardrail:  "booking_evidence_required",
			}
		} else {
			review = pj.askEngine(ctx, belief, assessment, candidates)
		}
	}

	// A BLOCKED verdict exists to stop shipment interventions. When none
	// are proposed there is nothing to block; posture-only plans proceed.
	if review.Verdict == PolicyBlocked && len(shipmentActions) == 0 && review.Guardrail == "" {
		review.Verdict = PolicyCompliant
		review.Rationale = fmt.Sprintf(
			"engine verdict BLOCKED downgraded, no shipment actions proposed: %s", review.Rationale)
	}

	if review.Verdict == PolicyCompliant &&
		(assessment.RiskLevel == model.RiskHigh || assessment.RiskLevel == model.RiskCritical) {
		for i := range candidates {
			if planner.ShipmentAction(candidates[i].Type) {
				candidates[i].RequiresApproval = true
			}
		}
		review.AppliedPolicies = append(review.AppliedPolicies, "elevated_risk_requires_approval")
	}

	if err := pj.persist(ctx, belief, review); err != nil {
		return PolicyReview{}, err
	}
	return review, nil
}

func (pj *PolicyJudge) askEngine(ctx context.Context, belief *BeliefState, assessment Assessment, candidates []planner.Candidate) PolicyReview {
	proposed := make([]map[string]any, 0, len(candidates))
	for _, c := range candidates {
		proposed = append(proposed, map[string]any{
			"action_type": string(c.Type),
			"risk_level":  string(c.RiskLevel),
		})
	}

	// Only policies inside their effectiveness window reach the prompt.
	var policyTexts []string
	if active, err := pj.db.ActivePolicies(ctx, time.Now().UTC()); err != nil {
		pj.logger.Warn("active policy load failed", "case_id", belief.CaseID, "error", err)
	} else {
		for _, p := range active {
			policyTexts = append(policyTexts, p.Text)
		}
	}

	payload, err := json.Marshal(map[string]any{
		"task":                "evaluate_policy",
		"airport_icao":        belief.AirportICAO,
		"risk_level":          string(assessment.RiskLevel),
		"recommended_posture": string(assessment.Posture),
		"proposed_actions":    proposed,
		"contradiction_count": belief.ContradictionCount(),
		"operating_policies":  policyTexts,
	})
	if err != nil {
		return failClosedPolicy(err)
	}

	raw, err := pj.client.CompleteJSON(ctx, policySystemPrompt, string(payload))
	if err != nil {
		pj.logger.Warn("policy engine unavailable, failing closed",
			"case_id", belief.CaseID, "error", err)
		return failClosedPolicy(err)
	}

	var review PolicyReview
	if err := json.Unmarshal(raw, &review); err != nil {
		return failClosedPolicy(err)
	}
	switch review.Verdict {
	case PolicyCompliant, PolicyNeedsEvidence, PolicyBlocked:
		return review
	default:
		return failClosedPolicy(fmt.Errorf("verdict %q out of vocabulary", review.Verdict))
	}
}

func failClosedPolicy(cause error) PolicyReview {
	return PolicyReview{
		Verdict:   PolicyNeedsEvidence,
		Rationale: fmt.Sprintf("policy engine unavailable (%v)", cause),
	}
}

func shipmentCandidates(candidates []planner.Candidate) []planner.Candidate {
	var out []planner.Candidate
	for _, c := range candidates {
		if planner.ShipmentAction(c.Type) {
			out = append(out, c)
		}
	}
	return out
}

func (pj *PolicyJudge) persist(ctx context.Context, belief *BeliefState, review PolicyReview) error {
	eventType := model.TraceToolResult
	if review.Verdict == PolicyBlocked || review.Verdict == PolicyNeedsEvidence {
		eventType = model.TraceGuardrailFail
	}
	if _, err := pj.db.AppendTraceEvent(ctx, model.TraceEvent{
		CaseID:    belief.CaseID,
		EventType: eventType,
		RefType:   "policy",
		Meta: map[string]any{
			"verdict":          review.Verdict,
			"rationale":        review.Rationale,
			"applied_policies": review.AppliedPolicies,
			"violations":       review.Violations,
			"guardrail":        review.Guardrail,
		},
	}); err != nil {
		return fmt.Errorf("agents: trace policy review: %w", err)
	}
	return nil
}
