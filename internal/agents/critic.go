package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/torii-ai/sekisho/internal/llm"
	"github.com/torii-ai/sekisho/internal/model"
	"github.com/torii-ai/sekisho/internal/storage"
)

// Critique is the critic's verdict on an assessment.
type Critique struct {
	Verdict      string   `json:"verdict"`
	Rationale    string   `json:"verdict_rationale"`
	CriticalGaps []string `json:"critical_gaps"`
	Guardrail    string   `json:"guardrail,omitempty"`
}

const criticSystemPrompt = `You are an adversarial reviewer of freight risk assessments. Decide whether
the evidence base supports the assessment. Answer with a single JSON object:
{"verdict": "ACCEPTABLE|INSUFFICIENT_EVIDENCE", "verdict_rationale": "...", "critical_gaps": ["..."]}`

// maxCriticRejections bounds how often the critic can send a case back.
// Past it the verdict is force-accepted to prevent oscillation.
const maxCriticRejections = 2

// Critic challenges risk assessments. Hard guardrails run before the
// engine: too little evidence is rejected without asking, enough
// independent sources without corroboration is accepted marginally, and a
// critic that keeps rejecting gets overruled.
type Critic struct {
	db     *storage.DB
	client llm.Client
	logger *slog.Logger
}

func NewCritic(db *storage.DB, client llm.Client, logger *slog.Logger) *Critic {
	return &Critic{db: db, client: client, logger: logger}
}

// Review applies the guardrails and, when they do not decide, asks the
// engine. Engine failure fails closed to INSUFFICIENT_EVIDENCE.
func (c *Critic) Review(ctx context.Context, belief *BeliefState, assessment Assessment) (Critique, error) {
	validSources := len(belief.ValidSources)

	rejections, err := c.db.CountTraceEvents(ctx, belief.CaseID, model.TraceGuardrailFail, "critic")
	if err != nil {
		return Critique{}, fmt.Errorf("agents: count critic rejections: %w", err)
	}

	var critique Critique
	switch {
	case rejections >= maxCriticRejections:
		critique = Critique{
			Verdict:   VerdictAcceptable,
			Rationale: "rejection limit reached, accepting best available assessment",
			Guardrail: "rejection_limit",
		}
	case validSources < 2:
		critique = Critique{
			Verdict:      VerdictInsufficientEvidence,
			Rationale:    fmt.Sprintf("only %d valid sources, minimum is 2", validSources),
			CriticalGaps: []string{"independent source corroboration"},
			Guardrail:    "min_valid_sources",
		}
	case validSources == 2:
		critique = Critique{
			Verdict:   VerdictAcceptable,
			Rationale: "exactly two valid sources, accepting marginally without engine review",
			Guardrail: "marginal_accept",
		}
	default:
		critique = c.askEngine(ctx, belief, assessment)
	}

	if err := c.persist(ctx, belief, critique); err != nil {
		return Critique{}, err
	}
	return critique, nil
}

func (c *Critic) askEngine(ctx context.Context, belief *BeliefState, assessment Assessment) Critique {
	payload, err := json.Marshal(map[string]any{
		"task":                 "critique",
		"airport_icao":         belief.AirportICAO,
		"risk_level":           string(assessment.RiskLevel),
		"recommended_posture":  string(assessment.Posture),
		"rationale":            assessment.Rationale,
		"risk_factors":         assessment.RiskFactors,
		"valid_evidence_count": len(belief.ValidSources),
		"open_uncertainties":   belief.OpenUncertaintyTypes(),
		"contradiction_count":  belief.ContradictionCount(),
	})
	if err != nil {
		return failClosedCritique(err)
	}

	raw, err := c.client.CompleteJSON(ctx, criticSystemPrompt, string(payload))
	if err != nil {
		c.logger.Warn("critic engine unavailable, failing closed",
			"case_id", belief.CaseID, "error", err)
		return failClosedCritique(err)
	}

	var critique Critique
	if err := json.Unmarshal(raw, &critique); err != nil {
		return failClosedCritique(err)
	}
	if critique.Verdict != VerdictAcceptable && critique.Verdict != VerdictInsufficientEvidence {
		return failClosedCritique(fmt.Errorf("verdict %q out of vocabulary", critique.Verdict))
	}
	return critique
}

func failClosedCritique(cause error) Critique {
	return Critique{
		Verdict:      VerdictInsufficientEvidence,
		Rationale:    fmt.Sprintf("critic engine unavailable (%v)", cause),
		CriticalGaps: []string{"engine review"},
	}
}

// persist appends the critique to the trace. Rejections are recorded as
// GUARDRAIL_FAIL so the rejection limit can be counted from the trace.
func (c *Critic) persist(ctx context.Context, belief *BeliefState, critique Critique) error {
	eventType := model.TraceToolResult
	if critique.Verdict == VerdictInsufficientEvidence {
		eventType = model.TraceGuardrailFail
	}
	if _, err := c.db.AppendTraceEvent(ctx, model.TraceEvent{
		CaseID:    belief.CaseID,
		EventType: eventType,
		RefType:   "critic",
		Meta: map[string]any{
			"verdict":           critique.Verdict,
			"verdict_rationale": critique.Rationale,
			"critical_gaps":     critique.CriticalGaps,
			"guardrail":         critique.Guardrail,
		},
	}); err != nil {
		return fmt.Errorf("agents: trace critique: %w", err)
	}
	return nil
}
