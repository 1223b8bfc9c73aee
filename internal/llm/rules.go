package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

// RulesClient is a deterministic engine substitute used when no endpoint is
// configured. It keys off the "task" field every agent puts in its user
// payload and answers conservatively from the structured facts in the same
// payload. Useful for offline operation and simulations; verdict quality is
// intentionally blunt.
type RulesClient struct{}

func NewRulesClient() *RulesClient { return &RulesClient{} }

type rulesContext struct {
	Task string `json:"task"`

	// assess_risk fields.
	Signals []struct {
		EdgeType string `json:"edge_type"`
		Severity string `json:"severity"`
		Status   string `json:"status"`
		Closure  bool   `json:"closure"`
		Attrs    struct {
			DelayType string `json:"delay_type"`
		} `json:"attrs"`
	} `json:"signals"`
	ContradictionCount int `json:"contradiction_count"`

	// critique fields.
	ValidEvidenceCount int `json:"valid_evidence_count"`

	// evaluate_policy fields.
	ProposedActions []struct {
		ActionType string `json:"action_type"`
	} `json:"proposed_actions"`
}

func (c *RulesClient) CompleteJSON(ctx context.Context, system, user string) (json.RawMessage, error) {
	var rc rulesContext
	if err := json.Unmarshal([]byte(user), &rc); err != nil {
		return nil, fmt.Errorf("%w: rules client needs structured context: %v", ErrUnavailable, err)
	}

	switch rc.Task {
	case "assess_risk":
		return c.assessRisk(rc)
	case "critique":
		return c.critique(rc)
	case "evaluate_policy":
		return marshal(map[string]any{
			"verdict":          "COMPLIANT",
			"rationale":        "no policy conflicts found in structured context",
			"applied_policies": []string{},
			"violations":       []string{},
		})
	default:
		return nil, fmt.Errorf("%w: unknown task %q", ErrUnavailable, rc.Task)
	}
}

func (c *RulesClient) assessRisk(rc rulesContext) (json.RawMessage, error) {
	risk := "LOW"
	posture := "ACCEPT"
	rationale := "no disruption signals"
	var factors []string

	for _, s := range rc.Signals {
		if s.Closure {
			risk = "CRITICAL"
			posture = "HOLD"
			rationale = "airport closure reported"
			factors = append(factors, "closure")
			continue
		}
		if groundStop(s.Attrs.DelayType) {
			if risk != "CRITICAL" {
				risk = "HIGH"
				posture = "HOLD"
				rationale = "ground stop in effect"
			}
			factors = append(factors, "ground_stop")
			continue
		}
		if s.Severity == "HIGH" || s.Status == "DISRUPTED" {
			if risk != "CRITICAL" {
				risk = "HIGH"
				if posture != "HOLD" {
					posture = "RESTRICT"
					rationale = "high severity disruption signal"
				}
			}
			factors = append(factors, s.EdgeType)
		} else if s.Severity == "MEDIUM" && risk == "LOW" {
			risk = "MEDIUM"
			posture = "RESTRICT"
			rationale = "moderate disruption signal"
			factors = append(factors, s.EdgeType)
		}
	}

	// Contradictions alone mean the sources disagree about an otherwise
	// quiet airport; a human decides. When disruption signals already raised
	// the risk, the posture they chose stands and the contradictions are
	// recorded as a factor.
	if rc.ContradictionCount > 0 {
		if risk == "LOW" {
			posture = "ESCALATE"
			rationale = "unresolved contradictions between sources"
		}
		factors = append(factors, "contradictions")
	}

	return marshal(map[string]any{
		"risk_level":          risk,
		"recommended_posture": posture,
		"confidence":          0.5,
		"rationale":           rationale,
		"risk_factors":        factors,
	})
}

// groundStop matches the FAA delay-type vocabulary for full stops, which
// varies in casing across NAS status payloads.
func groundStop(delayType string) bool {
	switch delayType {
	case "Ground Stop", "GROUND_STOP", "GROUND STOP":
		return true
	}
	return false
}

func (c *RulesClient) critique(rc rulesContext) (json.RawMessage, error) {
	if rc.ValidEvidenceCount >= 3 {
		return marshal(map[string]any{
			"verdict":           "ACCEPTABLE",
			"verdict_rationale": "sufficient independent sources",
			"critical_gaps":     []string{},
		})
	}
	return marshal(map[string]any{
		"verdict":           "INSUFFICIENT_EVIDENCE",
		"verdict_rationale": "fewer than three valid sources",
		"critical_gaps":     []string{"additional source corroboration"},
	})
}

func marshal(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal verdict: %w", err)
	}
	return b, nil
}
