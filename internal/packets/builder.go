// Package packets assembles the immutable decision packet for a completed
// case: posture, evidence, contradictions, actions, metrics, and the
// replayable workflow trace. The packet is the system's only externally
// meaningful output.
package packets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/torii-ai/sekisho/internal/model"
	"github.com/torii-ai/sekisho/internal/storage"
)

const topClaimLimit = 5

// PostureDecision is the packet's headline: what posture, where, when, why.
type PostureDecision struct {
	Posture     string     `json:"posture"`
	Airport     string     `json:"airport"`
	EffectiveAt *time.Time `json:"effective_at,omitempty"`
	Reason      string     `json:"reason"`
	Source      string     `json:"source"`
}

// Metrics carries the packet's latency and volume numbers. Both timestamps
// are persisted values; reading the packet twice yields the same PDL.
type Metrics struct {
	FirstSignalAt      *time.Time `json:"first_signal_at,omitempty"`
	PostureEmittedAt   *time.Time `json:"posture_emitted_at,omitempty"`
	PDLSeconds         *float64   `json:"pdl_seconds,omitempty"`
	EvidenceCount      int        `json:"evidence_count"`
	ClaimCount         int        `json:"claim_count"`
	ContradictionCount int        `json:"contradiction_count"`
	ActionsProposed    int        `json:"actions_proposed"`
	ActionsExecuted    int        `json:"actions_executed"`
	TraceEventCount    int        `json:"trace_event_count"`
}

// BlockedSection explains why a case ended blocked.
type BlockedSection struct {
	MissingEvidenceRequests []model.MissingEvidenceRequest `json:"missing_evidence_requests"`
}

// DecisionPacket is the complete audit artifact for one case.
type DecisionPacket struct {
	CaseID      uuid.UUID      `json:"case_id"`
	CaseType    string         `json:"case_type"`
	Scope       map[string]any `json:"scope"`
	Status      string         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt time.Time      `json:"completed_at"`

	PostureDecision PostureDecision `json:"posture_decision"`

	TopClaims       []model.Claim               `json:"top_claims"`
	Evidence        map[string][]model.Evidence `json:"evidence_by_source"`
	Contradictions  []model.Contradiction       `json:"contradictions"`
	PoliciesApplied []string                    `json:"policies_applied"`
	ActionsProposed []model.Action              `json:"actions_proposed"`
	ActionsExecuted []model.Action              `json:"actions_executed"`

	BlockedSection *BlockedSection `json:"blocked_section,omitempty"`

	Metrics             Metrics            `json:"metrics"`
	WorkflowTrace       []model.TraceEvent `json:"workflow_trace"`
	ConfidenceBreakdown map[string]any     `json:"confidence_breakdown,omitempty"`
	CascadeImpact       map[string]any     `json:"cascade_impact,omitempty"`
}

// Builder assembles decision packets from persisted case state.
type Builder struct {
	db      *storage.DB
	cascade *Cascade
	logger  *slog.Logger
}

func NewBuilder(db *storage.DB, cascade *Cascade, logger *slog.Logger) *Builder {
	return &Builder{db: db, cascade: cascade, logger: logger}
}

// Build assembles the packet for a case. Every completed case produces a
// packet; unhappy paths fill the blocked section and recover the posture
// from the trace. Cascade impact is best-effort and never fails the build.
func (b *Builder) Build(ctx context.Context, caseID uuid.UUID) (*DecisionPacket, error) {
	c, err := b.db.GetCase(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("packets: load case: %w", err)
	}

	packet := &DecisionPacket{
		CaseID:      c.ID,
		CaseType:    c.CaseType,
		Scope:       c.Scope,
		Status:      string(c.Status),
		CreatedAt:   c.CreatedAt,
		CompletedAt: c.UpdatedAt,
	}

	evidence, err := b.db.CaseEvidence(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("packets: case evidence: %w", err)
	}
	packet.Evidence = groupBySource(evidence)
	packet.Metrics.EvidenceCount = len(evidence)
	if first := earliestRetrieval(evidence); !first.IsZero() {
		packet.Metrics.FirstSignalAt = &first
	}

	claims, err := b.db.CaseClaims(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("packets: case claims: %w", err)
	}
	packet.Metrics.ClaimCount = len(claims)
	packet.TopClaims = topClaims(claims, topClaimLimit)

	packet.Contradictions, err = b.db.CaseContradictions(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("packets: case contradictions: %w", err)
	}
	packet.Metrics.ContradictionCount = len(packet.Contradictions)

	actions, err := b.db.CaseActions(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("packets: case actions: %w", err)
	}
	packet.ActionsProposed = actions
	for _, a := range actions {
		if a.State == model.ActionCompleted {
			packet.ActionsExecuted = append(packet.ActionsExecuted, a)
		}
	}
	packet.Metrics.ActionsProposed = len(packet.ActionsProposed)
	packet.Metrics.ActionsExecuted = len(packet.ActionsExecuted)

	if err := b.fillPosture(ctx, packet, c); err != nil {
		return nil, err
	}
	if packet.Metrics.FirstSignalAt != nil && packet.Metrics.PostureEmittedAt != nil {
		pdl := packet.Metrics.PostureEmittedAt.Sub(*packet.Metrics.FirstSignalAt).Seconds()
		packet.Metrics.PDLSeconds = &pdl
	}

	if meta, err := b.db.LatestTraceMeta(ctx, caseID, "policy"); err == nil {
		packet.PoliciesApplied = stringSlice(meta["applied_policies"])
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("packets: policy trace: %w", err)
	}

	if meta, err := b.db.LatestTraceMeta(ctx, caseID, "risk"); err == nil {
		if bd, ok := meta["confidence_breakdown"].(map[string]any); ok {
			packet.ConfidenceBreakdown = bd
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("packets: risk trace: %w", err)
	}

	packet.WorkflowTrace, err = b.db.CaseTraceByTypes(ctx, caseID,
		[]model.TraceEventType{model.TraceStateEnter, model.TraceStateExit})
	if err != nil {
		return nil, fmt.Errorf("packets: workflow trace: %w", err)
	}
	total, err := b.db.CaseTrace(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("packets: full trace: %w", err)
	}
	packet.Metrics.TraceEventCount = len(total)

	if c.Status == model.CaseBlocked {
		open, err := b.db.OpenMissingEvidenceRequests(ctx, caseID)
		if err != nil {
			return nil, fmt.Errorf("packets: missing evidence requests: %w", err)
		}
		packet.BlockedSection = &BlockedSection{MissingEvidenceRequests: open}
	}

	packet.CascadeImpact = b.cascadeImpact(ctx, packet.PostureDecision.Airport)
	return packet, nil
}

// fillPosture resolves the posture decision with persisted sources in
// preference order: the SET_POSTURE outcome, the no-op posture stamp, and
// finally the last risk assessment recovered from the trace.
func (b *Builder) fillPosture(ctx context.Context, packet *DecisionPacket, c model.Case) error {
	if at, payload, err := b.db.PostureEmission(ctx, c.ID); err == nil {
		emitted := at
		packet.Metrics.PostureEmittedAt = &emitted
		packet.PostureDecision = PostureDecision{
			Posture: str(payload["posture"]),
			Airport: str(payload["airport"]),
			Reason:  "SET_POSTURE action executed",
			Source:  "action_outcome",
		}
		if eff, ok := timeAttr(payload, "effective_at"); ok {
			packet.PostureDecision.EffectiveAt = &eff
		}
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("packets: posture emission: %w", err)
	}

	if meta, err := b.db.LatestTraceMeta(ctx, c.ID, "posture"); err == nil {
		packet.PostureDecision = PostureDecision{
			Posture: str(meta["posture"]),
			Airport: str(meta["airport"]),
			Reason:  "posture already correct, no action needed",
			Source:  "noop_stamp",
		}
		if eff, ok := timeAttr(meta, "emitted_at"); ok {
			packet.PostureDecision.EffectiveAt = &eff
			packet.Metrics.PostureEmittedAt = &eff
		}
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("packets: posture stamp: %w", err)
	}

	if meta, err := b.db.LatestTraceMeta(ctx, c.ID, "risk"); err == nil {
		packet.PostureDecision = PostureDecision{
			Posture: str(meta["recommended_posture"]),
			Airport: c.Airport(),
			Reason:  str(meta["rationale"]),
			Source:  "risk_assessment",
		}
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("packets: risk posture fallback: %w", err)
	}

	packet.PostureDecision = PostureDecision{
		Posture: string(model.PostureHold),
		Airport: c.Airport(),
		Reason:  "case ended before any assessment, defaulting to cautious posture",
		Source:  "default",
	}
	return nil
}

func (b *Builder) cascadeImpact(ctx context.Context, airportICAO string) map[string]any {
	if airportICAO == "" {
		return map[string]any{"error": "no airport in posture decision"}
	}
	impact, err := b.cascade.Compute(ctx, airportICAO)
	if err != nil {
		b.logger.Warn("cascade impact failed", "airport", airportICAO, "error", err)
		return map[string]any{"error": err.Error()}
	}
	return map[string]any{
		"airport_icao":         impact.AirportICAO,
		"flight_count":         impact.FlightCount,
		"shipment_count":       impact.ShipmentCount,
		"booking_count":        impact.BookingCount,
		"carrier_count":        impact.CarrierCount,
		"carriers":             impact.Carriers,
		"revenue_exposure_usd": impact.RevenueExposureUSD,
		"imminent_sla_count":   impact.ImminentSLACount,
	}
}

func groupBySource(evidence []model.Evidence) map[string][]model.Evidence {
	out := make(map[string][]model.Evidence)
	for _, ev := range evidence {
		out[ev.SourceSystem] = append(out[ev.SourceSystem], ev)
	}
	return out
}

func earliestRetrieval(evidence []model.Evidence) time.Time {
	var first time.Time
	for _, ev := range evidence {
		if first.IsZero() || ev.RetrievedAt.Before(first) {
			first = ev.RetrievedAt
		}
	}
	return first
}

// topClaims ranks by confidence, then recency, and truncates.
func topClaims(claims []model.Claim, limit int) []model.Claim {
	ranked := append([]model.Claim(nil), claims...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Confidence != ranked[j].Confidence {
			return ranked[i].Confidence > ranked[j].Confidence
		}
		return ranked[i].IngestedAt.After(ranked[j].IngestedAt)
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func stringSlice(v any) []string {
	switch vs := v.(type) {
	case []string:
		return vs
	case []any:
		out := make([]string, 0, len(vs))
		for _, item := range vs {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
