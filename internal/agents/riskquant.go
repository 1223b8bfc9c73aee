package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/torii-ai/sekisho/internal/ingest"
	"github.com/torii-ai/sekisho/internal/llm"
	"github.com/torii-ai/sekisho/internal/model"
	"github.com/torii-ai/sekisho/internal/storage"
)

// sourceCredit is the confidence contribution of one source: full credit
// when it delivered usable evidence, partial when the fetch failed (a
// failed fetch still tells us the source was consulted).
type sourceCredit struct {
	Valid float64
	Error float64
}

var sourceCredits = map[string]sourceCredit{
	ingest.SourceMETAR:     {0.18, 0.04},
	ingest.SourceFAANAS:    {0.18, 0.04},
	ingest.SourceOpenSky:   {0.12, 0.02},
	ingest.SourceNWSAlerts: {0.08, 0.02},
	ingest.SourceTAF:       {0.06, 0.01},
}

const (
	confidenceBase  = 0.30
	confidenceFloor = 0.25
	confidenceCeil  = 0.95
)

// ConfidenceBreakdown records every term of the deterministic confidence
// model so operators can audit how a number was reached.
type ConfidenceBreakdown struct {
	Base        float64            `json:"base"`
	Sources     map[string]float64 `json:"sources"`
	Penalties   map[string]float64 `json:"penalties"`
	Boosts      map[string]float64 `json:"boosts"`
	Final       float64            `json:"final"`
	Explanation string             `json:"explanation"`
}

// Confidence computes assessment confidence from evidence coverage alone.
// The engine's self-reported confidence is never trusted; this arithmetic
// is the only confidence the system emits.
func Confidence(validSources, errorSources map[string]bool, uncertaintyCount, contradictionCount, evidenceCount int) ConfidenceBreakdown {
	bd := ConfidenceBreakdown{
		Base:      confidenceBase,
		Sources:   make(map[string]float64),
		Penalties: make(map[string]float64),
		Boosts:    make(map[string]float64),
	}

	total := bd.Base
	for source, credit := range sourceCredits {
		switch {
		case validSources[source]:
			bd.Sources[source] = credit.Valid
			total += credit.Valid
		case errorSources[source]:
			bd.Sources[source] = credit.Error
			total += credit.Error
		}
	}

	uncertaintyPenalty := min(0.20, float64(uncertaintyCount)*0.04)
	if uncertaintyPenalty > 0 {
		bd.Penalties["open_uncertainties"] = uncertaintyPenalty
		total -= uncertaintyPenalty
	}
	contradictionPenalty := min(0.20, float64(contradictionCount)*0.10)
	if contradictionPenalty > 0 {
		bd.Penalties["contradictions"] = contradictionPenalty
		total -= contradictionPenalty
	}

	volumeBoost := min(0.05, float64(evidenceCount)*0.01)
	if volumeBoost > 0 {
		bd.Boosts["evidence_volume"] = volumeBoost
		total += volumeBoost
	}

	bd.Final = min(confidenceCeil, max(confidenceFloor, total))
	bd.Explanation = fmt.Sprintf(
		"base %.2f, %d sources credited, %d uncertainties open, %d contradictions, %d evidence items",
		bd.Base, len(bd.Sources), uncertaintyCount, contradictionCount, evidenceCount)
	return bd
}

// Assessment is the risk quant's output for one case iteration.
type Assessment struct {
	RiskLevel   model.RiskLevel     `json:"risk_level"`
	Posture     model.Posture       `json:"recommended_posture"`
	Confidence  float64             `json:"confidence"`
	Rationale   string              `json:"rationale"`
	RiskFactors []string            `json:"risk_factors"`
	Breakdown   ConfidenceBreakdown `json:"confidence_breakdown"`
	FailClosed  bool                `json:"fail_closed,omitempty"`
}

// riskVerdict is the engine's answer shape.
type riskVerdict struct {
	RiskLevel          string   `json:"risk_level"`
	RecommendedPosture string   `json:"recommended_posture"`
	Confidence         float64  `json:"confidence"`
	Rationale          string   `json:"rationale"`
	RiskFactors        []string `json:"risk_factors"`
}

const riskSystemPrompt = `You are a freight risk analyst. Given disruption signals for an airport,
classify risk and recommend a gateway posture. Answer with a single JSON object:
{"risk_level": "LOW|MEDIUM|HIGH|CRITICAL", "recommended_posture": "ACCEPT|RESTRICT|HOLD|ESCALATE",
"confidence": 0.0-1.0, "rationale": "...", "risk_factors": ["..."]}`

// RiskQuant classifies disruption risk. Classification comes from the
// engine; confidence comes from the deterministic evidence-coverage model.
type RiskQuant struct {
	db     *storage.DB
	client llm.Client
	logger *slog.Logger
}

func NewRiskQuant(db *storage.DB, client llm.Client, logger *slog.Logger) *RiskQuant {
	return &RiskQuant{db: db, client: client, logger: logger}
}

// Assess loads the airport's latest signal edges, asks the engine for a
// classification, and overrides its confidence with the deterministic
// model. Engine failure fails closed to ESCALATE.
func (rq *RiskQuant) Assess(ctx context.Context, belief *BeliefState) (Assessment, error) {
	signalMeta, err := rq.signalContext(ctx, belief.AirportICAO)
	if err != nil {
		return Assessment{}, err
	}

	bd := Confidence(belief.ValidSources, belief.ErrorSources,
		belief.UncertaintyCount(), belief.ContradictionCount(), len(belief.EvidenceIDs))

	payload, err := json.Marshal(map[string]any{
		"task":                "assess_risk",
		"airport_icao":        belief.AirportICAO,
		"signals":             signalMeta,
		"contradiction_count": belief.ContradictionCount(),
		"open_uncertainties":  belief.OpenUncertaintyTypes(),
	})
	if err != nil {
		return Assessment{}, fmt.Errorf("agents: marshal risk context: %w", err)
	}

	assessment := rq.askEngine(ctx, belief, payload)
	assessment.Confidence = bd.Final
	assessment.Breakdown = bd
	if assessment.FailClosed {
		// An assessment produced without the engine never reports more
		// than floor confidence, whatever the evidence coverage says.
		assessment.Confidence = confidenceFloor
	}

	if err := rq.persist(ctx, belief, assessment); err != nil {
		return Assessment{}, err
	}

	belief.CurrentPosture = assessment.Posture
	belief.RiskLevel = assessment.RiskLevel
	return assessment, nil
}

func (rq *RiskQuant) askEngine(ctx context.Context, belief *BeliefState, payload []byte) Assessment {
	raw, err := rq.client.CompleteJSON(ctx, riskSystemPrompt, string(payload))
	if err != nil {
		rq.logger.Warn("risk engine unavailable, failing closed",
			"case_id", belief.CaseID, "error", err)
		return failClosedAssessment(err)
	}

	var v riskVerdict
	if err := json.Unmarshal(raw, &v); err != nil {
		rq.logger.Warn("risk verdict unparseable, failing closed",
			"case_id", belief.CaseID, "error", err)
		return failClosedAssessment(err)
	}

	risk := model.RiskLevel(v.RiskLevel)
	posture := model.Posture(v.RecommendedPosture)
	if !validRiskLevel(risk) || !posture.Valid() {
		rq.logger.Warn("risk verdict out of vocabulary, failing closed",
			"case_id", belief.CaseID, "risk", v.RiskLevel, "posture", v.RecommendedPosture)
		return failClosedAssessment(errors.New("verdict out of vocabulary"))
	}

	return Assessment{
		RiskLevel:   risk,
		Posture:     posture,
		Rationale:   v.Rationale,
		RiskFactors: v.RiskFactors,
	}
}

// failClosedAssessment is the stance taken when the engine cannot be
// trusted: escalate to a human rather than guess.
func failClosedAssessment(cause error) Assessment {
	return Assessment{
		RiskLevel:   model.RiskHigh,
		Posture:     model.PostureEscalate,
		Rationale:   fmt.Sprintf("risk engine unavailable (%v), escalating for manual review", cause),
		RiskFactors: []string{"engine_unavailable"},
		FailClosed:  true,
	}
}

// signalContext summarizes the latest visible signal edges for the engine.
func (rq *RiskQuant) signalContext(ctx context.Context, airportICAO string) ([]map[string]any, error) {
	node, err := rq.db.GetNode(ctx, model.NodeAirport, airportICAO)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("agents: airport node for risk context: %w", err)
	}

	edges, err := rq.db.VisibleEdges(ctx, storage.Now(time.Now().UTC()), storage.EdgeFilter{
		SrcNodeID: &node.ID,
		Types: []model.EdgeType{
			model.EdgeFAADisruption,
			model.EdgeWeatherRisk,
			model.EdgeMovementCollapse,
			model.EdgeNWSAlert,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("agents: signal edges for risk context: %w", err)
	}

	// Newest first; keep the latest edge per type, except NWS alerts which
	// can legitimately stack.
	seen := make(map[model.EdgeType]bool)
	var meta []map[string]any
	for _, e := range edges {
		if e.Type != model.EdgeNWSAlert {
			if seen[e.Type] {
				continue
			}
			seen[e.Type] = true
		}
		severity, _ := e.Attrs["severity"].(string)
		status, _ := e.Attrs["status"].(string)
		closure, _ := e.Attrs["closure"].(bool)
		meta = append(meta, map[string]any{
			"edge_type": string(e.Type),
			"severity":  severity,
			"status":    status,
			"closure":   closure,
			"attrs":     e.Attrs,
		})
	}
	return meta, nil
}

// persist records the assessment as a claim bound to the case evidence and
// appends the audit trace with the full confidence breakdown.
func (rq *RiskQuant) persist(ctx context.Context, belief *BeliefState, a Assessment) error {
	node, err := rq.db.UpsertNode(ctx, model.NodeAirport, belief.AirportICAO)
	if err != nil {
		return fmt.Errorf("agents: airport node for risk claim: %w", err)
	}

	claim, err := rq.db.InsertClaim(ctx, model.Claim{
		SubjectNodeID: node.ID,
		Predicate:     "risk_assessment",
		Text: fmt.Sprintf("%s risk at %s, recommended posture %s: %s",
			a.RiskLevel, belief.AirportICAO, a.Posture, a.Rationale),
		Confidence: float32(a.Confidence),
	})
	if err != nil {
		return fmt.Errorf("agents: persist risk claim: %w", err)
	}
	for _, evID := range belief.ValidEvidenceIDs {
		if err := rq.db.BindEvidence(ctx, claim.ID, evID); err != nil {
			return fmt.Errorf("agents: bind risk claim evidence: %w", err)
		}
	}
	if len(belief.ValidEvidenceIDs) > 0 {
		if err := rq.db.PromoteClaim(ctx, claim.ID); err != nil {
			return fmt.Errorf("agents: promote risk claim: %w", err)
		}
	}
	belief.ClaimIDs = append(belief.ClaimIDs, claim.ID)

	claimID := claim.ID
	if _, err := rq.db.AppendTraceEvent(ctx, model.TraceEvent{
		CaseID:    belief.CaseID,
		EventType: model.TraceToolResult,
		RefType:   "risk",
		RefID:     &claimID,
		Meta: map[string]any{
			"risk_level":           string(a.RiskLevel),
			"recommended_posture":  string(a.Posture),
			"confidence":           a.Confidence,
			"confidence_breakdown": a.Breakdown,
			"rationale":            a.Rationale,
			"risk_factors":         a.RiskFactors,
			"fail_closed":          a.FailClosed,
		},
	}); err != nil {
		return fmt.Errorf("agents: trace risk assessment: %w", err)
	}
	return nil
}

func validRiskLevel(r model.RiskLevel) bool {
	switch r {
	case model.RiskLow, model.RiskMedium, model.RiskHigh, model.RiskCritical:
		return true
	}
	return false
}
