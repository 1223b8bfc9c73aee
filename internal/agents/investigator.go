package agents

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/torii-ai/sekisho/internal/ingest"
	"github.com/torii-ai/sekisho/internal/model"
	"github.com/torii-ai/sekisho/internal/signals"
	"github.com/torii-ai/sekisho/internal/storage"
)

// Fetcher is the evidence-gathering capability handed to the investigator.
// Production wires an ingest cache; simulations wire canned sources.
type Fetcher interface {
	FetchAll(ctx context.Context, airportICAO string) []ingest.Result
	Sources() []string
}

// sourceUncertainty maps each source to the uncertainty its absence leaves.
var sourceUncertainty = map[string]struct {
	Type     string
	Question string
}{
	ingest.SourceFAANAS:    {"airport_status_unknown", "What is the FAA operational status of this airport?"},
	ingest.SourceMETAR:     {"weather_conditions_unknown", "What are current weather conditions at this airport?"},
	ingest.SourceNWSAlerts: {"alert_status_unknown", "Are weather alerts active for this airport?"},
	ingest.SourceOpenSky:   {"movement_data_unknown", "Is aircraft movement at this airport normal?"},
}

// Investigator gathers evidence, derives signals, and keeps the belief
// state's uncertainties in sync with what the sources actually delivered.
type Investigator struct {
	db       *storage.DB
	fetcher  Fetcher
	deriver  *signals.Deriver
	detector *signals.Detector
	logger   *slog.Logger
}

func NewInvestigator(db *storage.DB, fetcher Fetcher, deriver *signals.Deriver, detector *signals.Detector, logger *slog.Logger) *Investigator {
	return &Investigator{db: db, fetcher: fetcher, deriver: deriver, detector: detector, logger: logger}
}

// Investigate runs one evidence-gathering round for the case. It persists
// every fetch attempt as evidence (failures included), derives signal edges,
// detects contradictions, and updates uncertainties by source presence:
// "no disruption" is valid evidence, a missing source is not.
func (inv *Investigator) Investigate(ctx context.Context, belief *BeliefState) (blockingMissing bool, err error) {
	results := inv.fetcher.FetchAll(ctx, belief.AirportICAO)
	belief.CountToolCalls(len(results))
	belief.Investigations++

	evidenceIDs := make(map[string]uuid.UUID, len(results))
	for _, res := range results {
		if _, err := inv.db.AppendTraceEvent(ctx, model.TraceEvent{
			CaseID:    belief.CaseID,
			EventType: model.TraceToolCall,
			RefType:   "source",
			Meta: map[string]any{
				"source":  res.Source,
				"airport": belief.AirportICAO,
			},
		}); err != nil {
			return false, fmt.Errorf("agents: trace tool call: %w", err)
		}

		ev, err := inv.db.InsertEvidence(ctx, model.Evidence{
			SourceSystem: res.Source,
			URI:          res.URI,
			Excerpt:      res.Excerpt(),
			RetrievedAt:  res.RetrievedAt,
		}, res.Payload)
		if err != nil {
			return false, fmt.Errorf("agents: persist evidence: %w", err)
		}
		evidenceIDs[res.Source] = ev.ID
		belief.EvidenceIDs = append(belief.EvidenceIDs, ev.ID)

		valid := res.Status == model.EvidenceHasData || res.Status == model.EvidenceNormalOperations
		if valid {
			belief.ValidEvidenceIDs = append(belief.ValidEvidenceIDs, ev.ID)
			belief.ValidSources[res.Source] = true
			delete(belief.ErrorSources, res.Source)
		} else {
			belief.ErrorEvidenceIDs = append(belief.ErrorEvidenceIDs, ev.ID)
			belief.ErrorSources[res.Source] = true
		}

		if _, err := inv.db.AppendTraceEvent(ctx, model.TraceEvent{
			CaseID:    belief.CaseID,
			EventType: model.TraceToolResult,
			RefType:   "evidence",
			RefID:     &ev.ID,
			Meta: map[string]any{
				"source": res.Source,
				"status": string(res.Status),
			},
		}); err != nil {
			return false, fmt.Errorf("agents: trace tool result: %w", err)
		}

		if err := inv.reconcileMissingEvidence(ctx, belief.CaseID, res, ev.ID, valid); err != nil {
			return false, err
		}
	}

	edges, err := inv.deriver.DeriveForAirport(ctx, belief.AirportICAO, results, evidenceIDs)
	if err != nil {
		return false, fmt.Errorf("agents: derive signals: %w", err)
	}
	for _, e := range edges {
		belief.EdgeIDs = append(belief.EdgeIDs, e.ID)
	}

	if err := inv.detectContradictions(ctx, belief); err != nil {
		return false, err
	}

	inv.updateUncertainties(belief, evidenceIDs)
	inv.seedHypotheses(belief, edges)

	return inv.blockingGapRemains(results), nil
}

// reconcileMissingEvidence opens a request when a source failed and closes
// open requests when it recovered, pointing them at the evidence that did it.
func (inv *Investigator) reconcileMissingEvidence(ctx context.Context, caseID uuid.UUID, res ingest.Result, evidenceID uuid.UUID, valid bool) error {
	if valid {
		if err := inv.db.ResolveMissingEvidenceRequests(ctx, caseID, res.Source, evidenceID); err != nil {
			return fmt.Errorf("agents: resolve missing evidence: %w", err)
		}
		return nil
	}

	reason := string(res.Status)
	if res.Err != nil {
		reason = res.Err.Error()
	}
	if _, err := inv.db.CreateMissingEvidenceRequest(ctx, model.MissingEvidenceRequest{
		CaseID:       caseID,
		SourceSystem: res.Source,
		RequestType:  "source_fetch",
		Reason:       reason,
		Criticality:  string(res.Criticality),
	}); err != nil {
		return fmt.Errorf("agents: create missing evidence request: %w", err)
	}
	return nil
}

func (inv *Investigator) detectContradictions(ctx context.Context, belief *BeliefState) error {
	node, err := inv.db.GetNode(ctx, model.NodeAirport, belief.AirportICAO)
	if err != nil {
		return fmt.Errorf("agents: airport node for contradictions: %w", err)
	}

	found, err := inv.detector.DetectForAirport(ctx, node.ID, storage.Now(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("agents: detect contradictions: %w", err)
	}

	for _, con := range found {
		belief.Contradictions = append(belief.Contradictions, ContradictionRef{
			ContradictionID: con.ID,
			SignalA:         con.ClaimA,
			SignalB:         con.ClaimB,
			Type:            string(con.Type),
			WhyItMatters:    "sources disagree about airport state",
		})
		conID := con.ID
		if _, err := inv.db.AppendTraceEvent(ctx, model.TraceEvent{
			CaseID:    belief.CaseID,
			EventType: model.TraceToolResult,
			RefType:   "contradiction",
			RefID:     &conID,
			Meta: map[string]any{
				"type":     string(con.Type),
				"severity": con.Severity,
			},
		}); err != nil {
			return fmt.Errorf("agents: trace contradiction: %w", err)
		}
	}
	return nil
}

// updateUncertainties tracks open questions by source presence. A source
// that returned usable data resolves its uncertainty; each unresolved
// contradiction contributes one as well.
func (inv *Investigator) updateUncertainties(belief *BeliefState, evidenceIDs map[string]uuid.UUID) {
	known := make(map[string]bool, len(belief.Uncertainties))
	for _, u := range belief.Uncertainties {
		known[u.ID] = true
	}

	for _, source := range inv.fetcher.Sources() {
		info, tracked := sourceUncertainty[source]
		if !tracked {
			continue
		}
		id := fmt.Sprintf("%s:%s", belief.AirportICAO, info.Type)
		if belief.ValidSources[source] {
			belief.ResolveUncertainty(id, evidenceIDs[source])
			continue
		}
		if !known[id] {
			belief.Uncertainties = append(belief.Uncertainties, Uncertainty{
				ID:       id,
				Question: info.Question,
				Type:     info.Type,
			})
		}
	}

	for _, con := range belief.Contradictions {
		if con.Resolved {
			continue
		}
		id := fmt.Sprintf("contradiction:%s", con.ContradictionID)
		if !known[id] {
			belief.Uncertainties = append(belief.Uncertainties, Uncertainty{
				ID:       id,
				Question: fmt.Sprintf("Which side of %s is correct?", con.Type),
				Type:     "contradiction_unresolved",
			})
			known[id] = true
		}
	}
}

// seedHypotheses records working explanations for disruption signals.
func (inv *Investigator) seedHypotheses(belief *BeliefState, edges []model.Edge) {
	for _, e := range edges {
		var text string
		switch e.Type {
		case model.EdgeFAADisruption:
			if disrupted, _ := e.Attrs["has_disruption"].(bool); !disrupted {
				continue
			}
			text = fmt.Sprintf("%s has an active FAA traffic management program", belief.AirportICAO)
		case model.EdgeWeatherRisk:
			if sev, _ := e.Attrs["severity"].(string); sev != "HIGH" {
				continue
			}
			text = fmt.Sprintf("Weather at %s is degrading operations", belief.AirportICAO)
		case model.EdgeMovementCollapse:
			if sev, _ := e.Attrs["severity"].(string); sev != "HIGH" {
				continue
			}
			text = fmt.Sprintf("Aircraft movement at %s has collapsed", belief.AirportICAO)
		default:
			continue
		}

		duplicate := false
		for _, h := range belief.Hypotheses {
			if h.Text == text {
				duplicate = true
				break
			}
		}
		if !duplicate {
			belief.Hypotheses = append(belief.Hypotheses, Hypothesis{
				ID:         uuid.New(),
				Text:       text,
				Confidence: float64(e.Confidence),
			})
		}
	}
}

// blockingGapRemains reports whether a BLOCKING source still has no usable
// evidence after this round.
func (inv *Investigator) blockingGapRemains(results []ingest.Result) bool {
	for _, res := range results {
		if res.Criticality != ingest.CriticalityBlocking {
			continue
		}
		if res.Status != model.EvidenceHasData && res.Status != model.EvidenceNormalOperations {
			return true
		}
	}
	return false
}
