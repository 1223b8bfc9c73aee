package signals

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/torii-ai/sekisho/internal/model"
	"github.com/torii-ai/sekisho/internal/storage"
)

// DetectedContradiction pairs two signal edges that cannot both hold.
// StatementA and StatementB are the opposing assertions in plain language;
// they become the claim rows the contradiction references.
type DetectedContradiction struct {
	Type        model.ContradictionType
	Severity    string
	Explanation string
	StatementA  string
	StatementB  string
	SignalA     model.Edge
	SignalB     model.Edge
}

// Detector finds cross-source disagreements among an airport's latest
// signal edges.
type Detector struct {
	db *storage.DB
}

func NewDetector(db *storage.DB) *Detector {
	return &Detector{db: db}
}

// DetectForAirport loads the latest visible signal edges for the airport
// and persists any contradictions found. Returns the persisted rows.
func (d *Detector) DetectForAirport(ctx context.Context, airportNodeID uuid.UUID, asOf storage.AsOf) ([]model.Contradiction, error) {
	edges, err := d.db.VisibleEdges(ctx, asOf, storage.EdgeFilter{
		SrcNodeID: &airportNodeID,
		Types: []model.EdgeType{
			model.EdgeFAADisruption,
			model.EdgeWeatherRisk,
			model.EdgeMovementCollapse,
			model.EdgeNWSAlert,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("signals: load signal edges: %w", err)
	}

	// VisibleEdges orders newest first; keep the latest per type.
	latest := make(map[model.EdgeType]model.Edge)
	for _, e := range edges {
		if _, seen := latest[e.Type]; !seen {
			latest[e.Type] = e
		}
	}

	found := Contradictions(latest)
	out := make([]model.Contradiction, 0, len(found))
	for _, c := range found {
		// Each side of the contradiction becomes a claim row carrying the
		// assertion text, bound to the evidence behind its signal edge.
		// Contested claims stay DRAFT until one side is resolved.
		claimA, err := d.claimForSignal(ctx, airportNodeID, c.SignalA, c.StatementA)
		if err != nil {
			return nil, err
		}
		claimB, err := d.claimForSignal(ctx, airportNodeID, c.SignalB, c.StatementB)
		if err != nil {
			return nil, err
		}

		row, err := d.db.InsertContradiction(ctx, model.Contradiction{
			ClaimA:     claimA.ID,
			ClaimB:     claimB.ID,
			Type:       c.Type,
			Severity:   c.Severity,
			DetectedAt: time.Now().UTC(),
		})
		if err != nil {
			return nil, fmt.Errorf("signals: persist contradiction: %w", err)
		}
		out = append(out, row)
	}
	return out, nil
}

func (d *Detector) claimForSignal(ctx context.Context, subjectNodeID uuid.UUID, signal model.Edge, statement string) (model.Claim, error) {
	claim, err := d.db.InsertClaim(ctx, model.Claim{
		SubjectNodeID: subjectNodeID,
		Predicate:     "signal:" + string(signal.Type),
		Text:          statement,
		Confidence:    signal.Confidence,
	})
	if err != nil {
		return model.Claim{}, fmt.Errorf("signals: persist claim: %w", err)
	}

	evidenceIDs, err := d.db.EdgeEvidenceIDs(ctx, signal.ID)
	if err != nil {
		return model.Claim{}, fmt.Errorf("signals: load signal evidence: %w", err)
	}
	for _, evID := range evidenceIDs {
		if err := d.db.BindEvidence(ctx, claim.ID, evID); err != nil {
			return model.Claim{}, fmt.Errorf("signals: bind claim evidence: %w", err)
		}
	}
	return claim, nil
}

// Contradictions runs every pattern check against the latest signal edges.
func Contradictions(latest map[model.EdgeType]model.Edge) []DetectedContradiction {
	var found []DetectedContradiction

	faa, hasFAA := latest[model.EdgeFAADisruption]
	weather, hasWeather := latest[model.EdgeWeatherRisk]
	movement, hasMovement := latest[model.EdgeMovementCollapse]
	nws, hasNWS := latest[model.EdgeNWSAlert]

	if hasFAA && hasWeather {
		if c := faaWeatherMismatch(faa, weather); c != nil {
			found = append(found, *c)
		}
	}
	if hasFAA && hasMovement {
		if c := faaMovementMismatch(faa, movement); c != nil {
			found = append(found, *c)
		}
	}
	if hasWeather && hasMovement {
		if c := weatherMovementMismatch(weather, movement); c != nil {
			found = append(found, *c)
		}
	}
	if hasFAA && hasNWS {
		if c := nwsFAAMismatch(faa, nws); c != nil {
			found = append(found, *c)
		}
	}
	return found
}

func faaNormal(faa model.Edge) bool {
	if v, ok := faa.Attrs["has_disruption"].(bool); ok {
		return !v
	}
	delay, _ := faa.Attrs["delay"].(bool)
	closure, _ := faa.Attrs["closure"].(bool)
	return !delay && !closure
}

func faaWeatherMismatch(faa, weather model.Edge) *DetectedContradiction {
	severity, _ := weather.Attrs["severity"].(string)
	cat, _ := weather.Attrs["flight_category"].(string)
	severe := severity == "HIGH" || severity == "CRITICAL"
	ifr := cat == "IFR" || cat == "LIFR"

	if faaNormal(faa) && (severe || ifr) {
		return &DetectedContradiction{
			Type:     model.ContradictionFAAWeather,
			Severity: "HIGH",
			Explanation: fmt.Sprintf(
				"FAA reports normal operations but weather shows %s conditions with %s risk",
				cat, severity),
			StatementA: "FAA reports normal operations at the airport",
			StatementB: fmt.Sprintf("Weather observation shows %s conditions with %s risk", cat, severity),
			SignalA:    faa,
			SignalB:    weather,
		}
	}
	return nil
}

// faaMovementActiveThreshold is the aircraft count above which live traffic
// contradicts a reported ground stop.
const faaMovementActiveThreshold = 50

// faaMovementMismatch flags a reported FAA disruption while live movement
// stays high: a ground stop with dozens of aircraft moving means one of the
// two sources is wrong.
func faaMovementMismatch(faa, movement model.Edge) *DetectedContradiction {
	count := int(floatAttr(movement.Attrs, "aircraft_count"))
	if !faaNormal(faa) && count > faaMovementActiveThreshold {
		return &DetectedContradiction{
			Type:     model.ContradictionFAAMovement,
			Severity: "HIGH",
			Explanation: fmt.Sprintf(
				"FAA reports a ground stop but %d aircraft are moving at the airport", count),
			StatementA: "FAA reports a ground stop at the airport",
			StatementB: fmt.Sprintf("%d aircraft are moving at the airport", count),
			SignalA:    faa,
			SignalB:    movement,
		}
	}
	return nil
}

func weatherMovementMismatch(weather, movement model.Edge) *DetectedContradiction {
	cat, _ := weather.Attrs["flight_category"].(string)
	wSev, _ := weather.Attrs["severity"].(string)
	mSev, _ := movement.Attrs["severity"].(string)

	if cat == "VFR" && wSev == "LOW" && (mSev == "HIGH" || mSev == "CRITICAL") {
		return &DetectedContradiction{
			Type:     model.ContradictionWeatherMovement,
			Severity: "MEDIUM",
			Explanation: fmt.Sprintf(
				"Weather is VFR but aircraft count shows %s collapse", mSev),
			StatementA: "Weather observation shows VFR conditions with LOW risk",
			StatementB: fmt.Sprintf("Aircraft movement shows a %s collapse", mSev),
			SignalA:    weather,
			SignalB:    movement,
		}
	}
	return nil
}

// nwsFAAMismatch flags an active severe weather alert that the FAA feed
// does not reflect. Lower severity than the direct mismatches because NWS
// alerts can cover areas that do not affect operations.
func nwsFAAMismatch(faa, nws model.Edge) *DetectedContradiction {
	severity, _ := nws.Attrs["severity"].(string)
	if faaNormal(faa) && (severity == "Severe" || severity == "Extreme") {
		event, _ := nws.Attrs["event"].(string)
		return &DetectedContradiction{
			Type:     model.ContradictionNWSFAAMismatch,
			Severity: "MEDIUM",
			Explanation: fmt.Sprintf(
				"Active %s NWS alert (%s) but FAA reports normal operations",
				severity, event),
			StatementA: fmt.Sprintf("An active %s NWS alert (%s) covers the airport", severity, event),
			StatementB: "FAA reports normal operations at the airport",
			SignalA:    nws,
			SignalB:    faa,
		}
	}
	return nil
}

func floatAttr(attrs map[string]any, key string) float64 {
	switch v := attrs[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}
