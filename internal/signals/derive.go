package signals

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/torii-ai/sekisho/internal/ingest"
	"github.com/torii-ai/sekisho/internal/model"
	"github.com/torii-ai/sekisho/internal/storage"
)

// DerivedSignal is one extracted signal awaiting persistence as an edge.
type DerivedSignal struct {
	EdgeType       model.EdgeType
	Attrs          map[string]any
	Confidence     float32
	SourceSystem   string
	EvidenceIDs    []uuid.UUID
	EventTimeStart *time.Time
	EventTimeEnd   *time.Time
}

// Deriver extracts signals from fetched evidence and persists them as
// self-loop edges on the airport node. Signals carry raw facts plus a
// derived severity field for downstream consumers.
type Deriver struct {
	db     *storage.DB
	logger *slog.Logger
}

func NewDeriver(db *storage.DB, logger *slog.Logger) *Deriver {
	return &Deriver{db: db, logger: logger}
}

// DeriveForAirport extracts and persists all signals for one airport's fetch
// results. evidenceIDs maps source name to the stored evidence row.
// Returns the created edges, promoted to FACT where evidence backs them.
func (d *Deriver) DeriveForAirport(ctx context.Context, airportICAO string, results []ingest.Result, evidenceIDs map[string]uuid.UUID) ([]model.Edge, error) {
	node, err := d.db.UpsertNode(ctx, model.NodeAirport, airportICAO)
	if err != nil {
		return nil, fmt.Errorf("signals: upsert airport node: %w", err)
	}

	sigs := Extract(results, evidenceIDs)
	edges := make([]model.Edge, 0, len(sigs))
	for _, sig := range sigs {
		attrs := sig.Attrs
		if len(sig.EvidenceIDs) > 0 {
			ids := make([]string, len(sig.EvidenceIDs))
			for i, id := range sig.EvidenceIDs {
				ids[i] = id.String()
			}
			attrs["evidence_ids"] = ids
		}

		edge, err := d.db.InsertEdge(ctx, model.Edge{
			Src:            node.ID,
			Dst:            node.ID,
			Type:           sig.EdgeType,
			Attrs:          attrs,
			Confidence:     sig.Confidence,
			SourceSystem:   sig.SourceSystem,
			EventTimeStart: sig.EventTimeStart,
			EventTimeEnd:   sig.EventTimeEnd,
		})
		if err != nil {
			return nil, fmt.Errorf("signals: persist %s: %w", sig.EdgeType, err)
		}

		if len(sig.EvidenceIDs) > 0 {
			for _, evID := range sig.EvidenceIDs {
				if err := d.db.BindEdgeEvidence(ctx, edge.ID, evID); err != nil {
					return nil, fmt.Errorf("signals: bind %s evidence: %w", sig.EdgeType, err)
				}
			}
			if err := d.db.PromoteEdge(ctx, edge.ID); err != nil {
				return nil, fmt.Errorf("signals: promote %s: %w", sig.EdgeType, err)
			}
			edge.Status = model.StatusFact
		}
		edges = append(edges, edge)
	}

	d.logger.Debug("derived signals", "airport", airportICAO, "count", len(edges))
	return edges, nil
}

// Extract converts fetch results into derived signals. Pure function over
// the results; persistence is separate so simulations can inspect signals.
func Extract(results []ingest.Result, evidenceIDs map[string]uuid.UUID) []DerivedSignal {
	var sigs []DerivedSignal
	byName := make(map[string]ingest.Result, len(results))
	for _, r := range results {
		byName[r.Source] = r
	}

	if r, ok := byName[ingest.SourceFAANAS]; ok {
		if sig := faaSignal(r, evidenceIDs); sig != nil {
			sigs = append(sigs, *sig)
		}
	}
	if r, ok := byName[ingest.SourceMETAR]; ok {
		if sig := weatherSignal(r, evidenceIDs); sig != nil {
			sigs = append(sigs, *sig)
		}
	}
	if r, ok := byName[ingest.SourceNWSAlerts]; ok {
		sigs = append(sigs, nwsSignals(r, evidenceIDs)...)
	}
	if r, ok := byName[ingest.SourceOpenSky]; ok {
		if sig := movementSignal(r, evidenceIDs); sig != nil {
			sigs = append(sigs, *sig)
		}
	}
	return sigs
}

// faaSignal always emits an edge when the fetch succeeded, including for
// normal operations. Contradiction detection needs the "FAA says normal"
// assertion to exist.
func faaSignal(r ingest.Result, evidenceIDs map[string]uuid.UUID) *DerivedSignal {
	if r.Status != model.EvidenceHasData && r.Status != model.EvidenceNormalOperations {
		return nil
	}

	inferred := r.Status == model.EvidenceNormalOperations
	status, _ := r.Parsed.(ingest.AirportStatus)
	hasDisruption := status.Delay || status.Closure

	statusStr := "NORMAL"
	if hasDisruption {
		statusStr = "DISRUPTED"
	}
	confidence := float32(0.95)
	if inferred {
		confidence = 0.90
	}
	observed := r.RetrievedAt

	return &DerivedSignal{
		EdgeType: model.EdgeFAADisruption,
		Attrs: map[string]any{
			"delay":                 status.Delay,
			"delay_type":            status.DelayType,
			"reason":                status.Reason,
			"avg_delay_minutes":     status.AvgDelayMinutes,
			"closure":               status.Closure,
			"status":                statusStr,
			"has_disruption":        hasDisruption,
			"inferred_from_absence": inferred,
		},
		Confidence:     confidence,
		SourceSystem:   ingest.SourceFAANAS,
		EvidenceIDs:    evidenceFor(evidenceIDs, ingest.SourceFAANAS),
		EventTimeStart: &observed,
	}
}

func weatherSignal(r ingest.Result, evidenceIDs map[string]uuid.UUID) *DerivedSignal {
	if r.Status != model.EvidenceHasData {
		return nil
	}
	obs, ok := r.Parsed.(ingest.MetarObservation)
	if !ok {
		return nil
	}

	eventTime := r.RetrievedAt
	if t, err := time.Parse(time.RFC3339, obs.ObservedAt); err == nil {
		eventTime = t
	}

	return &DerivedSignal{
		EdgeType: model.EdgeWeatherRisk,
		Attrs: map[string]any{
			"flight_category":  obs.FlightCategory,
			"wind_direction":   obs.WindDirection,
			"wind_speed":       obs.WindSpeedKt,
			"wind_gust":        obs.WindGustKt,
			"visibility_miles": obs.VisibilityMi,
			"ceiling_feet":     obs.CeilingFt,
			"ceiling_type":     obs.CeilingType,
			"weather":          obs.Weather,
			"temp_c":           obs.TempC,
			"dewpoint_c":       obs.DewpointC,
			"raw_metar":        obs.Raw,
			"conditions":       WeatherConditions(obs),
			"severity":         WeatherSeverity(obs),
		},
		Confidence:     0.90,
		SourceSystem:   ingest.SourceMETAR,
		EvidenceIDs:    evidenceFor(evidenceIDs, ingest.SourceMETAR),
		EventTimeStart: &eventTime,
	}
}

func nwsSignals(r ingest.Result, evidenceIDs map[string]uuid.UUID) []DerivedSignal {
	if r.Status != model.EvidenceHasData {
		return nil
	}
	alerts, ok := r.Parsed.([]ingest.WeatherAlert)
	if !ok {
		return nil
	}

	var sigs []DerivedSignal
	for _, alert := range alerts {
		onset := r.RetrievedAt
		if t, err := time.Parse(time.RFC3339, alert.Onset); err == nil {
			onset = t
		}
		var end *time.Time
		if t, err := time.Parse(time.RFC3339, alert.Expires); err == nil {
			end = &t
		}
		sigs = append(sigs, DerivedSignal{
			EdgeType: model.EdgeNWSAlert,
			Attrs: map[string]any{
				"alert_id":  alert.ID,
				"event":     alert.Event,
				"severity":  alert.Severity,
				"certainty": alert.Certainty,
				"headline":  alert.Headline,
				"expires":   alert.Expires,
			},
			Confidence:     0.85,
			SourceSystem:   ingest.SourceNWSAlerts,
			EvidenceIDs:    evidenceFor(evidenceIDs, ingest.SourceNWSAlerts),
			EventTimeStart: &onset,
			EventTimeEnd:   end,
		})
	}
	return sigs
}

func movementSignal(r ingest.Result, evidenceIDs map[string]uuid.UUID) *DerivedSignal {
	if r.Status != model.EvidenceHasData {
		return nil
	}
	snap, ok := r.Parsed.(ingest.MovementSnapshot)
	if !ok {
		return nil
	}

	severity, delta := MovementMetrics(snap.AircraftCount, 0)
	observed := r.RetrievedAt

	return &DerivedSignal{
		EdgeType: model.EdgeMovementCollapse,
		Attrs: map[string]any{
			"aircraft_count": snap.AircraftCount,
			"airborne_count": snap.Airborne,
			"ground_count":   snap.OnGround,
			"timestamp":      snap.SnapshotUnix,
			"delta_percent":  delta,
			"severity":       severity,
		},
		Confidence:     0.70,
		SourceSystem:   ingest.SourceOpenSky,
		EvidenceIDs:    evidenceFor(evidenceIDs, ingest.SourceOpenSky),
		EventTimeStart: &observed,
	}
}

func evidenceFor(evidenceIDs map[string]uuid.UUID, source string) []uuid.UUID {
	if id, ok := evidenceIDs[source]; ok {
		return []uuid.UUID{id}
	}
	return nil
}
