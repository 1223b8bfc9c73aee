package signals

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torii-ai/sekisho/internal/ingest"
	"github.com/torii-ai/sekisho/internal/model"
)

func fp(v float64) *float64 { return &v }
func ip(v int) *int         { return &v }

func TestWeatherSeverity(t *testing.T) {
	tests := []struct {
		name string
		obs  ingest.MetarObservation
		want string
	}{
		{"clear VFR", ingest.MetarObservation{FlightCategory: "VFR"}, "LOW"},
		{"IFR", ingest.MetarObservation{FlightCategory: "IFR"}, "HIGH"},
		{"LIFR", ingest.MetarObservation{FlightCategory: "LIFR"}, "HIGH"},
		{"thunderstorm", ingest.MetarObservation{FlightCategory: "VFR", Weather: []string{"+TSRA"}}, "HIGH"},
		{"hail", ingest.MetarObservation{FlightCategory: "VFR", Weather: []string{"GR"}}, "HIGH"},
		{"strong gusts", ingest.MetarObservation{FlightCategory: "VFR", WindGustKt: ip(38)}, "HIGH"},
		{"sustained wind", ingest.MetarObservation{FlightCategory: "VFR", WindSpeedKt: ip(26)}, "HIGH"},
		{"moderate gusts", ingest.MetarObservation{FlightCategory: "VFR", WindGustKt: ip(27)}, "MEDIUM"},
		{"breezy", ingest.MetarObservation{FlightCategory: "VFR", WindSpeedKt: ip(16)}, "MEDIUM"},
		{"MVFR", ingest.MetarObservation{FlightCategory: "MVFR"}, "MEDIUM"},
		{"low visibility", ingest.MetarObservation{FlightCategory: "VFR", VisibilityMi: fp(2.0)}, "MEDIUM"},
		{"low ceiling", ingest.MetarObservation{FlightCategory: "VFR", CeilingFt: ip(800)}, "MEDIUM"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, WeatherSeverity(tc.obs))
		})
	}
}

func TestWeatherConditions(t *testing.T) {
	obs := ingest.MetarObservation{
		FlightCategory: "IFR",
		Weather:        []string{"-SN", "BR"},
		WindSpeedKt:    ip(18),
		WindGustKt:     ip(28),
	}
	assert.Equal(t, "IFR, -SN BR, Wind 18kt G28kt", WeatherConditions(obs))
	assert.Equal(t, "VFR", WeatherConditions(ingest.MetarObservation{}))
}

func TestMovementMetrics(t *testing.T) {
	sev, delta := MovementMetrics(0, 60)
	assert.Equal(t, "HIGH", sev)
	assert.Equal(t, -100.0, delta)

	sev, delta = MovementMetrics(6, 60)
	assert.Equal(t, "HIGH", sev)
	assert.Equal(t, -90.0, delta)

	sev, delta = MovementMetrics(15, 60)
	assert.Equal(t, "MEDIUM", sev)
	assert.Equal(t, -75.0, delta)

	sev, delta = MovementMetrics(60, 60)
	assert.Equal(t, "LOW", sev)
	assert.Equal(t, 0.0, delta)

	// Zero baseline falls back to the default.
	sev, _ = MovementMetrics(45, 0)
	assert.Equal(t, "LOW", sev)
}

func TestExtractCongestion(t *testing.T) {
	_, ok := ExtractCongestion(ingest.AirportStatus{ICAO: "KATL"})
	assert.False(t, ok)

	facts, ok := ExtractCongestion(ingest.AirportStatus{
		ICAO: "KEWR", Delay: true, DelayType: "GROUND_STOP", Reason: "WX", AvgDelayMinutes: 45,
	})
	require.True(t, ok)
	assert.Equal(t, "GROUND_STOP", facts.DelayType)
	assert.Equal(t, 45, facts.AvgDelayMinutes)
}

func TestExtractEmitsFAASignalForNormalOps(t *testing.T) {
	results := []ingest.Result{{
		Source:      ingest.SourceFAANAS,
		Status:      model.EvidenceNormalOperations,
		Parsed:      ingest.AirportStatus{ICAO: "KATL"},
		RetrievedAt: time.Now().UTC(),
	}}

	sigs := Extract(results, nil)
	require.Len(t, sigs, 1)
	assert.Equal(t, model.EdgeFAADisruption, sigs[0].EdgeType)
	assert.Equal(t, "NORMAL", sigs[0].Attrs["status"])
	assert.Equal(t, true, sigs[0].Attrs["inferred_from_absence"])
	assert.Equal(t, float32(0.90), sigs[0].Confidence)
}

func TestExtractSkipsFailedSources(t *testing.T) {
	results := []ingest.Result{
		{Source: ingest.SourceMETAR, Status: model.EvidenceAPIError},
		{Source: ingest.SourceOpenSky, Status: model.EvidenceNoData},
	}
	assert.Empty(t, Extract(results, nil))
}

func TestExtractWeatherSignalCarriesSeverity(t *testing.T) {
	results := []ingest.Result{{
		Source: ingest.SourceMETAR,
		Status: model.EvidenceHasData,
		Parsed: ingest.MetarObservation{
			ICAO:           "KORD",
			FlightCategory: "LIFR",
			Weather:        []string{"FG"},
			VisibilityMi:   fp(0.25),
		},
		RetrievedAt: time.Now().UTC(),
	}}

	sigs := Extract(results, nil)
	require.Len(t, sigs, 1)
	assert.Equal(t, model.EdgeWeatherRisk, sigs[0].EdgeType)
	assert.Equal(t, "HIGH", sigs[0].Attrs["severity"])
	assert.Equal(t, float32(0.90), sigs[0].Confidence)
}

func TestExtractOneSignalPerNWSAlert(t *testing.T) {
	results := []ingest.Result{{
		Source: ingest.SourceNWSAlerts,
		Status: model.EvidenceHasData,
		Parsed: []ingest.WeatherAlert{
			{ID: "a1", Event: "Winter Storm Warning", Severity: "Severe"},
			{ID: "a2", Event: "Wind Advisory", Severity: "Moderate"},
		},
		RetrievedAt: time.Now().UTC(),
	}}

	sigs := Extract(results, nil)
	require.Len(t, sigs, 2)
	assert.Equal(t, model.EdgeNWSAlert, sigs[0].EdgeType)
	assert.Equal(t, "Winter Storm Warning", sigs[0].Attrs["event"])
	assert.Equal(t, float32(0.85), sigs[1].Confidence)
}

func signalEdge(typ model.EdgeType, attrs map[string]any) model.Edge {
	return model.Edge{Type: typ, Attrs: attrs}
}

func TestContradictionsFAAvsWeather(t *testing.T) {
	latest := map[model.EdgeType]model.Edge{
		model.EdgeFAADisruption: signalEdge(model.EdgeFAADisruption, map[string]any{
			"has_disruption": false,
		}),
		model.EdgeWeatherRisk: signalEdge(model.EdgeWeatherRisk, map[string]any{
			"severity": "HIGH", "flight_category": "IFR",
		}),
	}
	found := Contradictions(latest)
	require.Len(t, found, 1)
	assert.Equal(t, model.ContradictionFAAWeather, found[0].Type)
	assert.Equal(t, "HIGH", found[0].Severity)
}

func TestContradictionsFAAvsMovement(t *testing.T) {
	t.Run("ground stop with live traffic", func(t *testing.T) {
		latest := map[model.EdgeType]model.Edge{
			model.EdgeFAADisruption: signalEdge(model.EdgeFAADisruption, map[string]any{
				"has_disruption": true,
			}),
			model.EdgeMovementCollapse: signalEdge(model.EdgeMovementCollapse, map[string]any{
				"severity": "LOW", "aircraft_count": 80,
			}),
		}
		found := Contradictions(latest)
		require.Len(t, found, 1)
		assert.Equal(t, model.ContradictionFAAMovement, found[0].Type)
		assert.Equal(t, "HIGH", found[0].Severity)
		assert.Contains(t, found[0].Explanation, "80 aircraft")
		assert.Contains(t, found[0].StatementA, "ground stop")
		assert.Contains(t, found[0].StatementB, "80 aircraft")
	})

	t.Run("ground stop with quiet field agrees", func(t *testing.T) {
		latest := map[model.EdgeType]model.Edge{
			model.EdgeFAADisruption: signalEdge(model.EdgeFAADisruption, map[string]any{
				"has_disruption": true,
			}),
			model.EdgeMovementCollapse: signalEdge(model.EdgeMovementCollapse, map[string]any{
				"severity": "HIGH", "aircraft_count": 6,
			}),
		}
		assert.Empty(t, Contradictions(latest))
	})

	t.Run("normal operations never fire this pattern", func(t *testing.T) {
		latest := map[model.EdgeType]model.Edge{
			model.EdgeFAADisruption: signalEdge(model.EdgeFAADisruption, map[string]any{
				"has_disruption": false,
			}),
			model.EdgeMovementCollapse: signalEdge(model.EdgeMovementCollapse, map[string]any{
				"severity": "LOW", "aircraft_count": 80,
			}),
		}
		assert.Empty(t, Contradictions(latest))
	})
}

func TestContradictionsWeatherVsMovement(t *testing.T) {
	latest := map[model.EdgeType]model.Edge{
		model.EdgeWeatherRisk: signalEdge(model.EdgeWeatherRisk, map[string]any{
			"severity": "LOW", "flight_category": "VFR",
		}),
		model.EdgeMovementCollapse: signalEdge(model.EdgeMovementCollapse, map[string]any{
			"severity": "HIGH",
		}),
	}
	found := Contradictions(latest)
	require.Len(t, found, 1)
	assert.Equal(t, model.ContradictionWeatherMovement, found[0].Type)
	assert.Equal(t, "MEDIUM", found[0].Severity)
}

func TestContradictionsNWSvsFAA(t *testing.T) {
	latest := map[model.EdgeType]model.Edge{
		model.EdgeFAADisruption: signalEdge(model.EdgeFAADisruption, map[string]any{
			"has_disruption": false,
		}),
		model.EdgeNWSAlert: signalEdge(model.EdgeNWSAlert, map[string]any{
			"severity": "Severe", "event": "Blizzard Warning",
		}),
	}
	found := Contradictions(latest)
	require.Len(t, found, 1)
	assert.Equal(t, model.ContradictionNWSFAAMismatch, found[0].Type)
}

func TestNoContradictionWhenSourcesAgree(t *testing.T) {
	latest := map[model.EdgeType]model.Edge{
		model.EdgeFAADisruption: signalEdge(model.EdgeFAADisruption, map[string]any{
			"has_disruption": true,
		}),
		model.EdgeWeatherRisk: signalEdge(model.EdgeWeatherRisk, map[string]any{
			"severity": "HIGH", "flight_category": "IFR",
		}),
		model.EdgeMovementCollapse: signalEdge(model.EdgeMovementCollapse, map[string]any{
			"severity": "HIGH",
		}),
	}
	assert.Empty(t, Contradictions(latest))
}
