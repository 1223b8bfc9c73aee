// Package signals extracts structured disruption signals from raw evidence
// and detects contradictions between them. Signals become graph edges; the
// risk agents reason over the edges, not over raw payloads.
package signals

import (
	"fmt"
	"strings"

	"github.com/torii-ai/sekisho/internal/ingest"
)

// dangerousWx are METAR phenomena that make conditions high severity on
// their own: thunderstorm, hail, funnel cloud, sandstorm, duststorm.
var dangerousWx = []string{"TS", "GR", "FC", "SS", "DS"}

// WeatherSeverity grades a METAR observation LOW, MEDIUM, or HIGH.
func WeatherSeverity(obs ingest.MetarObservation) string {
	if obs.FlightCategory == "IFR" || obs.FlightCategory == "LIFR" {
		return "HIGH"
	}
	for _, wx := range obs.Weather {
		for _, bad := range dangerousWx {
			if strings.Contains(wx, bad) {
				return "HIGH"
			}
		}
	}

	gust := intOrZero(obs.WindGustKt)
	speed := intOrZero(obs.WindSpeedKt)
	if gust >= 35 || speed >= 25 {
		return "HIGH"
	}
	if gust >= 25 || speed >= 15 {
		return "MEDIUM"
	}

	if obs.FlightCategory == "MVFR" {
		return "MEDIUM"
	}

	vis := 10.0
	if obs.VisibilityMi != nil {
		vis = *obs.VisibilityMi
	}
	ceiling := 10000
	if obs.CeilingFt != nil {
		ceiling = *obs.CeilingFt
	}
	if vis < 3 || ceiling < 1000 {
		return "MEDIUM"
	}
	return "LOW"
}

// WeatherConditions renders a short human-readable conditions summary.
func WeatherConditions(obs ingest.MetarObservation) string {
	var parts []string
	if obs.FlightCategory != "" {
		parts = append(parts, obs.FlightCategory)
	}
	if len(obs.Weather) > 0 {
		parts = append(parts, strings.Join(obs.Weather, " "))
	}
	speed := intOrZero(obs.WindSpeedKt)
	if speed >= 15 {
		wind := fmt.Sprintf("Wind %dkt", speed)
		if g := intOrZero(obs.WindGustKt); g > 0 {
			wind += fmt.Sprintf(" G%dkt", g)
		}
		parts = append(parts, wind)
	}
	if len(parts) == 0 {
		return "VFR"
	}
	return strings.Join(parts, ", ")
}

func intOrZero(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
