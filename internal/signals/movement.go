package signals

import "math"

// movementBaseline is the reference aircraft count for a medium-large hub.
// Used when no airport-specific baseline is configured.
const movementBaseline = 60

// MovementMetrics grades an aircraft count against the baseline and returns
// the severity plus the percent delta from baseline. A count of zero is a
// total collapse regardless of baseline.
func MovementMetrics(aircraftCount, baseline int) (severity string, deltaPercent float64) {
	if baseline <= 0 {
		baseline = movementBaseline
	}
	if aircraftCount == 0 {
		return "HIGH", -100
	}

	delta := float64(aircraftCount-baseline) / float64(baseline) * 100
	delta = math.Round(delta*10) / 10

	switch {
	case aircraftCount < 10:
		return "HIGH", delta
	case aircraftCount < 30:
		return "MEDIUM", delta
	default:
		return "LOW", delta
	}
}
