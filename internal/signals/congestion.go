package signals

import "github.com/torii-ai/sekisho/internal/ingest"

// CongestionFacts are the raw FAA congestion facts for an airport. No
// severity is assigned here; downstream agents interpret the facts.
type CongestionFacts struct {
	AirportICAO     string `json:"airport_icao"`
	HasDelay        bool   `json:"has_delay"`
	HasClosure      bool   `json:"has_closure"`
	DelayType       string `json:"delay_type,omitempty"`
	Reason          string `json:"reason,omitempty"`
	AvgDelayMinutes int    `json:"avg_delay_minutes,omitempty"`
}

// ExtractCongestion pulls congestion facts out of an FAA status. Returns
// false when the airport has neither a delay nor a closure.
func ExtractCongestion(status ingest.AirportStatus) (CongestionFacts, bool) {
	if !status.Delay && !status.Closure {
		return CongestionFacts{}, false
	}
	return CongestionFacts{
		AirportICAO:     status.ICAO,
		HasDelay:        status.Delay,
		HasClosure:      status.Closure,
		DelayType:       status.DelayType,
		Reason:          status.Reason,
		AvgDelayMinutes: status.AvgDelayMinutes,
	}, true
}
