package ingest

import (
	"context"
	"encoding/xml"
	"strconv"
	"strings"
	"time"

	"github.com/torii-ai/sekisho/internal/model"
)

// AirportStatus is the parsed FAA NAS status for one airport.
type AirportStatus struct {
	ICAO            string `json:"icao"`
	Name            string `json:"name"`
	Delay           bool   `json:"delay"`
	DelayType       string `json:"delay_type,omitempty"`
	Reason          string `json:"reason,omitempty"`
	AvgDelayMinutes int    `json:"avg_delay_minutes,omitempty"`
	Closure         bool   `json:"closure"`
	// Reported is false when the airport was absent from the feed and
	// normal operations were inferred.
	Reported bool `json:"reported"`
}

// FAAFetcher retrieves airport status from the FAA NAS status feed.
type FAAFetcher struct {
	Client  *Client
	BaseURL string
}

func (f *FAAFetcher) Source() string           { return SourceFAANAS }
func (f *FAAFetcher) Criticality() Criticality { return CriticalityBlocking }

// nasDocument mirrors the relevant slice of the NAS status XML.
type nasDocument struct {
	Delays struct {
		GroundStops []nasProgram `xml:"Ground_Stop_List>Program"`
		GroundDelay []nasProgram `xml:"Ground_Delay_List>Ground_Delay"`
		Closures    []nasClosure `xml:"Airport_Closure_List>Airport"`
	} `xml:"Delay_type"`
}

type nasProgram struct {
	Airport string `xml:"ARPT"`
	Reason  string `xml:"Reason"`
	AvgTime string `xml:"Avg"`
	EndTime string `xml:"End_Time"`
}

type nasClosure struct {
	Airport string `xml:"ARPT"`
	Reason  string `xml:"Reason"`
}

// Fetch pulls the national feed and extracts this airport's status. Absence
// from the feed means normal operations, recorded as an inferred status.
func (f *FAAFetcher) Fetch(ctx context.Context, airportICAO string) Result {
	body, err := f.Client.Get(ctx, f.BaseURL+"/api/airport-status-information", nil)
	now := time.Now().UTC()
	if err != nil {
		return Result{Status: model.EvidenceAPIError, Err: err, URI: f.BaseURL, RetrievedAt: now}
	}

	var doc nasDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return Result{Status: model.EvidenceAPIError, Err: err, Payload: body, URI: f.BaseURL, RetrievedAt: now}
	}

	// The feed identifies airports by FAA code (ICAO without the K prefix).
	faaCode := strings.ToUpper(airportICAO)
	faaCode = strings.TrimPrefix(faaCode, "K")

	status := AirportStatus{ICAO: strings.ToUpper(airportICAO)}
	for _, p := range doc.Delays.GroundStops {
		if strings.EqualFold(p.Airport, faaCode) {
			status.Delay = true
			status.DelayType = "GROUND_STOP"
			status.Reason = p.Reason
			status.Reported = true
		}
	}
	for _, p := range doc.Delays.GroundDelay {
		if strings.EqualFold(p.Airport, faaCode) {
			status.Delay = true
			if status.DelayType == "" {
				status.DelayType = "GROUND_DELAY"
			}
			status.Reason = p.Reason
			status.AvgDelayMinutes = parseAvgMinutes(p.AvgTime)
			status.Reported = true
		}
	}
	for _, c := range doc.Delays.Closures {
		if strings.EqualFold(c.Airport, faaCode) {
			status.Closure = true
			status.Reason = c.Reason
			status.Reported = true
		}
	}

	evStatus := model.EvidenceHasData
	if !status.Reported {
		evStatus = model.EvidenceNormalOperations
	}
	return Result{
		Status:      evStatus,
		Payload:     body,
		Parsed:      status,
		URI:         f.BaseURL + "/api/airport-status-information",
		RetrievedAt: now,
	}
}

// parseAvgMinutes reads average delay strings like "45 minutes" or "1 hour and 15 minutes".
func parseAvgMinutes(s string) int {
	total := 0
	fields := strings.Fields(strings.ToLower(s))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || i+1 >= len(fields) {
			continue
		}
		switch {
		case strings.HasPrefix(fields[i+1], "hour"):
			total += n * 60
		case strings.HasPrefix(fields[i+1], "minute"):
			total += n
		}
	}
	return total
}
