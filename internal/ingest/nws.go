package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/torii-ai/sekisho/internal/model"
)

// WeatherAlert is one active NWS alert covering an airport's location.
type WeatherAlert struct {
	ID        string `json:"id"`
	Event     string `json:"event"`
	Severity  string `json:"severity"`
	Headline  string `json:"headline,omitempty"`
	Onset     string `json:"onset,omitempty"`
	Expires   string `json:"expires,omitempty"`
	AreaDesc  string `json:"area_desc,omitempty"`
	Certainty string `json:"certainty,omitempty"`
}

// airportCoordinates maps ICAO codes to lat/lon for the NWS point query.
var airportCoordinates = map[string][2]float64{
	"KATL": {33.6407, -84.4277},
	"KBOS": {42.3656, -71.0096},
	"KDEN": {39.8561, -104.6737},
	"KDFW": {32.8998, -97.0403},
	"KEWR": {40.6895, -74.1745},
	"KIAD": {38.9531, -77.4565},
	"KJFK": {40.6413, -73.7781},
	"KLAX": {33.9416, -118.4085},
	"KLGA": {40.7769, -73.8740},
	"KMEM": {35.0424, -89.9767},
	"KMIA": {25.7959, -80.2870},
	"KORD": {41.9742, -87.9073},
	"KPHL": {39.8729, -75.2437},
	"KSDF": {38.1740, -85.7360},
	"KSEA": {47.4502, -122.3088},
	"KSFO": {37.6213, -122.3790},
}

// NWSFetcher retrieves active weather alerts for the airport's coordinates.
type NWSFetcher struct {
	Client  *Client
	BaseURL string
}

func (f *NWSFetcher) Source() string           { return SourceNWSAlerts }
func (f *NWSFetcher) Criticality() Criticality { return CriticalityDegraded }

type nwsResponse struct {
	Features []struct {
		Properties struct {
			ID        string `json:"id"`
			Event     string `json:"event"`
			Severity  string `json:"severity"`
			Headline  string `json:"headline"`
			Onset     string `json:"onset"`
			Expires   string `json:"expires"`
			AreaDesc  string `json:"areaDesc"`
			Certainty string `json:"certainty"`
		} `json:"properties"`
	} `json:"features"`
}

func (f *NWSFetcher) Fetch(ctx context.Context, airportICAO string) Result {
	now := time.Now().UTC()
	coords, ok := airportCoordinates[strings.ToUpper(airportICAO)]
	if !ok {
		return Result{
			Status:      model.EvidenceNoData,
			Err:         fmt.Errorf("ingest: no coordinates for %s", airportICAO),
			RetrievedAt: now,
		}
	}

	uri := fmt.Sprintf("%s/alerts/active?point=%.4f,%.4f", f.BaseURL, coords[0], coords[1])
	body, err := f.Client.Get(ctx, uri, nil)
	if err != nil {
		return Result{Status: model.EvidenceAPIError, Err: err, URI: uri, RetrievedAt: now}
	}

	var resp nwsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Result{Status: model.EvidenceAPIError, Err: err, Payload: body, URI: uri, RetrievedAt: now}
	}

	alerts := make([]WeatherAlert, 0, len(resp.Features))
	for _, feat := range resp.Features {
		p := feat.Properties
		alerts = append(alerts, WeatherAlert{
			ID:        p.ID,
			Event:     p.Event,
			Severity:  p.Severity,
			Headline:  p.Headline,
			Onset:     p.Onset,
			Expires:   p.Expires,
			AreaDesc:  p.AreaDesc,
			Certainty: p.Certainty,
		})
	}

	status := model.EvidenceHasData
	if len(alerts) == 0 {
		status = model.EvidenceNormalOperations
	}
	return Result{
		Status:      status,
		Payload:     body,
		Parsed:      alerts,
		URI:         uri,
		RetrievedAt: now,
	}
}
