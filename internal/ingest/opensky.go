package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/torii-ai/sekisho/internal/model"
)

// MovementSnapshot counts aircraft currently inside an airport's bounding box.
type MovementSnapshot struct {
	ICAO          string `json:"icao"`
	AircraftCount int    `json:"aircraft_count"`
	OnGround      int    `json:"on_ground"`
	Airborne      int    `json:"airborne"`
	SnapshotUnix  int64  `json:"snapshot_unix"`
}

type boundingBox struct {
	LatMin, LatMax float64
	LonMin, LonMax float64
}

// airportBBoxes maps ICAO codes to the OpenSky query bounding box.
var airportBBoxes = map[string]boundingBox{
	"KATL": {33.0, 34.3, -85.1, -83.7},
	"KBOS": {41.8, 43.0, -71.7, -70.3},
	"KDEN": {39.2, 40.5, -105.4, -104.0},
	"KDFW": {32.3, 33.5, -97.7, -96.3},
	"KEWR": {40.1, 41.3, -74.9, -73.5},
	"KIAD": {38.3, 39.6, -78.2, -76.8},
	"KJFK": {40.0, 41.2, -74.5, -73.1},
	"KLAX": {33.3, 34.6, -119.1, -117.7},
	"KLGA": {40.2, 41.4, -74.6, -73.2},
	"KMEM": {34.4, 35.7, -90.7, -89.3},
	"KMIA": {25.2, 26.4, -81.0, -79.6},
	"KORD": {41.4, 42.6, -88.6, -87.2},
	"KPHL": {39.3, 40.5, -75.9, -74.5},
	"KSDF": {37.6, 38.8, -86.4, -85.0},
	"KSEA": {46.8, 48.1, -123.0, -121.6},
	"KSFO": {37.0, 38.2, -123.1, -121.7},
}

// OpenSkyFetcher counts live aircraft near the airport via the OpenSky
// states API. Best-effort corroboration; the API rate-limits aggressively.
type OpenSkyFetcher struct {
	Client  *Client
	BaseURL string
}

func (f *OpenSkyFetcher) Source() string           { return SourceOpenSky }
func (f *OpenSkyFetcher) Criticality() Criticality { return CriticalityInformational }

type openSkyResponse struct {
	Time   int64 `json:"time"`
	States []json.RawMessage `json:"states"`
}

func (f *OpenSkyFetcher) Fetch(ctx context.Context, airportICAO string) Result {
	now := time.Now().UTC()
	box, ok := airportBBoxes[strings.ToUpper(airportICAO)]
	if !ok {
		return Result{
			Status:      model.EvidenceNoData,
			Err:         fmt.Errorf("ingest: no bounding box for %s", airportICAO),
			RetrievedAt: now,
		}
	}

	uri := f.BaseURL + "/api/states/all"
	body, err := f.Client.Get(ctx, uri, url.Values{
		"lamin": {fmt.Sprintf("%.2f", box.LatMin)},
		"lamax": {fmt.Sprintf("%.2f", box.LatMax)},
		"lomin": {fmt.Sprintf("%.2f", box.LonMin)},
		"lomax": {fmt.Sprintf("%.2f", box.LonMax)},
	})
	if err != nil {
		return Result{Status: model.EvidenceAPIError, Err: err, URI: uri, RetrievedAt: now}
	}

	var resp openSkyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Result{Status: model.EvidenceAPIError, Err: err, Payload: body, URI: uri, RetrievedAt: now}
	}

	snap := MovementSnapshot{
		ICAO:         strings.ToUpper(airportICAO),
		SnapshotUnix: resp.Time,
	}
	for _, raw := range resp.States {
		// Each state vector is an array; index 8 is the on_ground flag.
		var vec []any
		if err := json.Unmarshal(raw, &vec); err != nil || len(vec) < 9 {
			continue
		}
		snap.AircraftCount++
		if g, ok := vec[8].(bool); ok && g {
			snap.OnGround++
		} else {
			snap.Airborne++
		}
	}

	return Result{
		Status:      model.EvidenceHasData,
		Payload:     body,
		Parsed:      snap,
		URI:         uri,
		RetrievedAt: now,
	}
}
