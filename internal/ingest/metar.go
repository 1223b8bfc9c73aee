package ingest

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/torii-ai/sekisho/internal/model"
)

// MetarObservation is the parsed current-weather observation for one airport.
type MetarObservation struct {
	ICAO           string   `json:"icao"`
	ObservedAt     string   `json:"observed_at,omitempty"`
	WindDirection  *int     `json:"wind_direction,omitempty"`
	WindSpeedKt    *int     `json:"wind_speed_kt,omitempty"`
	WindGustKt     *int     `json:"wind_gust_kt,omitempty"`
	VisibilityMi   *float64 `json:"visibility_miles,omitempty"`
	CeilingFt      *int     `json:"ceiling_feet,omitempty"`
	CeilingType    string   `json:"ceiling_type,omitempty"`
	Weather        []string `json:"weather,omitempty"`
	FlightCategory string   `json:"flight_category,omitempty"`
	TempC          *float64 `json:"temp_c,omitempty"`
	DewpointC      *float64 `json:"dewpoint_c,omitempty"`
	AltimeterInHg  *float64 `json:"altimeter_inhg,omitempty"`
	Raw            string   `json:"raw,omitempty"`
}

// METARFetcher retrieves current observations from aviationweather.gov.
type METARFetcher struct {
	Client  *Client
	BaseURL string
}

func (f *METARFetcher) Source() string           { return SourceMETAR }
func (f *METARFetcher) Criticality() Criticality { return CriticalityBlocking }

// awcMetar mirrors one element of the aviationweather.gov METAR JSON array.
type awcMetar struct {
	ICAOID     string   `json:"icaoId"`
	ReportTime string   `json:"reportTime"`
	Temp       *float64 `json:"temp"`
	Dewp       *float64 `json:"dewp"`
	WDir       any      `json:"wdir"` // integer degrees or "VRB"
	WSpd       *int     `json:"wspd"`
	WGst       *int     `json:"wgst"`
	Visib      any      `json:"visib"` // numeric miles or "10+"
	Altim      *float64 `json:"altim"`
	WxString   string   `json:"wxString"`
	RawOb      string   `json:"rawOb"`
	Clouds     []struct {
		Cover string `json:"cover"`
		Base  *int   `json:"base"`
	} `json:"clouds"`
}

func (f *METARFetcher) Fetch(ctx context.Context, airportICAO string) Result {
	body, err := f.Client.Get(ctx, f.BaseURL+"/api/data/metar", url.Values{
		"ids":    {airportICAO},
		"format": {"json"},
	})
	now := time.Now().UTC()
	uri := f.BaseURL + "/api/data/metar?ids=" + airportICAO
	if err != nil {
		return Result{Status: model.EvidenceAPIError, Err: err, URI: uri, RetrievedAt: now}
	}

	var reports []awcMetar
	if err := json.Unmarshal(body, &reports); err != nil {
		return Result{Status: model.EvidenceAPIError, Err: err, Payload: body, URI: uri, RetrievedAt: now}
	}
	if len(reports) == 0 {
		return Result{Status: model.EvidenceNoData, Payload: body, URI: uri, RetrievedAt: now}
	}

	obs := parseMetar(airportICAO, reports[0])
	return Result{
		Status:      model.EvidenceHasData,
		Payload:     body,
		Parsed:      obs,
		URI:         uri,
		RetrievedAt: now,
	}
}

func parseMetar(icao string, m awcMetar) MetarObservation {
	obs := MetarObservation{
		ICAO:          icao,
		ObservedAt:    m.ReportTime,
		WindSpeedKt:   m.WSpd,
		WindGustKt:    m.WGst,
		TempC:         m.Temp,
		DewpointC:     m.Dewp,
		AltimeterInHg: m.Altim,
		Raw:           m.RawOb,
	}
	if d, ok := asInt(m.WDir); ok {
		obs.WindDirection = &d
	}
	if v, ok := asFloat(m.Visib); ok {
		obs.VisibilityMi = &v
	}
	if m.WxString != "" {
		obs.Weather = strings.Fields(m.WxString)
	}
	// Ceiling is the lowest broken or overcast layer.
	for _, c := range m.Clouds {
		if (c.Cover == "BKN" || c.Cover == "OVC" || c.Cover == "OVX") && c.Base != nil {
			if obs.CeilingFt == nil || *c.Base < *obs.CeilingFt {
				base := *c.Base
				obs.CeilingFt = &base
				obs.CeilingType = c.Cover
			}
		}
	}
	obs.FlightCategory = flightCategory(obs.VisibilityMi, obs.CeilingFt)
	return obs
}

// flightCategory derives VFR/MVFR/IFR/LIFR from visibility and ceiling.
func flightCategory(visMi *float64, ceilingFt *int) string {
	cat := "VFR"
	worse := func(c string) {
		rank := map[string]int{"VFR": 0, "MVFR": 1, "IFR": 2, "LIFR": 3}
		if rank[c] > rank[cat] {
			cat = c
		}
	}
	if visMi != nil {
		switch {
		case *visMi < 1:
			worse("LIFR")
		case *visMi < 3:
			worse("IFR")
		case *visMi <= 5:
			worse("MVFR")
		}
	}
	if ceilingFt != nil {
		switch {
		case *ceilingFt < 500:
			worse("LIFR")
		case *ceilingFt < 1000:
			worse("IFR")
		case *ceilingFt <= 3000:
			worse("MVFR")
		}
	}
	if visMi == nil && ceilingFt == nil {
		return ""
	}
	return cat
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	default:
		return 0, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		// "10+" style caps from the feed.
		if t == "10+" {
			return 10, true
		}
		return 0, false
	default:
		return 0, false
	}
}

