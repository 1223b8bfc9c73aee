package ingest

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/torii-ai/sekisho/internal/model"
)

// TAFForecast is the parsed terminal forecast for one airport.
type TAFForecast struct {
	ICAO     string   `json:"icao"`
	IssuedAt string   `json:"issued_at,omitempty"`
	ValidTo  string   `json:"valid_to,omitempty"`
	Raw      string   `json:"raw,omitempty"`
	Periods  []string `json:"periods,omitempty"`
}

// TAFFetcher retrieves terminal forecasts from aviationweather.gov.
type TAFFetcher struct {
	Client  *Client
	BaseURL string
}

func (f *TAFFetcher) Source() string           { return SourceTAF }
func (f *TAFFetcher) Criticality() Criticality { return CriticalityDegraded }

type awcTAF struct {
	ICAOID    string `json:"icaoId"`
	IssueTime string `json:"issueTime"`
	ValidTimeTo any  `json:"validTimeTo"`
	RawTAF    string `json:"rawTAF"`
	Fcsts     []struct {
		WxString string `json:"wxString"`
	} `json:"fcsts"`
}

func (f *TAFFetcher) Fetch(ctx context.Context, airportICAO string) Result {
	body, err := f.Client.Get(ctx, f.BaseURL+"/api/data/taf", url.Values{
		"ids":    {airportICAO},
		"format": {"json"},
	})
	now := time.Now().UTC()
	uri := f.BaseURL + "/api/data/taf?ids=" + airportICAO
	if err != nil {
		return Result{Status: model.EvidenceAPIError, Err: err, URI: uri, RetrievedAt: now}
	}

	var reports []awcTAF
	if err := json.Unmarshal(body, &reports); err != nil {
		return Result{Status: model.EvidenceAPIError, Err: err, Payload: body, URI: uri, RetrievedAt: now}
	}
	if len(reports) == 0 {
		return Result{Status: model.EvidenceNoData, Payload: body, URI: uri, RetrievedAt: now}
	}

	r := reports[0]
	fc := TAFForecast{
		ICAO:     airportICAO,
		IssuedAt: r.IssueTime,
		Raw:      r.RawTAF,
	}
	if s, ok := r.ValidTimeTo.(string); ok {
		fc.ValidTo = s
	}
	for _, p := range r.Fcsts {
		if p.WxString != "" {
			fc.Periods = append(fc.Periods, p.WxString)
		}
	}
	return Result{
		Status:      model.EvidenceHasData,
		Payload:     body,
		Parsed:      fc,
		URI:         uri,
		RetrievedAt: now,
	}
}
