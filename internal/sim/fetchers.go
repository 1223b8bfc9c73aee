package sim

import (
	"context"
	"encoding/json"
	"time"

	"github.com/torii-ai/sekisho/internal/ingest"
	"github.com/torii-ai/sekisho/internal/model"
)

// cannedFetcher answers for one source out of a scenario. Results carry
// the same status discriminators and parsed types as the production
// fetchers, so everything downstream of ingestion is exercised for real.
type cannedFetcher struct {
	source      string
	criticality ingest.Criticality
	scenario    Scenario
}

func (f *cannedFetcher) Source() string                 { return f.source }
func (f *cannedFetcher) Criticality() ingest.Criticality { return f.criticality }

func (f *cannedFetcher) Fetch(ctx context.Context, airportICAO string) ingest.Result {
	now := time.Now().UTC()
	uri := "sim://" + f.scenario.Name + "/" + f.source

	if err, failed := f.scenario.Failures[f.source]; failed {
		return ingest.Result{Status: model.EvidenceAPIError, Err: err, URI: uri, RetrievedAt: now}
	}

	var parsed any
	status := model.EvidenceHasData

	switch f.source {
	case ingest.SourceFAANAS:
		parsed = f.scenario.FAA
		if !f.scenario.FAA.Reported || (!f.scenario.FAA.Delay && !f.scenario.FAA.Closure) {
			status = model.EvidenceNormalOperations
		}
	case ingest.SourceMETAR:
		if f.scenario.Metar == nil {
			return ingest.Result{Status: model.EvidenceNoData, URI: uri, RetrievedAt: now}
		}
		parsed = *f.scenario.Metar
	case ingest.SourceTAF:
		if f.scenario.TAF == nil {
			return ingest.Result{Status: model.EvidenceNoData, URI: uri, RetrievedAt: now}
		}
		parsed = *f.scenario.TAF
	case ingest.SourceNWSAlerts:
		parsed = f.scenario.Alerts
		if len(f.scenario.Alerts) == 0 {
			status = model.EvidenceNormalOperations
		}
	case ingest.SourceOpenSky:
		if f.scenario.Movement == nil {
			return ingest.Result{Status: model.EvidenceNoData, URI: uri, RetrievedAt: now}
		}
		parsed = *f.scenario.Movement
	default:
		return ingest.Result{Status: model.EvidenceNoData, URI: uri, RetrievedAt: now}
	}

	payload, err := json.Marshal(parsed)
	if err != nil {
		return ingest.Result{Status: model.EvidenceAPIError, Err: err, URI: uri, RetrievedAt: now}
	}

	return ingest.Result{
		Status:      status,
		Payload:     payload,
		Parsed:      parsed,
		URI:         uri,
		RetrievedAt: now,
	}
}
