package sim

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torii-ai/sekisho/internal/ingest"
	"github.com/torii-ai/sekisho/internal/model"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestLookup(t *testing.T) {
	sc, err := Lookup(ScenarioGroundStop)
	require.NoError(t, err)
	assert.Equal(t, "KJFK", sc.Airport)

	_, err = Lookup("volcanic-ash")
	assert.Error(t, err)
}

func TestRegistryCoversAllFiveSources(t *testing.T) {
	sc, err := Lookup(ScenarioClearSkies)
	require.NoError(t, err)

	reg := Registry(sc, discard())
	assert.Equal(t, []string{
		ingest.SourceFAANAS,
		ingest.SourceMETAR,
		ingest.SourceTAF,
		ingest.SourceNWSAlerts,
		ingest.SourceOpenSky,
	}, reg.Sources())
}

func TestCannedFetcherParsedTypes(t *testing.T) {
	sc, err := Lookup(ScenarioGroundStop)
	require.NoError(t, err)

	reg := Registry(sc, discard())
	results := reg.FetchAll(context.Background(), sc.Airport)
	require.Len(t, results, 5)

	byname := map[string]ingest.Result{}
	for _, r := range results {
		byname[r.Source] = r
	}

	faa, ok := byname[ingest.SourceFAANAS].Parsed.(ingest.AirportStatus)
	require.True(t, ok)
	assert.True(t, faa.Delay)
	assert.Equal(t, "Ground Stop", faa.DelayType)
	assert.Equal(t, model.EvidenceHasData, byname[ingest.SourceFAANAS].Status)

	metar, ok := byname[ingest.SourceMETAR].Parsed.(ingest.MetarObservation)
	require.True(t, ok)
	assert.Equal(t, "IFR", metar.FlightCategory)

	_, ok = byname[ingest.SourceTAF].Parsed.(ingest.TAFForecast)
	assert.True(t, ok)

	alerts, ok := byname[ingest.SourceNWSAlerts].Parsed.([]ingest.WeatherAlert)
	require.True(t, ok)
	require.Len(t, alerts, 1)
	assert.Equal(t, "Severe Thunderstorm Warning", alerts[0].Event)

	snap, ok := byname[ingest.SourceOpenSky].Parsed.(ingest.MovementSnapshot)
	require.True(t, ok)
	assert.Equal(t, 8, snap.AircraftCount)
}

func TestCannedFetcherNormalOperations(t *testing.T) {
	sc, err := Lookup(ScenarioClearSkies)
	require.NoError(t, err)

	f := &cannedFetcher{
		source:      ingest.SourceFAANAS,
		criticality: ingest.CriticalityBlocking,
		scenario:    sc,
	}
	res := f.Fetch(context.Background(), sc.Airport)
	assert.Equal(t, model.EvidenceNormalOperations, res.Status)
	assert.NoError(t, res.Err)

	nws := &cannedFetcher{
		source:      ingest.SourceNWSAlerts,
		criticality: ingest.CriticalityDegraded,
		scenario:    sc,
	}
	res = nws.Fetch(context.Background(), sc.Airport)
	assert.Equal(t, model.EvidenceNormalOperations, res.Status)
}

func TestCannedFetcherFailureInjection(t *testing.T) {
	sc, err := Lookup(ScenarioMissingMetar)
	require.NoError(t, err)

	f := &cannedFetcher{
		source:      ingest.SourceMETAR,
		criticality: ingest.CriticalityBlocking,
		scenario:    sc,
	}
	res := f.Fetch(context.Background(), sc.Airport)
	assert.Equal(t, model.EvidenceAPIError, res.Status)
	assert.ErrorIs(t, res.Err, ErrSourceUnavailable)
	assert.Nil(t, res.Parsed)

	// The remaining sources still answer.
	faa := &cannedFetcher{
		source:      ingest.SourceFAANAS,
		criticality: ingest.CriticalityBlocking,
		scenario:    sc,
	}
	res = faa.Fetch(context.Background(), sc.Airport)
	assert.NoError(t, res.Err)
}

func TestFlightsForShape(t *testing.T) {
	flights := flightsFor("KJFK", time.Now().UTC())
	require.Len(t, flights, 3)

	var departures, arrivals, shipments int
	imminent := false
	for _, fl := range flights {
		if fl.departs {
			departures++
		} else {
			arrivals++
		}
		shipments += len(fl.shipments)
		for _, sh := range fl.shipments {
			if sh.slaHours <= 24 {
				imminent = true
			}
		}
	}
	assert.Equal(t, 2, departures)
	assert.Equal(t, 1, arrivals)
	assert.Equal(t, 6, shipments)
	assert.True(t, imminent, "at least one SLA deadline inside the breach window")
}
