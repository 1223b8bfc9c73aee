// Package sim is the simulation harness: canned source fetchers, an
// operational-graph seeder, and named end-to-end scenarios. It exists so
// the full pipeline can run without touching any public API.
package sim

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/torii-ai/sekisho/internal/ingest"
)

// Scenario is one canned disruption picture for an airport. Nil source
// fields mean the source returns no data; entries in Failures make that
// source fail with the given error instead of answering.
type Scenario struct {
	Name     string
	Airport  string
	FAA      ingest.AirportStatus
	Metar    *ingest.MetarObservation
	TAF      *ingest.TAFForecast
	Alerts   []ingest.WeatherAlert
	Movement *ingest.MovementSnapshot
	Failures map[string]error

	// Booking, when set, files booking evidence on the case before the run
	// so shipment-level actions clear the booking guardrail.
	Booking *BookingRef
}

// BookingRef is a canned booking record attached as case evidence.
type BookingRef struct {
	ShipmentRef string
	Pieces      int
	WeightKg    float64
}

// ErrSourceUnavailable is the canned failure injected for sources listed
// in a scenario's Failures map without a more specific error.
var ErrSourceUnavailable = errors.New("sim: source unavailable")

func intp(v int) *int          { return &v }
func floatp(v float64) *float64 { return &v }

// Builtin scenario names.
const (
	ScenarioClearSkies           = "clear-skies"
	ScenarioGroundStop           = "ground-stop"
	ScenarioWeatherContradiction = "weather-contradiction"
	ScenarioMissingMetar         = "missing-metar"
	ScenarioCargoHold            = "cargo-hold"
)

// Lookup returns a builtin scenario by name.
func Lookup(name string) (Scenario, error) {
	for _, sc := range Builtin() {
		if sc.Name == name {
			return sc, nil
		}
	}
	return Scenario{}, fmt.Errorf("sim: unknown scenario %q", name)
}

// Builtin returns the named scenarios the harness ships with.
func Builtin() []Scenario {
	return []Scenario{
		{
			// Normal operations. Expected: ACCEPT, LOW risk, one action.
			Name:    ScenarioClearSkies,
			Airport: "KLAX",
			FAA: ingest.AirportStatus{
				ICAO: "KLAX", Name: "Los Angeles Intl",
			},
			Metar: &ingest.MetarObservation{
				ICAO:           "KLAX",
				WindDirection:  intp(250),
				WindSpeedKt:    intp(8),
				VisibilityMi:   floatp(10),
				CeilingFt:      intp(25000),
				FlightCategory: "VFR",
				Raw:            "KLAX 241753Z 25008KT 10SM FEW250 24/14 A3002",
			},
			TAF: &ingest.TAFForecast{
				ICAO: "KLAX",
				Raw:  "KLAX 241720Z 2418/2524 25008KT P6SM FEW250",
			},
			Movement: &ingest.MovementSnapshot{
				ICAO: "KLAX", AircraftCount: 120, OnGround: 70, Airborne: 50,
			},
		},
		{
			// Ground stop with severe weather. Expected: HOLD, HIGH risk,
			// SET_POSTURE plus an advisory, approval-gated cargo actions.
			Name:    ScenarioGroundStop,
			Airport: "KJFK",
			FAA: ingest.AirportStatus{
				ICAO: "KJFK", Name: "John F Kennedy Intl", Reported: true,
				Delay: true, DelayType: "Ground Stop", Reason: "WX",
				AvgDelayMinutes: 90,
			},
			Metar: &ingest.MetarObservation{
				ICAO:           "KJFK",
				WindDirection:  intp(200),
				WindSpeedKt:    intp(25),
				WindGustKt:     intp(35),
				VisibilityMi:   floatp(0.5),
				CeilingFt:      intp(400),
				Weather:        []string{"+TSRA"},
				FlightCategory: "IFR",
				Raw:            "KJFK 241751Z 20025G35KT 1/2SM +TSRA OVC004 18/17 A2955",
			},
			TAF: &ingest.TAFForecast{
				ICAO: "KJFK",
				Raw:  "KJFK 241720Z 2418/2524 20022G38KT 1SM +TSRA OVC005",
			},
			Alerts: []ingest.WeatherAlert{{
				ID:       "urn:oid:2.49.0.1.840.0.sim-jfk-1",
				Event:    "Severe Thunderstorm Warning",
				Severity: "Severe",
				Headline: "Severe Thunderstorm Warning for Queens County",
			}},
			Movement: &ingest.MovementSnapshot{
				ICAO: "KJFK", AircraftCount: 8, OnGround: 7, Airborne: 1,
			},
		},
		{
			// FAA reports normal while weather says otherwise. Expected:
			// FAA_WEATHER contradiction, one forced re-investigation,
			// final posture RESTRICT or HOLD at MEDIUM+ risk.
			Name:    ScenarioWeatherContradiction,
			Airport: "KORD",
			FAA: ingest.AirportStatus{
				ICAO: "KORD", Name: "Chicago O'Hare Intl",
			},
			Metar: &ingest.MetarObservation{
				ICAO:           "KORD",
				WindDirection:  intp(340),
				WindSpeedKt:    intp(18),
				VisibilityMi:   floatp(0.25),
				CeilingFt:      intp(200),
				Weather:        []string{"+SN", "FZFG"},
				FlightCategory: "LIFR",
				Raw:            "KORD 241751Z 34018KT 1/4SM +SN FZFG VV002 M04/M05 A2988",
			},
			TAF: &ingest.TAFForecast{
				ICAO: "KORD",
				Raw:  "KORD 241720Z 2418/2524 34015KT 1/2SM +SN OVC003",
			},
			Alerts: []ingest.WeatherAlert{{
				ID:       "urn:oid:2.49.0.1.840.0.sim-ord-1",
				Event:    "Winter Storm Warning",
				Severity: "Severe",
				Headline: "Winter Storm Warning for Cook County",
			}},
			Movement: &ingest.MovementSnapshot{
				ICAO: "KORD", AircraftCount: 15, OnGround: 12, Airborne: 3,
			},
		},
		{
			// Ground stop with booking evidence on file. Expected: HOLD at
			// HIGH risk, a HOLD_CARGO action parked pending approval, case
			// BLOCKED until an operator approves.
			Name:    ScenarioCargoHold,
			Airport: "KEWR",
			FAA: ingest.AirportStatus{
				ICAO: "KEWR", Name: "Newark Liberty Intl", Reported: true,
				Delay: true, DelayType: "Ground Stop", Reason: "WX",
				AvgDelayMinutes: 120,
			},
			Metar: &ingest.MetarObservation{
				ICAO:           "KEWR",
				WindDirection:  intp(210),
				WindSpeedKt:    intp(22),
				WindGustKt:     intp(33),
				VisibilityMi:   floatp(0.75),
				CeilingFt:      intp(500),
				Weather:        []string{"TSRA"},
				FlightCategory: "IFR",
				Raw:            "KEWR 241751Z 21022G33KT 3/4SM TSRA OVC005 19/18 A2951",
			},
			TAF: &ingest.TAFForecast{
				ICAO: "KEWR",
				Raw:  "KEWR 241720Z 2418/2524 21020G35KT 1SM TSRA OVC006",
			},
			Alerts: []ingest.WeatherAlert{{
				ID:       "urn:oid:2.49.0.1.840.0.sim-ewr-1",
				Event:    "Severe Thunderstorm Warning",
				Severity: "Severe",
				Headline: "Severe Thunderstorm Warning for Essex County",
			}},
			Movement: &ingest.MovementSnapshot{
				ICAO: "KEWR", AircraftCount: 10, OnGround: 9, Airborne: 1,
			},
			Booking: &BookingRef{
				ShipmentRef: "SHP-2024-88213",
				Pieces:      4,
				WeightKg:    820,
			},
		},
		{
			// Blocking source down. Expected: case BLOCKED with one
			// MissingEvidenceRequest for METAR, no posture executed.
			Name:    ScenarioMissingMetar,
			Airport: "KSEA",
			FAA: ingest.AirportStatus{
				ICAO: "KSEA", Name: "Seattle Tacoma Intl",
			},
			TAF: &ingest.TAFForecast{
				ICAO: "KSEA",
				Raw:  "KSEA 241720Z 2418/2524 18010KT P6SM SCT035",
			},
			Movement: &ingest.MovementSnapshot{
				ICAO: "KSEA", AircraftCount: 45, OnGround: 28, Airborne: 17,
			},
			Failures: map[string]error{
				ingest.SourceMETAR: fmt.Errorf("%w: fetch timed out", ErrSourceUnavailable),
			},
		},
	}
}

// Registry builds an ingestion registry whose five sources answer from the
// scenario instead of the network. It satisfies the same contract as the
// production registry, so the investigator cannot tell them apart.
func Registry(sc Scenario, logger *slog.Logger) *ingest.Registry {
	reg := ingest.NewRegistry(5*time.Second, logger)
	reg.Register(&cannedFetcher{
		source:      ingest.SourceFAANAS,
		criticality: ingest.CriticalityBlocking,
		scenario:    sc,
	})
	reg.Register(&cannedFetcher{
		source:      ingest.SourceMETAR,
		criticality: ingest.CriticalityBlocking,
		scenario:    sc,
	})
	reg.Register(&cannedFetcher{
		source:      ingest.SourceTAF,
		criticality: ingest.CriticalityDegraded,
		scenario:    sc,
	})
	reg.Register(&cannedFetcher{
		source:      ingest.SourceNWSAlerts,
		criticality: ingest.CriticalityDegraded,
		scenario:    sc,
	})
	reg.Register(&cannedFetcher{
		source:      ingest.SourceOpenSky,
		criticality: ingest.CriticalityInformational,
		scenario:    sc,
	})
	return reg
}
