package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/torii-ai/sekisho/internal/model"
)

// Criticality classifies how a source failure affects a case.
type Criticality string

const (
	// CriticalityBlocking sources must succeed; failure blocks the case.
	CriticalityBlocking Criticality = "BLOCKING"
	// CriticalityDegraded sources reduce confidence when missing.
	CriticalityDegraded Criticality = "DEGRADED"
	// CriticalityInformational sources are best-effort corroboration.
	CriticalityInformational Criticality = "INFORMATIONAL"
)

// Source system names.
const (
	SourceFAANAS    = "FAA_NAS"
	SourceMETAR     = "METAR"
	SourceTAF       = "TAF"
	SourceNWSAlerts = "NWS_ALERTS"
	SourceOpenSky   = "OPENSKY"
	SourceBooking   = "BOOKING"
)

// Result is the outcome of one fetch attempt against one source. Every
// attempt, including failures, becomes an evidence row; Status is the
// discriminator recorded in the evidence excerpt.
type Result struct {
	Source      string
	Criticality Criticality
	Status      model.EvidenceStatus
	Payload     []byte
	Parsed      any
	URI         string
	RetrievedAt time.Time
	Err         error
}

// Excerpt renders the evidence excerpt JSON for this result.
func (r Result) Excerpt() string {
	doc := map[string]any{
		"status": string(r.Status),
		"source": r.Source,
	}
	if r.Err != nil {
		doc["error"] = r.Err.Error()
	}
	if r.Parsed != nil {
		doc["data"] = r.Parsed
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return `{"status":"api_error","error":"excerpt marshal failed"}`
	}
	return string(b)
}

// Fetcher retrieves disruption data for one airport from one source.
type Fetcher interface {
	Source() string
	Criticality() Criticality
	Fetch(ctx context.Context, airportICAO string) Result
}

// Registry maps source names to fetchers. It is handed to the investigator
// as a parameter so simulations can swap in canned sources.
type Registry struct {
	order    []string
	fetchers map[string]Fetcher
	timeout  time.Duration
	logger   *slog.Logger
}

// NewRegistry builds an empty registry with the given per-source ceiling.
func NewRegistry(perSourceTimeout time.Duration, logger *slog.Logger) *Registry {
	if perSourceTimeout <= 0 {
		perSourceTimeout = 30 * time.Second
	}
	return &Registry{
		fetchers: make(map[string]Fetcher),
		timeout:  perSourceTimeout,
		logger:   logger,
	}
}

// Register adds or replaces a fetcher.
func (r *Registry) Register(f Fetcher) {
	if _, exists := r.fetchers[f.Source()]; !exists {
		r.order = append(r.order, f.Source())
	}
	r.fetchers[f.Source()] = f
}

// Get returns the fetcher for a source, or nil.
func (r *Registry) Get(source string) Fetcher {
	return r.fetchers[source]
}

// Sources returns registered source names in registration order.
func (r *Registry) Sources() []string {
	return append([]string(nil), r.order...)
}

// FetchAll queries every registered source in parallel and returns one
// Result per source in registration order. A panicking or slow source is
// bounded by the per-source timeout; the fan-out itself never fails.
func (r *Registry) FetchAll(ctx context.Context, airportICAO string) []Result {
	results := make([]Result, len(r.order))

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range r.order {
		f := r.fetchers[name]
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(gctx, r.timeout)
			defer cancel()

			res := f.Fetch(fctx, airportICAO)
			res.Source = f.Source()
			res.Criticality = f.Criticality()
			if res.RetrievedAt.IsZero() {
				res.RetrievedAt = time.Now().UTC()
			}
			results[i] = res

			if res.Err != nil {
				r.logger.Warn("source fetch failed",
					"source", f.Source(), "airport", airportICAO, "error", res.Err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// DefaultRegistry wires the production fetchers for the public data sources.
func DefaultRegistry(client *Client, faaBase, wxBase, nwsBase, openskyBase string, perSourceTimeout time.Duration, logger *slog.Logger) *Registry {
	reg := NewRegistry(perSourceTimeout, logger)
	reg.Register(&FAAFetcher{Client: client, BaseURL: faaBase})
	reg.Register(&METARFetcher{Client: client, BaseURL: wxBase})
	reg.Register(&TAFFetcher{Client: client, BaseURL: wxBase})
	reg.Register(&NWSFetcher{Client: client, BaseURL: nwsBase})
	reg.Register(&OpenSkyFetcher{Client: client, BaseURL: openskyBase})
	return reg
}

// USAirport reports whether the ICAO code belongs to a US airport.
// Coverage is limited to sources that publish US data.
func USAirport(icao string) bool {
	icao = strings.ToUpper(icao)
	return strings.HasPrefix(icao, "K") ||
		strings.HasPrefix(icao, "P") ||
		strings.HasPrefix(icao, "TJ") ||
		strings.HasPrefix(icao, "TI")
}
