package sim

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/torii-ai/sekisho/internal/model"
	"github.com/torii-ai/sekisho/internal/storage"
)

// SourceSimulation marks everything the seeder writes, so cascade queries
// can report that exposure numbers come from seeded data.
const SourceSimulation = "SIMULATION"

// Seeder populates the operational subgraph around an airport: carriers,
// scheduled flights, shipments riding them, and bookings with SLA deadlines.
// The cascade query walks exactly this shape when computing revenue at risk.
type Seeder struct {
	db     *storage.DB
	logger *slog.Logger
}

func NewSeeder(db *storage.DB, logger *slog.Logger) *Seeder {
	return &Seeder{db: db, logger: logger}
}

type seedFlight struct {
	number      string
	carrier     string
	carrierName string
	origin      string
	destination string
	departs     bool
	shipments   []seedShipment
}

type seedShipment struct {
	tracking  string
	commodity string
	weightKg  float64
	service   string
	chargeUSD float64
	slaHours  float64
	customer  string
}

// Seed builds the operational picture for one airport. Idempotent per
// identifier: nodes upsert, and a second run supersedes node versions
// rather than duplicating identities.
func (s *Seeder) Seed(ctx context.Context, airportICAO string) error {
	now := time.Now().UTC()

	airport, err := s.db.UpsertNode(ctx, model.NodeAirport, airportICAO)
	if err != nil {
		return fmt.Errorf("sim: seed airport: %w", err)
	}
	if _, err := s.db.UpsertNodeVersion(ctx, airport.ID, map[string]any{
		"icao": airportICAO, "role": "gateway",
	}, now); err != nil {
		return fmt.Errorf("sim: seed airport version: %w", err)
	}

	ev, err := s.db.InsertEvidence(ctx, model.Evidence{
		SourceSystem: SourceSimulation,
		URI:          "sim://seed/" + airportICAO,
		Excerpt:      `{"status":"has_data","source":"SIMULATION"}`,
	}, []byte("operational seed "+airportICAO))
	if err != nil {
		return fmt.Errorf("sim: seed evidence: %w", err)
	}

	for _, fl := range flightsFor(airportICAO, now) {
		if err := s.seedFlight(ctx, airport.ID, ev.ID, fl, now); err != nil {
			return err
		}
	}

	s.logger.Info("operational graph seeded", "airport", airportICAO)
	return nil
}

func (s *Seeder) seedFlight(ctx context.Context, airportID, evidenceID uuid.UUID, fl seedFlight, now time.Time) error {
	carrier, err := s.db.UpsertNode(ctx, model.NodeCarrier, fl.carrier)
	if err != nil {
		return fmt.Errorf("sim: seed carrier %s: %w", fl.carrier, err)
	}
	if _, err := s.db.UpsertNodeVersion(ctx, carrier.ID, map[string]any{
		"name": fl.carrierName, "iata_code": fl.carrier,
	}, now); err != nil {
		return fmt.Errorf("sim: seed carrier version: %w", err)
	}

	flight, err := s.db.UpsertNode(ctx, model.NodeFlight, fl.number)
	if err != nil {
		return fmt.Errorf("sim: seed flight %s: %w", fl.number, err)
	}
	if _, err := s.db.UpsertNodeVersion(ctx, flight.ID, map[string]any{
		"flight_number": fl.number,
		"status":        "SCHEDULED",
		"origin":        fl.origin,
		"destination":   fl.destination,
		"carrier_id":    fl.carrier,
	}, now); err != nil {
		return fmt.Errorf("sim: seed flight version: %w", err)
	}

	edgeType := model.EdgeFlightArrivesAt
	if fl.departs {
		edgeType = model.EdgeFlightDepartsFrom
	}
	if err := s.factEdge(ctx, flight.ID, airportID, edgeType, evidenceID, now); err != nil {
		return err
	}
	if err := s.factEdge(ctx, carrier.ID, flight.ID, model.EdgeCarrierOperatesFlight, evidenceID, now); err != nil {
		return err
	}

	for _, sh := range fl.shipments {
		if err := s.seedShipment(ctx, flight.ID, evidenceID, sh, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Seeder) seedShipment(ctx context.Context, flightID, evidenceID uuid.UUID, sh seedShipment, now time.Time) error {
	shipment, err := s.db.UpsertNode(ctx, model.NodeShipment, sh.tracking)
	if err != nil {
		return fmt.Errorf("sim: seed shipment %s: %w", sh.tracking, err)
	}
	if _, err := s.db.UpsertNodeVersion(ctx, shipment.ID, map[string]any{
		"tracking_number": sh.tracking,
		"commodity":       sh.commodity,
		"weight_kg":       sh.weightKg,
		"service_level":   sh.service,
	}, now); err != nil {
		return fmt.Errorf("sim: seed shipment version: %w", err)
	}

	booking, err := s.db.UpsertNode(ctx, model.NodeBooking, "BK-"+sh.tracking)
	if err != nil {
		return fmt.Errorf("sim: seed booking for %s: %w", sh.tracking, err)
	}
	if _, err := s.db.UpsertNodeVersion(ctx, booking.ID, map[string]any{
		"total_charge_usd": sh.chargeUSD,
		"sla_deadline":     now.Add(time.Duration(sh.slaHours * float64(time.Hour))).Format(time.RFC3339),
		"customer_id":      sh.customer,
	}, now); err != nil {
		return fmt.Errorf("sim: seed booking version: %w", err)
	}

	if err := s.factEdge(ctx, shipment.ID, flightID, model.EdgeShipmentOnFlight, evidenceID, now); err != nil {
		return err
	}
	return s.factEdge(ctx, booking.ID, shipment.ID, model.EdgeBookingForShipment, evidenceID, now)
}

// factEdge inserts a FACT edge bound to the seed evidence row.
func (s *Seeder) factEdge(ctx context.Context, src, dst uuid.UUID, t model.EdgeType, evidenceID uuid.UUID, now time.Time) error {
	edge, err := s.db.InsertEdge(ctx, model.Edge{
		Src:  src,
		Dst:  dst,
		Type: t,
		Attrs: map[string]any{
			"evidence_ids": []string{evidenceID.String()},
		},
		Confidence:     1.0,
		SourceSystem:   SourceSimulation,
		EventTimeStart: &now,
	})
	if err != nil {
		return fmt.Errorf("sim: seed edge %s: %w", t, err)
	}
	if err := s.db.BindEdgeEvidence(ctx, edge.ID, evidenceID); err != nil {
		return fmt.Errorf("sim: bind seed edge %s: %w", t, err)
	}
	if err := s.db.PromoteEdge(ctx, edge.ID); err != nil {
		return fmt.Errorf("sim: promote seed edge %s: %w", t, err)
	}
	return nil
}

// flightsFor returns the canned schedule around an airport. Two departures
// and one arrival, six shipments total, with one SLA deadline inside the
// 24 hour imminent-breach window.
func flightsFor(airport string, now time.Time) []seedFlight {
	suffix := airport[len(airport)-2:]
	return []seedFlight{
		{
			number: "CX" + suffix + "81", carrier: "CX", carrierName: "Cathay Pacific Cargo",
			origin: airport, destination: "VHHH", departs: true,
			shipments: []seedShipment{
				{
					tracking: "SHP-" + suffix + "-001", commodity: "Pharmaceuticals",
					weightKg: 1200, service: "EXPRESS", chargeUSD: 48000,
					slaHours: 18, customer: "CUST-MEDLINE",
				},
				{
					tracking: "SHP-" + suffix + "-002", commodity: "Semiconductors",
					weightKg: 650, service: "EXPRESS", chargeUSD: 31000,
					slaHours: 36, customer: "CUST-FABCO",
				},
			},
		},
		{
			number: "LH" + suffix + "45", carrier: "LH", carrierName: "Lufthansa Cargo",
			origin: airport, destination: "EDDF", departs: true,
			shipments: []seedShipment{
				{
					tracking: "SHP-" + suffix + "-003", commodity: "Automotive Parts",
					weightKg: 4800, service: "STANDARD", chargeUSD: 22000,
					slaHours: 72, customer: "CUST-AUTOWERK",
				},
				{
					tracking: "SHP-" + suffix + "-004", commodity: "Perishables",
					weightKg: 900, service: "EXPRESS", chargeUSD: 15500,
					slaHours: 20, customer: "CUST-FRESHCO",
				},
			},
		},
		{
			number: "KE" + suffix + "12", carrier: "KE", carrierName: "Korean Air Cargo",
			origin: "RKSI", destination: airport, departs: false,
			shipments: []seedShipment{
				{
					tracking: "SHP-" + suffix + "-005", commodity: "Consumer Electronics",
					weightKg: 2100, service: "STANDARD", chargeUSD: 18700,
					slaHours: 96, customer: "CUST-RETAILNET",
				},
				{
					tracking: "SHP-" + suffix + "-006", commodity: "General",
					weightKg: 3300, service: "DEFERRED", chargeUSD: 9400,
					slaHours: 120, customer: "CUST-FREIGHTALL",
				},
			},
		},
	}
}
