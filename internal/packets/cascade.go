package packets

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/torii-ai/sekisho/internal/model"
	"github.com/torii-ai/sekisho/internal/storage"
)

// slaImminentWindow is how far ahead a shipment's SLA deadline counts as
// imminent for cascade reporting.
const slaImminentWindow = 24 * time.Hour

// CascadeImpact is the operational blast radius of an airport disruption:
// the flights touching the airport and everything hanging off them.
type CascadeImpact struct {
	AirportICAO        string   `json:"airport_icao"`
	FlightCount        int      `json:"flight_count"`
	ShipmentCount      int      `json:"shipment_count"`
	BookingCount       int      `json:"booking_count"`
	CarrierCount       int      `json:"carrier_count"`
	Carriers           []string `json:"carriers,omitempty"`
	RevenueExposureUSD float64  `json:"revenue_exposure_usd"`
	ImminentSLACount   int      `json:"imminent_sla_count"`
}

// Cascade walks the operational subgraph downstream of an airport.
type Cascade struct {
	db  *storage.DB
	now func() time.Time
}

func NewCascade(db *storage.DB) *Cascade {
	return &Cascade{db: db, now: time.Now}
}

// Compute traverses airport -> flights -> shipments -> bookings, plus the
// carriers operating those flights, at current visibility. Revenue comes
// from booking attributes, SLA pressure from shipment attributes.
func (c *Cascade) Compute(ctx context.Context, airportICAO string) (CascadeImpact, error) {
	impact := CascadeImpact{AirportICAO: airportICAO}
	now := c.now().UTC()
	asOf := storage.Now(now)

	airport, err := c.db.GetNode(ctx, model.NodeAirport, airportICAO)
	if err != nil {
		return impact, fmt.Errorf("packets: airport node: %w", err)
	}

	flightEdges, err := c.db.VisibleEdges(ctx, asOf, storage.EdgeFilter{
		DstNodeID: &airport.ID,
		Types:     []model.EdgeType{model.EdgeFlightDepartsFrom, model.EdgeFlightArrivesAt},
	})
	if err != nil {
		return impact, fmt.Errorf("packets: flight edges: %w", err)
	}

	flights := uniqueSrc(flightEdges)
	impact.FlightCount = len(flights)

	carriers := make(map[uuid.UUID]bool)
	shipments := make(map[uuid.UUID]bool)
	for flightID := range flights {
		id := flightID

		carrierEdges, err := c.db.VisibleEdges(ctx, asOf, storage.EdgeFilter{
			DstNodeID: &id,
			Types:     []model.EdgeType{model.EdgeCarrierOperatesFlight},
		})
		if err != nil {
			return impact, fmt.Errorf("packets: carrier edges: %w", err)
		}
		for _, e := range carrierEdges {
			if !carriers[e.Src] {
				carriers[e.Src] = true
				if name, ok := e.Attrs["carrier"].(string); ok {
					impact.Carriers = append(impact.Carriers, name)
				}
			}
		}

		shipmentEdges, err := c.db.VisibleEdges(ctx, asOf, storage.EdgeFilter{
			DstNodeID: &id,
			Types:     []model.EdgeType{model.EdgeShipmentOnFlight},
		})
		if err != nil {
			return impact, fmt.Errorf("packets: shipment edges: %w", err)
		}
		for _, e := range shipmentEdges {
			shipments[e.Src] = true
		}
	}
	impact.CarrierCount = len(carriers)
	impact.ShipmentCount = len(shipments)

	for shipmentID := range shipments {
		id := shipmentID

		if version, err := c.db.GetNodeVersionAsOf(ctx, id, now); err == nil {
			if deadline, ok := timeAttr(version.Attrs, "sla_deadline"); ok {
				if deadline.After(now) && deadline.Sub(now) <= slaImminentWindow {
					impact.ImminentSLACount++
				}
			}
		}

		bookingEdges, err := c.db.VisibleEdges(ctx, asOf, storage.EdgeFilter{
			DstNodeID: &id,
			Types:     []model.EdgeType{model.EdgeBookingForShipment},
		})
		if err != nil {
			return impact, fmt.Errorf("packets: booking edges: %w", err)
		}
		for _, e := range bookingEdges {
			impact.BookingCount++
			if version, err := c.db.GetNodeVersionAsOf(ctx, e.Src, now); err == nil {
				if revenue, ok := floatAttr(version.Attrs, "revenue_usd"); ok {
					impact.RevenueExposureUSD += revenue
				}
			}
		}
	}

	return impact, nil
}

func uniqueSrc(edges []model.Edge) map[uuid.UUID]bool {
	out := make(map[uuid.UUID]bool, len(edges))
	for _, e := range edges {
		out[e.Src] = true
	}
	return out
}

func timeAttr(attrs map[string]any, key string) (time.Time, bool) {
	s, ok := attrs[key].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func floatAttr(attrs map[string]any, key string) (float64, bool) {
	switch v := attrs[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
