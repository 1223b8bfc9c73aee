package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/torii-ai/sekisho/internal/model"
)

// Cascade traverses the operational graph around an airport and aggregates
// downstream exposure: AIRPORT <- FLIGHT <- SHIPMENT <- BOOKING -> CARRIER.
// All edge hops use the canonical visibility predicate. Financial exposure is
// forwarder revenue (booking charges), not item value.
func (db *DB) Cascade(ctx context.Context, airportICAO string, asOf AsOf) (*model.CascadeImpact, error) {
	airport, err := db.GetNode(ctx, model.NodeAirport, airportICAO)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	flights, carriers, err := db.cascadeFlights(ctx, airport.ID, asOf)
	if err != nil {
		return nil, err
	}
	shipments, summary, slaExposure, err := db.cascadeShipments(ctx, airport.ID, asOf)
	if err != nil {
		return nil, err
	}
	edgeTypes, simulated, err := db.cascadeEdgeStats(ctx, airport.ID, asOf)
	if err != nil {
		return nil, err
	}
	connected, err := db.connectedAirports(ctx, airportICAO, asOf)
	if err != nil {
		return nil, err
	}

	if len(flights) == 0 && len(shipments) == 0 {
		return nil, nil
	}

	summary.TotalFlights = len(flights)
	summary.TotalShipments = len(shipments)

	return &model.CascadeImpact{
		Airport:           airportICAO,
		FlightsAffected:   len(flights),
		Flights:           capMaps(flights, 5),
		Carriers:          carriers,
		ShipmentsAffected: len(shipments),
		Shipments:         capMaps(shipments, 5),
		SLAExposure:       capMaps(slaExposure, 10),
		ConnectedAirports: connected,
		IsHub:             len(connected) >= 5,
		EdgeTypes:         edgeTypes,
		Summary:           summary,
		Simulated:         simulated,
	}, nil
}

func (db *DB) cascadeFlights(ctx context.Context, airportID any, asOf AsOf) ([]map[string]any, []map[string]any, error) {
	query := fmt.Sprintf(`
		SELECT fv.attrs->>'flight_number', fv.attrs->>'status', fv.attrs->>'origin',
			fv.attrs->>'destination', fv.attrs->>'carrier_id'
		FROM node f
		JOIN node_version fv ON fv.node_id = f.id AND %s
		JOIN edge e ON e.src = f.id
		WHERE f.type = 'FLIGHT'
		  AND e.dst = $3
		  AND e.type IN ('FLIGHT_DEPARTS_FROM', 'FLIGHT_ARRIVES_AT')
		  AND %s
		ORDER BY f.created_at DESC
		LIMIT 20`,
		NodeVersionVisibleSQL("fv", 1), EdgeVisibleSQL("e", 1, 2))

	rows, err := db.pool.Query(ctx, query, asOf.EventTime, asOf.IngestTime, airportID)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: cascade flights: %w", err)
	}
	defer rows.Close()

	var flights []map[string]any
	carrierIDs := map[string]bool{}
	for rows.Next() {
		var num, status, origin, dest, carrier *string
		if err := rows.Scan(&num, &status, &origin, &dest, &carrier); err != nil {
			return nil, nil, fmt.Errorf("storage: scan cascade flight: %w", err)
		}
		flights = append(flights, map[string]any{
			"flight_number": strOr(num, ""),
			"status":        strOr(status, "SCHEDULED"),
			"origin":        strOr(origin, ""),
			"destination":   strOr(dest, ""),
		})
		if carrier != nil && *carrier != "" {
			carrierIDs[*carrier] = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var carriers []map[string]any
	for id := range carrierIDs {
		node, err := db.GetNode(ctx, model.NodeCarrier, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		name, iata := id, ""
		if nv, err := db.GetNodeVersionAsOf(ctx, node.ID, asOf.EventTime); err == nil {
			if v, ok := nv.Attrs["name"].(string); ok && v != "" {
				name = v
			}
			if v, ok := nv.Attrs["iata_code"].(string); ok {
				iata = v
			}
		}
		carriers = append(carriers, map[string]any{"name": name, "iata_code": iata})
	}
	return flights, carriers, nil
}

func (db *DB) cascadeShipments(ctx context.Context, airportID any, asOf AsOf) ([]map[string]any, model.CascadeSummary, []map[string]any, error) {
	query := fmt.Sprintf(`
		SELECT sv.attrs->>'tracking_number', sv.attrs->>'commodity', sv.attrs->>'weight_kg',
			sv.attrs->>'service_level', bv.attrs->>'total_charge_usd', bv.attrs->>'sla_deadline',
			bv.attrs->>'customer_id'
		FROM node s
		JOIN node_version sv ON sv.node_id = s.id AND %s
		JOIN edge es ON es.src = s.id AND es.type = 'SHIPMENT_ON_FLIGHT' AND %s
		JOIN edge ef ON ef.src = es.dst AND ef.dst = $3
			AND ef.type IN ('FLIGHT_DEPARTS_FROM', 'FLIGHT_ARRIVES_AT') AND %s
		LEFT JOIN edge eb ON eb.dst = s.id AND eb.type = 'BOOKING_FOR_SHIPMENT'
		LEFT JOIN node_version bv ON bv.node_id = eb.src AND %s
		WHERE s.type = 'SHIPMENT'
		ORDER BY bv.attrs->>'sla_deadline' ASC NULLS LAST
		LIMIT 30`,
		NodeVersionVisibleSQL("sv", 1),
		EdgeVisibleSQL("es", 1, 2),
		EdgeVisibleSQL("ef", 1, 2),
		NodeVersionVisibleSQL("bv", 1))

	rows, err := db.pool.Query(ctx, query, asOf.EventTime, asOf.IngestTime, airportID)
	if err != nil {
		return nil, model.CascadeSummary{}, nil, fmt.Errorf("storage: cascade shipments: %w", err)
	}
	defer rows.Close()

	var shipments, slaExposure []map[string]any
	var summary model.CascadeSummary
	for rows.Next() {
		var tracking, commodity, weightStr, service, chargeStr, deadline, customer *string
		if err := rows.Scan(&tracking, &commodity, &weightStr, &service, &chargeStr, &deadline, &customer); err != nil {
			return nil, model.CascadeSummary{}, nil, fmt.Errorf("storage: scan cascade shipment: %w", err)
		}

		weight := parseFloat(weightStr)
		charge := parseFloat(chargeStr)
		summary.TotalWeightKg += weight
		summary.TotalRevenueUSD += charge
		if chargeStr != nil {
			summary.TotalBookings++
		}

		var hoursRemaining *float64
		imminent := false
		if deadline != nil {
			if dt, err := time.Parse(time.RFC3339, *deadline); err == nil {
				h := dt.Sub(asOf.EventTime).Hours()
				hoursRemaining = &h
				if h <= 24 {
					imminent = true
					summary.SLABreachesImminent++
					slaExposure = append(slaExposure, map[string]any{
						"tracking_number": strOr(tracking, ""),
						"service_level":   strOr(service, "STANDARD"),
						"hours_remaining": h,
						"booking_charge":  charge,
						"customer_id":     strOr(customer, "Unknown"),
					})
				}
			}
		}

		shipments = append(shipments, map[string]any{
			"tracking_number": strOr(tracking, ""),
			"commodity":       strOr(commodity, "General"),
			"weight_kg":       weight,
			"service_level":   strOr(service, "STANDARD"),
			"booking_charge":  charge,
			"sla_deadline":    strOr(deadline, ""),
			"hours_remaining": hoursRemaining,
			"imminent_breach": imminent,
		})
	}
	return shipments, summary, slaExposure, rows.Err()
}

func (db *DB) cascadeEdgeStats(ctx context.Context, airportID any, asOf AsOf) (map[string]int, bool, error) {
	query := fmt.Sprintf(`
		SELECT e.type, e.source_system, COUNT(*)
		FROM edge e
		WHERE e.dst = $3 AND %s
		GROUP BY e.type, e.source_system`, EdgeVisibleSQL("e", 1, 2))

	rows, err := db.pool.Query(ctx, query, asOf.EventTime, asOf.IngestTime, airportID)
	if err != nil {
		return nil, false, fmt.Errorf("storage: cascade edge stats: %w", err)
	}
	defer rows.Close()

	stats := map[string]int{}
	simulated := false
	for rows.Next() {
		var typ, source string
		var count int
		if err := rows.Scan(&typ, &source, &count); err != nil {
			return nil, false, fmt.Errorf("storage: scan edge stats: %w", err)
		}
		stats[typ] += count
		if source == "SIMULATION" {
			simulated = true
		}
	}
	return stats, simulated, rows.Err()
}

func (db *DB) connectedAirports(ctx context.Context, icao string, asOf AsOf) ([]map[string]any, error) {
	query := fmt.Sprintf(`
		SELECT CASE WHEN fv.attrs->>'origin' = $2 THEN fv.attrs->>'destination'
			ELSE fv.attrs->>'origin' END AS connected,
			COUNT(*)
		FROM node f
		JOIN node_version fv ON fv.node_id = f.id AND %s
		WHERE f.type = 'FLIGHT'
		  AND (fv.attrs->>'origin' = $2 OR fv.attrs->>'destination' = $2)
		GROUP BY connected
		ORDER BY COUNT(*) DESC
		LIMIT 10`, NodeVersionVisibleSQL("fv", 1))

	rows, err := db.pool.Query(ctx, query, asOf.EventTime, icao)
	if err != nil {
		return nil, fmt.Errorf("storage: connected airports: %w", err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var connected *string
		var count int
		if err := rows.Scan(&connected, &count); err != nil {
			return nil, fmt.Errorf("storage: scan connected airport: %w", err)
		}
		if connected == nil || *connected == "" || *connected == icao {
			continue
		}
		out = append(out, map[string]any{"airport": *connected, "flights": count})
	}
	return out, rows.Err()
}

func capMaps(in []map[string]any, n int) []map[string]any {
	if len(in) > n {
		return in[:n]
	}
	return in
}

func strOr(s *string, def string) string {
	if s != nil && *s != "" {
		return *s
	}
	return def
}

func parseFloat(s *string) float64 {
	if s == nil {
		return 0
	}
	f, err := strconv.ParseFloat(*s, 64)
	if err != nil {
		return 0
	}
	return f
}
