package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// NodeType enumerates entity kinds in the operational graph.
type NodeType string

const (
	NodeAirport  NodeType = "AIRPORT"
	NodeFlight   NodeType = "FLIGHT"
	NodeShipment NodeType = "SHIPMENT"
	NodeBooking  NodeType = "BOOKING"
	NodeCarrier  NodeType = "CARRIER"
	NodeAlert    NodeType = "ALERT"
)

// Node is an identity row; attributes live in versions.
type Node struct {
	ID         uuid.UUID `json:"id"`
	Type       NodeType  `json:"type"`
	Identifier string    `json:"identifier"`
	CreatedAt  time.Time `json:"created_at"`
}

// NodeVersion is one attribute snapshot of a node. The current version
// has a nil ValidTo; upserting closes it and opens a new one.
type NodeVersion struct {
	ID        uuid.UUID      `json:"id"`
	NodeID    uuid.UUID      `json:"node_id"`
	Attrs     map[string]any `json:"attrs"`
	ValidFrom time.Time      `json:"valid_from"`
	ValidTo   *time.Time     `json:"valid_to,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AssertionStatus is the lifecycle of a graph assertion (edge or claim).
type AssertionStatus string

const (
	StatusDraft     AssertionStatus = "DRAFT"
	StatusFact      AssertionStatus = "FACT"
	StatusRetracted AssertionStatus = "RETRACTED"
)

// EdgeType enumerates relationship kinds.
type EdgeType string

const (
	EdgeFlightDepartsFrom     EdgeType = "FLIGHT_DEPARTS_FROM"
	EdgeFlightArrivesAt       EdgeType = "FLIGHT_ARRIVES_AT"
	EdgeShipmentOnFlight      EdgeType = "SHIPMENT_ON_FLIGHT"
	EdgeBookingForShipment    EdgeType = "BOOKING_FOR_SHIPMENT"
	EdgeCarrierOperatesFlight EdgeType = "CARRIER_OPERATES_FLIGHT"

	// Derived signal edges.
	EdgeFAADisruption    EdgeType = "AIRPORT_HAS_FAA_DISRUPTION"
	EdgeWeatherRisk      EdgeType = "AIRPORT_WEATHER_RISK"
	EdgeNWSAlert         EdgeType = "AIRPORT_HAS_NWS_ALERT"
	EdgeMovementCollapse EdgeType = "AIRPORT_MOVEMENT_COLLAPSE"
)

// Edge is a bi-temporal relationship between two nodes.
// Event time says when the relationship held in the world; ingested_at says
// when the system learned of it. Corrections supersede, never update.
type Edge struct {
	ID               uuid.UUID       `json:"id"`
	Src              uuid.UUID       `json:"src"`
	Dst              uuid.UUID       `json:"dst"`
	Type             EdgeType        `json:"type"`
	Attrs            map[string]any  `json:"attrs"`
	Status           AssertionStatus `json:"status"`
	Confidence       float32         `json:"confidence"`
	SourceSystem     string          `json:"source_system"`
	EventTimeStart   *time.Time      `json:"event_time_start,omitempty"`
	EventTimeEnd     *time.Time      `json:"event_time_end,omitempty"`
	IngestedAt       time.Time       `json:"ingested_at"`
	ValidFrom        *time.Time      `json:"valid_from,omitempty"`
	ValidTo          *time.Time      `json:"valid_to,omitempty"`
	SupersedesEdgeID *uuid.UUID      `json:"supersedes_edge_id,omitempty"`
}

// Claim is a natural-language assertion about a subject node.
type Claim struct {
	ID               uuid.UUID        `json:"id"`
	SubjectNodeID    uuid.UUID        `json:"subject_node_id"`
	Predicate        string           `json:"predicate"`
	Text             string           `json:"text"`
	Status           AssertionStatus  `json:"status"`
	Confidence       float32          `json:"confidence"`
	IngestedAt       time.Time        `json:"ingested_at"`
	SupersedesClaimID *uuid.UUID      `json:"supersedes_claim_id,omitempty"`
	Embedding        *pgvector.Vector `json:"-"`

	// Joined data, populated by queries.
	EvidenceIDs []uuid.UUID `json:"evidence_ids,omitempty"`
}

// EvidenceStatus is the fetch-outcome discriminator stored in every
// evidence excerpt.
type EvidenceStatus string

const (
	EvidenceHasData          EvidenceStatus = "has_data"
	EvidenceNormalOperations EvidenceStatus = "normal_operations"
	EvidenceNoData           EvidenceStatus = "no_data"
	EvidenceAPIError         EvidenceStatus = "api_error"
	EvidenceNotFetched       EvidenceStatus = "not_fetched"
)

// Evidence is a content-addressed record of one fetch attempt.
type Evidence struct {
	ID           uuid.UUID        `json:"id"`
	SourceSystem string           `json:"source_system"`
	ContentHash  string           `json:"content_hash"`
	URI          string           `json:"uri"`
	Excerpt      string           `json:"excerpt"`
	RetrievedAt  time.Time        `json:"retrieved_at"`
	Embedding    *pgvector.Vector `json:"-"`
}

// ContradictionType enumerates cross-source disagreement patterns.
type ContradictionType string

const (
	ContradictionFAAWeather     ContradictionType = "FAA_WEATHER"
	ContradictionFAAMovement    ContradictionType = "FAA_MOVEMENT"
	ContradictionWeatherMovement ContradictionType = "WEATHER_MOVEMENT"
	ContradictionNWSFAAMismatch ContradictionType = "NWS_FAA_MISMATCH"
)

// Contradiction links two claims that cannot both hold.
type Contradiction struct {
	ID               uuid.UUID         `json:"id"`
	ClaimA           uuid.UUID         `json:"claim_a"`
	ClaimB           uuid.UUID         `json:"claim_b"`
	Type             ContradictionType `json:"type"`
	Severity         string            `json:"severity"`
	ResolutionStatus string            `json:"resolution_status"`
	DetectedAt       time.Time         `json:"detected_at"`
}
