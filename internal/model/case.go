package model

import (
	"time"

	"github.com/google/uuid"
)

// Posture is the gateway directive emitted for an airport.
type Posture string

const (
	PostureAccept   Posture = "ACCEPT"
	PostureRestrict Posture = "RESTRICT"
	PostureHold     Posture = "HOLD"
	PostureEscalate Posture = "ESCALATE"
)

// Valid reports whether p is a known posture.
func (p Posture) Valid() bool {
	switch p {
	case PostureAccept, PostureRestrict, PostureHold, PostureEscalate:
		return true
	}
	return false
}

// RiskLevel grades the assessed operational risk for a case.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// CaseStatus is the lifecycle status of a case.
type CaseStatus string

const (
	CaseOpen      CaseStatus = "OPEN"
	CaseRunning   CaseStatus = "RUNNING"
	CaseBlocked   CaseStatus = "BLOCKED"
	CaseComplete  CaseStatus = "COMPLETE"
	CaseResolved  CaseStatus = "RESOLVED"
	CaseCancelled CaseStatus = "CANCELLED"
)

// Case is one posture evaluation for an airport.
type Case struct {
	ID        uuid.UUID      `json:"id"`
	CaseType  string         `json:"case_type"`
	Scope     map[string]any `json:"scope"`
	Status    CaseStatus     `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Airport returns the airport ICAO code from the case scope, or "" if unset.
func (c Case) Airport() string {
	if v, ok := c.Scope["airport"].(string); ok {
		return v
	}
	return ""
}

// CaseTypeAirportDisruption is the only case type currently handled.
const CaseTypeAirportDisruption = "AIRPORT_DISRUPTION"

// MissingEvidenceRequest records a blocking evidence gap for a case.
type MissingEvidenceRequest struct {
	ID           uuid.UUID  `json:"id"`
	CaseID       uuid.UUID  `json:"case_id"`
	SourceSystem string     `json:"source_system"`
	RequestType  string     `json:"request_type"`
	Reason       string     `json:"reason"`
	Criticality  string     `json:"criticality"`
	CreatedAt    time.Time  `json:"created_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`

	// ResolvedByEvidenceID points at the evidence row that closed the gap.
	ResolvedByEvidenceID *uuid.UUID `json:"resolved_by_evidence_id,omitempty"`
}
