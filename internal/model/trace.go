package model

import (
	"time"

	"github.com/google/uuid"
)

// TraceEventType enumerates audit trail event kinds.
type TraceEventType string

const (
	TraceStateEnter    TraceEventType = "STATE_ENTER"
	TraceStateExit     TraceEventType = "STATE_EXIT"
	TraceToolCall      TraceEventType = "TOOL_CALL"
	TraceToolResult    TraceEventType = "TOOL_RESULT"
	TraceGuardrailFail TraceEventType = "GUARDRAIL_FAIL"
	TraceHandoff       TraceEventType = "HANDOFF"
)

// TraceEvent is one entry in a case's ordered audit trail.
// Seq is strictly increasing per case.
type TraceEvent struct {
	ID        uuid.UUID      `json:"id"`
	CaseID    uuid.UUID      `json:"case_id"`
	Seq       int64          `json:"seq"`
	EventType TraceEventType `json:"event_type"`
	RefType   string         `json:"ref_type"`
	RefID     *uuid.UUID     `json:"ref_id,omitempty"`
	Meta      map[string]any `json:"meta"`
	CreatedAt time.Time      `json:"created_at"`
}
