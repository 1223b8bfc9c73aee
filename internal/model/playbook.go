package model

import (
	"time"

	"github.com/google/uuid"
)

// Playbook is a learned pattern mined from completed cases.
type Playbook struct {
	ID             uuid.UUID      `json:"id"`
	Name           string         `json:"name"`
	Pattern        map[string]any `json:"pattern"`
	ActionTemplate map[string]any `json:"action_template"`
	Stats          PlaybookStats  `json:"stats"`
	Archived       bool           `json:"archived"`
	CreatedAt      time.Time      `json:"created_at"`

	// MatchScore is populated by matching queries, not stored.
	MatchScore float64 `json:"match_score,omitempty"`
}

// PlaybookStats tracks reuse outcomes for a playbook.
type PlaybookStats struct {
	UseCount     int        `json:"use_count"`
	SuccessCount int        `json:"success_count"`
	SuccessRate  float64    `json:"success_rate"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
}

// Policy is one governance rule with an effectiveness window.
type Policy struct {
	ID            uuid.UUID      `json:"id"`
	Type          string         `json:"type"`
	Text          string         `json:"text"`
	Conditions    map[string]any `json:"conditions"`
	Effects       map[string]any `json:"effects"`
	EffectiveFrom time.Time      `json:"effective_from"`
	EffectiveTo   *time.Time     `json:"effective_to,omitempty"`
}
