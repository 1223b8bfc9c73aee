package playbooks

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torii-ai/sekisho/internal/model"
)

func TestMatchScoreScopeAndSignals(t *testing.T) {
	pattern := map[string]any{
		"case_type": "AIRPORT_DISRUPTION",
		"scope":     map[string]any{"airport": "KORD"},
		"signals":   []any{"FAA_NAS", "METAR"},
	}

	score := MatchScore(pattern, map[string]any{"airport": "KORD"}, []string{"FAA_NAS", "METAR"})
	assert.InDelta(t, 1.0, score, 1e-9, "perfect scope and signal match")

	score = MatchScore(pattern, map[string]any{"airport": "KJFK"}, []string{"FAA_NAS", "METAR"})
	assert.InDelta(t, 0.4, score, 1e-9, "wrong airport keeps only the signal component")

	score = MatchScore(pattern, map[string]any{"airport": "KORD"}, nil)
	assert.InDelta(t, 0.6, score, 1e-9, "no signals yet keeps only the scope component")
}

func TestMatchScoreSignalJaccard(t *testing.T) {
	pattern := map[string]any{
		"scope":   map[string]any{"airport": "KORD"},
		"signals": []any{"FAA_NAS", "METAR"},
	}

	// One shared signal, one extra on each side: 1 / 3.
	score := MatchScore(pattern, map[string]any{"airport": "KORD"}, []string{"FAA_NAS", "OPENSKY"})
	assert.InDelta(t, 0.6+0.4/3, score, 1e-9)
}

func TestMatchScoreNeutralDefaults(t *testing.T) {
	score := MatchScore(map[string]any{}, map[string]any{"airport": "KORD"}, []string{"METAR"})
	assert.InDelta(t, 0.5, score, 1e-9, "pattern without scope or signals is a coin flip")
	assert.Less(t, score, MatchThreshold+1e-9, "neutral score never clears the threshold alone")
}

func TestTemplateActionsDecoding(t *testing.T) {
	template := map[string]any{
		"actions": []any{
			map[string]any{"type": "SET_POSTURE", "args": map[string]any{"posture": "HOLD"}},
			map[string]any{"type": "PUBLISH_GATEWAY_ADVISORY"},
			map[string]any{"args": map[string]any{"orphan": true}}, // no type, dropped
			"not an object",
		},
	}

	actions := TemplateActions(template)
	require.Len(t, actions, 2)
	assert.Equal(t, model.ActionSetPosture, actions[0].Type)
	assert.Equal(t, "HOLD", actions[0].Args["posture"])
	assert.Equal(t, model.ActionPublishAdvisory, actions[1].Type)
	assert.Nil(t, actions[1].Args)

	assert.Empty(t, TemplateActions(map[string]any{}))
}

func TestExecutedTemplateFiltersAndStrips(t *testing.T) {
	actions := []model.Action{
		{
			Type:  model.ActionSetPosture,
			State: model.ActionCompleted,
			Args: map[string]any{
				"posture":               "HOLD",
				"requires_approval":     false,
				"requires_notification": false,
				"notification_draft":    map[string]any{"subject": "x"},
			},
		},
		{Type: model.ActionRebookFlight, State: model.ActionFailed, Args: map[string]any{}},
		{Type: model.ActionHoldCargo, State: model.ActionProposed, Args: map[string]any{}},
	}

	template := executedTemplate(actions)
	require.Len(t, template, 1, "only completed actions are worth repeating")

	entry := template[0].(map[string]any)
	assert.Equal(t, "SET_POSTURE", entry["type"])
	args := entry["args"].(map[string]any)
	assert.Equal(t, "HOLD", args["posture"])
	assert.NotContains(t, args, "requires_approval")
	assert.NotContains(t, args, "notification_draft")
}

func TestMinedScopeGeneralizes(t *testing.T) {
	scope := minedScope(map[string]any{
		"airport":     "KORD",
		"shipment_id": "SHP-1",
		"booking_id":  "BKG-9",
	})
	assert.Equal(t, map[string]any{"airport": "KORD"}, scope)
}

func TestPlaybookName(t *testing.T) {
	id := uuid.MustParse("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee")
	c := model.Case{
		ID:       id,
		CaseType: model.CaseTypeAirportDisruption,
		Scope:    map[string]any{"airport": "KATL"},
	}
	assert.Equal(t, "AIRPORT_DISRUPTION KATL aaaaaaaa", playbookName(c))

	c.Scope = nil
	assert.Contains(t, playbookName(c), "unscoped")
}

func TestAgerCutoff(t *testing.T) {
	fixed := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	ag := &Ager{now: func() time.Time { return fixed }}
	cutoff := ag.now().UTC().Add(-unusedRetirement)
	assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), cutoff)
}
