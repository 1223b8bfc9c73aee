package llm

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assess(t *testing.T, payload map[string]any) map[string]any {
	t.Helper()
	payload["task"] = "assess_risk"
	b, err := json.Marshal(payload)
	require.NoError(t, err)

	raw, err := NewRulesClient().CompleteJSON(context.Background(), "", string(b))
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestRulesAssessRiskGroundStopHolds(t *testing.T) {
	out := assess(t, map[string]any{
		"signals": []map[string]any{
			{
				"edge_type": "FAA_DISRUPTION", "severity": "", "status": "DISRUPTED",
				"attrs": map[string]any{"delay_type": "Ground Stop"},
			},
			{"edge_type": "WEATHER_RISK", "severity": "HIGH", "attrs": map[string]any{}},
		},
	})
	assert.Equal(t, "HIGH", out["risk_level"])
	assert.Equal(t, "HOLD", out["recommended_posture"],
		"a later high-severity signal must not downgrade a ground-stop hold")
}

func TestRulesAssessRiskClosureOutranksGroundStop(t *testing.T) {
	out := assess(t, map[string]any{
		"signals": []map[string]any{
			{
				"edge_type": "FAA_DISRUPTION", "closure": true,
				"attrs": map[string]any{"delay_type": "Ground Stop"},
			},
		},
	})
	assert.Equal(t, "CRITICAL", out["risk_level"])
	assert.Equal(t, "HOLD", out["recommended_posture"])
}

func TestRulesAssessRiskContradictions(t *testing.T) {
	t.Run("quiet airport escalates", func(t *testing.T) {
		out := assess(t, map[string]any{
			"signals":             []map[string]any{},
			"contradiction_count": 1,
		})
		assert.Equal(t, "ESCALATE", out["recommended_posture"])
	})

	t.Run("disrupted airport keeps its posture", func(t *testing.T) {
		out := assess(t, map[string]any{
			"signals": []map[string]any{
				{"edge_type": "WEATHER_RISK", "severity": "HIGH", "attrs": map[string]any{}},
			},
			"contradiction_count": 2,
		})
		assert.Equal(t, "HIGH", out["risk_level"])
		assert.Equal(t, "RESTRICT", out["recommended_posture"])

		factors, ok := out["risk_factors"].([]any)
		require.True(t, ok)
		assert.Contains(t, factors, "contradictions")
	})
}
