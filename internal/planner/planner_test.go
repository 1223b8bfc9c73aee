package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torii-ai/sekisho/internal/model"
)

func TestDefineKnownAndUnknown(t *testing.T) {
	d := Define(model.ActionSwitchGateway)
	assert.Equal(t, model.RiskHigh, d.RiskLevel)
	assert.True(t, d.RequiresApproval)
	assert.True(t, d.RequiresBooking)

	d = Define(model.ActionType("BOGUS"))
	assert.Equal(t, model.RiskMedium, d.RiskLevel)
	assert.False(t, d.RequiresApproval)
}

func TestShipmentAction(t *testing.T) {
	assert.True(t, ShipmentAction(model.ActionHoldCargo))
	assert.True(t, ShipmentAction(model.ActionRebookFlight))
	assert.False(t, ShipmentAction(model.ActionSetPosture))
	assert.False(t, ShipmentAction(model.ActionPublishAdvisory))
}

func TestInvestigationGain(t *testing.T) {
	open := []string{"airport_status_unknown", "weather_conditions_unknown"}

	// fetch_faa_status resolves airport_status_unknown (1.0) at cost 0.1.
	assert.InDelta(t, 0.9, InvestigationGain("fetch_faa_status", open), 1e-9)

	// fetch_opensky resolves nothing open; pays its 0.3 cost.
	assert.InDelta(t, -0.3, InvestigationGain("fetch_opensky", open), 1e-9)
}

func TestScoreInterventionIsDeterministic(t *testing.T) {
	assert.InDelta(t, 1.0, ScoreIntervention(model.ActionSetPosture), 1e-9)
	assert.InDelta(t, 0.5, ScoreIntervention(model.ActionPublishAdvisory), 1e-9)
	assert.InDelta(t, 0.2, ScoreIntervention(model.ActionUpdateBookingRules), 1e-9)
	// REBOOK_FLIGHT: 0.8 - 0.9 - 0.3 - 0.1 approval surcharge.
	assert.InDelta(t, -0.5, ScoreIntervention(model.ActionRebookFlight), 1e-9)
}

func TestPlanAcceptPostureOnlySetsPosture(t *testing.T) {
	out := Plan(Input{AirportICAO: "KATL", Posture: model.PostureAccept, RiskLevel: model.RiskLow})
	require.Len(t, out, 1)
	assert.Equal(t, model.ActionSetPosture, out[0].Type)
	assert.Equal(t, "ACCEPT", out[0].Args["posture"])
	assert.Equal(t, "KATL", out[0].Args["airport"])
}

func TestPlanRestrictPosture(t *testing.T) {
	out := Plan(Input{AirportICAO: "KORD", Posture: model.PostureRestrict, RiskLevel: model.RiskHigh})

	types := make(map[model.ActionType]bool)
	for _, c := range out {
		types[c.Type] = true
		assert.GreaterOrEqual(t, c.Score, 0.0)
	}
	assert.True(t, types[model.ActionSetPosture])
	assert.True(t, types[model.ActionPublishAdvisory])
	assert.True(t, types[model.ActionUpdateBookingRules])
	assert.False(t, types[model.ActionEscalateOps])
}

func TestPlanEscalateIncludesOpsEscalation(t *testing.T) {
	out := Plan(Input{AirportICAO: "KJFK", Posture: model.PostureEscalate, RiskLevel: model.RiskHigh})

	var found *Candidate
	for i := range out {
		if out[i].Type == model.ActionEscalateOps {
			found = &out[i]
		}
	}
	require.NotNil(t, found)
	assert.True(t, found.RequiresNotification)
}

func TestPlanContradictionsAddReevaluation(t *testing.T) {
	out := Plan(Input{
		AirportICAO:        "KEWR",
		Posture:            model.PostureHold,
		RiskLevel:          model.RiskHigh,
		ContradictionCount: 2,
	})
	types := make(map[model.ActionType]bool)
	for _, c := range out {
		types[c.Type] = true
	}
	assert.True(t, types[model.ActionTriggerReevaluation])
}

func TestPlanHoldCargoNeedsBookingEvidence(t *testing.T) {
	base := Input{
		AirportICAO: "KEWR",
		Posture:     model.PostureHold,
		RiskLevel:   model.RiskHigh,
	}

	out := Plan(base)
	for _, c := range out {
		assert.NotEqual(t, model.ActionHoldCargo, c.Type,
			"no booking evidence means no shipment actions")
	}

	withBooking := base
	withBooking.HasBookingEvidence = true
	out = Plan(withBooking)

	var hold *Candidate
	for i := range out {
		if out[i].Type == model.ActionHoldCargo {
			hold = &out[i]
		}
	}
	require.NotNil(t, hold)
	assert.Equal(t, model.RiskMedium, hold.RiskLevel)
	assert.True(t, hold.RequiresNotification)
	assert.Equal(t, "KEWR", hold.Args["airport"])

	// HOLD at moderate risk stays gateway-level.
	lowRisk := withBooking
	lowRisk.RiskLevel = model.RiskMedium
	for _, c := range Plan(lowRisk) {
		assert.NotEqual(t, model.ActionHoldCargo, c.Type)
	}
}

func TestPlanIsDeterministic(t *testing.T) {
	in := Input{
		AirportICAO:        "KSEA",
		Posture:            model.PostureRestrict,
		RiskLevel:          model.RiskMedium,
		ContradictionCount: 1,
	}
	a := Plan(in)
	b := Plan(in)
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].Type, b[i].Type)
		assert.Equal(t, a[i].Score, b[i].Score)
	}
}

func TestPlanMergesPlaybookTemplate(t *testing.T) {
	in := Input{
		AirportICAO: "KATL",
		Posture:     model.PostureRestrict,
		RiskLevel:   model.RiskHigh,
		PlaybookActions: []TemplateAction{
			// Matches a generated candidate: args merge, base wins.
			{Type: model.ActionSetPosture, Args: map[string]any{"posture": "HOLD", "note": "from playbook"}},
			// Not generated for RESTRICT: appended as playbook-guided.
			{Type: model.ActionEscalateOps, Args: map[string]any{"reason": "playbook escalation"}},
		},
	}
	out := Plan(in)

	var setPosture, escalate *Candidate
	for i := range out {
		switch out[i].Type {
		case model.ActionSetPosture:
			setPosture = &out[i]
		case model.ActionEscalateOps:
			escalate = &out[i]
		}
	}
	require.NotNil(t, setPosture)
	assert.True(t, setPosture.PlaybookGuided)
	assert.Equal(t, "RESTRICT", setPosture.Args["posture"], "base args win on conflict")
	assert.Equal(t, "from playbook", setPosture.Args["note"])

	require.NotNil(t, escalate)
	assert.True(t, escalate.PlaybookGuided)
}

func TestRollbackable(t *testing.T) {
	assert.True(t, Rollbackable(model.ActionSetPosture))
	assert.True(t, Rollbackable(model.ActionHoldCargo))
	assert.False(t, Rollbackable(model.ActionRebookFlight))
	assert.False(t, Rollbackable(model.ActionEscalateOps))
}
