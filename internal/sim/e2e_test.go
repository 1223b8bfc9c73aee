package sim_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torii-ai/sekisho/internal/agents"
	"github.com/torii-ai/sekisho/internal/governance"
	"github.com/torii-ai/sekisho/internal/llm"
	"github.com/torii-ai/sekisho/internal/model"
	"github.com/torii-ai/sekisho/internal/planner"
	"github.com/torii-ai/sekisho/internal/sim"
	"github.com/torii-ai/sekisho/internal/storage"
	"github.com/torii-ai/sekisho/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()
	tc.Terminate()
	os.Exit(code)
}

func runScenario(t *testing.T, name string) *agents.RunResult {
	t.Helper()
	sc, err := sim.Lookup(name)
	require.NoError(t, err)

	runner := sim.NewRunner(testDB, llm.NewRulesClient(), agents.Budgets{}, testutil.TestLogger())
	result, err := runner.Run(context.Background(), sc)
	require.NoError(t, err)
	return result
}

func actionTypes(actions []model.Action) map[model.ActionType]model.Action {
	out := make(map[model.ActionType]model.Action, len(actions))
	for _, a := range actions {
		out[a.Type] = a
	}
	return out
}

func TestGroundStopScenario(t *testing.T) {
	result := runScenario(t, sim.ScenarioGroundStop)

	c, err := testDB.GetCase(context.Background(), result.CaseID)
	require.NoError(t, err)
	assert.Equal(t, model.PostureHold, result.Assessment.Posture)
	assert.Equal(t, model.RiskHigh, result.Assessment.RiskLevel)

	byType := actionTypes(result.Actions)
	setPosture, ok := byType[model.ActionSetPosture]
	require.True(t, ok, "plan includes SET_POSTURE")
	assert.Equal(t, "HOLD", setPosture.Args["posture"])
	_, ok = byType[model.ActionPublishAdvisory]
	assert.True(t, ok, "plan includes the gateway advisory")

	contradictions, err := testDB.CaseContradictions(context.Background(), result.CaseID)
	require.NoError(t, err)
	assert.Empty(t, contradictions)

	// HIGH risk gates shipment actions behind approval, so the case may
	// block waiting on an operator rather than resolve outright.
	if c.Status == model.CaseBlocked {
		pending := 0
		for _, a := range result.Actions {
			if a.State == model.ActionPendingApproval {
				pending++
			}
		}
		assert.Greater(t, pending, 0, "blocked case has actions awaiting approval")
	} else {
		assert.Equal(t, model.CaseResolved, c.Status)
	}
}

func TestClearSkiesScenario(t *testing.T) {
	result := runScenario(t, sim.ScenarioClearSkies)

	c, err := testDB.GetCase(context.Background(), result.CaseID)
	require.NoError(t, err)
	assert.Equal(t, model.CaseResolved, c.Status)
	assert.Equal(t, model.PostureAccept, result.Assessment.Posture)
	assert.Equal(t, model.RiskLow, result.Assessment.RiskLevel)

	contradictions, err := testDB.CaseContradictions(context.Background(), result.CaseID)
	require.NoError(t, err)
	assert.Empty(t, contradictions)

	byType := actionTypes(result.Actions)
	setPosture, ok := byType[model.ActionSetPosture]
	require.True(t, ok)
	assert.Equal(t, "ACCEPT", setPosture.Args["posture"])
	assert.Equal(t, model.ActionCompleted, setPosture.State)
}

func TestWeatherContradictionScenario(t *testing.T) {
	result := runScenario(t, sim.ScenarioWeatherContradiction)

	contradictions, err := testDB.CaseContradictions(context.Background(), result.CaseID)
	require.NoError(t, err)
	require.NotEmpty(t, contradictions)
	found := false
	for _, con := range contradictions {
		if con.Type == model.ContradictionFAAWeather {
			found = true
		}
	}
	assert.True(t, found, "FAA versus weather mismatch detected")

	assert.Contains(t,
		[]model.Posture{model.PostureRestrict, model.PostureHold},
		result.Assessment.Posture)
	assert.NotEqual(t, model.RiskLow, result.Assessment.RiskLevel)
}

func TestMissingMetarScenarioBlocks(t *testing.T) {
	result := runScenario(t, sim.ScenarioMissingMetar)

	ctx := context.Background()
	c, err := testDB.GetCase(ctx, result.CaseID)
	require.NoError(t, err)
	assert.Equal(t, model.CaseBlocked, c.Status)

	open, err := testDB.OpenMissingEvidenceRequests(ctx, result.CaseID)
	require.NoError(t, err)
	require.NotEmpty(t, open)
	found := false
	for _, req := range open {
		if req.SourceSystem == "METAR" {
			found = true
			assert.Equal(t, "BLOCKING", req.Criticality)
		}
	}
	assert.True(t, found, "METAR outage recorded as missing evidence")

	// No posture was executed for a blocked case.
	_, _, err = testDB.PostureEmission(ctx, result.CaseID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCargoHoldScenarioParksForApproval(t *testing.T) {
	ctx := context.Background()
	result := runScenario(t, sim.ScenarioCargoHold)

	assert.Equal(t, model.PostureHold, result.Assessment.Posture)
	assert.Equal(t, model.RiskHigh, result.Assessment.RiskLevel)
	assert.Equal(t, agents.CompleteBlockedWaiting, result.Completion)

	c, err := testDB.GetCase(ctx, result.CaseID)
	require.NoError(t, err)
	assert.Equal(t, model.CaseBlocked, c.Status)

	byType := actionTypes(result.Actions)
	hold, ok := byType[model.ActionHoldCargo]
	require.True(t, ok, "booking evidence on file puts a cargo hold in the plan")
	assert.Equal(t, model.ActionPendingApproval, hold.State)
	assert.Equal(t, true, hold.Args["requires_approval"])

	// An operator approval runs the parked hold and settles the case.
	sm := governance.NewStateMachine(testDB, testutil.TestLogger())
	approvals := governance.NewApprovals(testDB, sm,
		agents.NewExecutor(testDB, sm, testutil.TestLogger()), testutil.TestLogger())

	approved, err := approvals.Approve(ctx, hold.ID, "ops-lead", true)
	require.NoError(t, err)
	assert.Equal(t, model.ActionCompleted, approved.State)
	require.NotNil(t, approved.ApprovedBy)
	assert.Equal(t, "ops-lead", *approved.ApprovedBy)

	c, err = testDB.GetCase(ctx, result.CaseID)
	require.NoError(t, err)
	assert.Equal(t, model.CaseResolved, c.Status)
}

func TestShipmentActionsBlockedWithoutBooking(t *testing.T) {
	ctx := context.Background()
	c, err := testDB.CreateCase(ctx, model.CaseTypeAirportDisruption,
		map[string]any{"airport": "KPDX"})
	require.NoError(t, err)

	judge := agents.NewPolicyJudge(testDB, llm.NewRulesClient(), testutil.TestLogger())
	review, err := judge.Evaluate(ctx,
		&agents.BeliefState{CaseID: c.ID, AirportICAO: "KPDX"},
		agents.Assessment{RiskLevel: model.RiskHigh, Posture: model.PostureHold},
		[]planner.Candidate{{
			Type:      model.ActionHoldCargo,
			Args:      map[string]any{"airport": "KPDX"},
			RiskLevel: model.RiskMedium,
		}})
	require.NoError(t, err)

	assert.Equal(t, agents.PolicyBlocked, review.Verdict)
	assert.Equal(t, "booking_evidence_required", review.Guardrail)
	assert.Contains(t, review.Violations, "shipment_without_booking")
}

func TestRunStreamingReportsTransitions(t *testing.T) {
	ctx := context.Background()
	sc, err := sim.Lookup(sim.ScenarioClearSkies)
	require.NoError(t, err)

	runner := sim.NewRunner(testDB, llm.NewRulesClient(), agents.Budgets{}, testutil.TestLogger())
	caseID, events, err := runner.RunStreaming(ctx, sc)
	require.NoError(t, err)

	var got []agents.ProgressEvent
	for ev := range events {
		assert.Equal(t, caseID, ev.CaseID)
		got = append(got, ev)
	}
	require.GreaterOrEqual(t, len(got), 3, "at least started, one transition, completed")

	assert.Equal(t, agents.ProgressStarted, got[0].Type)
	last := got[len(got)-1]
	assert.Equal(t, agents.ProgressCompleted, last.Type)
	assert.NotEmpty(t, last.Completion)

	// Transitions arrive in machine order and chain state to state.
	var transitions []agents.ProgressEvent
	for _, ev := range got {
		if ev.Type == agents.ProgressTransition {
			transitions = append(transitions, ev)
		}
	}
	require.NotEmpty(t, transitions)
	assert.Equal(t, agents.StateInit, transitions[0].From)
	for i := 1; i < len(transitions); i++ {
		assert.Equal(t, transitions[i-1].To, transitions[i].From)
	}
	assert.Equal(t, agents.StateComplete, transitions[len(transitions)-1].To)
}

func TestWeatherContradictionClaimsAreRecorded(t *testing.T) {
	result := runScenario(t, sim.ScenarioWeatherContradiction)

	contradictions, err := testDB.CaseContradictions(context.Background(), result.CaseID)
	require.NoError(t, err)
	require.NotEmpty(t, contradictions)

	// Each contradiction cites two real claim rows carrying the opposing
	// statements, still contested in DRAFT.
	for _, con := range contradictions {
		a, err := testDB.GetClaim(context.Background(), con.ClaimA)
		require.NoError(t, err)
		b, err := testDB.GetClaim(context.Background(), con.ClaimB)
		require.NoError(t, err)
		assert.NotEmpty(t, a.Text)
		assert.NotEmpty(t, b.Text)
		assert.Equal(t, model.StatusDraft, a.Status)
		assert.Equal(t, model.StatusDraft, b.Status)
	}
}

func TestHybridSearchIsDeterministic(t *testing.T) {
	// Covered in depth by the retrieval package; here we only confirm the
	// seeded corpus yields identical orderings on repeated identical calls.
	ctx := context.Background()

	kw1, err := testDB.KeywordCaseMatches(ctx, "ground stop", 10)
	require.NoError(t, err)
	kw2, err := testDB.KeywordCaseMatches(ctx, "ground stop", 10)
	require.NoError(t, err)
	assert.Equal(t, kw1, kw2)
}
