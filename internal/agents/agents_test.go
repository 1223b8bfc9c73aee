package agents

import (
	"context"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torii-ai/sekisho/internal/llm"
	"github.com/torii-ai/sekisho/internal/model"
	"github.com/torii-ai/sekisho/internal/planner"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testBelief() *BeliefState {
	return NewBeliefState(uuid.New(), "KORD", Budgets{
		MaxIterations:     10,
		MaxToolCalls:      50,
		MaxInvestigations: 2,
	})
}

func TestNextStateHappyPath(t *testing.T) {
	belief := testBelief()
	belief.EvidenceIDs = []uuid.UUID{uuid.New()}
	step := &StepContext{Belief: belief}

	rule, ok := NextState(StateInit, step)
	require.True(t, ok)
	assert.Equal(t, StateInvestigate, rule.To)

	rule, ok = NextState(StateInvestigate, step)
	require.True(t, ok)
	assert.Equal(t, StateQuantifyRisk, rule.To)

	step.RiskAssessed = true
	rule, ok = NextState(StateQuantifyRisk, step)
	require.True(t, ok)
	assert.Equal(t, StateCritique, rule.To)

	step.CriticVerdict = VerdictAcceptable
	rule, ok = NextState(StateCritique, step)
	require.True(t, ok)
	assert.Equal(t, StateEvaluatePolicy, rule.To)

	step.PolicyVerdict = PolicyCompliant
	rule, ok = NextState(StateEvaluatePolicy, step)
	require.True(t, ok)
	assert.Equal(t, StatePlanActions, rule.To)

	step.ProposedActions = 2
	step.AnyNotification = true
	rule, ok = NextState(StatePlanActions, step)
	require.True(t, ok)
	assert.Equal(t, StateDraftComms, rule.To)

	step.CommsDrafted = true
	rule, ok = NextState(StateDraftComms, step)
	require.True(t, ok)
	assert.Equal(t, StateExecute, rule.To)

	step.AllActionsTerminal = true
	rule, ok = NextState(StateExecute, step)
	require.True(t, ok)
	assert.Equal(t, StateComplete, rule.To)
	assert.Equal(t, CompleteResolved, rule.Completion)
}

func TestNextStateBlockingEvidenceWins(t *testing.T) {
	belief := testBelief()
	belief.EvidenceIDs = []uuid.UUID{uuid.New()}
	belief.Uncertainties = []Uncertainty{{ID: "u1", Type: "airport_status_unknown"}}

	rule, ok := NextState(StateInvestigate, &StepContext{Belief: belief, BlockingMissing: true})
	require.True(t, ok)
	assert.Equal(t, StateComplete, rule.To)
	assert.Equal(t, CompleteBlocked, rule.Completion)
	assert.Equal(t, "blocking_evidence_missing", rule.Name)
}

func TestNextStateInvestigateLoopsOnOpenUncertainties(t *testing.T) {
	belief := testBelief()
	belief.EvidenceIDs = []uuid.UUID{uuid.New()}
	belief.Uncertainties = []Uncertainty{{ID: "u1", Type: "movement_data_unknown"}}
	step := &StepContext{Belief: belief}

	rule, ok := NextState(StateInvestigate, step)
	require.True(t, ok)
	assert.Equal(t, StateInvestigate, rule.To)

	// Rounds exhausted: proceed to risk with the uncertainty still open.
	step.InvestigationRounds = MaxInvestigationRounds
	rule, ok = NextState(StateInvestigate, step)
	require.True(t, ok)
	assert.Equal(t, StateQuantifyRisk, rule.To)
}

func TestNextStateCriticSendBackAndForceAccept(t *testing.T) {
	belief := testBelief()
	step := &StepContext{Belief: belief, CriticVerdict: VerdictInsufficientEvidence}

	rule, ok := NextState(StateCritique, step)
	require.True(t, ok)
	assert.Equal(t, StateInvestigate, rule.To)

	step.InvestigationRounds = MaxInvestigationRounds
	rule, ok = NextState(StateCritique, step)
	require.True(t, ok)
	assert.Equal(t, StateEvaluatePolicy, rule.To, "rejections past the round limit are force-accepted")
}

func TestNextStatePolicyVerdicts(t *testing.T) {
	belief := testBelief()

	rule, ok := NextState(StateEvaluatePolicy, &StepContext{Belief: belief, PolicyVerdict: PolicyNeedsEvidence})
	require.True(t, ok)
	assert.Equal(t, StateInvestigate, rule.To)

	// Once investigation rounds are spent, asking for more evidence cannot
	// loop the case forever; the verdict is force-accepted into planning.
	rule, ok = NextState(StateEvaluatePolicy, &StepContext{
		Belief:              belief,
		PolicyVerdict:       PolicyNeedsEvidence,
		InvestigationRounds: MaxInvestigationRounds,
	})
	require.True(t, ok)
	assert.Equal(t, StatePlanActions, rule.To)
	assert.Equal(t, "policy_force_accept", rule.Name)

	rule, ok = NextState(StateEvaluatePolicy, &StepContext{Belief: belief, PolicyVerdict: PolicyBlocked})
	require.True(t, ok)
	assert.Equal(t, StateComplete, rule.To)
	assert.Equal(t, CompleteBlocked, rule.Completion)
}

func TestNextStatePlanOutcomes(t *testing.T) {
	belief := testBelief()

	rule, ok := NextState(StatePlanActions, &StepContext{Belief: belief, ProposedActions: 1})
	require.True(t, ok)
	assert.Equal(t, StateExecute, rule.To)

	rule, ok = NextState(StatePlanActions, &StepContext{Belief: belief})
	require.True(t, ok)
	assert.Equal(t, StateComplete, rule.To)
	assert.Equal(t, CompleteResolvedNoOp, rule.Completion)
}

func TestNextStateExecutePendingApproval(t *testing.T) {
	belief := testBelief()
	rule, ok := NextState(StateExecute, &StepContext{Belief: belief, AnyPendingApproval: true})
	require.True(t, ok)
	assert.Equal(t, CompleteBlockedWaiting, rule.Completion)
}

func TestConfidenceFullCoverage(t *testing.T) {
	valid := map[string]bool{
		"FAA_NAS": true, "METAR": true, "TAF": true, "NWS_ALERTS": true, "OPENSKY": true,
	}
	bd := Confidence(valid, nil, 0, 0, 5)

	// 0.30 + 0.18 + 0.18 + 0.06 + 0.08 + 0.12 + 0.05 = 0.97, clamped.
	assert.InDelta(t, 0.95, bd.Final, 1e-9)
	assert.Len(t, bd.Sources, 5)
	assert.Empty(t, bd.Penalties)
	assert.InDelta(t, 0.05, bd.Boosts["evidence_volume"], 1e-9)
}

func TestConfidencePartialCreditForErrors(t *testing.T) {
	valid := map[string]bool{"FAA_NAS": true, "METAR": true}
	errored := map[string]bool{"OPENSKY": true}
	bd := Confidence(valid, errored, 1, 0, 3)

	// 0.30 + 0.18 + 0.18 + 0.02 - 0.04 + 0.03 = 0.67
	assert.InDelta(t, 0.67, bd.Final, 1e-9)
	assert.InDelta(t, 0.02, bd.Sources["OPENSKY"], 1e-9)
	assert.InDelta(t, 0.04, bd.Penalties["open_uncertainties"], 1e-9)
}

func TestConfidencePenaltiesAreCapped(t *testing.T) {
	bd := Confidence(nil, nil, 10, 5, 0)
	assert.InDelta(t, 0.20, bd.Penalties["open_uncertainties"], 1e-9)
	assert.InDelta(t, 0.20, bd.Penalties["contradictions"], 1e-9)
	assert.InDelta(t, confidenceFloor, bd.Final, 1e-9, "floored, never below 0.25")
}

func TestRiskQuantParsesEngineVerdict(t *testing.T) {
	client := llm.NewScriptedClient().Queue(map[string]any{
		"risk_level":          "HIGH",
		"recommended_posture": "RESTRICT",
		"confidence":          0.9,
		"rationale":           "ground stop in effect",
		"risk_factors":        []string{"FAA_DISRUPTION"},
	})
	rq := NewRiskQuant(nil, client, discard())

	a := rq.askEngine(context.Background(), testBelief(), []byte(`{}`))
	assert.Equal(t, model.RiskHigh, a.RiskLevel)
	assert.Equal(t, model.PostureRestrict, a.Posture)
	assert.False(t, a.FailClosed)
	assert.Equal(t, []string{"FAA_DISRUPTION"}, a.RiskFactors)
}

func TestRiskQuantFailsClosedOnEngineError(t *testing.T) {
	client := llm.NewScriptedClient().QueueError(llm.ErrUnavailable)
	rq := NewRiskQuant(nil, client, discard())

	a := rq.askEngine(context.Background(), testBelief(), []byte(`{}`))
	assert.True(t, a.FailClosed)
	assert.Equal(t, model.PostureEscalate, a.Posture)
	assert.Equal(t, model.RiskHigh, a.RiskLevel)
}

func TestRiskQuantFailsClosedOnBadVocabulary(t *testing.T) {
	client := llm.NewScriptedClient().Queue(map[string]any{
		"risk_level":          "APOCALYPTIC",
		"recommended_posture": "RESTRICT",
	})
	rq := NewRiskQuant(nil, client, discard())

	a := rq.askEngine(context.Background(), testBelief(), []byte(`{}`))
	assert.True(t, a.FailClosed)
	assert.Equal(t, model.PostureEscalate, a.Posture)
}

func TestCriticEngineVerdictAndFailClosed(t *testing.T) {
	client := llm.NewScriptedClient().Queue(map[string]any{
		"verdict":           "ACCEPTABLE",
		"verdict_rationale": "well corroborated",
		"critical_gaps":     []string{},
	})
	c := NewCritic(nil, client, discard())

	critique := c.askEngine(context.Background(), testBelief(), Assessment{})
	assert.Equal(t, VerdictAcceptable, critique.Verdict)

	critique = c.askEngine(context.Background(), testBelief(), Assessment{})
	assert.Equal(t, VerdictInsufficientEvidence, critique.Verdict, "drained script fails closed")
	assert.Contains(t, critique.CriticalGaps, "engine review")
}

func TestPolicyJudgeEngineVerdictAndFailClosed(t *testing.T) {
	client := llm.NewScriptedClient().
		Queue(map[string]any{"verdict": "BLOCKED", "rationale": "embargoed lane"}).
		Queue(map[string]any{"verdict": "MAYBE"})
	pj := NewPolicyJudge(nil, client, discard())

	review := pj.askEngine(context.Background(), testBelief(), Assessment{}, nil)
	assert.Equal(t, PolicyBlocked, review.Verdict)

	review = pj.askEngine(context.Background(), testBelief(), Assessment{}, nil)
	assert.Equal(t, PolicyNeedsEvidence, review.Verdict, "unknown vocabulary fails closed")
}

func TestShipmentCandidatesFilter(t *testing.T) {
	cands := []planner.Candidate{
		{Type: model.ActionSetPosture},
		{Type: model.ActionHoldCargo},
		{Type: model.ActionPublishAdvisory},
		{Type: model.ActionRebookFlight},
	}
	shipment := shipmentCandidates(cands)
	require.Len(t, shipment, 2)
	assert.Equal(t, model.ActionHoldCargo, shipment[0].Type)
	assert.Equal(t, model.ActionRebookFlight, shipment[1].Type)
}

func TestExecutorEffectSetPosture(t *testing.T) {
	e := NewExecutor(nil, nil, discard())

	payload, err := e.effect(model.Action{
		Type: model.ActionSetPosture,
		Args: map[string]any{"posture": "RESTRICT", "airport": "KORD"},
	})
	require.NoError(t, err)
	assert.Equal(t, "RESTRICT", payload["posture"])
	assert.Equal(t, "KORD", payload["airport"])
	assert.NotEmpty(t, payload["effective_at"])
}

func TestExecutorEffectRejectsInvalidPosture(t *testing.T) {
	e := NewExecutor(nil, nil, discard())
	_, err := e.effect(model.Action{
		Type: model.ActionSetPosture,
		Args: map[string]any{"posture": "PANIC"},
	})
	assert.Error(t, err)
}

func TestExecutorEffectUnknownType(t *testing.T) {
	e := NewExecutor(nil, nil, discard())
	_, err := e.effect(model.Action{Type: model.ActionType("TELEPORT_CARGO")})
	assert.Error(t, err)
}

func TestCommsRenderAudience(t *testing.T) {
	cm := NewComms(nil, discard())
	belief := testBelief()
	belief.RiskLevel = model.RiskHigh

	draft := cm.render(belief, model.Action{Type: model.ActionEscalateOps})
	assert.Equal(t, "operations", draft["audience"])
	assert.Contains(t, draft["subject"], "KORD")

	draft = cm.render(belief, model.Action{Type: model.ActionHoldCargo})
	assert.Equal(t, "customer", draft["audience"])
	assert.Contains(t, draft["body"], "KORD")
}

func TestBeliefBudgets(t *testing.T) {
	belief := NewBeliefState(uuid.New(), "KJFK", Budgets{MaxIterations: 2, MaxToolCalls: 5})

	belief.CountIteration()
	assert.True(t, belief.BudgetRemaining())
	assert.Empty(t, belief.StopCondition)

	belief.CountIteration()
	assert.False(t, belief.BudgetRemaining())
	assert.Equal(t, StopBudgetExceeded, belief.StopCondition)
}

func TestBeliefUncertaintyResolution(t *testing.T) {
	belief := testBelief()
	belief.Uncertainties = []Uncertainty{
		{ID: "KORD:airport_status_unknown", Type: "airport_status_unknown"},
		{ID: "KORD:movement_data_unknown", Type: "movement_data_unknown"},
	}
	assert.Equal(t, 2, belief.UncertaintyCount())

	evID := uuid.New()
	belief.ResolveUncertainty("KORD:airport_status_unknown", evID)
	assert.Equal(t, 1, belief.UncertaintyCount())
	assert.Equal(t, []string{"movement_data_unknown"}, belief.OpenUncertaintyTypes())
	require.NotNil(t, belief.Uncertainties[0].ResolvedByEvidence)
	assert.Equal(t, evID, *belief.Uncertainties[0].ResolvedByEvidence)
}
