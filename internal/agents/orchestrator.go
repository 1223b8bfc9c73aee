package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/torii-ai/sekisho/internal/model"
	"github.com/torii-ai/sekisho/internal/planner"
	"github.com/torii-ai/sekisho/internal/storage"
)

// PlaybookSource supplies action templates from matched playbooks and
// hears how matched cases ended so usage stats stay honest. nil is a valid
// source; planning then runs without templates.
type PlaybookSource interface {
	Match(ctx context.Context, caseID uuid.UUID, caseType string, scope map[string]any) ([]planner.TemplateAction, error)
	RecordOutcome(ctx context.Context, caseID uuid.UUID, success bool) error
}

// RunResult is what a finished orchestration run reports.
type RunResult struct {
	CaseID     uuid.UUID
	FinalState State
	Completion Completion
	Belief     *BeliefState
	Assessment Assessment
	Actions    []model.Action
}

// Orchestrator drives a case through the decision state machine. Role
// agents do the work inside states; which state comes next is decided by
// the fixed transition table, never by an engine.
type Orchestrator struct {
	db           *storage.DB
	investigator *Investigator
	riskQuant    *RiskQuant
	critic       *Critic
	policyJudge  *PolicyJudge
	comms        *Comms
	executor     *Executor
	playbooks    PlaybookSource
	budgets      Budgets
	logger       *slog.Logger
}

func NewOrchestrator(
	db *storage.DB,
	investigator *Investigator,
	riskQuant *RiskQuant,
	critic *Critic,
	policyJudge *PolicyJudge,
	comms *Comms,
	executor *Executor,
	playbooks PlaybookSource,
	budgets Budgets,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		db:           db,
		investigator: investigator,
		riskQuant:    riskQuant,
		critic:       critic,
		policyJudge:  policyJudge,
		comms:        comms,
		executor:     executor,
		playbooks:    playbooks,
		budgets:      budgets,
		logger:       logger,
	}
}

// Run executes the full state machine for one case and returns how it
// ended. The case finishes in RESOLVED or BLOCKED status; errors leave it
// BLOCKED for operator attention.
func (o *Orchestrator) Run(ctx context.Context, caseID uuid.UUID) (*RunResult, error) {
	return o.run(ctx, caseID, func(ProgressEvent) {})
}

func (o *Orchestrator) run(ctx context.Context, caseID uuid.UUID, emit emitFunc) (*RunResult, error) {
	c, err := o.db.GetCase(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("agents: load case: %w", err)
	}
	airport := c.Airport()
	if airport == "" {
		return nil, fmt.Errorf("agents: case %s has no airport in scope", caseID)
	}

	if err := o.db.UpdateCaseStatus(ctx, caseID, model.CaseRunning); err != nil {
		return nil, fmt.Errorf("agents: mark case running: %w", err)
	}

	belief := NewBeliefState(caseID, airport, o.budgets)
	result, runErr := o.runStates(ctx, c, belief, emit)
	if runErr != nil {
		if statusErr := o.db.UpdateCaseStatus(ctx, caseID, model.CaseBlocked); statusErr != nil {
			o.logger.Error("failed to block errored case", "case_id", caseID, "error", statusErr)
		}
		return nil, runErr
	}

	status := model.CaseResolved
	if result.Completion == CompleteBlocked || result.Completion == CompleteBlockedWaiting {
		status = model.CaseBlocked
	}
	if err := o.db.UpdateCaseStatus(ctx, caseID, status); err != nil {
		return nil, fmt.Errorf("agents: finalize case status: %w", err)
	}

	o.logger.Info("case run finished",
		"case_id", caseID, "airport", airport,
		"completion", string(result.Completion),
		"posture", string(belief.CurrentPosture),
		"iterations", belief.Iterations)
	return result, nil
}

func (o *Orchestrator) runStates(ctx context.Context, c model.Case, belief *BeliefState, emit emitFunc) (*RunResult, error) {
	step := &StepContext{Belief: belief}
	result := &RunResult{CaseID: c.ID, Belief: belief}

	var candidates []planner.Candidate
	var actions []model.Action

	state := StateInit
	for {
		if err := o.traceState(ctx, belief, model.TraceStateEnter, state, "", ""); err != nil {
			return nil, err
		}
		belief.CountIteration()

		switch state {
		case StateInvestigate:
			blocking, err := o.investigator.Investigate(ctx, belief)
			if err != nil {
				return nil, err
			}
			step.BlockingMissing = blocking

		case StateQuantifyRisk:
			assessment, err := o.riskQuant.Assess(ctx, belief)
			if err != nil {
				return nil, err
			}
			result.Assessment = assessment
			step.RiskAssessed = true

		case StateCritique:
			critique, err := o.critic.Review(ctx, belief, result.Assessment)
			if err != nil {
				return nil, err
			}
			step.CriticVerdict = critique.Verdict

		case StateEvaluatePolicy:
			candidates = o.provisionalPlan(ctx, c, belief)
			review, err := o.policyJudge.Evaluate(ctx, belief, result.Assessment, candidates)
			if err != nil {
				return nil, err
			}
			step.PolicyVerdict = review.Verdict

		case StatePlanActions:
			planned, anyNotify, err := o.persistPlan(ctx, belief, candidates)
			if err != nil {
				return nil, err
			}
			actions = planned
			step.ProposedActions = len(planned)
			step.AnyNotification = anyNotify
			if len(planned) == 0 {
				if err := o.stampNoopPosture(ctx, belief); err != nil {
					return nil, err
				}
			}

		case StateDraftComms:
			if _, err := o.comms.Draft(ctx, belief, actions); err != nil {
				return nil, err
			}
			step.CommsDrafted = true

		case StateExecute:
			anyPending, err := o.executor.ExecuteAll(ctx, belief, actions)
			if err != nil {
				return nil, err
			}
			terminal, err := o.db.AllActionsTerminal(ctx, belief.CaseID)
			if err != nil {
				return nil, fmt.Errorf("agents: terminal check: %w", err)
			}
			step.AnyPendingApproval = anyPending
			step.AllActionsTerminal = terminal && !anyPending

		case StateComplete:
			if persisted, err := o.db.CaseActions(ctx, belief.CaseID); err == nil {
				result.Actions = persisted
			}
			if o.playbooks != nil {
				if err := o.playbooks.RecordOutcome(ctx, belief.CaseID, belief.StopCondition == StopMet); err != nil {
					o.logger.Warn("playbook outcome recording failed",
						"case_id", belief.CaseID, "error", err)
				}
			}
			result.FinalState = state
			return result, nil
		}

		// A blown budget ends the run while it is still investigating.
		// Once planning starts the remaining states always finish.
		if belief.StopCondition == StopBudgetExceeded && investigationPhase(state) {
			if err := o.traceState(ctx, belief, model.TraceStateExit, state,
				"budget_exceeded", "iteration or tool call budget exhausted"); err != nil {
				return nil, err
			}
			emit(ProgressEvent{
				Type: ProgressTransition, From: state, To: StateComplete,
				Condition: "budget_exceeded",
				Message:   "iteration or tool call budget exhausted",
			})
			result.Completion = CompleteBlocked
			state = StateComplete
			continue
		}

		rule, ok := NextState(state, step)
		if !ok {
			return nil, fmt.Errorf("agents: no transition from %s for case %s", state, belief.CaseID)
		}
		if err := o.traceState(ctx, belief, model.TraceStateExit, state, rule.Name, rule.Description); err != nil {
			return nil, err
		}
		if rule.Completion == CompleteBlocked {
			emit(ProgressEvent{
				Type: ProgressGuardrailFail, From: state,
				Condition: rule.Name, Message: rule.Description,
			})
		}
		emit(ProgressEvent{
			Type: ProgressTransition, From: state, To: rule.To,
			Condition: rule.Name, Message: rule.Description,
		})

		if rule.To == StateInvestigate && state != StateInit {
			step.InvestigationRounds++
		}
		if rule.To == StateComplete {
			result.Completion = rule.Completion
			if rule.Completion == CompleteResolved || rule.Completion == CompleteResolvedNoOp {
				belief.StopCondition = StopMet
			} else if belief.StopCondition != StopBudgetExceeded {
				belief.StopCondition = StopBlocked
			}
		}
		state = rule.To
	}
}

// provisionalPlan builds the candidate plan the policy judge reviews. The
// same candidates are persisted at PLAN_ACTIONS once policy clears them.
func (o *Orchestrator) provisionalPlan(ctx context.Context, c model.Case, belief *BeliefState) []planner.Candidate {
	in := planner.Input{
		AirportICAO:        belief.AirportICAO,
		Posture:            belief.CurrentPosture,
		RiskLevel:          belief.RiskLevel,
		ContradictionCount: belief.ContradictionCount(),
		OpenUncertainties:  belief.OpenUncertaintyTypes(),
	}

	booking, err := o.db.HasBookingEvidence(ctx, belief.CaseID)
	if err != nil {
		o.logger.Warn("booking evidence lookup failed, planning without shipment actions",
			"case_id", belief.CaseID, "error", err)
	} else {
		in.HasBookingEvidence = booking
	}

	if o.playbooks != nil {
		template, err := o.playbooks.Match(ctx, c.ID, c.CaseType, c.Scope)
		if err != nil {
			o.logger.Warn("playbook match failed, planning without template",
				"case_id", c.ID, "error", err)
		} else {
			in.PlaybookActions = template
		}
	}

	candidates := planner.Plan(in)
	return o.dropRedundantPosture(ctx, belief, candidates)
}

// dropRedundantPosture removes the SET_POSTURE candidate when the case
// already emitted the same posture. A re-evaluation that changes nothing
// should complete as a no-op, not re-emit.
func (o *Orchestrator) dropRedundantPosture(ctx context.Context, belief *BeliefState, candidates []planner.Candidate) []planner.Candidate {
	latest, err := o.db.LatestSetPosture(ctx, belief.CaseID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			o.logger.Warn("latest posture lookup failed", "case_id", belief.CaseID, "error", err)
		}
		return candidates
	}
	if latest.State != model.ActionCompleted {
		return candidates
	}
	emitted, _ := latest.Args["posture"].(string)
	if emitted != string(belief.CurrentPosture) {
		return candidates
	}

	out := candidates[:0]
	for _, cand := range candidates {
		if cand.Type == model.ActionSetPosture {
			continue
		}
		out = append(out, cand)
	}
	return out
}

// persistPlan stores the cleared candidates as PROPOSED actions.
func (o *Orchestrator) persistPlan(ctx context.Context, belief *BeliefState, candidates []planner.Candidate) ([]model.Action, bool, error) {
	var actions []model.Action
	anyNotify := false

	for _, cand := range candidates {
		args := make(map[string]any, len(cand.Args)+3)
		for k, v := range cand.Args {
			args[k] = v
		}
		args["requires_approval"] = cand.RequiresApproval
		args["requires_notification"] = cand.RequiresNotification
		if cand.PlaybookGuided {
			args["playbook_guided"] = true
		}

		action, err := o.db.CreateAction(ctx, model.Action{
			CaseID:    belief.CaseID,
			Type:      cand.Type,
			Args:      args,
			State:     model.ActionProposed,
			RiskLevel: cand.RiskLevel,
			Score:     cand.Score,
		})
		if err != nil {
			return nil, false, fmt.Errorf("agents: persist planned action: %w", err)
		}

		actionID := action.ID
		if _, err := o.db.AppendTraceEvent(ctx, model.TraceEvent{
			CaseID:    belief.CaseID,
			EventType: model.TraceToolResult,
			RefType:   "action",
			RefID:     &actionID,
			Meta: map[string]any{
				"action_type":     string(cand.Type),
				"score":           cand.Score,
				"playbook_guided": cand.PlaybookGuided,
			},
		}); err != nil {
			return nil, false, fmt.Errorf("agents: trace planned action: %w", err)
		}

		actions = append(actions, action)
		if cand.RequiresNotification {
			anyNotify = true
		}
	}
	return actions, anyNotify, nil
}

// stampNoopPosture records the posture decision time when planning produced
// no actions. Without it, a no-op re-evaluation would have no posture
// emission timestamp and decision latency could not be measured.
func (o *Orchestrator) stampNoopPosture(ctx context.Context, belief *BeliefState) error {
	if _, err := o.db.AppendTraceEvent(ctx, model.TraceEvent{
		CaseID:    belief.CaseID,
		EventType: model.TraceToolResult,
		RefType:   "posture",
		Meta: map[string]any{
			"posture":    string(belief.CurrentPosture),
			"airport":    belief.AirportICAO,
			"noop":       true,
			"emitted_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}); err != nil {
		return fmt.Errorf("agents: stamp noop posture: %w", err)
	}
	return nil
}

func investigationPhase(s State) bool {
	switch s {
	case StateInvestigate, StateQuantifyRisk, StateCritique, StateEvaluatePolicy:
		return true
	}
	return false
}

func (o *Orchestrator) traceState(ctx context.Context, belief *BeliefState, eventType model.TraceEventType, state State, condition, description string) error {
	meta := belief.Summary()
	meta["state"] = string(state)
	if condition != "" {
		meta["condition"] = condition
		meta["condition_description"] = description
	}
	if _, err := o.db.AppendTraceEvent(ctx, model.TraceEvent{
		CaseID:    belief.CaseID,
		EventType: eventType,
		RefType:   "state",
		Meta:      meta,
	}); err != nil {
		return fmt.Errorf("agents: trace %s %s: %w", eventType, state, err)
	}
	return nil
}
