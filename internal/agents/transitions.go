package agents

// State names one phase of the case orchestration machine.
type State string

const (
	StateInit           State = "INIT"
	StateInvestigate    State = "INVESTIGATE"
	StateQuantifyRisk   State = "QUANTIFY_RISK"
	StateCritique       State = "CRITIQUE"
	StateEvaluatePolicy State = "EVALUATE_POLICY"
	StatePlanActions    State = "PLAN_ACTIONS"
	StateDraftComms     State = "DRAFT_COMMS"
	StateExecute        State = "EXECUTE"
	StateComplete       State = "COMPLETE"
)

// MaxInvestigationRounds bounds critic/policy send-backs. Beyond it,
// verdicts are force-accepted to prevent oscillation.
const MaxInvestigationRounds = 2

// Completion qualifies arrival at COMPLETE.
type Completion string

const (
	CompleteResolved       Completion = "resolved"
	CompleteResolvedNoOp   Completion = "resolved_noop"
	CompleteBlocked        Completion = "blocked"
	CompleteBlockedWaiting Completion = "blocked_waiting"
)

// Critic verdicts.
const (
	VerdictAcceptable           = "ACCEPTABLE"
	VerdictInsufficientEvidence = "INSUFFICIENT_EVIDENCE"
)

// Policy verdicts.
const (
	PolicyCompliant     = "COMPLIANT"
	PolicyNeedsEvidence = "NEEDS_EVIDENCE"
	PolicyBlocked       = "BLOCKED"
)

// StepContext carries everything transition conditions may inspect: the
// belief state plus per-state outputs produced by the role agents.
type StepContext struct {
	Belief *BeliefState

	BlockingMissing     bool
	InvestigationRounds int

	RiskAssessed  bool
	CriticVerdict string
	PolicyVerdict string

	ProposedActions      int
	AnyNotification      bool
	CommsDrafted         bool
	AllActionsTerminal   bool
	AnyPendingApproval   bool
}

// Rule is one row of the transition table.
type Rule struct {
	From        State
	Name        string
	Description string
	Cond        func(*StepContext) bool
	To          State
	Completion  Completion
}

// transitionRules is ordered; the first matching rule for a state wins.
var transitionRules = []Rule{
	{
		From: StateInit, Name: "always", To: StateInvestigate,
		Description: "every case starts by gathering evidence",
		Cond:        func(*StepContext) bool { return true },
	},

	{
		From: StateInvestigate, Name: "blocking_evidence_missing", To: StateComplete, Completion: CompleteBlocked,
		Description: "a BLOCKING source has no usable evidence",
		Cond:        func(c *StepContext) bool { return c.BlockingMissing },
	},
	{
		From: StateInvestigate, Name: "uncertainties_remain", To: StateInvestigate,
		Description: "open uncertainties remain and budget allows another round",
		Cond: func(c *StepContext) bool {
			return c.Belief.UncertaintyCount() > 0 &&
				c.Belief.BudgetRemaining() &&
				c.InvestigationRounds < MaxInvestigationRounds
		},
	},
	{
		From: StateInvestigate, Name: "evidence_gathered", To: StateQuantifyRisk,
		Description: "evidence gathered, no blocking gaps",
		Cond: func(c *StepContext) bool {
			return len(c.Belief.EvidenceIDs) > 0 && !c.BlockingMissing
		},
	},

	{
		From: StateQuantifyRisk, Name: "risk_assessed", To: StateCritique,
		Description: "risk assessment produced",
		Cond:        func(c *StepContext) bool { return c.RiskAssessed },
	},

	{
		From: StateCritique, Name: "critic_rejects", To: StateInvestigate,
		Description: "critic found insufficient evidence, rounds remain",
		Cond: func(c *StepContext) bool {
			return c.CriticVerdict == VerdictInsufficientEvidence &&
				c.InvestigationRounds < MaxInvestigationRounds
		},
	},
	{
		From: StateCritique, Name: "critic_accepts", To: StateEvaluatePolicy,
		Description: "critic accepted, or rounds exhausted",
		Cond: func(c *StepContext) bool {
			return c.CriticVerdict == VerdictAcceptable ||
				c.InvestigationRounds >= MaxInvestigationRounds
		},
	},

	{
		From: StateEvaluatePolicy, Name: "policy_compliant", To: StatePlanActions,
		Description: "policy review passed",
		Cond:        func(c *StepContext) bool { return c.PolicyVerdict == PolicyCompliant },
	},
	{
		From: StateEvaluatePolicy, Name: "policy_needs_evidence", To: StateInvestigate,
		Description: "policy review wants more evidence, rounds remain",
		Cond: func(c *StepContext) bool {
			return c.PolicyVerdict == PolicyNeedsEvidence &&
				c.InvestigationRounds < MaxInvestigationRounds
		},
	},
	{
		From: StateEvaluatePolicy, Name: "policy_force_accept", To: StatePlanActions,
		Description: "policy wants more evidence but rounds are exhausted",
		Cond: func(c *StepContext) bool {
			return c.PolicyVerdict == PolicyNeedsEvidence &&
				c.InvestigationRounds >= MaxInvestigationRounds
		},
	},
	{
		From: StateEvaluatePolicy, Name: "policy_blocked", To: StateComplete, Completion: CompleteBlocked,
		Description: "policy veto",
		Cond:        func(c *StepContext) bool { return c.PolicyVerdict == PolicyBlocked },
	},

	{
		From: StatePlanActions, Name: "actions_need_comms", To: StateDraftComms,
		Description: "planned actions require notification drafts",
		Cond:        func(c *StepContext) bool { return c.ProposedActions > 0 && c.AnyNotification },
	},
	{
		From: StatePlanActions, Name: "actions_ready", To: StateExecute,
		Description: "planned actions need no notifications",
		Cond:        func(c *StepContext) bool { return c.ProposedActions > 0 && !c.AnyNotification },
	},
	{
		From: StatePlanActions, Name: "nothing_to_do", To: StateComplete, Completion: CompleteResolvedNoOp,
		Description: "posture already correct, no actions planned",
		Cond:        func(c *StepContext) bool { return c.ProposedActions == 0 },
	},

	{
		From: StateDraftComms, Name: "comms_drafted", To: StateExecute,
		Description: "notification drafts attached",
		Cond:        func(c *StepContext) bool { return c.CommsDrafted },
	},

	{
		From: StateExecute, Name: "all_actions_terminal", To: StateComplete, Completion: CompleteResolved,
		Description: "every action reached a terminal state",
		Cond:        func(c *StepContext) bool { return c.AllActionsTerminal },
	},
	{
		From: StateExecute, Name: "awaiting_approval", To: StateComplete, Completion: CompleteBlockedWaiting,
		Description: "at least one action is pending approval",
		Cond:        func(c *StepContext) bool { return c.AnyPendingApproval },
	},
}

// NextState evaluates the transition table for the current state, top to
// bottom, returning the first matching rule. ok is false when no rule
// matches, which means the orchestrator must stop and report.
func NextState(from State, ctx *StepContext) (Rule, bool) {
	for _, r := range transitionRules {
		if r.From == from && r.Cond(ctx) {
			return r, true
		}
	}
	return Rule{}, false
}
