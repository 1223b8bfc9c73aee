package planner

import (
	"sort"

	"github.com/torii-ai/sekisho/internal/model"
)

const (
	// BeamWidth is the number of sequences kept at each search layer.
	BeamWidth = 4
	// MaxDepth bounds the length of a planned action sequence.
	MaxDepth = 4
)

// uncertaintyValues weight how much resolving each uncertainty type is worth.
var uncertaintyValues = map[string]float64{
	"airport_status_unknown":     1.0,
	"weather_conditions_unknown": 0.8,
	"alert_status_unknown":       0.7,
	"movement_data_unknown":      0.5,
	"contradiction_unresolved":   0.9,
}

// toolResolves maps each investigation tool to the uncertainties it resolves.
var toolResolves = map[string][]string{
	"fetch_faa_status": {"airport_status_unknown"},
	"fetch_weather":    {"weather_conditions_unknown"},
	"fetch_alerts":     {"alert_status_unknown"},
	"fetch_opensky":    {"movement_data_unknown"},
}

// toolCosts reflect API latency and rate limits per tool.
var toolCosts = map[string]float64{
	"fetch_faa_status": 0.1,
	"fetch_weather":    0.1,
	"fetch_alerts":     0.1,
	"fetch_opensky":    0.3,
}

var interventionCosts = map[model.ActionType]float64{
	model.ActionSetPosture:          0.0,
	model.ActionPublishAdvisory:     0.1,
	model.ActionUpdateBookingRules:  0.2,
	model.ActionTriggerReevaluation: 0.1,
	model.ActionEscalateOps:         0.2,
	model.ActionHoldCargo:           0.4,
	model.ActionReleaseCargo:        0.3,
	model.ActionSwitchGateway:       0.8,
	model.ActionRebookFlight:        0.9,
	model.ActionUpgradeService:      0.7,
	model.ActionNotifyCustomer:      0.6,
	model.ActionFileClaim:           0.8,
}

var actionValues = map[model.ActionType]float64{
	model.ActionSetPosture:          1.0,
	model.ActionPublishAdvisory:     0.6,
	model.ActionUpdateBookingRules:  0.5,
	model.ActionTriggerReevaluation: 0.4,
	model.ActionEscalateOps:         0.7,
	model.ActionHoldCargo:           0.6,
	model.ActionReleaseCargo:        0.5,
	model.ActionSwitchGateway:       0.7,
	model.ActionRebookFlight:        0.8,
	model.ActionUpgradeService:      0.5,
	model.ActionNotifyCustomer:      0.6,
	model.ActionFileClaim:           0.5,
}

var riskPenalties = map[model.RiskLevel]float64{
	model.RiskLow:    0.0,
	model.RiskMedium: 0.1,
	model.RiskHigh:   0.3,
}

// Input is the planner's view of the belief state.
type Input struct {
	AirportICAO        string
	Posture            model.Posture
	RiskLevel          model.RiskLevel
	ContradictionCount int
	OpenUncertainties  []string // uncertainty type names

	// HasBookingEvidence gates shipment-level candidates. Without booking
	// evidence on file the planner proposes gateway-level actions only.
	HasBookingEvidence bool

	// PlaybookActions is a matched playbook's action template. Merged with
	// generated candidates; base args win on conflict.
	PlaybookActions []TemplateAction
}

// TemplateAction is one entry of a playbook's action template.
type TemplateAction struct {
	Type model.ActionType
	Args map[string]any
}

// Candidate is one proposed action with its deterministic score.
type Candidate struct {
	Type                 model.ActionType
	Args                 map[string]any
	Score                float64
	RiskLevel            model.RiskLevel
	RequiresApproval     bool
	RequiresNotification bool
	PlaybookGuided       bool
}

// InvestigationGain scores a tool by the total uncertainty value it would
// resolve, minus the tool's cost. Used to rank evidence-gathering moves.
func InvestigationGain(tool string, openUncertainties []string) float64 {
	resolvable := toolResolves[tool]
	gain := 0.0
	for _, u := range openUncertainties {
		for _, r := range resolvable {
			if u == r {
				gain += uncertaintyValues[u]
			}
		}
	}
	cost, ok := toolCosts[tool]
	if !ok {
		cost = 0.1
	}
	return gain - cost
}

// ScoreIntervention computes value minus cost minus risk penalty for an
// intervention, with a surcharge for approval-gated actions.
func ScoreIntervention(t model.ActionType) float64 {
	value, ok := actionValues[t]
	if !ok {
		value = 0.3
	}
	cost, ok := interventionCosts[t]
	if !ok {
		cost = 0.5
	}
	def := Define(t)
	penalty := riskPenalties[def.RiskLevel]
	if def.RequiresApproval {
		penalty += 0.1
	}
	return value - cost - penalty
}

// Plan generates intervention candidates for the belief state, merges any
// playbook template, and beam-searches for the best-scoring sequence.
// Candidates scoring below zero are dropped.
func Plan(in Input) []Candidate {
	candidates := generate(in)
	candidates = mergePlaybook(candidates, in.PlaybookActions)

	for i := range candidates {
		candidates[i].Score = ScoreIntervention(candidates[i].Type)
	}

	best := beamSearch(candidates, BeamWidth, MaxDepth)

	var out []Candidate
	for _, c := range best {
		if c.Score >= 0 {
			out = append(out, c)
		}
	}
	return out
}

// generate proposes interventions appropriate to the recommended posture.
func generate(in Input) []Candidate {
	var cands []Candidate

	cands = append(cands, Candidate{
		Type: model.ActionSetPosture,
		Args: map[string]any{
			"posture": string(in.Posture),
			"airport": in.AirportICAO,
		},
		RiskLevel: model.RiskLow,
	})

	if in.Posture != model.PostureAccept {
		cands = append(cands, Candidate{
			Type: model.ActionPublishAdvisory,
			Args: map[string]any{
				"posture": string(in.Posture),
				"airport": in.AirportICAO,
			},
			RiskLevel: model.RiskLow,
		})
	}

	if in.Posture == model.PostureRestrict || in.Posture == model.PostureHold {
		cands = append(cands, Candidate{
			Type:      model.ActionUpdateBookingRules,
			Args:      map[string]any{"restriction_level": string(in.Posture)},
			RiskLevel: model.RiskMedium,
		})
	}

	if in.HasBookingEvidence && in.Posture == model.PostureHold &&
		(in.RiskLevel == model.RiskHigh || in.RiskLevel == model.RiskCritical) {
		cands = append(cands, Candidate{
			Type: model.ActionHoldCargo,
			Args: map[string]any{
				"airport": in.AirportICAO,
				"reason":  "Gateway holding inbound freight under elevated risk",
			},
			RiskLevel: model.RiskMedium,
		})
	}

	if in.Posture == model.PostureEscalate {
		cands = append(cands, Candidate{
			Type:                 model.ActionEscalateOps,
			Args:                 map[string]any{"reason": "Automated escalation required"},
			RiskLevel:            model.RiskLow,
			RequiresNotification: true,
		})
	}

	if in.ContradictionCount > 0 {
		cands = append(cands, Candidate{
			Type:      model.ActionTriggerReevaluation,
			Args:      map[string]any{"reason": "Unresolved contradictions"},
			RiskLevel: model.RiskLow,
		})
	}

	for i := range cands {
		def := Define(cands[i].Type)
		cands[i].RequiresApproval = def.RequiresApproval
		if def.NotificationRequired {
			cands[i].RequiresNotification = true
		}
	}
	return cands
}

// mergePlaybook adds playbook template actions not already proposed, and
// fills in template args on matching candidates without overwriting base
// args. Produced candidates carry the playbook_guided flag.
func mergePlaybook(cands []Candidate, template []TemplateAction) []Candidate {
	if len(template) == 0 {
		return cands
	}

	byType := make(map[model.ActionType]int, len(cands))
	for i, c := range cands {
		byType[c.Type] = i
	}

	for _, ta := range template {
		if i, ok := byType[ta.Type]; ok {
			for k, v := range ta.Args {
				if _, exists := cands[i].Args[k]; !exists {
					cands[i].Args[k] = v
				}
			}
			cands[i].PlaybookGuided = true
			continue
		}

		def := Define(ta.Type)
		args := make(map[string]any, len(ta.Args))
		for k, v := range ta.Args {
			args[k] = v
		}
		cands = append(cands, Candidate{
			Type:                 ta.Type,
			Args:                 args,
			RiskLevel:            def.RiskLevel,
			RequiresApproval:     def.RequiresApproval,
			RequiresNotification: def.NotificationRequired,
			PlaybookGuided:       true,
		})
	}
	return cands
}

type sequence struct {
	actions []Candidate
	used    map[model.ActionType]bool
	total   float64
}

// beamSearch enumerates action sequences up to maxDepth, keeping the top
// width sequences per layer by total score, and returns the best sequence.
// Each action type appears at most once per sequence. Ties break on action
// type for determinism.
func beamSearch(cands []Candidate, width, maxDepth int) []Candidate {
	if len(cands) == 0 {
		return nil
	}

	beam := []sequence{{used: map[model.ActionType]bool{}}}
	var best sequence

	for depth := 0; depth < maxDepth; depth++ {
		var next []sequence
		for _, seq := range beam {
			for _, c := range cands {
				if seq.used[c.Type] {
					continue
				}
				ext := sequence{
					actions: append(append([]Candidate(nil), seq.actions...), c),
					used:    map[model.ActionType]bool{},
					total:   seq.total + c.Score,
				}
				for t := range seq.used {
					ext.used[t] = true
				}
				ext.used[c.Type] = true
				next = append(next, ext)
			}
		}
		if len(next) == 0 {
			break
		}

		sort.SliceStable(next, func(i, j int) bool {
			if next[i].total != next[j].total {
				return next[i].total > next[j].total
			}
			return lessByTypes(next[i].actions, next[j].actions)
		})
		if len(next) > width {
			next = next[:width]
		}
		beam = next

		if beam[0].total > best.total || best.actions == nil {
			best = beam[0]
		}
	}
	return best.actions
}

func lessByTypes(a, b []Candidate) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i].Type != b[i].Type {
			return a[i].Type < b[i].Type
		}
	}
	return len(a) < len(b)
}
