// Package playbooks learns and reapplies patterns from completed cases.
// The matcher finds a historical pattern for a new case, the miner turns
// resolved cases into new playbooks, and aging retires ones that stopped
// earning their keep.
package playbooks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/torii-ai/sekisho/internal/model"
	"github.com/torii-ai/sekisho/internal/planner"
	"github.com/torii-ai/sekisho/internal/storage"
)

const (
	// MatchThreshold is the minimum score for a playbook to guide planning.
	MatchThreshold = 0.5
	// matchCandidates bounds how many playbooks are scored per match.
	matchCandidates = 3
)

// Matcher finds the best playbook for a case and keeps its usage stats in
// sync with how matched cases end.
type Matcher struct {
	db     *storage.DB
	logger *slog.Logger

	mu      sync.Mutex
	matched map[uuid.UUID]uuid.UUID // case id -> playbook id
}

func NewMatcher(db *storage.DB, logger *slog.Logger) *Matcher {
	return &Matcher{db: db, logger: logger, matched: make(map[uuid.UUID]uuid.UUID)}
}

// Match returns the action template of the highest-scoring playbook above
// threshold, or nil when none qualifies. A match is linked to the case and
// remembered so RecordOutcome can settle usage stats later.
func (m *Matcher) Match(ctx context.Context, caseID uuid.UUID, caseType string, scope map[string]any) ([]planner.TemplateAction, error) {
	candidates, err := m.db.PlaybooksByCaseType(ctx, caseType, matchCandidates)
	if err != nil {
		return nil, fmt.Errorf("playbooks: load candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	signals, err := m.caseSignals(ctx, caseID)
	if err != nil {
		return nil, err
	}

	var best *model.Playbook
	bestScore := 0.0
	for i := range candidates {
		score := MatchScore(candidates[i].Pattern, scope, signals)
		candidates[i].MatchScore = score
		if score > bestScore {
			best = &candidates[i]
			bestScore = score
		}
	}
	if best == nil || bestScore < MatchThreshold {
		return nil, nil
	}

	if err := m.db.LinkPlaybookCase(ctx, best.ID, caseID); err != nil {
		return nil, fmt.Errorf("playbooks: link match: %w", err)
	}
	playbookID := best.ID
	if _, err := m.db.AppendTraceEvent(ctx, model.TraceEvent{
		CaseID:    caseID,
		EventType: model.TraceToolResult,
		RefType:   "playbook",
		RefID:     &playbookID,
		Meta: map[string]any{
			"playbook_name": best.Name,
			"match_score":   bestScore,
		},
	}); err != nil {
		return nil, fmt.Errorf("playbooks: trace match: %w", err)
	}

	m.mu.Lock()
	m.matched[caseID] = best.ID
	m.mu.Unlock()

	m.logger.Info("playbook matched",
		"case_id", caseID, "playbook", best.Name, "score", bestScore)
	return TemplateActions(best.ActionTemplate), nil
}

// RecordOutcome settles usage stats for a case's matched playbook, if any.
// Success means the case hit its stop condition rather than blocking.
func (m *Matcher) RecordOutcome(ctx context.Context, caseID uuid.UUID, success bool) error {
	m.mu.Lock()
	playbookID, ok := m.matched[caseID]
	delete(m.matched, caseID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := m.db.RecordPlaybookUsage(ctx, playbookID, success); err != nil {
		return fmt.Errorf("playbooks: record usage: %w", err)
	}
	return nil
}

// caseSignals fingerprints the case by the signal edge types derived so far.
func (m *Matcher) caseSignals(ctx context.Context, caseID uuid.UUID) ([]string, error) {
	events, err := m.db.CaseTraceByTypes(ctx, caseID, []model.TraceEventType{model.TraceToolResult})
	if err != nil {
		return nil, fmt.Errorf("playbooks: case trace for fingerprint: %w", err)
	}
	seen := make(map[string]bool)
	var signals []string
	for _, ev := range events {
		if ev.RefType != "evidence" {
			continue
		}
		source, _ := ev.Meta["source"].(string)
		status, _ := ev.Meta["status"].(string)
		if source == "" || (status != string(model.EvidenceHasData) && status != string(model.EvidenceNormalOperations)) {
			continue
		}
		if !seen[source] {
			seen[source] = true
			signals = append(signals, source)
		}
	}
	return signals, nil
}

// MatchScore scores a playbook pattern against a case: scope key/value
// overlap weighted 0.6, signal fingerprint overlap weighted 0.4. Patterns
// with no scope keys fall back to a neutral 0.5 scope score.
func MatchScore(pattern map[string]any, scope map[string]any, signals []string) float64 {
	return 0.6*scopeScore(pattern, scope) + 0.4*signalScore(pattern, signals)
}

func scopeScore(pattern map[string]any, scope map[string]any) float64 {
	patternScope, _ := pattern["scope"].(map[string]any)
	if len(patternScope) == 0 {
		return 0.5
	}
	matched := 0
	for k, v := range patternScope {
		if sv, ok := scope[k]; ok && fmt.Sprint(sv) == fmt.Sprint(v) {
			matched++
		}
	}
	return float64(matched) / float64(len(patternScope))
}

func signalScore(pattern map[string]any, signals []string) float64 {
	wanted := stringSet(pattern["signals"])
	if len(wanted) == 0 {
		return 0.5
	}
	have := make(map[string]bool, len(signals))
	for _, s := range signals {
		have[s] = true
	}
	// Jaccard over the two fingerprints.
	intersection, union := 0, len(wanted)
	for s := range have {
		if wanted[s] {
			intersection++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// TemplateActions decodes a stored action template into planner input.
func TemplateActions(template map[string]any) []planner.TemplateAction {
	raw, _ := template["actions"].([]any)
	var out []planner.TemplateAction
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		typ, _ := entry["type"].(string)
		if typ == "" {
			continue
		}
		args, _ := entry["args"].(map[string]any)
		out = append(out, planner.TemplateAction{
			Type: model.ActionType(typ),
			Args: args,
		})
	}
	return out
}

func stringSet(v any) map[string]bool {
	out := make(map[string]bool)
	switch vs := v.(type) {
	case []string:
		for _, s := range vs {
			out[s] = true
		}
	case []any:
		for _, item := range vs {
			if s, ok := item.(string); ok {
				out[s] = true
			}
		}
	}
	return out
}
