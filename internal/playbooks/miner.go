package playbooks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/torii-ai/sekisho/internal/model"
	"github.com/torii-ai/sekisho/internal/storage"
)

// Miner turns resolved cases into playbooks: the case's scope and signal
// fingerprint become the pattern, its executed actions the template.
type Miner struct {
	db     *storage.DB
	logger *slog.Logger
}

func NewMiner(db *storage.DB, logger *slog.Logger) *Miner {
	return &Miner{db: db, logger: logger}
}

// Mine creates a playbook from a resolved case. Cases that blocked, or
// that executed nothing, have no pattern worth learning and return nil.
func (mn *Miner) Mine(ctx context.Context, caseID uuid.UUID) (*model.Playbook, error) {
	c, err := mn.db.GetCase(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("playbooks: load case for mining: %w", err)
	}
	if c.Status != model.CaseResolved {
		return nil, nil
	}

	actions, err := mn.db.CaseActions(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("playbooks: case actions for mining: %w", err)
	}
	template := executedTemplate(actions)
	if len(template) == 0 {
		return nil, nil
	}

	signals, err := mn.caseSignals(ctx, caseID)
	if err != nil {
		return nil, err
	}

	pb, err := mn.db.CreatePlaybook(ctx, model.Playbook{
		Name: playbookName(c),
		Pattern: map[string]any{
			"case_type": c.CaseType,
			"scope":     minedScope(c.Scope),
			"signals":   signals,
		},
		ActionTemplate: map[string]any{"actions": template},
	})
	if err != nil {
		return nil, fmt.Errorf("playbooks: persist mined playbook: %w", err)
	}
	if err := mn.db.LinkPlaybookCase(ctx, pb.ID, caseID); err != nil {
		return nil, fmt.Errorf("playbooks: link mined playbook: %w", err)
	}

	mn.logger.Info("playbook mined", "case_id", caseID, "playbook", pb.Name,
		"actions", len(template), "signals", len(signals))
	return &pb, nil
}

func (mn *Miner) caseSignals(ctx context.Context, caseID uuid.UUID) ([]string, error) {
	m := &Matcher{db: mn.db}
	return m.caseSignals(ctx, caseID)
}

// executedTemplate keeps only actions that completed; a failed action is
// not a pattern to repeat. Internal bookkeeping args are stripped.
func executedTemplate(actions []model.Action) []any {
	var out []any
	for _, a := range actions {
		if a.State != model.ActionCompleted {
			continue
		}
		args := make(map[string]any)
		for k, v := range a.Args {
			switch k {
			case "requires_approval", "requires_notification", "playbook_guided", "notification_draft":
				continue
			}
			args[k] = v
		}
		out = append(out, map[string]any{
			"type": string(a.Type),
			"args": args,
		})
	}
	return out
}

// minedScope drops case-instance keys so the pattern generalizes. Airport
// stays; anything that names a specific shipment or booking does not.
func minedScope(scope map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range scope {
		switch k {
		case "shipment_id", "booking_id", "case_ref":
			continue
		}
		out[k] = v
	}
	return out
}

func playbookName(c model.Case) string {
	airport := c.Airport()
	if airport == "" {
		airport = "unscoped"
	}
	return fmt.Sprintf("%s %s %s", c.CaseType, airport, c.ID.String()[:8])
}
