package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/torii-ai/sekisho/internal/agents"
	"github.com/torii-ai/sekisho/internal/governance"
	"github.com/torii-ai/sekisho/internal/llm"
	"github.com/torii-ai/sekisho/internal/model"
	"github.com/torii-ai/sekisho/internal/playbooks"
	"github.com/torii-ai/sekisho/internal/signals"
	"github.com/torii-ai/sekisho/internal/storage"
)

// runCeiling caps one scenario run. Canned sources answer instantly; a run
// that takes longer than this is stuck, not slow.
const runCeiling = 90 * time.Second

// Runner executes named scenarios end to end against a real database.
// Everything except the source fetchers is the production pipeline.
type Runner struct {
	db      *storage.DB
	client  llm.Client
	budgets agents.Budgets
	logger  *slog.Logger
}

// NewRunner builds a runner. client decides how assessments are produced;
// NewRulesClient gives deterministic runs, which is what tests want.
func NewRunner(db *storage.DB, client llm.Client, budgets agents.Budgets, logger *slog.Logger) *Runner {
	if budgets.MaxIterations <= 0 {
		budgets = agents.Budgets{MaxIterations: 10, MaxToolCalls: 50, MaxInvestigations: 2}
	}
	return &Runner{db: db, client: client, budgets: budgets, logger: logger}
}

// Run seeds the operational graph for the scenario's airport, creates a
// case, and drives the orchestrator to a terminal state.
func (r *Runner) Run(ctx context.Context, sc Scenario) (*agents.RunResult, error) {
	ctx, cancel := context.WithTimeout(ctx, runCeiling)
	defer cancel()

	if err := NewSeeder(r.db, r.logger).Seed(ctx, sc.Airport); err != nil {
		return nil, err
	}

	c, err := r.prepareCase(ctx, sc)
	if err != nil {
		return nil, err
	}

	orch := r.orchestrator(Registry(sc, r.logger))
	result, err := orch.Run(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("sim: run scenario %s: %w", sc.Name, err)
	}

	r.logger.Info("scenario complete",
		"scenario", sc.Name,
		"case_id", c.ID,
		"final_state", result.FinalState,
		"completion", result.Completion,
		"actions", len(result.Actions),
	)
	return result, nil
}

// RunStreaming runs the scenario like Run while reporting orchestration
// progress on the returned channel. The case ID is returned up front so
// callers can follow along.
func (r *Runner) RunStreaming(ctx context.Context, sc Scenario) (uuid.UUID, <-chan agents.ProgressEvent, error) {
	if err := NewSeeder(r.db, r.logger).Seed(ctx, sc.Airport); err != nil {
		return uuid.Nil, nil, err
	}
	c, err := r.prepareCase(ctx, sc)
	if err != nil {
		return uuid.Nil, nil, err
	}

	orch := r.orchestrator(Registry(sc, r.logger))
	return c.ID, orch.RunStreaming(ctx, c.ID), nil
}

// prepareCase opens the case and, when the scenario carries a booking,
// files it as BOOKING evidence linked to the case.
func (r *Runner) prepareCase(ctx context.Context, sc Scenario) (model.Case, error) {
	c, err := r.db.CreateCase(ctx, model.CaseTypeAirportDisruption, map[string]any{
		"airport":  sc.Airport,
		"scenario": sc.Name,
	})
	if err != nil {
		return model.Case{}, fmt.Errorf("sim: create case: %w", err)
	}

	if sc.Booking != nil {
		payload, err := json.Marshal(map[string]any{
			"shipment_ref": sc.Booking.ShipmentRef,
			"pieces":       sc.Booking.Pieces,
			"weight_kg":    sc.Booking.WeightKg,
			"airport":      sc.Airport,
		})
		if err != nil {
			return model.Case{}, fmt.Errorf("sim: marshal booking: %w", err)
		}

		ev, err := r.db.InsertEvidence(ctx, model.Evidence{
			SourceSystem: "BOOKING",
			URI:          "sim://booking/" + sc.Booking.ShipmentRef,
			Excerpt:      fmt.Sprintf("Booking %s: %d pieces, %.0f kg via %s", sc.Booking.ShipmentRef, sc.Booking.Pieces, sc.Booking.WeightKg, sc.Airport),
		}, payload)
		if err != nil {
			return model.Case{}, fmt.Errorf("sim: persist booking evidence: %w", err)
		}

		evID := ev.ID
		if _, err := r.db.AppendTraceEvent(ctx, model.TraceEvent{
			CaseID:    c.ID,
			EventType: model.TraceToolResult,
			RefType:   "evidence",
			RefID:     &evID,
			Meta: map[string]any{
				"source":       "BOOKING",
				"shipment_ref": sc.Booking.ShipmentRef,
			},
		}); err != nil {
			return model.Case{}, fmt.Errorf("sim: link booking evidence: %w", err)
		}
	}
	return c, nil
}

// orchestrator wires the production agent set around the scenario registry.
func (r *Runner) orchestrator(registry agents.Fetcher) *agents.Orchestrator {
	deriver := signals.NewDeriver(r.db, r.logger)
	detector := signals.NewDetector(r.db)
	sm := governance.NewStateMachine(r.db, r.logger)

	return agents.NewOrchestrator(
		r.db,
		agents.NewInvestigator(r.db, registry, deriver, detector, r.logger),
		agents.NewRiskQuant(r.db, r.client, r.logger),
		agents.NewCritic(r.db, r.client, r.logger),
		agents.NewPolicyJudge(r.db, r.client, r.logger),
		agents.NewComms(r.db, r.logger),
		agents.NewExecutor(r.db, sm, r.logger),
		playbooks.NewMatcher(r.db, r.logger),
		r.budgets,
		r.logger,
	)
}
