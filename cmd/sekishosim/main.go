// Command sekishosim runs canned disruption scenarios through the full
// decision pipeline against a real database. It exercises everything except
// the live public-data sources, which are replaced by scripted evidence.
//
//	sekishosim -scenario ground-stop
//	sekishosim -scenario all
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/torii-ai/sekisho/internal/agents"
	"github.com/torii-ai/sekisho/internal/config"
	"github.com/torii-ai/sekisho/internal/llm"
	"github.com/torii-ai/sekisho/internal/sim"
	"github.com/torii-ai/sekisho/internal/storage"
	"github.com/torii-ai/sekisho/migrations"
)

func main() {
	scenario := flag.String("scenario", "all", "scenario name, or 'all'")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *scenario, logger); err != nil {
		logger.Error("simulation failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, name string, logger *slog.Logger) error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, "", logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(ctx)

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	var scenarios []sim.Scenario
	if name == "all" {
		scenarios = sim.Builtin()
	} else {
		sc, err := sim.Lookup(name)
		if err != nil {
			names := make([]string, 0, len(sim.Builtin()))
			for _, s := range sim.Builtin() {
				names = append(names, s.Name)
			}
			return fmt.Errorf("%w (known: %s)", err, strings.Join(names, ", "))
		}
		scenarios = []sim.Scenario{sc}
	}

	runner := sim.NewRunner(db, llm.NewRulesClient(), agents.Budgets{
		MaxIterations:     cfg.MaxIterations,
		MaxToolCalls:      cfg.MaxToolCalls,
		MaxInvestigations: cfg.MaxInvestigations,
	}, logger)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	for _, sc := range scenarios {
		result, err := runner.Run(ctx, sc)
		if err != nil {
			return fmt.Errorf("scenario %s: %w", sc.Name, err)
		}
		if err := enc.Encode(map[string]any{
			"scenario":    sc.Name,
			"airport":     sc.Airport,
			"case_id":     result.CaseID,
			"final_state": result.FinalState,
			"completion":  result.Completion,
			"risk_level":  result.Assessment.RiskLevel,
			"posture":     result.Assessment.Posture,
			"actions":     len(result.Actions),
		}); err != nil {
			return err
		}
	}
	return nil
}
