package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilnforge/engine/internal/agent"
	"github.com/kilnforge/engine/internal/cycle"
	"github.com/kilnforge/engine/internal/session"
)

var (
	autoTimeBudgetMinutes int
	autoCycleBudget       int
	autoMinImpactScore    int
	autoDocsAudit         bool
)

var autoCmd = &cobra.Command{
	Use:   "auto",
	Short: "Run cycles continuously until a stop condition fires",
	Long: `auto repeats the Cycle Engine — scout, filter, wave-schedule,
execute, deliver — until the time budget elapses, the cycle budget is
reached, diminishing returns trip (3 consecutive low-yield cycles), or
no sector has changes left to offer.`,
	RunE: runAuto,
}

func init() {
	autoCmd.Flags().IntVar(&autoTimeBudgetMinutes, "time-budget-minutes", 0, "Stop after this many minutes (0 = use config default)")
	autoCmd.Flags().IntVar(&autoCycleBudget, "cycles", 0, "Stop after this many cycles (0 = unbounded)")
	autoCmd.Flags().IntVar(&autoMinImpactScore, "min-impact", 1, "Minimum proposal impact score to promote to a ticket")
	autoCmd.Flags().BoolVar(&autoDocsAudit, "docs-audit", false, "Enable the docs-audit formula constraint")
	rootCmd.AddCommand(autoCmd)
}

func runAuto(cmd *cobra.Command, args []string) error {
	s, cfg, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	kind := agent.Kind(cfg.Auto.Backend)
	backend, err := agent.New(kind)
	if err != nil {
		return fmt.Errorf("resolve agent backend %q: %w", kind, err)
	}

	timeBudget := autoTimeBudgetMinutes
	if timeBudget <= 0 {
		timeBudget = cfg.Auto.TimeBudgetMinutes
	}
	cycleBudget := autoCycleBudget
	if cycleBudget <= 0 {
		cycleBudget = cfg.Auto.CycleBudget
	}

	cycleCfg := cycle.Config{
		MinImpactScore:   autoMinImpactScore,
		BranchPrefix:     session.BranchPrefix,
		MaxParallel:      cfg.Auto.Parallelism,
		DeliveryMode:     cfg.Auto.DeliveryMode,
		MilestoneBranch:  "main",
		ProjectAllowed:   cfg.ProjectAllowed,
		AlwaysDenied:     cfg.AlwaysDenied,
		PullEveryNCycles: cfg.Auto.PullEveryNCycles,
	}

	deadline := time.Time{}
	if timeBudget > 0 {
		deadline = time.Now().Add(time.Duration(timeBudget) * time.Minute)
	}

	w := cmd.OutOrStdout()
	ctx := context.Background()
	for {
		stop, reason := s.ShouldStop(session.StopCondition{
			TimeBudgetElapsed: !deadline.IsZero() && time.Now().After(deadline),
			CycleBudgetReached: cycleBudget > 0 && s.CycleCount >= cycleBudget,
			PlanningMode:       cycleBudget > 0,
		})
		if stop {
			fmt.Fprintf(w, "stopping: %s\n", reason)
			return nil
		}

		summary, err := cycle.RunCycle(ctx, s, backend, cycleCfg)
		if err != nil {
			return fmt.Errorf("cycle %d: %w", s.CycleCount, err)
		}
		if summary.SkippedCycle {
			fmt.Fprintln(w, "cycle skipped: no sector has changes to offer")
			stop, reason := s.ShouldStop(session.StopCondition{NoSectorHasChanges: true})
			if stop {
				fmt.Fprintf(w, "stopping: %s\n", reason)
				return nil
			}
			continue
		}
		if summary.Digest != "" {
			fmt.Fprintln(w, summary.Digest)
		} else {
			fmt.Fprintf(w, "cycle %d: scope=%s proposals=%d/%d tickets=%d/%d yield=%.2f\n",
				s.CycleCount, summary.Scope, summary.ProposalsApproved, summary.ProposalsFound,
				summary.TicketsSucceeded, summary.TicketsExecuted, summary.YieldRate)
		}
	}
}
