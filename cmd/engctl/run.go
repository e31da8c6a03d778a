package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kilnforge/engine/internal/agent"
	"github.com/kilnforge/engine/internal/ticket"
)

var runCmd = &cobra.Command{
	Use:   "run <ticket-id>",
	Short: "Execute a single ready ticket",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	s, cfg, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	t, err := s.Store.GetTicket(args[0])
	if err != nil {
		return fmt.Errorf("get ticket %s: %w", args[0], err)
	}

	kind := agent.Kind(cfg.Auto.Backend)
	backend, err := agent.New(kind)
	if err != nil {
		return fmt.Errorf("resolve agent backend %q: %w", kind, err)
	}

	deps := ticket.Deps{
		Store: s.Store, Learning: s.Learning, DedupMem: s.DedupMem, Cooldown: s.Cooldown,
		Backend: backend, RepoRoot: s.RepoRoot,
		ProjectAllowed: cfg.ProjectAllowed, AlwaysDenied: cfg.AlwaysDenied,
	}
	out, err := ticket.Execute(context.Background(), deps, *t, cfg.Auto.DeliveryMode, "")
	if err != nil {
		return fmt.Errorf("execute ticket %s: %w", t.ID, err)
	}
	return printOutcome(cmd, out)
}

// printOutcome reports a ticket.Outcome to the terminal and turns any
// non-success terminal state into a non-zero exit, per spec.md §6's
// "non-zero for... each terminal state of the state machine".
func printOutcome(cmd *cobra.Command, out ticket.Outcome) error {
	w := cmd.OutOrStdout()
	switch {
	case out.Success:
		fmt.Fprintf(w, "ticket %s: success", out.Ticket.ID)
		if out.PRURL != "" {
			fmt.Fprintf(w, " (pr %s)", out.PRURL)
		}
		fmt.Fprintln(w)
		return nil
	case out.Blocked:
		fmt.Fprintf(w, "ticket %s: blocked (%s)\n", out.Ticket.ID, out.FailureReason)
		return fmt.Errorf("ticket %s blocked: %s", out.Ticket.ID, out.FailureReason)
	default:
		fmt.Fprintf(w, "ticket %s: failed (%s)\n", out.Ticket.ID, out.FailureReason)
		return fmt.Errorf("ticket %s failed: %s", out.Ticket.ID, out.FailureReason)
	}
}
