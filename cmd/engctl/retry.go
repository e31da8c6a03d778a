package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kilnforge/engine/internal/agent"
	"github.com/kilnforge/engine/internal/ticket"
	"github.com/kilnforge/engine/internal/types"
)

var retryCmd = &cobra.Command{
	Use:   "retry <ticket-id>",
	Short: "Re-run a blocked ticket",
	Args:  cobra.ExactArgs(1),
	RunE:  runRetry,
}

func init() {
	rootCmd.AddCommand(retryCmd)
}

func runRetry(cmd *cobra.Command, args []string) error {
	s, cfg, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	t, err := s.Store.GetTicket(args[0])
	if err != nil {
		return fmt.Errorf("get ticket %s: %w", args[0], err)
	}
	if t.Status != types.TicketBlocked {
		return fmt.Errorf("ticket %s is %s, not blocked — nothing to retry", t.ID, t.Status)
	}
	if err := s.Store.UpdateTicketStatus(t.ID, types.TicketReady); err != nil {
		return fmt.Errorf("reset ticket status: %w", err)
	}
	t.Status = types.TicketReady

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
