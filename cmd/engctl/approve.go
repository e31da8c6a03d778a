package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"

	"github.com/kilnforge/engine/internal/artifact"
	"github.com/kilnforge/engine/internal/types"
)

var proposalValidate = validator.New()

var approveCmd = &cobra.Command{
	Use:   "approve <index...>",
	Short: "Promote staged scout proposals into tickets",
	Long: `approve reads the proposals staged by the last 'scout' run and
promotes the selected indices into tickets ready for 'run'. Pass "all"
to approve every staged proposal.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runApprove,
}

func init() {
	rootCmd.AddCommand(approveCmd)
}

func runApprove(cmd *cobra.Command, args []string) error {
	s, _, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	raw, err := os.ReadFile(filepath.Join(artifact.Dir(s.RepoRoot), scoutProposalsFile))
	if err != nil {
		return fmt.Errorf("no staged proposals found, run 'engctl scout' first: %w", err)
	}
	var proposals []types.Proposal
	if err := json.Unmarshal(raw, &proposals); err != nil {
		return fmt.Errorf("unmarshal staged proposals: %w", err)
	}

	indices, err := selectionIndices(args, len(proposals))
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	for _, i := range indices {
		p := proposals[i]
		if err := proposalValidate.Struct(&p); err != nil {
			return fmt.Errorf("staged proposal %d (%q) invalid: %w", i, p.Title, err)
		}
		t := types.Ticket{
			ProjectID: s.Project.ID, Title: p.Title, Description: p.Description,
			Category: p.Category, AllowedPaths: p.AllowedPaths, VerifyCmds: p.VerifyCmds,
			Metadata: types.TicketMeta{ScoutConfidence: p.Confidence, EstimatedComplexity: p.Complexity},
		}
		if err := s.Store.CreateTicket(&t); err != nil {
			return fmt.Errorf("create ticket for %q: %w", p.Title, err)
		}
		fmt.Fprintf(w, "approved %q -> ticket %s\n", p.Title, t.ID)
	}
	return nil
}

func selectionIndices(args []string, n int) ([]int, error) {
	if len(args) == 1 && args[0] == "all" {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out, nil
	}
	out := make([]int, 0, len(args))
	for _, a := range args {
		i, err := strconv.Atoi(a)
		if err != nil || i < 0 || i >= n {
			return nil, fmt.Errorf("invalid selection %q (have %d staged proposals)", a, n)
		}
		out = append(out, i)
	}
	return out, nil
}
