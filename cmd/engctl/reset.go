package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kilnforge/engine/internal/gitutil"
)

var resetYes bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the engine's .state directory for this repo",
	Long: `reset removes .state/ entirely — the sqlite store, every sidecar
file, and any leftover worktrees. It does not check the session lock,
so it also runs while a session holds one. Destructive; requires --yes.`,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVar(&resetYes, "yes", false, "Confirm the destructive reset")
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	if !resetYes {
		return fmt.Errorf("reset is destructive; pass --yes to confirm")
	}
	root, err := resolveRepoRoot()
	if err != nil {
		return err
	}

	if err := gitutil.PruneWorktrees(root, gitutil.DefaultTimeout); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: worktree prune failed: %v\n", err)
	}

	stateDir := root + "/.state"
	if err := os.RemoveAll(stateDir); err != nil {
		return fmt.Errorf("remove %s: %w", stateDir, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", stateDir)
	return nil
}
