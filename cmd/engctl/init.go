package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kilnforge/engine/internal/types"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the engine's .state directory for this repo",
	Long: `init resolves the repo root, writes .state/config.json with the
resolved configuration, registers the project, and seeds an empty
sector map if one does not already exist.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	root, err := resolveRepoRoot()
	if err != nil {
		return err
	}
	cfg, err := loadEngineConfig(root)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Setup.Completed = true
	if cfg.Setup.ProjectName == "" {
		cfg.Setup.ProjectName = root
	}

	s, _, err := openSessionWithConfig(root, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	sectors, err := s.Sectors.All()
	if err != nil {
		return fmt.Errorf("load sectors: %w", err)
	}
	if len(sectors) == 0 {
		// init never guesses at sector boundaries itself; it only
		// ensures sectors.json exists so `status`/`doctor` don't report
		// it missing. `auto`'s first cycle classifies real sectors once
		// scouting has something to look at.
		if err := s.Sectors.Replace([]types.Sector{}); err != nil {
			return fmt.Errorf("seed sectors: %w", err)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "initialized %s for project %q (id=%s)\n", s.StateDir, s.Project.Name, s.Project.ID)
	return nil
}
