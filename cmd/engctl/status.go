package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kilnforge/engine/internal/formatter"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current session and sector state",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	s, cfg, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "project:        %s (%s)\n", s.Project.Name, s.Project.ID)
	fmt.Fprintf(w, "repo:           %s\n", s.RepoRoot)
	fmt.Fprintf(w, "phase:          %s\n", s.Phase)
	fmt.Fprintf(w, "cycle:          %d\n", s.CycleCount)
	fmt.Fprintf(w, "min confidence: %d (floor %d)\n", s.EffectiveMinConfidence, s.OriginalMinConfidence)
	fmt.Fprintf(w, "formula:        %s\n", s.ActiveFormula.Name)
	fmt.Fprintf(w, "delivery mode:  %s\n", cfg.Auto.DeliveryMode)
	fmt.Fprintf(w, "backend:        %s\n", cfg.Auto.Backend)
	fmt.Fprintln(w)

	sectors, err := s.Sectors.All()
	if err != nil {
		return fmt.Errorf("load sectors: %w", err)
	}
	t := formatter.NewTable(w, "SECTOR", "FILES", "PRODUCTION", "CONFIDENCE", "SCANS", "YIELD")
	for _, sec := range sectors {
		t.AddRow(sec.Path, fmt.Sprint(sec.FileCount), fmt.Sprint(sec.Production),
			string(sec.Confidence), fmt.Sprint(sec.ScanCount), fmt.Sprintf("%.2f", sec.ProposalYield))
	}
	return t.Render()
}
