package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kilnforge/engine/internal/formatter"
)

var qaCmd = &cobra.Command{
	Use:   "qa",
	Short: "Show rolling QA command statistics",
	Long: `qa prints, for every QA command in the resolved configuration,
its total runs, pass rate, average duration in milliseconds and
timeout count, read out of qa-stats.json.`,
	RunE: runQA,
}

func init() {
	rootCmd.AddCommand(qaCmd)
}

func runQA(cmd *cobra.Command, args []string) error {
	s, cfg, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	w := cmd.OutOrStdout()
	t := formatter.NewTable(w, "COMMAND", "RUNS", "PASS RATE", "AVG MS", "TIMEOUTS")
	for _, command := range cfg.QA.Commands {
		stats, err := s.QA.Stats(command)
		if err != nil {
			return fmt.Errorf("stats for %q: %w", command, err)
		}
		rate := 1.0
		if stats.TotalRuns > 0 {
			rate = float64(stats.Successes) / float64(stats.TotalRuns)
		}
		t.AddRow(command, fmt.Sprint(stats.TotalRuns), fmt.Sprintf("%.0f%%", rate*100),
			fmt.Sprint(stats.AvgDurationMs), fmt.Sprint(stats.Timeouts))
	}
	return t.Render()
}
