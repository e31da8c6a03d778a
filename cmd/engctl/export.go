package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kilnforge/engine/internal/formatter"
)

var exportOutPath string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export every ticket for this project as JSON Lines",
	RunE:  runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutPath, "out", "o", "", "Write to a file instead of stdout")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	s, _, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	tickets, err := s.Store.ListTickets(s.Project.ID)
	if err != nil {
		return fmt.Errorf("list tickets: %w", err)
	}

	w := cmd.OutOrStdout()
	if exportOutPath != "" {
		f, err := os.Create(exportOutPath)
		if err != nil {
			return fmt.Errorf("create %s: %w", exportOutPath, err)
		}
		defer f.Close()
		w = f
	}

	return formatter.NewJSONLFormatter().FormatTickets(w, tickets)
}
