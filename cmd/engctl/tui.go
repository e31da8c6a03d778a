package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Interactive terminal UI (not part of this build)",
	Long: `A full-screen TUI is named in the conceptual CLI surface but is out
of scope for this engine: there is no curses/bubbletea dependency in
this tree to drive one. Use 'status', 'qa', and 'export' for the same
information non-interactively.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), "tui is not built in this engine; see 'engctl status', 'engctl qa', 'engctl export'")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tuiCmd)
}
