package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// nudgeFileName is the sidecar file the cycle engine's next scout pass
// (scoutWithRetry) reads and deletes to pick up an operator's free-text
// steer between cycles.
const nudgeFileName = "nudge.json"

type nudgeDocument struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

var nudgeCmd = &cobra.Command{
	Use:   "nudge <text>",
	Short: "Leave a free-text steer for the next cycle to read",
	Long: `nudge writes a short note into .state/nudge.json. It carries no
structure the engine enforces — the next scout pass prepends it to the
scout's prompt hint, ahead of the active formula's hint.`,
	Args: cobra.ExactArgs(1),
	RunE: runNudge,
}

func init() {
	rootCmd.AddCommand(nudgeCmd)
}

func runNudge(cmd *cobra.Command, args []string) error {
	s, _, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	doc := nudgeDocument{Text: args[0], CreatedAt: time.Now()}
	if err := s.Sidecar.WriteJSON(nudgeFileName, doc); err != nil {
		return fmt.Errorf("write nudge: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "nudge recorded")
	return nil
}
