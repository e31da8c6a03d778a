package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kilnforge/engine/internal/agent"
	"github.com/kilnforge/engine/internal/artifact"
	"github.com/kilnforge/engine/internal/formatter"
	"github.com/kilnforge/engine/internal/learning"
)

const scoutProposalsFile = "scout-proposals.json"

var scoutCmd = &cobra.Command{
	Use:   "scout <path>",
	Short: "Scout one scope and stage its proposals for approve",
	Args:  cobra.ExactArgs(1),
	RunE:  runScout,
}

func init() {
	rootCmd.AddCommand(scoutCmd)
}

func runScout(cmd *cobra.Command, args []string) error {
	s, cfg, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	kind := agent.Kind(cfg.Auto.Backend)
	backend, err := agent.New(kind)
	if err != nil {
		return fmt.Errorf("resolve agent backend %q: %w", kind, err)
	}

	scope := args[0]
	titles, err := s.DedupMem.Titles()
	if err != nil {
		return err
	}
	healing, err := s.QA.BaselineHealingTargets()
	if err != nil {
		return err
	}
	learnings, err := s.Learning.SelectRelevant(learning.SelectQuery{Paths: []string{scope}})
	if err != nil {
		return err
	}

	proposals, err := backend.Scout(context.Background(), agent.ScoutRequest{
		Scope: scope, Formula: s.ActiveFormula.Name, ModelTag: s.ActiveFormula.ModelTag,
		PromptHint: s.ActiveFormula.PromptHint, Learnings: learning.FormatForPrompt(learnings, 2000),
		DedupTitles: titles, BaselineHealing: healing,
	})
	if err != nil {
		return fmt.Errorf("scout: %w", err)
	}

	if err := artifact.WriteJSON(s.RepoRoot, scoutProposalsFile, proposals); err != nil {
		return fmt.Errorf("stage proposals: %w", err)
	}

	w := cmd.OutOrStdout()
	t := formatter.NewTable(w, "#", "CATEGORY", "CONFIDENCE", "IMPACT", "TITLE")
	for i, p := range proposals {
		t.AddRow(fmt.Sprint(i), string(p.Category), fmt.Sprint(p.Confidence), fmt.Sprint(p.ImpactScore), p.Title)
	}
	if err := t.Render(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\nstaged %d proposal(s) in %s — review then run `engctl approve <index...>`\n", len(proposals), scoutProposalsFile)
	return nil
}
