package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kilnforge/engine/internal/config"
	"github.com/kilnforge/engine/internal/enginerr"
	"github.com/kilnforge/engine/internal/gitutil"
	"github.com/kilnforge/engine/internal/session"
	"github.com/kilnforge/engine/internal/store"
	"github.com/kilnforge/engine/internal/types"
)

var (
	flagRepoRoot string
	flagVerbose  bool
	flagBackend  string
	flagFormula  string
	flagDelivery string
)

var rootCmd = &cobra.Command{
	Use:   "engctl",
	Short: "Autonomous code-improvement orchestrator",
	Long: `engctl scouts a repository sector by sector, turns proposals into
tickets, hands tickets to an external coding agent inside a disposable
git worktree, runs QA, and delivers the result by the configured
delivery mode — direct push, a milestone branch, a pull request, or
auto-merge.

Bootstrap & inspection:
  init    doctor   status   reset   export

Manual stepping:
  scout   approve  run      retry

Continuous mode:
  auto

Companion surface:
  qa      nudge    tui`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagRepoRoot, "repo", "", "Repository root (default: discovered from cwd)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&flagBackend, "backend", "", "Agent backend (claude, codex, kimi, openai_local, codex_mcp)")
	rootCmd.PersistentFlags().StringVar(&flagFormula, "formula", "", "Scouting formula (default, deep, docs-audit, security-pass)")
	rootCmd.PersistentFlags().StringVar(&flagDelivery, "delivery-mode", "", "Delivery mode (direct, milestone-pr, pr, auto-merge)")
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if flagVerbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}

// resolveRepoRoot discovers the git repository root, honoring --repo.
func resolveRepoRoot() (string, error) {
	start := flagRepoRoot
	if start == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("getwd: %w", err)
		}
		start = wd
	}
	return gitutil.RepoRoot(start, gitutil.DefaultTimeout)
}

// loadEngineConfig resolves the layered engine configuration and
// overlays the process's flag values on top of it.
func loadEngineConfig(repoRoot string) (*config.Config, error) {
	overrides := &config.Config{}
	if flagBackend != "" {
		overrides.Auto.Backend = flagBackend
	}
	if flagFormula != "" {
		overrides.Auto.Formula = flagFormula
	}
	if flagDelivery != "" {
		overrides.Auto.DeliveryMode = types.DeliveryMode(flagDelivery)
	}
	return config.Load(repoRoot, overrides)
}

// openSession resolves the repo root and engine config, opens a
// session, and ensures a Project row exists for this repo so tickets
// and runs have somewhere to attach.
func openSession() (*session.State, *config.Config, error) {
	root, err := resolveRepoRoot()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := loadEngineConfig(root)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return openSessionWithConfig(root, cfg)
}

// openSessionWithConfig opens a session against an already-resolved
// repo root and engine config, for callers (like init) that need to
// mutate cfg before it is snapshotted.
func openSessionWithConfig(root string, cfg *config.Config) (*session.State, *config.Config, error) {
	s, err := session.Open(session.Config{
		RepoRoot:      root,
		MinConfidence: 30,
		DeliveryMode:  cfg.Auto.DeliveryMode,
		Formula:       cfg.Auto.Formula,
		Logger:        newLogger(),
		Engine:        cfg,
	})
	if err != nil {
		return nil, nil, err
	}

	project, err := ensureProject(s.Store, root)
	if err != nil {
		_ = s.Close()
		return nil, nil, err
	}
	s.Project = *project
	return s, cfg, nil
}

// ensureProject fetches the project row registered for root, creating
// one named after the repo's base directory on first run.
func ensureProject(st *store.Store, root string) (*types.Project, error) {
	p, err := st.GetProjectByRootPath(root)
	if err == nil {
		return p, nil
	}
	created := &types.Project{Name: filepath.Base(root), RootPath: root}
	if err := st.CreateProject(created); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	return created, nil
}

// exitCodeFor maps an engine error to the process exit code the spec's
// External Interfaces section calls for: configuration/session errors
// each get a distinct non-zero code, everything else is a generic 1.
func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, enginerr.ErrWorkingTreeDirty):
		return 10
	case errors.Is(err, enginerr.ErrNoRemote):
		return 11
	case errors.Is(err, enginerr.ErrAuthMissing), errors.Is(err, enginerr.ErrMissingAgent):
		return 12
	case errors.Is(err, enginerr.ErrSessionBusy):
		return 13
	default:
		return 1
	}
}
