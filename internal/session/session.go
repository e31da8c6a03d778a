// Package session implements the top-level Supervisor: repo lock
// acquisition, stale-resource cleanup, sidecar state loading, delivery
// mode, and the cycle loop's stop condition.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/kilnforge/engine/internal/config"
	"github.com/kilnforge/engine/internal/dedup"
	"github.com/kilnforge/engine/internal/enginerr"
	"github.com/kilnforge/engine/internal/formula"
	"github.com/kilnforge/engine/internal/gitutil"
	"github.com/kilnforge/engine/internal/learning"
	"github.com/kilnforge/engine/internal/metrics"
	"github.com/kilnforge/engine/internal/qa"
	"github.com/kilnforge/engine/internal/sector"
	"github.com/kilnforge/engine/internal/sidecar"
	"github.com/kilnforge/engine/internal/store"
	"github.com/kilnforge/engine/internal/types"
)

// StalePruneAge is the default age after which fully-merged ticket
// branches are deleted during cleanup.
const StalePruneAge = 7 * 24 * time.Hour

// BranchPrefix is the engine's branch-naming prefix.
const BranchPrefix = "engine"

// lockFile is the repo-level session lock, relative to .state/.
const lockFile = "session.lock"

// State is the in-memory, per-session record: counters, flags, and
// handles to every sidecar/store component. A single SessionState
// replaces the source's ~55 closure-captured mutable variables — every
// mutation is a method on this struct, never a package-level global.
type State struct {
	RepoRoot string
	StateDir string

	Log zerolog.Logger

	Store    *store.Store
	Sidecar  *sidecar.Store
	Learning *learning.Store
	DedupMem *dedup.Memory
	Cooldown *dedup.Cooldown
	QA       *qa.Store
	Sectors  *sector.Store
	Metrics  *metrics.Sink

	Phase                    types.Phase
	CycleCount               int
	TotalPRsCreated          int
	ConsecutiveLowYieldCycles int
	EffectiveMinConfidence   int
	OriginalMinConfidence    int
	ActiveFormula            formula.Formula
	PendingPRURLs            []string
	CurrentSectorID          string
	MilestoneWorktreePath    string
	ShutdownRequested        bool

	DeliveryMode types.DeliveryMode
	Project      types.Project

	TotalTickets     int
	FirstPassSuccess int
	recentOutcomes   []types.TicketOutcome
	commandStats     map[string]types.QaCommandStats
}

// QualityTotals returns the running ticket-level totals read by
// confidence calibration and the pre-maintenance quality-rate check.
func (s *State) QualityTotals() (total, firstPass int) {
	return s.TotalTickets, s.FirstPassSuccess
}

// RecordOutcome appends to the rolling outcome history used by
// meta-learning and bumps the quality-rate totals.
func (s *State) RecordOutcome(o types.TicketOutcome) {
	s.TotalTickets++
	if o.Success {
		s.FirstPassSuccess++
	}
	s.recentOutcomes = append(s.recentOutcomes, o)
	const maxHistory = 200
	if len(s.recentOutcomes) > maxHistory {
		s.recentOutcomes = s.recentOutcomes[len(s.recentOutcomes)-maxHistory:]
	}
}

// RecentOutcomes returns the rolling outcome history, most recent first.
func (s *State) RecentOutcomes() []types.TicketOutcome {
	out := make([]types.TicketOutcome, len(s.recentOutcomes))
	for i, o := range s.recentOutcomes {
		out[len(out)-1-i] = o
	}
	return out
}

// CommandStatsSnapshot returns the last-known QA command stats by name,
// refreshed via NoteCommandStats as QA runs are recorded.
func (s *State) CommandStatsSnapshot() map[string]types.QaCommandStats {
	if s.commandStats == nil {
		return map[string]types.QaCommandStats{}
	}
	return s.commandStats
}

// NoteCommandStats records the latest stats snapshot for a QA command.
func (s *State) NoteCommandStats(command string, stats types.QaCommandStats) {
	if s.commandStats == nil {
		s.commandStats = map[string]types.QaCommandStats{}
	}
	s.commandStats[command] = stats
}

// OpenBranches lists open engine-prefixed branches on the remote.
func (s *State) OpenBranches() ([]string, error) {
	return gitutil.OpenBranches(s.RepoRoot, gitutil.DefaultTimeout)
}

// SectorChangeChecker returns a sector.ChangeChecker backed by git log.
func (s *State) SectorChangeChecker() sector.ChangeChecker {
	return func(path string, since time.Time) (bool, error) {
		return gitutil.ChangedSince(s.RepoRoot, path, since, gitutil.DefaultTimeout)
	}
}

// Config bundles the settings needed to open a session.
type Config struct {
	RepoRoot      string
	MinConfidence int
	DeliveryMode  types.DeliveryMode
	Formula       string
	Logger        zerolog.Logger

	// Engine, when set, is snapshotted into .state/config.json (spec §6)
	// so `status`/`doctor` can show exactly what settings a session ran
	// under. Optional: a nil Engine simply skips the snapshot write,
	// which keeps session-package tests that don't care about config
	// resolution unaffected.
	Engine *config.Config
}

// Open acquires the repo lock, opens the store and sidecar state, and
// returns a ready-to-run State. Callers must call Close to release the
// lock and flush metrics.
func Open(cfg Config) (*State, error) {
	root, err := gitutil.RepoRoot(cfg.RepoRoot, gitutil.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	hasRemote, err := gitutil.HasRemote(root, gitutil.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	if !hasRemote {
		return nil, enginerr.ErrNoRemote
	}

	stateDir := filepath.Join(root, ".state")
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	if err := acquireLock(stateDir); err != nil {
		return nil, err
	}

	sc := sidecar.New(stateDir)
	st, err := store.Open(filepath.Join(stateDir, "state.sqlite"))
	if err != nil {
		releaseLock(stateDir)
		return nil, err
	}

	if cfg.Engine != nil {
		snapshot := *cfg.Engine
		snapshot.Version = config.SchemaVersion
		snapshot.CreatedAt = time.Now()
		if err := sc.WriteJSON("config.json", snapshot); err != nil {
			cfg.Logger.Warn().Err(err).Msg("failed to snapshot config.json")
		}
	}

	minConf := cfg.MinConfidence
	if minConf == 0 {
		minConf = 30
	}

	s := &State{
		RepoRoot:              root,
		StateDir:              stateDir,
		Log:                   cfg.Logger,
		Store:                 st,
		Sidecar:               sc,
		Learning:              learning.New(sc),
		DedupMem:              dedup.NewMemory(sc),
		Cooldown:              dedup.NewCooldown(sc),
		QA:                    qa.New(sc),
		Sectors:               sector.New(sc),
		Metrics:               metrics.NewSink(sc),
		Phase:                 types.PhaseNormal,
		EffectiveMinConfidence: minConf,
		OriginalMinConfidence: minConf,
		ActiveFormula:         formula.Lookup(cfg.Formula),
		DeliveryMode:          cfg.DeliveryMode,
	}
	return s, nil
}

// Close releases the session lock and flushes metrics.
func (s *State) Close() error {
	_ = s.Metrics.Close()
	if s.Store != nil {
		_ = s.Store.Close()
	}
	releaseLock(s.StateDir)
	return nil
}

func lockPath(stateDir string) string { return filepath.Join(stateDir, lockFile) }

// acquireLock creates session.lock exclusively. If it exists and names a
// dead PID, it is replaced (logged as ErrLockStale, which is recovered
// locally rather than propagated). If the PID is live, returns
// ErrSessionBusy.
func acquireLock(stateDir string) error {
	p := lockPath(stateDir)
	data, err := os.ReadFile(p)
	if err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil && pid > 0 {
			if processAlive(pid) {
				return enginerr.ErrSessionBusy
			}
		}
		_ = os.Remove(p) // stale PID: enginerr.ErrLockStale, recovered locally
	}
	return os.WriteFile(p, []byte(strconv.Itoa(os.Getpid())), 0o600)
}

func releaseLock(stateDir string) {
	_ = os.Remove(lockPath(stateDir))
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Cleanup prunes worktrees, removes worktree metadata referencing
// missing branches, and deletes stale fully-merged ticket branches.
func (s *State) Cleanup(baseBranch string) error {
	if err := gitutil.PruneWorktrees(s.RepoRoot, gitutil.DefaultTimeout); err != nil {
		s.Log.Warn().Err(err).Msg("worktree prune failed")
	}
	stale, err := gitutil.MergedBranches(s.RepoRoot, BranchPrefix+"/", baseBranch, StalePruneAge, gitutil.DefaultTimeout)
	if err != nil {
		return err
	}
	for _, b := range stale {
		if err := gitutil.DeleteBranch(s.RepoRoot, b, gitutil.DefaultTimeout); err != nil {
			s.Log.Warn().Err(err).Str("branch", b).Msg("failed to delete stale branch")
		}
	}
	return nil
}

// StopCondition bundles the inputs needed to evaluate whether the
// session should stop.
type StopCondition struct {
	TimeBudgetElapsed   bool
	CycleBudgetReached  bool
	PlanningMode        bool
	PRBudgetReached     bool
	PRDrivenMode        bool
	NoSectorHasChanges  bool
}

// ShouldStop evaluates every stop condition in priority order.
func (s *State) ShouldStop(sc StopCondition) (bool, string) {
	if s.ShutdownRequested {
		return true, "shutdown requested"
	}
	if sc.TimeBudgetElapsed {
		return true, "time budget elapsed"
	}
	if sc.PlanningMode && sc.CycleBudgetReached {
		return true, "cycle budget reached"
	}
	if sc.PRDrivenMode && sc.PRBudgetReached {
		return true, "pr budget reached"
	}
	if s.ConsecutiveLowYieldCycles >= 3 {
		return true, "Diminishing returns: 3 consecutive low-yield cycles. Stopping."
	}
	if sc.NoSectorHasChanges {
		return true, "no sector has changes to offer"
	}
	return false, ""
}
