package session

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/kilnforge/engine/internal/config"
	"github.com/kilnforge/engine/internal/enginerr"
	"github.com/kilnforge/engine/internal/types"
)

func initGitRepoWithRemote(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# x\n"), 0644); err != nil {
		t.Fatal(err)
	}
	runGit(t, dir, "add", "README.md")
	runGit(t, dir, "commit", "-m", "initial")

	remote := t.TempDir()
	runGit(t, remote, "init", "-b", "main", "--bare")
	runGit(t, dir, "remote", "add", "origin", remote)
	runGit(t, dir, "push", "-u", "origin", "main")
	return dir
}

func runGit(t *testing.T, cwd string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = cwd
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %s failed: %v\n%s", strings.Join(args, " "), err, string(out))
	}
}

func TestOpenRequiresRemote(t *testing.T) {
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# x\n"), 0644); err != nil {
		t.Fatal(err)
	}
	runGit(t, dir, "add", "README.md")
	runGit(t, dir, "commit", "-m", "initial")

	_, err := Open(Config{RepoRoot: dir, Logger: zerolog.Nop()})
	if err != enginerr.ErrNoRemote {
		t.Fatalf("Open = %v, want ErrNoRemote", err)
	}
}

func TestOpenAndCloseRoundTrip(t *testing.T) {
	dir := initGitRepoWithRemote(t)
	s, err := Open(Config{RepoRoot: dir, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.EffectiveMinConfidence != 30 {
		t.Errorf("EffectiveMinConfidence = %d, want default 30", s.EffectiveMinConfidence)
	}
	if s.ActiveFormula.Name != "default" {
		t.Errorf("ActiveFormula = %q, want default", s.ActiveFormula.Name)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(lockPath(s.StateDir)); !os.IsNotExist(err) {
		t.Fatal("expected Close to release the session lock")
	}
}

func TestOpenSnapshotsEngineConfig(t *testing.T) {
	dir := initGitRepoWithRemote(t)
	engineCfg := config.Default()
	engineCfg.Auto.Backend = "codex"

	s, err := Open(Config{RepoRoot: dir, Logger: zerolog.Nop(), Engine: engineCfg})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	raw, err := os.ReadFile(filepath.Join(s.StateDir, "config.json"))
	if err != nil {
		t.Fatalf("read config.json snapshot: %v", err)
	}
	var got config.Config
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal config.json: %v", err)
	}
	if got.Auto.Backend != "codex" {
		t.Errorf("snapshot Auto.Backend = %q, want codex", got.Auto.Backend)
	}
	if got.Version != config.SchemaVersion {
		t.Errorf("snapshot Version = %d, want %d", got.Version, config.SchemaVersion)
	}
	if got.CreatedAt.IsZero() {
		t.Error("snapshot CreatedAt is zero, want stamped")
	}
}

func TestOpenWithoutEngineConfigWritesNoSnapshot(t *testing.T) {
	dir := initGitRepoWithRemote(t)
	s, err := Open(Config{RepoRoot: dir, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(filepath.Join(s.StateDir, "config.json")); !os.IsNotExist(err) {
		t.Error("expected no config.json snapshot when Engine is nil")
	}
}

func TestOpenRejectsConcurrentSession(t *testing.T) {
	dir := initGitRepoWithRemote(t)
	s, err := Open(Config{RepoRoot: dir, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_, err = Open(Config{RepoRoot: dir, Logger: zerolog.Nop()})
	if err != enginerr.ErrSessionBusy {
		t.Fatalf("second Open = %v, want ErrSessionBusy", err)
	}
}

func TestAcquireLockRecoversStaleLock(t *testing.T) {
	dir := t.TempDir()
	// A PID that is vanishingly unlikely to be alive.
	if err := os.WriteFile(lockPath(dir), []byte(strconv.Itoa(1<<30)), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := acquireLock(dir); err != nil {
		t.Fatalf("acquireLock should recover a stale lock, got: %v", err)
	}
	data, err := os.ReadFile(lockPath(dir))
	if err != nil {
		t.Fatalf("read lock: %v", err)
	}
	if strings.TrimSpace(string(data)) != strconv.Itoa(os.Getpid()) {
		t.Errorf("lock contents = %q, want current pid", data)
	}
}

func TestProcessAliveCurrentProcess(t *testing.T) {
	if !processAlive(os.Getpid()) {
		t.Fatal("expected the current process to be reported alive")
	}
}

func TestShouldStopPriorityOrder(t *testing.T) {
	s := &State{}

	s.ShutdownRequested = true
	if stop, reason := s.ShouldStop(StopCondition{TimeBudgetElapsed: true}); !stop || reason != "shutdown requested" {
		t.Errorf("expected shutdown to take priority, got stop=%v reason=%q", stop, reason)
	}

	s.ShutdownRequested = false
	if stop, reason := s.ShouldStop(StopCondition{TimeBudgetElapsed: true, PlanningMode: true, CycleBudgetReached: true}); !stop || reason != "time budget elapsed" {
		t.Errorf("expected time budget to take priority over cycle budget, got stop=%v reason=%q", stop, reason)
	}

	if stop, reason := s.ShouldStop(StopCondition{PlanningMode: true, CycleBudgetReached: true, PRDrivenMode: true, PRBudgetReached: true}); !stop || reason != "cycle budget reached" {
		t.Errorf("expected cycle budget to take priority over PR budget, got stop=%v reason=%q", stop, reason)
	}

	if stop, reason := s.ShouldStop(StopCondition{PRDrivenMode: true, PRBudgetReached: true}); !stop || reason != "pr budget reached" {
		t.Errorf("expected PR budget stop, got stop=%v reason=%q", stop, reason)
	}

	s.ConsecutiveLowYieldCycles = 3
	if stop, _ := s.ShouldStop(StopCondition{}); !stop {
		t.Error("expected diminishing returns to trigger a stop at 3 consecutive low-yield cycles")
	}

	s.ConsecutiveLowYieldCycles = 0
	if stop, reason := s.ShouldStop(StopCondition{NoSectorHasChanges: true}); !stop || reason != "no sector has changes to offer" {
		t.Errorf("expected the no-sector-changes stop, got stop=%v reason=%q", stop, reason)
	}

	if stop, _ := s.ShouldStop(StopCondition{}); stop {
		t.Error("expected no stop when nothing triggers")
	}
}

func TestRecordOutcomeAndRecentOutcomesOrdering(t *testing.T) {
	s := &State{}
	s.RecordOutcome(types.TicketOutcome{TicketID: "1", Success: true})
	s.RecordOutcome(types.TicketOutcome{TicketID: "2", Success: false})
	s.RecordOutcome(types.TicketOutcome{TicketID: "3", Success: true})

	total, firstPass := s.QualityTotals()
	if total != 3 || firstPass != 2 {
		t.Errorf("QualityTotals = %d/%d, want 3/2", total, firstPass)
	}

	recent := s.RecentOutcomes()
	if len(recent) != 3 || recent[0].TicketID != "3" || recent[2].TicketID != "1" {
		t.Errorf("RecentOutcomes order = %+v, want most-recent-first", recent)
	}
}

func TestCommandStatsSnapshot(t *testing.T) {
	s := &State{}
	if got := s.CommandStatsSnapshot(); len(got) != 0 {
		t.Errorf("expected an empty snapshot before any NoteCommandStats call, got %+v", got)
	}
	s.NoteCommandStats("go test ./...", types.QaCommandStats{TotalRuns: 5})
	snap := s.CommandStatsSnapshot()
	if snap["go test ./..."].TotalRuns != 5 {
		t.Errorf("snapshot missing recorded command stats: %+v", snap)
	}
}
