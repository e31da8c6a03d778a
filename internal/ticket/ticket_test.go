package ticket

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kilnforge/engine/internal/agent"
	"github.com/kilnforge/engine/internal/artifact"
	"github.com/kilnforge/engine/internal/dedup"
	"github.com/kilnforge/engine/internal/learning"
	"github.com/kilnforge/engine/internal/sidecar"
	"github.com/kilnforge/engine/internal/store"
	"github.com/kilnforge/engine/internal/types"
)

func initGitRepo(t *testing.T) string {
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

type fakeBackend struct {
	result types.AgentResult
	err    error
}

func (f fakeBackend) Kind() agent.Kind { return agent.KindClaude }
func (f fakeBackend) Scout(ctx context.Context, req agent.ScoutRequest) ([]types.Proposal, error) {
	return nil, nil
}
func (f fakeBackend) Execute(ctx context.Context, req agent.ExecuteRequest) (types.AgentResult, error) {
	return f.result, f.err
}

func newDeps(t *testing.T, repo string, backend agent.Backend) (Deps, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "engine.sqlite"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	sc := sidecar.New(t.TempDir())
	return Deps{
		Store:    s,
		Learning: learning.New(sc),
		DedupMem: dedup.NewMemory(sc),
		Cooldown: dedup.NewCooldown(sc),
		Backend:  backend,
		RepoRoot: repo,
	}, s
}

func seedTicket(t *testing.T, s *store.Store) types.Ticket {
	t.Helper()
	p := types.Project{Name: "demo", RootPath: "/repo"}
	if err := s.CreateProject(&p); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	tkt := types.Ticket{
		ProjectID: p.ID, Title: "Fix the thing", Category: types.CategoryFix,
		AllowedPaths: []string{"**"}, VerifyCmds: []string{"go test ./..."},
	}
	if err := s.CreateTicket(&tkt); err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}
	return tkt
}

func TestExecuteNoChangesNeeded(t *testing.T) {
	repo := initGitRepo(t)
	deps, s := newDeps(t, repo, fakeBackend{result: types.AgentResult{CompletionOutcome: types.NoChangesNeeded}})
	tkt := seedTicket(t, s)

	out, err := Execute(context.Background(), deps, tkt, types.DeliveryDirect, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !out.Success || !out.NoChanges {
		t.Errorf("out = %+v, want success+no-changes", out)
	}
	got, _ := s.GetTicket(tkt.ID)
	if got.Status != types.TicketDone {
		t.Errorf("ticket status = %q, want done", got.Status)
	}
}

func TestExecuteDeliversDirect(t *testing.T) {
	repo := initGitRepo(t)
	deps, s := newDeps(t, repo, fakeBackend{result: types.AgentResult{Success: true}})
	tkt := seedTicket(t, s)

	out, err := Execute(context.Background(), deps, tkt, types.DeliveryDirect, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !out.Success || out.Branch == "" {
		t.Errorf("out = %+v, want success with a branch", out)
	}
	got, _ := s.GetTicket(tkt.ID)
	if got.Status != types.TicketDone {
		t.Errorf("ticket status = %q, want done", got.Status)
	}
}

func TestExecuteDeliversMilestonePR(t *testing.T) {
	repo := initGitRepo(t)
	deps, s := newDeps(t, repo, fakeBackend{result: types.AgentResult{Success: true}})
	tkt := seedTicket(t, s)

	out, err := Execute(context.Background(), deps, tkt, types.DeliveryMilestonePR, "main")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !out.Success {
		t.Errorf("out = %+v, want success", out)
	}
	// The worktree's single commit should now be reachable from main.
	runGit(t, repo, "log", "--oneline", "-1")
}

func TestExecuteBlockedOnFailure(t *testing.T) {
	repo := initGitRepo(t)
	deps, s := newDeps(t, repo, fakeBackend{result: types.AgentResult{
		Success: false, FailureReason: types.FailureQA, Error: "go vet failed: too many errors to list here in full detail",
	}})
	tkt := seedTicket(t, s)

	out, err := Execute(context.Background(), deps, tkt, types.DeliveryDirect, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Success || !out.Blocked || out.FailureType != string(types.FailureQA) {
		t.Errorf("out = %+v, want blocked qa_failed", out)
	}
	got, _ := s.GetTicket(tkt.ID)
	if got.Status != types.TicketBlocked {
		t.Errorf("ticket status = %q, want blocked", got.Status)
	}

	learnings, err := deps.Learning.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(learnings) != 1 || learnings[0].Category != types.LearningWarning {
		t.Errorf("learnings = %+v, want one warning learning recorded", learnings)
	}
}

func TestExecuteRetriesOnScopeExpansion(t *testing.T) {
	repo := initGitRepo(t)
	calls := 0
	backend := scopeExpandThenSucceed{calls: &calls}
	deps, s := newDeps(t, repo, backend)
	tkt := seedTicket(t, s)

	out, err := Execute(context.Background(), deps, tkt, types.DeliveryDirect, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !out.Success {
		t.Errorf("out = %+v, want eventual success", out)
	}
	if calls != MaxScopeExpansionRetries+1 {
		t.Errorf("calls = %d, want %d (retries + final attempt)", calls, MaxScopeExpansionRetries+1)
	}
}

// scopeExpandThenSucceed reports ScopeExpanded for every attempt up to
// MaxScopeExpansionRetries, then succeeds.
type scopeExpandThenSucceed struct{ calls *int }

func (f scopeExpandThenSucceed) Kind() agent.Kind { return agent.KindClaude }
func (f scopeExpandThenSucceed) Scout(ctx context.Context, req agent.ScoutRequest) ([]types.Proposal, error) {
	return nil, nil
}
func (f scopeExpandThenSucceed) Execute(ctx context.Context, req agent.ExecuteRequest) (types.AgentResult, error) {
	*f.calls++
	if *f.calls <= MaxScopeExpansionRetries {
		return types.AgentResult{ScopeExpanded: true}, nil
	}
	return types.AgentResult{Success: true}, nil
}

func TestExecuteBlocksOnScopeViolation(t *testing.T) {
	repo := initGitRepo(t)
	deps, s := newDeps(t, repo, fakeBackend{result: types.AgentResult{
		Success: true, FilesChanged: []string{"src/index.ts", "config/database.json"},
	}})
	deps.AlwaysDenied = []string{"config/**"}
	tkt := seedTicket(t, s)
	tkt.AllowedPaths = []string{"src/**"}

	out, err := Execute(context.Background(), deps, tkt, types.DeliveryDirect, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Success || !out.Blocked || out.FailureReason != types.FailureScopeViolation {
		t.Errorf("out = %+v, want blocked scope_violation", out)
	}
	got, _ := s.GetTicket(tkt.ID)
	if got.Status != types.TicketBlocked {
		t.Errorf("ticket status = %q, want blocked", got.Status)
	}

	raw, err := os.ReadFile(filepath.Join(artifact.Dir(repo), out.Run.ID+"-violations.json"))
	if err != nil {
		t.Fatalf("read violations artifact: %v", err)
	}
	var violations []types.Violation
	if err := json.Unmarshal(raw, &violations); err != nil {
		t.Fatalf("unmarshal violations: %v", err)
	}
	if len(violations) != 1 || violations[0].File != "config/database.json" || violations[0].Violation != types.InForbidden {
		t.Errorf("violations = %+v, want one in_forbidden entry for config/database.json", violations)
	}

	learnings, err := deps.Learning.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	found := false
	for _, l := range learnings {
		if l.SourceKind == types.SourceScopeViolation {
			found = true
		}
	}
	if !found {
		t.Errorf("learnings = %+v, want a scope_violation entry", learnings)
	}
}

func TestClassifyFailure(t *testing.T) {
	if got := classifyFailure(types.AgentResult{FailureReason: types.FailureQA}); got != "qa_failed" {
		t.Errorf("classifyFailure = %q, want qa_failed", got)
	}
	spindle := types.AgentResult{Spindle: &types.SpindleDetail{Signals: []string{"hot_file", "edit_revert"}}}
	if got := classifyFailure(spindle); got != "spindle:hot_file,edit_revert" {
		t.Errorf("classifyFailure(spindle) = %q", got)
	}
	if got := classifyFailure(types.AgentResult{}); got != "unknown" {
		t.Errorf("classifyFailure(empty) = %q, want unknown", got)
	}
}

func TestFailureLearningCategories(t *testing.T) {
	tkt := types.Ticket{Title: "demo"}
	text, category, source := failureLearning(tkt, types.AgentResult{FailureReason: types.FailureScopeViolation})
	if category != types.LearningWarning || source != types.SourceScopeViolation || !strings.Contains(text, "outside its granted scope") {
		t.Errorf("failureLearning(scope) = %q %v %v", text, category, source)
	}

	text, _, source = failureLearning(tkt, types.AgentResult{FailureReason: types.FailurePlanRejected})
	if source != types.SourcePlanRejection || !strings.Contains(text, "rejected repeatedly") {
		t.Errorf("failureLearning(plan) = %q %v", text, source)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 120); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	if got := truncate(strings.Repeat("x", 200), 10); got != strings.Repeat("x", 10) {
		t.Errorf("truncate(long) len = %d, want 10", len(got))
	}
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Fix the Bug!!":                "fix-the-bug",
		"  leading and trailing  ":     "leading-and-trailing",
		"":                             "ticket",
		"###":                          "ticket",
		strings.Repeat("a", 60):        strings.Repeat("a", 40),
	}
	for in, want := range cases {
		if got := slugify(in); got != want {
			t.Errorf("slugify(%q) = %q, want %q", in, got, want)
		}
	}
}
