// Package cycle implements the Cycle Engine: the per-cycle sequence of
// pre-maintenance, scouting, proposal filtering, wave scheduling and
// execution, and post-maintenance that the Session Supervisor repeats
// until a stop condition fires.
package cycle

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kilnforge/engine/internal/agent"
	"github.com/kilnforge/engine/internal/dedup"
	"github.com/kilnforge/engine/internal/formula"
	"github.com/kilnforge/engine/internal/gitutil"
	"github.com/kilnforge/engine/internal/learning"
	"github.com/kilnforge/engine/internal/metalearn"
	"github.com/kilnforge/engine/internal/qa"
	"github.com/kilnforge/engine/internal/sector"
	"github.com/kilnforge/engine/internal/session"
	"github.com/kilnforge/engine/internal/ticket"
	"github.com/kilnforge/engine/internal/types"
	"github.com/kilnforge/engine/internal/wave"
)

// MaxScoutRetries is the base retry count against a zero-yield scope;
// the engine allows MaxScoutRetries+2 retries (MaxScoutRetries+3 scout
// calls in all) before giving up on the sector for this cycle.
const MaxScoutRetries = 1

// Config bundles the knobs a cycle needs beyond session state.
type Config struct {
	MinImpactScore    int
	BranchPrefix      string
	MaxParallel       int
	DeliveryMode      types.DeliveryMode
	MilestoneBranch   string
	ProjectAllowed    []string
	AlwaysDenied      []string
	PullEveryNCycles  int
}

// Summary is what RunCycle reports back to the supervisor.
type Summary struct {
	Scope             string
	ScannedFiles      int
	ProposalsFound    int
	ProposalsApproved int
	TicketsExecuted   int
	TicketsSucceeded  int
	YieldRate         float64
	SkippedCycle      bool
	Digest            string
}

// RunCycle executes one full cycle against the live session state and
// returns a summary used for the diminishing-returns and digest logic.
func RunCycle(ctx context.Context, s *session.State, backend agent.Backend, cfg Config) (Summary, error) {
	preMaintenance(s)
	pullIfDue(s, cfg)

	sectors, err := s.Sectors.All()
	if err != nil {
		return Summary{}, fmt.Errorf("load sectors: %w", err)
	}
	sec, err := sector.PickNextSector(sectors, s.SectorChangeChecker(), s.CycleCount)
	if err != nil {
		return Summary{}, fmt.Errorf("pick sector: %w", err)
	}
	if sec == nil {
		return Summary{SkippedCycle: true}, nil
	}
	s.CurrentSectorID = sec.Path
	scope := sector.Scope(*sec)

	proposals, scanned, err := scoutWithRetry(ctx, s, backend, sec, scope, cfg)
	if err != nil {
		return Summary{}, err
	}
	approved, err := filterProposals(s, proposals, cfg)
	if err != nil {
		return Summary{}, err
	}
	_ = s.Sectors.RecordScan(sec.Path, s.CycleCount, scanned, len(approved))

	tickets := make([]types.Ticket, 0, len(approved))
	for _, p := range approved {
		t := types.Ticket{
			ProjectID: s.Project.ID, Title: p.Title, Description: p.Description,
			Category: p.Category, AllowedPaths: p.AllowedPaths, VerifyCmds: p.VerifyCmds,
			Metadata: types.TicketMeta{ScoutConfidence: p.Confidence, EstimatedComplexity: p.Complexity},
		}
		if err := s.Store.CreateTicket(&t); err != nil {
			s.Log.Warn().Err(err).Str("title", p.Title).Msg("failed to persist promoted ticket")
			continue
		}
		tickets = append(tickets, t)
	}

	outcomes, err := executeWaves(ctx, s, backend, tickets, cfg)
	if err != nil {
		return Summary{}, err
	}

	succeeded := 0
	for _, o := range outcomes {
		if o.Success {
			succeeded++
		}
	}

	yieldRate := float64(len(approved)) / float64(maxInt(scanned, 1))
	evaluateDiminishingReturns(s, yieldRate)

	postMaintenance(s, outcomes, cfg)

	digest := ""
	if s.CycleCount >= 2 {
		digest = fmt.Sprintf("cycle %d: scope=%s proposals=%d/%d tickets=%d/%d yield=%.2f",
			s.CycleCount, scope, len(approved), len(proposals), succeeded, len(tickets), yieldRate)
	}

	return Summary{
		Scope: scope, ScannedFiles: scanned, ProposalsFound: len(proposals),
		ProposalsApproved: len(approved), TicketsExecuted: len(tickets),
		TicketsSucceeded: succeeded, YieldRate: yieldRate, Digest: digest,
	}, nil
}

// pullIfDue pulls the base branch from origin every PullEveryNCycles
// cycles, so a long-running session picks up commits landed by other
// contributors instead of drifting indefinitely from origin/main.
func pullIfDue(s *session.State, cfg Config) {
	if cfg.PullEveryNCycles <= 0 || s.CycleCount%cfg.PullEveryNCycles != 0 {
		return
	}
	branch := cfg.MilestoneBranch
	if branch == "" {
		branch = "main"
	}
	if err := gitutil.Pull(s.RepoRoot, branch, gitutil.DefaultTimeout); err != nil {
		s.Log.Warn().Err(err).Str("branch", branch).Msg("periodic origin pull failed")
	}
}

func preMaintenance(s *session.State) {
	s.CycleCount++

	floor := s.OriginalMinConfidence
	if s.Phase == types.PhaseDeep {
		floor = maxInt(10, floor-10)
	}
	eff := floor

	if s.CycleCount > 2 {
		rate := qualityRate(s)
		if rate < 0.5 {
			eff += 10
		}
	}

	if s.CycleCount > 5 {
		total, firstPass := s.QualityTotals()
		delta, err := s.QA.CalibrateConfidence(qa.QualitySignals{TotalTickets: total, FirstPassSuccess: firstPass})
		if err == nil {
			eff += delta
		}
	}

	s.EffectiveMinConfidence = clamp(eff, 0, 80)
}

func qualityRate(s *session.State) float64 {
	total, firstPass := s.QualityTotals()
	if total == 0 {
		return 1
	}
	return float64(firstPass) / float64(total)
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func scoutWithRetry(ctx context.Context, s *session.State, backend agent.Backend, sec *types.Sector, scope string, cfg Config) ([]types.Proposal, int, error) {
	titles, err := s.DedupMem.Titles()
	if err != nil {
		return nil, 0, err
	}
	healing, err := s.QA.BaselineHealingTargets()
	if err != nil {
		return nil, 0, err
	}
	learnings, err := s.Learning.SelectRelevant(learning.SelectQuery{Paths: []string{sec.Path}})
	if err != nil {
		return nil, 0, err
	}
	prompt := learning.FormatForPrompt(learnings, 2000)
	promptHint := s.ActiveFormula.PromptHint
	if nudge := consumeNudge(s); nudge != "" {
		promptHint = nudge + "\n\n" + promptHint
	}

	req := agent.ScoutRequest{
		Scope: scope, Formula: s.ActiveFormula.Name, ModelTag: s.ActiveFormula.ModelTag,
		PromptHint: promptHint, Learnings: prompt,
		DedupTitles: titles, BaselineHealing: healing,
	}

	maxAttempts := MaxScoutRetries + 2
	for attempt := 0; attempt <= maxAttempts; attempt++ {
		if attempt > 0 {
			req.EscalationHint = fmt.Sprintf("attempt %d: prior scout of this scope returned zero proposals; broaden your search", attempt)
		}
		proposals, err := backend.Scout(ctx, req)
		if err != nil {
			return nil, 0, err
		}
		if len(proposals) > 0 {
			return proposals, sec.FileCount, nil
		}
	}
	return nil, sec.FileCount, nil
}

// nudgeDocument mirrors cmd/engctl's nudge writer.
type nudgeDocument struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// consumeNudge reads and deletes the operator's pending nudge, if any,
// so an `engctl nudge` note is applied to exactly one scoutWithRetry
// pass (every retry attempt of that pass carries it).
func consumeNudge(s *session.State) string {
	var doc nudgeDocument
	if err := s.Sidecar.ReadJSON("nudge.json", &doc); err != nil || doc.Text == "" {
		return ""
	}
	_ = s.Sidecar.Remove("nudge.json")
	return doc.Text
}

func filterProposals(s *session.State, proposals []types.Proposal, cfg Config) ([]types.Proposal, error) {
	existingTitles, err := s.Store.ListTicketTitles(s.Project.ID)
	if err != nil {
		return nil, err
	}
	openBranches, err := s.OpenBranches()
	if err != nil {
		return nil, err
	}
	cooled, err := s.Cooldown.Active()
	if err != nil {
		return nil, err
	}
	baselineFailing := len(mustHealingTargets(s)) > 0

	var out []types.Proposal
	for _, p := range proposals {
		if dedup.IsDuplicateProposal(p.Title, existingTitles, nil, cfg.BranchPrefix, dedup.DefaultThreshold) {
			continue
		}
		if dedup.IsDuplicateProposal(p.Title, nil, openBranches, cfg.BranchPrefix, dedup.DefaultThreshold) {
			continue
		}
		if p.Confidence < s.EffectiveMinConfidence || p.ImpactScore < cfg.MinImpactScore {
			continue
		}
		if dedup.ComputeCooldownOverlap(p.Files, cooled) > 0.5 {
			continue
		}
		if !formula.Allows(s.ActiveFormula, p.Category, baselineFailing) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func mustHealingTargets(s *session.State) []string {
	targets, err := s.QA.BaselineHealingTargets()
	if err != nil {
		return nil
	}
	return targets
}

func executeWaves(ctx context.Context, s *session.State, backend agent.Backend, tickets []types.Ticket, cfg Config) ([]ticket.Outcome, error) {
	items := make([]wave.Item, len(tickets))
	for i, t := range tickets {
		items[i] = wave.Item{Files: t.AllowedPaths, Category: t.Category}
	}
	waves := wave.Partition(items, wave.SensitivityNormal)

	parallel := cfg.MaxParallel
	if parallel <= 0 {
		parallel = wave.DefaultParallelism(complexities(tickets))
	}
	sem := semaphore.NewWeighted(int64(parallel))

	deps := ticket.Deps{
		Store: s.Store, Learning: s.Learning, DedupMem: s.DedupMem, Cooldown: s.Cooldown,
		Backend: backend, RepoRoot: s.RepoRoot,
		ProjectAllowed: cfg.ProjectAllowed, AlwaysDenied: cfg.AlwaysDenied,
	}

	var all []ticket.Outcome
	for _, w := range waves {
		outcomes := make([]ticket.Outcome, len(w))
		errs := make([]error, len(w))
		done := make(chan int, len(w))
		for slot, idx := range w {
			idx, slot := idx, slot
			if err := sem.Acquire(ctx, 1); err != nil {
				return all, err
			}
			go func() {
				defer sem.Release(1)
				o, err := ticket.Execute(ctx, deps, tickets[idx], cfg.DeliveryMode, cfg.MilestoneBranch)
				outcomes[slot] = o
				errs[slot] = err
				done <- slot
			}()
		}
		for range w {
			<-done
		}
		var conflicted []ticket.Outcome
		for i, o := range outcomes {
			if errs[i] != nil && o.Blocked && o.Branch != "" {
				conflicted = append(conflicted, o)
				continue
			}
			all = append(all, o)
		}
		for _, o := range conflicted {
			retried, err := ticket.Execute(ctx, deps, o.Ticket, cfg.DeliveryMode, cfg.MilestoneBranch)
			if err != nil {
				s.Log.Warn().Err(err).Str("ticket", o.Ticket.ID).Msg("sequential merge-conflict retry failed")
			}
			all = append(all, retried)
		}
	}
	return all, nil
}

func complexities(tickets []types.Ticket) []types.Complexity {
	out := make([]types.Complexity, 0, len(tickets))
	for _, t := range tickets {
		out = append(out, t.Metadata.EstimatedComplexity)
	}
	return out
}

func evaluateDiminishingReturns(s *session.State, yieldRate float64) {
	if s.CycleCount <= 2 {
		return
	}
	if yieldRate < 0.2 {
		s.ConsecutiveLowYieldCycles++
	} else {
		s.ConsecutiveLowYieldCycles = 0
	}
}

func postMaintenance(s *session.State, outcomes []ticket.Outcome, cfg Config) {
	for _, o := range outcomes {
		s.RecordOutcome(types.TicketOutcome{
			TicketID: o.Ticket.ID, Category: o.Ticket.Category, Formula: s.ActiveFormula.Name,
			Success: o.Success, FailureReason: o.FailureReason, Merged: o.PRURL != "",
		})
	}

	if s.CycleCount >= 3 {
		in := metalearn.Inputs{RecentOutcomes: s.RecentOutcomes(), CommandStats: s.CommandStatsSnapshot()}
		existing, err := s.Learning.All()
		if err == nil {
			candidates := metalearn.Extract(in, existing)
			_ = metalearn.Apply(s.Learning, candidates)
		}
	}

	if s.CycleCount%5 == 0 {
		_, _ = s.Learning.Consolidate()
	}
}
