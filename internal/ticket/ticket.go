// Package ticket drives a single proposal through its per-ticket
// execution lifecycle: ticket/run bookkeeping, learning selection,
// handoff to the external agent, delivery per the active mode, and
// failure classification into a synthesized learning.
package ticket

import (
	"context"
	"fmt"
	"strings"

	"github.com/kilnforge/engine/internal/agent"
	"github.com/kilnforge/engine/internal/artifact"
	"github.com/kilnforge/engine/internal/dedup"
	"github.com/kilnforge/engine/internal/gitutil"
	"github.com/kilnforge/engine/internal/learning"
	"github.com/kilnforge/engine/internal/scope"
	"github.com/kilnforge/engine/internal/store"
	"github.com/kilnforge/engine/internal/types"
)

// MaxScopeExpansionRetries is how many times a ticket may be retried
// after the agent reports it expanded scope beyond its original grant.
const MaxScopeExpansionRetries = 2

// Deps bundles the collaborators a ticket execution needs. Passed by
// value per call so a single Runner can serve many tickets concurrently.
type Deps struct {
	Store    *store.Store
	Learning *learning.Store
	DedupMem *dedup.Memory
	Cooldown *dedup.Cooldown
	Backend  agent.Backend
	RepoRoot string

	// ProjectAllowed and AlwaysDenied feed scope.Derive when a ticket
	// carries no AllowedPaths of its own; AlwaysDenied is enforced on
	// every ticket regardless of category.
	ProjectAllowed []string
	AlwaysDenied   []string
}

// Outcome is the final disposition of one ticket execution attempt,
// reported up to the cycle engine for outcome tallying and
// meta-learning input.
type Outcome struct {
	Ticket        types.Ticket
	Run           types.Run
	Success       bool
	NoChanges     bool
	PRURL         string
	Branch        string
	Blocked       bool
	FailureReason types.FailureReason
	FailureType   string
}

// Execute runs the full per-ticket flow for a single already-persisted
// ticket, honoring the given delivery mode.
func Execute(ctx context.Context, d Deps, t types.Ticket, mode types.DeliveryMode, milestoneBranch string) (Outcome, error) {
	if err := d.Store.UpdateTicketStatus(t.ID, types.TicketInProgress); err != nil {
		return Outcome{}, fmt.Errorf("mark ticket in_progress: %w", err)
	}

	retries := 0
	for {
		run := &types.Run{ProjectID: t.ProjectID, Type: types.RunWorker, TicketID: &t.ID, Status: types.RunRunning}
		if err := d.Store.CreateRun(run); err != nil {
			return Outcome{}, fmt.Errorf("create run: %w", err)
		}

		sel, err := d.Learning.SelectRelevant(learning.SelectQuery{
			Paths: t.AllowedPaths, Commands: t.VerifyCmds, TitleHint: t.Title,
		})
		if err != nil {
			return Outcome{}, fmt.Errorf("select learnings: %w", err)
		}
		ids := make([]string, 0, len(sel))
		for _, l := range sel {
			ids = append(ids, l.ID)
		}
		_ = d.Learning.RecordAccess(ids)
		prompt := learning.FormatForPrompt(sel, 2000)

		worktree, err := gitutil.CreateWorktree(d.RepoRoot, t.ID, slugify(t.Title), "engine", gitutil.DefaultTimeout)
		if err != nil {
			return Outcome{}, fmt.Errorf("create worktree: %w", err)
		}

		result, err := d.Backend.Execute(ctx, agent.ExecuteRequest{Ticket: t, WorktreePath: worktree.Path, Learnings: prompt})
		if err != nil {
			_ = d.Store.UpdateRunStatus(run.ID, types.RunFailure, "", "")
			_ = gitutil.RemoveWorktree(d.RepoRoot, worktree, gitutil.DefaultTimeout)
			return Outcome{}, fmt.Errorf("agent execute: %w", err)
		}

		if result.CompletionOutcome == types.NoChangesNeeded {
			_ = d.Store.UpdateRunStatus(run.ID, types.RunSuccess, "", "")
			_ = d.Store.UpdateTicketStatus(t.ID, types.TicketDone)
			_ = d.DedupMem.Record(t.Title, true, nil)
			_ = gitutil.RemoveWorktree(d.RepoRoot, worktree, gitutil.DefaultTimeout)
			return Outcome{Ticket: t, Run: *run, Success: true, NoChanges: true}, nil
		}

		if result.ScopeExpanded && retries < MaxScopeExpansionRetries {
			retries++
			refreshed, err := d.Store.GetTicket(t.ID)
			if err == nil {
				t = *refreshed
			}
			_ = d.Store.UpdateRunStatus(run.ID, types.RunFailure, "", "")
			_ = gitutil.RemoveWorktree(d.RepoRoot, worktree, gitutil.DefaultTimeout)
			_ = gitutil.DeleteBranch(d.RepoRoot, worktree.Branch, gitutil.DefaultTimeout)
			continue
		}

		if !result.Success {
			_ = d.Store.UpdateRunStatus(run.ID, types.RunFailure, "", "")
			_ = d.Store.UpdateTicketStatus(t.ID, types.TicketBlocked)
			_ = gitutil.RemoveWorktree(d.RepoRoot, worktree, gitutil.DefaultTimeout)
			failureType := classifyFailure(result)
			learningText, category, sourceKind := failureLearning(t, result)
			if learningText != "" {
				_, _ = d.Learning.Add(learningText, category, sourceKind, result.Error, []string{"failureType:" + failureType})
			}
			return Outcome{
				Ticket: t, Run: *run, Success: false, Blocked: true,
				FailureReason: result.FailureReason, FailureType: failureType,
			}, nil
		}

		policy := scope.Derive(&t, d.ProjectAllowed, d.AlwaysDenied, 0)
		if violations := scope.Check(policy, result.FilesChanged); len(violations) > 0 {
			_ = d.Store.UpdateRunStatus(run.ID, types.RunFailure, worktree.Branch, "")
			_ = d.Store.UpdateTicketStatus(t.ID, types.TicketBlocked)
			_ = artifact.WriteJSON(d.RepoRoot, run.ID+"-violations.json", violations)
			_ = gitutil.RemoveWorktree(d.RepoRoot, worktree, gitutil.DefaultTimeout)
			text, category, sourceKind := failureLearning(t, types.AgentResult{FailureReason: types.FailureScopeViolation})
			_, _ = d.Learning.Add(text, category, sourceKind, "", []string{"failureType:scope_violation"})
			return Outcome{
				Ticket: t, Run: *run, Blocked: true,
				FailureReason: types.FailureScopeViolation, FailureType: string(types.FailureScopeViolation),
			}, nil
		}

		outcome, err := deliver(d, t, run, mode, milestoneBranch, worktree)
		_ = gitutil.RemoveWorktree(d.RepoRoot, worktree, gitutil.DefaultTimeout)
		return outcome, err
	}
}

func deliver(d Deps, t types.Ticket, run *types.Run, mode types.DeliveryMode, milestoneBranch string, wt gitutil.Worktree) (Outcome, error) {
	switch mode {
	case types.DeliveryMilestonePR:
		conflicts, err := gitutil.MergeBranch(d.RepoRoot, wt.Branch, gitutil.DefaultTimeout)
		if err != nil {
			_ = d.Store.UpdateRunStatus(run.ID, types.RunFailure, wt.Branch, "")
			_ = d.Store.UpdateTicketStatus(t.ID, types.TicketBlocked)
			return Outcome{Ticket: t, Run: *run, Blocked: true, Branch: wt.Branch, FailureReason: types.FailureScopeViolation}, fmt.Errorf("merge conflict in %v: %w", conflicts, err)
		}
		_ = d.Store.UpdateRunStatus(run.ID, types.RunSuccess, wt.Branch, "")
		_ = d.Store.UpdateTicketStatus(t.ID, types.TicketDone)
		return Outcome{Ticket: t, Run: *run, Success: true, Branch: wt.Branch}, nil

	case types.DeliveryPR, types.DeliveryAutoMerge:
		if err := gitutil.Push(wt.Path, wt.Branch, gitutil.DefaultTimeout); err != nil {
			_ = d.Store.UpdateRunStatus(run.ID, types.RunFailure, wt.Branch, "")
			return Outcome{Ticket: t, Run: *run}, err
		}
		prURL, err := gitutil.CreatePR(wt.Path, t.Title, t.Description, "", gitutil.DefaultTimeout)
		if err != nil {
			_ = d.Store.UpdateRunStatus(run.ID, types.RunFailure, wt.Branch, "")
			return Outcome{Ticket: t, Run: *run}, err
		}
		if mode == types.DeliveryAutoMerge {
			_ = gitutil.AutoMergePR(wt.Path, prURL, gitutil.DefaultTimeout)
		}
		_ = d.Store.UpdateRunStatus(run.ID, types.RunSuccess, wt.Branch, prURL)
		_ = d.Store.UpdateTicketStatus(t.ID, types.TicketDone)
		_ = d.Cooldown.Record(t.AllowedPaths, prURL)
		_ = d.DedupMem.Record(t.Title, true, nil)
		return Outcome{Ticket: t, Run: *run, Success: true, Branch: wt.Branch, PRURL: prURL}, nil

	default: // DeliveryDirect
		_ = d.Store.UpdateRunStatus(run.ID, types.RunSuccess, wt.Branch, "")
		_ = d.Store.UpdateTicketStatus(t.ID, types.TicketDone)
		_ = d.DedupMem.Record(t.Title, true, nil)
		return Outcome{Ticket: t, Run: *run, Success: true, Branch: wt.Branch}, nil
	}
}

func classifyFailure(r types.AgentResult) string {
	if r.FailureReason != "" {
		return string(r.FailureReason)
	}
	if r.Spindle != nil {
		return "spindle:" + strings.Join(r.Spindle.Signals, ",")
	}
	return "unknown"
}

func failureLearning(t types.Ticket, r types.AgentResult) (text string, category types.LearningCategory, source types.LearningSourceKind) {
	switch r.FailureReason {
	case types.FailureQA:
		return fmt.Sprintf("Ticket %q failed QA: %s", t.Title, truncate(r.Error, 120)), types.LearningWarning, types.SourceQAFailure
	case types.FailureScopeViolation:
		return fmt.Sprintf("Ticket %q attempted changes outside its granted scope", t.Title), types.LearningWarning, types.SourceScopeViolation
	case types.FailureSpindleAbort:
		detail := ""
		if r.Spindle != nil {
			detail = strings.Join(r.Spindle.Signals, ", ")
		}
		return fmt.Sprintf("Ticket %q aborted by loop detector (%s)", t.Title, detail), types.LearningWarning, types.SourceTicketFailure
	case types.FailurePlanRejected:
		return fmt.Sprintf("Ticket %q plan was rejected repeatedly", t.Title), types.LearningWarning, types.SourcePlanRejection
	default:
		return fmt.Sprintf("Ticket %q failed: %s", t.Title, truncate(r.Error, 120)), types.LearningWarning, types.SourceTicketFailure
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func slugify(title string) string {
	var b strings.Builder
	prevDash := false
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			prevDash = false
		default:
			if !prevDash {
				b.WriteByte('-')
				prevDash = true
			}
		}
	}
	s := strings.Trim(b.String(), "-")
	if len(s) > 40 {
		s = s[:40]
	}
	if s == "" {
		s = "ticket"
	}
	return s
}
