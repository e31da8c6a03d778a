// Package enginerr defines the sentinel error taxonomy shared across the
// orchestrator core. Each sentinel is paired with a classifier so callers
// — the Cycle Engine and Session Supervisor in particular — can decide
// whether an error is recoverable, advances the cycle, or is fatal to
// the session, without re-deriving that policy at each call site.
package enginerr

import "errors"

// Configuration errors: repo/auth/session prerequisites are not met.
var (
	ErrNotAGitRepo     = errors.New("not a git repository")
	ErrNoRemote        = errors.New("no git remote configured")
	ErrRemoteMismatch  = errors.New("local branch has diverged from remote")
	ErrMissingAgent    = errors.New("external agent backend is not configured")
	ErrAuthMissing     = errors.New("missing authentication for agent or delivery backend")
	ErrWorkingTreeDirty = errors.New("working tree has uncommitted changes")
	ErrSessionBusy     = errors.New("another session already holds the repo lock")
)

// Budget errors: a resource ceiling has been reached.
var (
	ErrStepBudget  = errors.New("step budget exhausted")
	ErrTimeBudget  = errors.New("time budget exhausted")
	ErrPRBudget    = errors.New("pr budget exhausted")
	ErrCycleBudget = errors.New("cycle budget exhausted")
	ErrLowYield    = errors.New("diminishing returns: too many low-yield cycles")
)

// Agent outcome errors.
var (
	ErrAgentFailure     = errors.New("agent reported failure")
	ErrAgentTimeout     = errors.New("agent timed out")
	ErrScopeExpanded    = errors.New("agent expanded scope beyond the ticket")
	ErrSpindleAbort     = errors.New("spindle aborted the run")
	ErrSpindleBlock     = errors.New("spindle blocked the run pending human review")
)

// QA errors.
var (
	ErrQAPreExisting = errors.New("qa command already failing at baseline")
	ErrQAFailed      = errors.New("qa command failed")
	ErrQATimeout     = errors.New("qa command timed out")
)

// Delivery errors.
var (
	ErrMergeConflict   = errors.New("merge conflict")
	ErrPushFailed      = errors.New("push failed")
	ErrPRCreateFailed  = errors.New("pr create failed")
	ErrAutoMergeFailed = errors.New("auto-merge failed")
)

// Scope errors.
var (
	ErrScopeViolation = errors.New("ticket touched a path outside its scope")
	ErrPlanRejected   = errors.New("plan rejected")
)

// Persistence errors: recoverable locally by the caller.
var (
	ErrCorruptSidecar = errors.New("sidecar file is corrupt, recovering with empty default")
	ErrLockStale      = errors.New("session lock referenced a dead pid, replacing")
)

// Fatal reports whether an error should stop the session outright:
// configuration errors, session-busy, budget exhaustion, and low yield
// are fatal. Per-ticket failures (agent/QA/scope/delivery) are not — the
// cycle continues and the failure is recorded against the ticket instead.
func Fatal(err error) bool {
	switch {
	case errors.Is(err, ErrNotAGitRepo),
		errors.Is(err, ErrNoRemote),
		errors.Is(err, ErrRemoteMismatch),
		errors.Is(err, ErrMissingAgent),
		errors.Is(err, ErrAuthMissing),
		errors.Is(err, ErrWorkingTreeDirty),
		errors.Is(err, ErrSessionBusy),
		errors.Is(err, ErrStepBudget),
		errors.Is(err, ErrTimeBudget),
		errors.Is(err, ErrPRBudget),
		errors.Is(err, ErrCycleBudget),
		errors.Is(err, ErrLowYield):
		return true
	default:
		return false
	}
}

// Recoverable reports whether an error is transparently recovered by the
// component that raised it (corrupt sidecar, stale lock) rather than
// propagated to the caller at all.
func Recoverable(err error) bool {
	return errors.Is(err, ErrCorruptSidecar) || errors.Is(err, ErrLockStale)
}
