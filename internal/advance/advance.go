// Package advance implements the per-ticket Advance state machine: a
// small, inspectable loop that dispatches to a phase handler each call
// and enforces step/time budgets and spindle recoveries uniformly
// across every phase, rather than leaving each phase to duplicate that
// bookkeeping.
package advance

import (
	"time"

	"github.com/kilnforge/engine/internal/formula"
	"github.com/kilnforge/engine/internal/spindle"
	"github.com/kilnforge/engine/internal/types"
)

// Phase is a state of the machine.
type Phase string

const (
	PhaseScout           Phase = "SCOUT"
	PhaseNextTicket      Phase = "NEXT_TICKET"
	PhasePlan            Phase = "PLAN"
	PhaseExecute         Phase = "EXECUTE"
	PhaseQA              Phase = "QA"
	PhasePR              Phase = "PR"
	PhaseParallelExecute Phase = "PARALLEL_EXECUTE"

	PhaseDone               Phase = "DONE"
	PhaseBlockedNeedsHuman  Phase = "BLOCKED_NEEDS_HUMAN"
	PhaseFailedBudget       Phase = "FAILED_BUDGET"
	PhaseFailedValidation   Phase = "FAILED_VALIDATION"
	PhaseFailedSpindle      Phase = "FAILED_SPINDLE"
)

func (p Phase) Terminal() bool {
	switch p {
	case PhaseDone, PhaseBlockedNeedsHuman, PhaseFailedBudget, PhaseFailedValidation, PhaseFailedSpindle:
		return true
	}
	return false
}

// NextAction is what the caller should do with the returned Result.
type NextAction string

const (
	ActionPrompt NextAction = "PROMPT"
	ActionStop   NextAction = "STOP"
)

// Constraints are the scope and process bounds attached to a phase
// dispatch, derived from the ticket category and the active formula.
type Constraints struct {
	AllowedPaths        []string
	DeniedPaths         []string
	DeniedPatterns      []string
	MaxFiles            int
	MaxLines            int
	RequiredCommands    []string
	PlanRequired        bool
	AutoApprovePatterns []string
}

// Result is what every advance() call returns.
type Result struct {
	NextAction  NextAction
	Phase       Phase
	Prompt      string
	Reason      string
	Constraints Constraints
	Digest      string
}

// Budgets bounds the machine's lifetime.
type Budgets struct {
	MaxSteps     int
	MaxDuration  time.Duration
	WarnFraction float64 // default 0.8
}

// Machine drives one ticket (or parallel batch) through its states.
type Machine struct {
	Budgets Budgets
	Started time.Time

	Phase             Phase
	StepCount         int
	PlanRejections    int
	SpindleRecoveries int
	QARetries         int
	WorkerStalls      map[string]int

	warnedStep bool
	warnedTime bool

	Spindle *spindle.State
}

// New starts a machine in SCOUT.
func New(b Budgets) *Machine {
	if b.WarnFraction == 0 {
		b.WarnFraction = 0.8
	}
	return &Machine{Budgets: b, Started: nowFunc(), Phase: PhaseScout, WorkerStalls: map[string]int{}, Spindle: spindle.NewState()}
}

// nowFunc is a seam for deterministic testing.
var nowFunc = time.Now

// Advance performs the uniform bookkeeping described by the state
// machine (step/time budget check, warning events, spindle consult)
// then dispatches to handler for the phase-specific transition.
func (m *Machine) Advance(handler func(m *Machine) Result) Result {
	m.StepCount++

	if m.Budgets.MaxSteps > 0 && m.StepCount > m.Budgets.MaxSteps {
		m.Phase = PhaseFailedBudget
		return Result{NextAction: ActionStop, Phase: m.Phase, Reason: "step budget exhausted"}
	}
	if m.Budgets.MaxDuration > 0 && nowFunc().Sub(m.Started) > m.Budgets.MaxDuration {
		m.Phase = PhaseFailedBudget
		return Result{NextAction: ActionStop, Phase: m.Phase, Reason: "time budget exhausted"}
	}

	if m.Budgets.MaxSteps > 0 && !m.warnedStep && float64(m.StepCount) >= m.Budgets.WarnFraction*float64(m.Budgets.MaxSteps) {
		m.warnedStep = true
	}
	if m.Budgets.MaxDuration > 0 && !m.warnedTime && nowFunc().Sub(m.Started) >= time.Duration(m.Budgets.WarnFraction*float64(m.Budgets.MaxDuration)) {
		m.warnedTime = true
	}

	if m.Phase == PhaseExecute || m.Phase == PhaseQA {
		findings := m.Spindle.Evaluate()
		verdict := spindle.Decide(findings)
		if verdict == spindle.VerdictAbort || verdict == spindle.VerdictBlock {
			m.SpindleRecoveries++
			m.Spindle = spindle.NewState()
			if m.SpindleRecoveries >= 3 {
				if verdict == spindle.VerdictAbort {
					m.Phase = PhaseFailedSpindle
				} else {
					m.Phase = PhaseBlockedNeedsHuman
				}
				return Result{NextAction: ActionStop, Phase: m.Phase, Reason: "spindle recoveries exhausted"}
			}
		}
	}

	if m.Phase.Terminal() {
		return Result{NextAction: ActionStop, Phase: m.Phase}
	}

	return handler(m)
}

// PlanExempt categories skip the PLAN phase entirely.
var PlanExempt = map[types.TicketCategory]bool{
	types.CategoryDocs:    true,
	types.CategoryCleanup: true,
}

// DeriveConstraints builds the Constraints for a phase dispatch from a
// ticket and the active formula.
func DeriveConstraints(t types.Ticket, f formula.Formula, maxFiles, maxLines int) Constraints {
	return Constraints{
		AllowedPaths:     t.AllowedPaths,
		DeniedPaths:      t.ForbidPaths,
		MaxFiles:         maxFiles,
		MaxLines:         maxLines,
		RequiredCommands: t.VerifyCmds,
		PlanRequired:     !PlanExempt[t.Category],
	}
}

// TransitionNextTicket decides where NEXT_TICKET goes given the
// ready-queue and parallelism.
func (m *Machine) TransitionNextTicket(hasTicket bool, ticketCategory types.TicketCategory, readyCount, parallelism, cyclesRemaining int) Phase {
	switch {
	case hasTicket && PlanExempt[ticketCategory]:
		return PhaseExecute
	case hasTicket && parallelism > 1 && readyCount > 1:
		return PhaseParallelExecute
	case hasTicket:
		return PhasePlan
	case readyCount == 0 && cyclesRemaining > 0:
		return PhaseScout
	default:
		return PhaseDone
	}
}

// TransitionPlan decides PLAN's next phase given approval.
func (m *Machine) TransitionPlan(approved bool) Phase {
	if approved {
		return PhaseExecute
	}
	m.PlanRejections++
	if m.PlanRejections >= 3 {
		return PhaseBlockedNeedsHuman
	}
	return PhasePlan
}

// TransitionExecute decides EXECUTE's next phase given an agent result.
func (m *Machine) TransitionExecute(result types.AgentResult, ticketStepBudgetExhausted bool) Phase {
	if ticketStepBudgetExhausted {
		return PhaseBlockedNeedsHuman
	}
	if result.CompletionOutcome == types.NoChangesNeeded {
		return PhaseNextTicket
	}
	return PhaseQA
}

// TransitionQA decides QA's next phase given pass/fail.
func (m *Machine) TransitionQA(passed bool) Phase {
	if passed {
		return PhasePR
	}
	m.QARetries++
	if m.QARetries < 3 {
		return PhaseExecute
	}
	return PhaseNextTicket
}

// TransitionPR decides PR's next phase.
func (m *Machine) TransitionPR(success bool) Phase {
	if success {
		return PhaseNextTicket
	}
	return PhaseFailedValidation
}

// WorkerStallLimit is the number of consecutive session-level steps
// without progress at which a parallel worker is force-failed.
const WorkerStallLimit = 50

// TransitionParallelExecute decides PARALLEL_EXECUTE's next phase.
func (m *Machine) TransitionParallelExecute(allDone bool) Phase {
	if allDone {
		return PhaseNextTicket
	}
	return PhaseParallelExecute
}

// NoteWorkerProgress resets a worker's stall counter.
func (m *Machine) NoteWorkerProgress(workerID string) { m.WorkerStalls[workerID] = 0 }

// NoteWorkerIdleStep increments every worker's stall counter by one
// session-level step and returns the set force-failed by reaching
// WorkerStallLimit.
func (m *Machine) NoteWorkerIdleStep(activeWorkers []string) []string {
	var timedOut []string
	for _, id := range activeWorkers {
		m.WorkerStalls[id]++
		if m.WorkerStalls[id] >= WorkerStallLimit {
			timedOut = append(timedOut, id)
		}
	}
	return timedOut
}
