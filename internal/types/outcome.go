package types

// FailureReason classifies why an agent or delivery attempt failed.
type FailureReason string

const (
	FailureQA             FailureReason = "qa_failed"
	FailureScopeViolation FailureReason = "scope_violation"
	FailureSpindleAbort   FailureReason = "spindle_abort"
	FailureTimeout        FailureReason = "agent_timeout"
	FailureAgent          FailureReason = "agent_failure"
	FailurePlanRejected   FailureReason = "plan_rejected"
)

// CompletionOutcome is an optional refinement of a successful agent result.
type CompletionOutcome string

// NoChangesNeeded indicates the agent inspected the scope and concluded
// there was nothing to change.
const NoChangesNeeded CompletionOutcome = "no_changes_needed"

// SpindleVerdict is the per-cycle decision the loop detector returns.
type SpindleVerdict string

const (
	SpindleContinue SpindleVerdict = "continue"
	SpindleWarn     SpindleVerdict = "warn"
	SpindleBlock    SpindleVerdict = "block"
	SpindleAbort    SpindleVerdict = "abort"
)

// SpindleDetail carries the diagnostic signals behind a non-continue verdict.
type SpindleDetail struct {
	Verdict    SpindleVerdict `json:"verdict"`
	Confidence float64        `json:"confidence"`
	Signals    []string       `json:"signals,omitempty"`
}

// AgentResult is the structured outcome the external agent returns for a
// per-ticket execution attempt.
type AgentResult struct {
	Success           bool               `json:"success"`
	Branch            string             `json:"branch,omitempty"`
	PRURL             string             `json:"pr_url,omitempty"`
	CompletionOutcome CompletionOutcome  `json:"completion_outcome,omitempty"`
	ScopeExpanded     bool               `json:"scope_expanded,omitempty"`
	FailureReason     FailureReason      `json:"failure_reason,omitempty"`
	Error             string             `json:"error,omitempty"`
	Spindle           *SpindleDetail     `json:"spindle,omitempty"`
	FilesChanged      []string           `json:"files_changed,omitempty"`
}

// TicketOutcome is a single recorded cycle outcome, used by meta-learning
// and the quality-rate calculations.
type TicketOutcome struct {
	TicketID      string         `json:"ticket_id"`
	Category      TicketCategory `json:"category"`
	Formula       string         `json:"formula,omitempty"`
	Success       bool           `json:"success"`
	FailureReason FailureReason  `json:"failure_reason,omitempty"`
	QACommand     string         `json:"qa_command,omitempty"`
	Timeout       bool           `json:"timeout,omitempty"`
	Merged        bool           `json:"merged,omitempty"`
	Closed        bool           `json:"closed,omitempty"`
}

// QualitySignals is the ticket-level running tally read by confidence
// calibration.
type QualitySignals struct {
	TotalTickets      int `json:"total_tickets"`
	FirstPassSuccess  int `json:"first_pass_success"`
}

// ViolationKind classifies a scope violation.
type ViolationKind string

// InForbidden marks a file that matched an explicitly forbidden path glob.
const InForbidden ViolationKind = "in_forbidden"

// OutOfAllowed marks a file that matched no allowed path glob.
const OutOfAllowed ViolationKind = "out_of_allowed"

// Violation is a single scope-enforcement failure.
type Violation struct {
	File      string        `json:"file"`
	Violation ViolationKind `json:"violation"`
}
