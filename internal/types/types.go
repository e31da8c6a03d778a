// Package types defines the data model shared across the orchestrator core:
// projects, tickets, runs, run steps, scout proposals, sectors, learnings,
// QA statistics, and the in-memory session state.
package types

import "time"

// TicketCategory classifies the kind of work a ticket represents.
type TicketCategory string

const (
	CategoryRefactor TicketCategory = "refactor"
	CategoryDocs     TicketCategory = "docs"
	CategoryTest     TicketCategory = "test"
	CategoryPerf     TicketCategory = "perf"
	CategorySecurity TicketCategory = "security"
	CategoryFix      TicketCategory = "fix"
	CategoryCleanup  TicketCategory = "cleanup"
	CategoryTypes    TicketCategory = "types"
)

// TicketStatus is the lifecycle state of a Ticket.
type TicketStatus string

const (
	TicketReady      TicketStatus = "ready"
	TicketInProgress TicketStatus = "in_progress"
	TicketLeased     TicketStatus = "leased"
	TicketBlocked    TicketStatus = "blocked"
	TicketDone       TicketStatus = "done"
)

// RiskLevel is a coarse risk classification for a Proposal.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Complexity is the scout's estimate of how much work a proposal represents.
type Complexity string

const (
	ComplexityTrivial  Complexity = "trivial"
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// Ticket is a unit of work scoped for the external agent.
//
// Invariant: AllowedPaths is non-empty for any ticket that may modify code.
// Invariant: at most one active Run exists per ticket at a time (enforced
// by the Store's CreateRun, which rejects a second running run).
type Ticket struct {
	ID           string         `json:"id" db:"id"`
	ProjectID    string         `json:"project_id" db:"project_id"`
	Title        string         `json:"title" db:"title" validate:"required"`
	Description  string         `json:"description" db:"description"`
	Category     TicketCategory `json:"category" db:"category" validate:"required"`
	Status       TicketStatus   `json:"status" db:"status"`
	AllowedPaths []string       `json:"allowed_paths" db:"-"`
	ForbidPaths  []string       `json:"forbidden_paths" db:"-"`
	VerifyCmds   []string       `json:"verification_commands" db:"-"`
	Metadata     TicketMeta     `json:"metadata" db:"-"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at" db:"updated_at"`
}

// TicketMeta is the optional metadata bag attached to a Ticket.
type TicketMeta struct {
	ScoutConfidence     int        `json:"scout_confidence,omitempty"`
	EstimatedComplexity Complexity `json:"estimated_complexity,omitempty"`
}

// ModifiesCode reports whether a ticket of this category is expected to
// touch source files (as opposed to being a pure informational ticket).
func (t *Ticket) ModifiesCode() bool {
	return t.Category != ""
}

// RunType distinguishes a per-ticket worker run from a top-level session run.
type RunType string

const (
	RunWorker  RunType = "worker"
	RunSession RunType = "session"
)

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailure RunStatus = "failure"
)

// Run is one execution attempt of a ticket or session.
type Run struct {
	ID        string         `json:"id" db:"id"`
	ProjectID string         `json:"project_id" db:"project_id"`
	Type      RunType        `json:"type" db:"type"`
	TicketID  *string        `json:"ticket_id,omitempty" db:"ticket_id"`
	Status    RunStatus      `json:"status" db:"status"`
	Branch    string         `json:"branch,omitempty" db:"branch"`
	PRURL     string         `json:"pr_url,omitempty" db:"pr_url"`
	Metadata  map[string]any `json:"metadata,omitempty" db:"-"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" db:"updated_at"`
}

// RunStepKind classifies the nature of a RunStep.
type RunStepKind string

const (
	StepKindGit      RunStepKind = "git"
	StepKindCommand  RunStepKind = "command"
	StepKindInternal RunStepKind = "internal"
)

// RunStepStatus is the lifecycle state of a RunStep.
type RunStepStatus string

const (
	StepQueued  RunStepStatus = "queued"
	StepRunning RunStepStatus = "running"
	StepSuccess RunStepStatus = "success"
	StepFailed  RunStepStatus = "failed"
	StepSkipped RunStepStatus = "skipped"
)

// RunStep is an ordered sub-step of a Run.
type RunStep struct {
	ID       string        `json:"id" db:"id"`
	RunID    string        `json:"run_id" db:"run_id"`
	Ordinal  int           `json:"ordinal" db:"ordinal"`
	Name     string        `json:"name" db:"name"`
	Kind     RunStepKind   `json:"kind" db:"kind"`
	Status   RunStepStatus `json:"status" db:"status"`
	Duration time.Duration `json:"duration" db:"duration_ns"`
	Error    string        `json:"error,omitempty" db:"error"`
}

// Proposal is a candidate ticket produced by the scout, before filtering
// and promotion into a persisted Ticket.
type Proposal struct {
	Category      TicketCategory `json:"category" validate:"required"`
	Title         string         `json:"title" validate:"required"`
	Description   string         `json:"description"`
	Acceptance    []string       `json:"acceptance_criteria,omitempty"`
	VerifyCmds    []string       `json:"verification_commands,omitempty"`
	AllowedPaths  []string       `json:"allowed_paths"`
	Files         []string       `json:"files"`
	Confidence    int            `json:"confidence" validate:"gte=0,lte=100"`
	ImpactScore   int            `json:"impact_score" validate:"gte=1,lte=10"`
	Risk          RiskLevel      `json:"risk"`
	Complexity    Complexity     `json:"estimated_complexity"`
	RollbackNote  string         `json:"rollback_note,omitempty"`
}

// Project is the repository root owned by this process.
type Project struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	RootPath  string    `json:"root_path" db:"root_path"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ClassificationConfidence is how sure the Sector Router is of a sector's
// production/non-production classification.
type ClassificationConfidence string

const (
	ConfidenceLow    ClassificationConfidence = "low"
	ConfidenceMedium ClassificationConfidence = "medium"
	ConfidenceHigh   ClassificationConfidence = "high"
)

// Sector is a classified region of the repository used as a scouting unit.
type Sector struct {
	Path                 string                   `json:"path"`
	FileCount            int                      `json:"file_count"`
	ProductionFileCount  int                      `json:"production_file_count"`
	Production           bool                     `json:"production"`
	Purpose              string                   `json:"purpose,omitempty"`
	Confidence           ClassificationConfidence `json:"confidence"`
	LastScannedAt        time.Time                `json:"last_scanned_at,omitempty"`
	LastScannedCycle     int                      `json:"last_scanned_cycle"`
	ScanCount            int                      `json:"scan_count"`
	ProposalYield        float64                  `json:"proposal_yield"`
	CategorySuccessCount map[TicketCategory]int   `json:"category_success_count,omitempty"`
}

// LearningCategory classifies a Learning's nature.
type LearningCategory string

const (
	LearningGotcha  LearningCategory = "gotcha"
	LearningPattern LearningCategory = "pattern"
	LearningWarning LearningCategory = "warning"
	LearningContext LearningCategory = "context"
)

// LearningSourceKind is where a Learning was synthesized from.
type LearningSourceKind string

const (
	SourceQAFailure         LearningSourceKind = "qa_failure"
	SourceTicketFailure     LearningSourceKind = "ticket_failure"
	SourceTicketSuccess     LearningSourceKind = "ticket_success"
	SourceReviewDowngrade   LearningSourceKind = "review_downgrade"
	SourcePlanRejection     LearningSourceKind = "plan_rejection"
	SourceScopeViolation    LearningSourceKind = "scope_violation"
	SourceReviewerFeedback  LearningSourceKind = "reviewer_feedback"
	SourceCrossSectorPat    LearningSourceKind = "cross_sector_pattern"
	SourceProcessInsight    LearningSourceKind = "process_insight"
	SourceManual            LearningSourceKind = "manual"
)

// MaxLearningTextLen is the maximum length of a Learning's text field.
const MaxLearningTextLen = 200

// MaxLearningWeight is the maximum weight a Learning may carry.
const MaxLearningWeight = 100

// Learning is a persisted cross-run lesson.
//
// Invariant: 0 <= Weight <= MaxLearningWeight. A learning is pruned from
// the store once its weight decays to 0.
type Learning struct {
	ID              string             `json:"id"`
	Text            string             `json:"text"`
	Category        LearningCategory   `json:"category"`
	SourceKind      LearningSourceKind `json:"source_kind"`
	SourceDetail    string             `json:"source_detail,omitempty"`
	Tags            []string           `json:"tags,omitempty"`
	Weight          int                `json:"weight"`
	CreatedAt       time.Time          `json:"created_at"`
	LastConfirmedAt time.Time          `json:"last_confirmed_at"`
	AccessCount     int                `json:"access_count"`
	AppliedCount    int                `json:"applied_count,omitempty"`
	SuccessCount    int                `json:"success_count,omitempty"`
}

// QaCommandStats are the per-command rolling QA counters.
type QaCommandStats struct {
	TotalRuns            int       `json:"total_runs"`
	Successes            int       `json:"successes"`
	Failures             int       `json:"failures"`
	Timeouts             int       `json:"timeouts"`
	PreExistingSkips     int       `json:"pre_existing_skips"`
	TotalDurationMs       int64     `json:"total_duration_ms"`
	AvgDurationMs         int64     `json:"avg_duration_ms"`
	LastRunAt             time.Time `json:"last_run_at,omitempty"`
	ConsecutiveFailures   int       `json:"consecutive_failures"`
	ConsecutiveTimeouts   int       `json:"consecutive_timeouts"`
	RecentBaselineResults []bool    `json:"recent_baseline_results,omitempty"`
}

// RecentBaselineRingSize bounds the QaCommandStats baseline ring buffer.
const RecentBaselineRingSize = 10

// ChronicallyFailing reports whether the last 5 baseline results were all
// failures (the minimum of 5 and the available history is used).
func (s *QaCommandStats) ChronicallyFailing() bool {
	n := len(s.RecentBaselineResults)
	if n < 5 {
		return false
	}
	for _, ok := range s.RecentBaselineResults[n-5:] {
		if ok {
			return false
		}
	}
	return true
}

// DedupEntry is a recent work summary used for duplicate suppression.
type DedupEntry struct {
	TitleNormalized string    `json:"title_normalized"`
	Timestamp       time.Time `json:"timestamp"`
	Success         bool      `json:"success"`
	CoTitles        []string  `json:"co_titles,omitempty"`
}

// FileCooldownTTL is how long a cooldown entry remains active.
const FileCooldownTTL = 48 * time.Hour

// FileCooldownEntry tracks a file touched by a recently opened PR.
type FileCooldownEntry struct {
	FilePath  string    `json:"file_path"`
	PRURL     string    `json:"pr_url"`
	CreatedAt time.Time `json:"created_at"`
}

// SectorState is the persisted container of sectors plus the set of
// sectors already scanned this session.
type SectorState struct {
	Version               int               `json:"version"`
	Sectors               []Sector          `json:"sectors"`
	SessionScannedSectors []string          `json:"session_scanned_sectors"`
}

// DeliveryMode is how completed work is delivered to the remote.
type DeliveryMode string

const (
	DeliveryDirect      DeliveryMode = "direct"
	DeliveryMilestonePR DeliveryMode = "milestone-pr"
	DeliveryPR          DeliveryMode = "pr"
	DeliveryAutoMerge   DeliveryMode = "auto-merge"
)

// Phase is a coarse scouting posture; "deep" lowers the confidence floor.
type Phase string

const (
	PhaseNormal Phase = "normal"
	PhaseDeep   Phase = "deep"
)
