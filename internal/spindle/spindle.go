// Package spindle detects pathological agent behavior within a single
// run — edit/revert oscillation, hot files, QA thrashing, stuck plans —
// and turns those signals into a continue/warn/block/abort decision.
package spindle

import "strconv"

// EditEvent is one recorded file edit within a run.
type EditEvent struct {
	File    string
	Content string
}

// Window bounds the sliding history of edit events considered.
const Window = 20

// HotFileAbortThreshold and HotFileWarnThreshold bound the same-file
// edit counter within the window.
const (
	HotFileAbortThreshold = 8
	HotFileWarnThreshold  = 5
)

// QAThrashingStreak is the number of consecutive QA failures, with an
// unchanged failing-command set, that counts as thrashing.
const QAThrashingStreak = 3

// StuckPlanRejections is the number of plan rejections for the same
// ticket that counts as a stuck plan.
const StuckPlanRejections = 3

// AbortConfidence and BlockConfidence are the decision thresholds.
const (
	AbortConfidence = 0.9
	BlockConfidence = 0.6
	WarnSignalCount = 1
)

// Verdict is the spindle's continue/warn/block/abort decision.
type Verdict string

const (
	VerdictContinue Verdict = "continue"
	VerdictWarn     Verdict = "warn"
	VerdictBlock    Verdict = "block"
	VerdictAbort    Verdict = "abort"
)

// Signal names a fired detector.
type Signal string

const (
	SignalEditRevert  Signal = "edit_revert_oscillation"
	SignalHotFile     Signal = "hot_file"
	SignalQAThrashing Signal = "qa_thrashing"
	SignalStuckPlan   Signal = "stuck_plan"
)

// Finding is one fired signal and its confidence.
type Finding struct {
	Signal     Signal
	Confidence float64
	Detail     string
}

// State tracks per-run spindle counters. Not safe for concurrent use; a
// ticket run owns exactly one State.
type State struct {
	edits             []EditEvent
	fileEditCounts    map[string]int
	revertEvents      int
	qaFailStreak      int
	lastFailingSet    map[string]struct{}
	planRejections    int
}

// NewState returns a fresh spindle State for one run.
func NewState() *State {
	return &State{fileEditCounts: map[string]int{}}
}

// RecordEdit appends an edit event, trimming the window, and updates the
// hot-file counter and revert detector. A revert is detected when the new
// content exactly matches an earlier recorded content for the same file
// that was itself preceded by a different edit (A, B, A pattern).
func (s *State) RecordEdit(file, content string) {
	s.edits = append(s.edits, EditEvent{File: file, Content: content})
	if len(s.edits) > Window {
		for _, e := range s.edits[:len(s.edits)-Window] {
			s.fileEditCounts[e.File]--
		}
		s.edits = s.edits[len(s.edits)-Window:]
	}
	s.fileEditCounts[file]++

	var prior []EditEvent
	for _, e := range s.edits[:len(s.edits)-1] {
		if e.File == file {
			prior = append(prior, e)
		}
	}
	if len(prior) >= 2 {
		last := prior[len(prior)-1]
		secondLast := prior[len(prior)-2]
		if content == secondLast.Content && content != last.Content {
			s.revertEvents++
		}
	}
}

// RecordQAResult updates the thrashing streak given the current set of
// failing QA commands (empty set means QA passed).
func (s *State) RecordQAResult(failingCommands []string) {
	if len(failingCommands) == 0 {
		s.qaFailStreak = 0
		s.lastFailingSet = nil
		return
	}
	set := make(map[string]struct{}, len(failingCommands))
	for _, c := range failingCommands {
		set[c] = struct{}{}
	}
	if sameSet(set, s.lastFailingSet) {
		s.qaFailStreak++
	} else {
		s.qaFailStreak = 1
	}
	s.lastFailingSet = set
}

func sameSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// RecordPlanRejection increments the stuck-plan counter.
func (s *State) RecordPlanRejection() { s.planRejections++ }

// Evaluate runs every detector and returns the fired findings.
func (s *State) Evaluate() []Finding {
	var findings []Finding

	if s.revertEvents >= 2 {
		findings = append(findings, Finding{
			Signal:     SignalEditRevert,
			Confidence: 0.95,
			Detail:     "two or more revert events observed in the edit window",
		})
	}

	maxFile, maxCount := "", 0
	for f, c := range s.fileEditCounts {
		if c > maxCount {
			maxFile, maxCount = f, c
		}
	}
	if maxCount >= HotFileAbortThreshold {
		findings = append(findings, Finding{
			Signal:     SignalHotFile,
			Confidence: 0.9,
			Detail:     maxFile + " edited " + strconv.Itoa(maxCount) + " times in the window",
		})
	} else if maxCount >= HotFileWarnThreshold {
		findings = append(findings, Finding{
			Signal:     SignalHotFile,
			Confidence: 0.65,
			Detail:     maxFile + " edited " + strconv.Itoa(maxCount) + " times in the window",
		})
	}

	if s.qaFailStreak >= QAThrashingStreak {
		findings = append(findings, Finding{
			Signal:     SignalQAThrashing,
			Confidence: 0.92,
			Detail:     "qa failed " + strconv.Itoa(s.qaFailStreak) + " times in a row with the same failing commands",
		})
	}

	if s.planRejections >= StuckPlanRejections {
		findings = append(findings, Finding{
			Signal:     SignalStuckPlan,
			Confidence: 0.92,
			Detail:     "plan rejected " + strconv.Itoa(s.planRejections) + " times for this ticket",
		})
	}

	return findings
}

// Decide converts Evaluate's findings into a Verdict.
func Decide(findings []Finding) Verdict {
	best := 0.0
	for _, f := range findings {
		if f.Confidence > best {
			best = f.Confidence
		}
	}
	switch {
	case best >= AbortConfidence:
		return VerdictAbort
	case best >= BlockConfidence:
		return VerdictBlock
	case len(findings) >= WarnSignalCount && best > 0:
		return VerdictWarn
	default:
		return VerdictContinue
	}
}
