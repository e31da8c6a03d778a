// Package qa maintains per-command QA rolling statistics, auto-tunes
// timeouts, and computes the confidence-calibration delta from ticket
// quality signals.
package qa

import (
	"time"

	"github.com/kilnforge/engine/internal/sidecar"
	"github.com/kilnforge/engine/internal/types"
)

const fileName = "qa-stats.json"

// HysteresisBand is the minimum drift in quality rate, from the last
// persisted anchor, required before calibrateConfidence returns a
// non-zero delta again.
const HysteresisBand = 0.15

// LowRateThreshold and HighRateThreshold bound calibrateConfidence's
// raise/lower decision.
const (
	LowRateThreshold  = 0.6
	HighRateThreshold = 0.9
)

// MinSamplesForCalibration is the minimum totalTickets before
// calibrateConfidence returns anything but 0.
const MinSamplesForCalibration = 5

// MinSamplesForLowering additionally gates the downward adjustment.
const MinSamplesForLowering = 10

// Document is the persisted qa-stats.json shape.
type Document struct {
	Commands                map[string]types.QaCommandStats `json:"commands"`
	LastUpdated              time.Time                       `json:"last_updated,omitempty"`
	DisabledCommands         []string                        `json:"disabled_commands,omitempty"`
	LastCalibratedQualityRate *float64                       `json:"last_calibrated_quality_rate,omitempty"`
}

// Store manages qa-stats.json.
type Store struct{ sc *sidecar.Store }

// New returns a qa Store backed by sc.
func New(sc *sidecar.Store) *Store { return &Store{sc: sc} }

func (s *Store) load() (Document, error) {
	doc := Document{Commands: map[string]types.QaCommandStats{}}
	if err := s.sc.ReadJSON(fileName, &doc); err != nil {
		return Document{}, err
	}
	if doc.Commands == nil {
		doc.Commands = map[string]types.QaCommandStats{}
	}
	return doc, nil
}

func (s *Store) save(doc Document) error {
	doc.LastUpdated = time.Now()
	return s.sc.WriteJSON(fileName, doc)
}

// Outcome is the result of one QA command invocation.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeTimeout
	OutcomePreExisting
)

// Record pushes one QA run outcome for the named command into the ring
// buffer and updates the rolling counters.
func (s *Store) Record(command string, outcome Outcome, durationMs int64) error {
	doc, err := s.load()
	if err != nil {
		return err
	}
	st := doc.Commands[command]
	st.TotalRuns++
	st.TotalDurationMs += durationMs
	if st.TotalRuns > 0 {
		st.AvgDurationMs = round(st.TotalDurationMs, st.TotalRuns)
	}
	st.LastRunAt = time.Now()

	switch outcome {
	case OutcomeSuccess:
		st.Successes++
		st.ConsecutiveFailures = 0
		st.ConsecutiveTimeouts = 0
		pushRing(&st, true)
	case OutcomeTimeout:
		st.Timeouts++
		st.ConsecutiveFailures++
		st.ConsecutiveTimeouts++
		pushRing(&st, false)
	case OutcomeFailure:
		st.Failures++
		st.ConsecutiveFailures++
		pushRing(&st, false)
	case OutcomePreExisting:
		st.PreExistingSkips++
		pushRing(&st, false)
	}

	doc.Commands[command] = st
	return s.save(doc)
}

func pushRing(st *types.QaCommandStats, ok bool) {
	st.RecentBaselineResults = append(st.RecentBaselineResults, ok)
	if n := len(st.RecentBaselineResults); n > types.RecentBaselineRingSize {
		st.RecentBaselineResults = st.RecentBaselineResults[n-types.RecentBaselineRingSize:]
	}
}

func round(total int64, n int) int64 {
	if n == 0 {
		return 0
	}
	return (total + int64(n)/2) / int64(n)
}

// Stats returns the current stats for a command (zero value if unseen).
func (s *Store) Stats(command string) (types.QaCommandStats, error) {
	doc, err := s.load()
	if err != nil {
		return types.QaCommandStats{}, err
	}
	return doc.Commands[command], nil
}

// TuneResult describes one auto-tune decision for a command.
type TuneResult struct {
	Command      string
	Demoted      bool
	Reason       string
	NewTimeoutMs int64
}

// AutoTune inspects every command's stats against its configured timeout
// and returns the set of commands that should be demoted (removed from
// the active QA config, as a configuration bug rather than a
// permanently-disabled baseline healer) or have their timeout raised.
func (s *Store) AutoTune(timeouts map[string]int64) ([]TuneResult, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	var results []TuneResult
	for name, st := range doc.Commands {
		timeoutMs, ok := timeouts[name]
		if !ok || st.TotalRuns < 5 {
			continue
		}
		if st.ConsecutiveTimeouts >= 3 {
			results = append(results, TuneResult{
				Command: name,
				Demoted: true,
				Reason:  "command times out consecutively; treated as a configuration bug",
			})
			doc.DisabledCommands = append(doc.DisabledCommands, name)
			continue
		}
		if float64(st.AvgDurationMs) > 0.8*float64(timeoutMs) {
			newTimeout := int64(1.5*float64(timeoutMs) + 0.5)
			results = append(results, TuneResult{
				Command:      name,
				NewTimeoutMs: newTimeout,
				Reason:       "average duration exceeds 80% of the configured timeout",
			})
		}
	}
	if len(results) > 0 {
		if err := s.save(doc); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// QualitySignals is the ticket-level running tally read from run-state.
type QualitySignals struct {
	TotalTickets      int
	FirstPassSuccess  int
}

// CalibrateConfidence computes the confidence-floor delta from the
// current ticket quality rate against the last persisted anchor, using a
// hysteresis band so small fluctuations do not thrash the floor.
//
// Returns 0 when there are too few samples, or when the rate has not
// drifted from the anchor by at least HysteresisBand. Otherwise returns
// +5 when the rate is below LowRateThreshold, or -5 when the rate is
// above HighRateThreshold with at least MinSamplesForLowering tickets.
// A non-zero delta persists the new anchor.
func (s *Store) CalibrateConfidence(q QualitySignals) (int, error) {
	if q.TotalTickets < MinSamplesForCalibration {
		return 0, nil
	}
	rate := float64(q.FirstPassSuccess) / float64(q.TotalTickets)

	doc, err := s.load()
	if err != nil {
		return 0, err
	}
	if doc.LastCalibratedQualityRate != nil {
		drift := rate - *doc.LastCalibratedQualityRate
		if drift < 0 {
			drift = -drift
		}
		if drift < HysteresisBand {
			return 0, nil
		}
	}

	delta := 0
	switch {
	case rate < LowRateThreshold:
		delta = 5
	case rate > HighRateThreshold && q.TotalTickets >= MinSamplesForLowering:
		delta = -5
	}
	if delta == 0 {
		return 0, nil
	}

	doc.LastCalibratedQualityRate = &rate
	if err := s.save(doc); err != nil {
		return 0, err
	}
	return delta, nil
}

// BaselineHealingTargets returns the names of commands that are
// chronically failing at baseline — surfaced to the scout as high
// priority healing targets rather than hidden.
func (s *Store) BaselineHealingTargets() ([]string, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	var out []string
	for name, st := range doc.Commands {
		if st.ChronicallyFailing() {
			out = append(out, name)
		}
	}
	return out, nil
}
