package qa

import (
	"testing"

	"github.com/kilnforge/engine/internal/sidecar"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	return New(sidecar.New(t.TempDir()))
}

func TestRecordTracksStreaksAndRing(t *testing.T) {
	s := newStore(t)

	for i := 0; i < 2; i++ {
		if err := s.Record("go test ./...", OutcomeFailure, 100); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	stats, err := s.Stats("go test ./...")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.ConsecutiveFailures != 2 {
		t.Errorf("ConsecutiveFailures = %d, want 2", stats.ConsecutiveFailures)
	}

	if err := s.Record("go test ./...", OutcomeSuccess, 100); err != nil {
		t.Fatalf("Record: %v", err)
	}
	stats, _ = s.Stats("go test ./...")
	if stats.ConsecutiveFailures != 0 {
		t.Errorf("success should reset ConsecutiveFailures, got %d", stats.ConsecutiveFailures)
	}
	if stats.TotalRuns != 3 {
		t.Errorf("TotalRuns = %d, want 3", stats.TotalRuns)
	}
}

func TestRecordRingBufferBounded(t *testing.T) {
	s := newStore(t)
	for i := 0; i < 15; i++ {
		if err := s.Record("lint", OutcomeSuccess, 10); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	stats, _ := s.Stats("lint")
	if len(stats.RecentBaselineResults) != 10 {
		t.Errorf("ring buffer len = %d, want 10", len(stats.RecentBaselineResults))
	}
}

func TestAutoTuneDemotesOnConsecutiveTimeouts(t *testing.T) {
	s := newStore(t)
	for i := 0; i < 5; i++ {
		if err := s.Record("slow-check", OutcomeTimeout, 1000); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	results, err := s.AutoTune(map[string]int64{"slow-check": 5000})
	if err != nil {
		t.Fatalf("AutoTune: %v", err)
	}
	if len(results) != 1 || !results[0].Demoted {
		t.Fatalf("expected a single demotion result, got %+v", results)
	}
}

func TestAutoTuneRaisesTimeoutOnSlowAverage(t *testing.T) {
	s := newStore(t)
	for i := 0; i < 5; i++ {
		if err := s.Record("build", OutcomeSuccess, 4500); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	results, err := s.AutoTune(map[string]int64{"build": 5000})
	if err != nil {
		t.Fatalf("AutoTune: %v", err)
	}
	if len(results) != 1 || results[0].Demoted {
		t.Fatalf("expected a single raise result, got %+v", results)
	}
	if results[0].NewTimeoutMs != int64(1.5*5000+0.5) {
		t.Errorf("NewTimeoutMs = %d, want %d", results[0].NewTimeoutMs, int64(1.5*5000+0.5))
	}
}

func TestCalibrateConfidenceBelowSampleFloor(t *testing.T) {
	s := newStore(t)
	delta, err := s.CalibrateConfidence(QualitySignals{TotalTickets: 3, FirstPassSuccess: 1})
	if err != nil {
		t.Fatalf("CalibrateConfidence: %v", err)
	}
	if delta != 0 {
		t.Errorf("delta = %d, want 0 below MinSamplesForCalibration", delta)
	}
}

func TestCalibrateConfidenceRaisesOnLowRate(t *testing.T) {
	s := newStore(t)
	delta, err := s.CalibrateConfidence(QualitySignals{TotalTickets: 6, FirstPassSuccess: 1})
	if err != nil {
		t.Fatalf("CalibrateConfidence: %v", err)
	}
	if delta != 5 {
		t.Errorf("delta = %d, want +5 for a low quality rate", delta)
	}
}

func TestCalibrateConfidenceHysteresisSuppressesSmallDrift(t *testing.T) {
	s := newStore(t)
	delta, err := s.CalibrateConfidence(QualitySignals{TotalTickets: 6, FirstPassSuccess: 1})
	if err != nil || delta != 5 {
		t.Fatalf("first calibration: delta=%d err=%v, want +5", delta, err)
	}

	// Same low-rate bucket again: drift from the persisted anchor is 0,
	// well under HysteresisBand, so no second adjustment fires.
	delta, err = s.CalibrateConfidence(QualitySignals{TotalTickets: 12, FirstPassSuccess: 2})
	if err != nil {
		t.Fatalf("CalibrateConfidence: %v", err)
	}
	if delta != 0 {
		t.Errorf("delta = %d, want 0 inside the hysteresis band", delta)
	}
}

func TestCalibrateConfidenceLowersOnHighRate(t *testing.T) {
	s := newStore(t)
	// Anchor a low rate first so the later high-rate reading drifts past
	// the hysteresis band.
	if _, err := s.CalibrateConfidence(QualitySignals{TotalTickets: 10, FirstPassSuccess: 1}); err != nil {
		t.Fatalf("seed calibration: %v", err)
	}
	delta, err := s.CalibrateConfidence(QualitySignals{TotalTickets: 10, FirstPassSuccess: 10})
	if err != nil {
		t.Fatalf("CalibrateConfidence: %v", err)
	}
	if delta != -5 {
		t.Errorf("delta = %d, want -5 for a high quality rate with enough samples", delta)
	}
}

func TestBaselineHealingTargets(t *testing.T) {
	s := newStore(t)
	for i := 0; i < 5; i++ {
		if err := s.Record("flaky-e2e", OutcomeFailure, 10); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	targets, err := s.BaselineHealingTargets()
	if err != nil {
		t.Fatalf("BaselineHealingTargets: %v", err)
	}
	if len(targets) != 1 || targets[0] != "flaky-e2e" {
		t.Errorf("targets = %v, want [flaky-e2e]", targets)
	}
}
