package learning

import (
	"testing"
	"time"

	"github.com/kilnforge/engine/internal/sidecar"
	"github.com/kilnforge/engine/internal/types"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	return New(sidecar.New(t.TempDir()))
}

func TestAddAndAll(t *testing.T) {
	s := newStore(t)
	l, err := s.Add("watch out for the flaky retry loop", types.LearningGotcha, types.SourceTicketFailure, "", nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if l.Weight != 50 {
		t.Errorf("initial weight = %d, want 50", l.Weight)
	}
	all, err := s.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("len(all) = %d, want 1", len(all))
	}
}

func TestLoadWithDecayPrunesZeroWeight(t *testing.T) {
	s := newStore(t)
	if _, err := s.Add("short-lived note", types.LearningContext, types.SourceTicketFailure, "", nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	// Drain the learning's weight to the decay rate, and age its
	// confirmation past the 7-day bonus window, so the next full-rate
	// decay prunes it.
	all, _ := s.All()
	all[0].Weight = DefaultDecayRate
	all[0].LastConfirmedAt = time.Now().Add(-8 * 24 * time.Hour)
	if err := s.save(all); err != nil {
		t.Fatalf("save: %v", err)
	}

	survivors, err := s.LoadWithDecay(DefaultDecayRate, time.Now())
	if err != nil {
		t.Fatalf("LoadWithDecay: %v", err)
	}
	if len(survivors) != 0 {
		t.Fatalf("len(survivors) = %d, want 0 after decaying to zero", len(survivors))
	}
}

func TestLoadWithDecayHalvesForAccessedAndConfirmed(t *testing.T) {
	s := newStore(t)
	if _, err := s.Add("accessed and confirmed", types.LearningPattern, types.SourceTicketFailure, "", nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	all, _ := s.All()
	all[0].Weight = 50
	all[0].AccessCount = 1
	all[0].LastConfirmedAt = time.Now()
	if err := s.save(all); err != nil {
		t.Fatalf("save: %v", err)
	}

	survivors, err := s.LoadWithDecay(DefaultDecayRate, time.Now())
	if err != nil {
		t.Fatalf("LoadWithDecay: %v", err)
	}
	// decay = 3, halved for access (3/2=1), halved again for recent confirmation (1/2=0):
	// integer division drives the decay itself to zero, so weight is unchanged.
	if survivors[0].Weight != 50 {
		t.Errorf("weight = %d, want 50 (double-halving drives decay to zero)", survivors[0].Weight)
	}
}

func TestConfirmAndRecordAccess(t *testing.T) {
	s := newStore(t)
	l, err := s.Add("note", types.LearningPattern, types.SourceTicketFailure, "", nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Confirm(l.ID); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if err := s.RecordAccess([]string{l.ID}); err != nil {
		t.Fatalf("RecordAccess: %v", err)
	}
	all, _ := s.All()
	if all[0].Weight != 60 {
		t.Errorf("weight = %d, want 60 after Confirm", all[0].Weight)
	}
	if all[0].AccessCount != 1 {
		t.Errorf("AccessCount = %d, want 1", all[0].AccessCount)
	}
}

func TestRecordApplicationSuccessAndFailure(t *testing.T) {
	s := newStore(t)
	l, err := s.Add("note", types.LearningPattern, types.SourceTicketFailure, "", nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	success := true
	if err := s.RecordApplication(l.ID, &success); err != nil {
		t.Fatalf("RecordApplication: %v", err)
	}
	all, _ := s.All()
	if all[0].Weight != 52 || all[0].SuccessCount != 1 {
		t.Errorf("after success: weight=%d successCount=%d, want 52/1", all[0].Weight, all[0].SuccessCount)
	}

	failure := false
	if err := s.RecordApplication(l.ID, &failure); err != nil {
		t.Fatalf("RecordApplication: %v", err)
	}
	all, _ = s.All()
	if all[0].Weight != 51 {
		t.Errorf("after failure: weight=%d, want 51", all[0].Weight)
	}
}

func TestSelectRelevantScoresPathAndCommandMatches(t *testing.T) {
	s := newStore(t)
	if _, err := s.Add("exact path match", types.LearningGotcha, types.SourceTicketFailure, "", []string{"path:pkg/foo"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := s.Add("unrelated", types.LearningContext, types.SourceTicketFailure, "", nil); err != nil {
		t.Fatalf("Add: %v", err)
	}

	results, err := s.SelectRelevant(SelectQuery{Paths: []string{"pkg/foo"}})
	if err != nil {
		t.Fatalf("SelectRelevant: %v", err)
	}
	if len(results) == 0 || results[0].Text != "exact path match" {
		t.Fatalf("expected the path-matching learning to rank first, got %+v", results)
	}
}

func TestFormatForPromptRespectsBudget(t *testing.T) {
	ls := []types.Learning{
		{Text: "a short one", Weight: 10},
		{Text: "a much longer learning line that will not fit in a tiny budget", Weight: 5},
	}
	out := FormatForPrompt(ls, 80)
	if !containsLine(out, "a short one") {
		t.Errorf("expected the higher-weight short line to be included, got %q", out)
	}
	if containsLine(out, "a much longer") {
		t.Errorf("expected the long line to be dropped under a tight budget, got %q", out)
	}
}

func containsLine(s, sub string) bool {
	for _, line := range splitLines(s) {
		if line == "- "+sub {
			return true
		}
	}
	return false
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}
