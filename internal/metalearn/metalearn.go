// Package metalearn extracts process_insight learnings from aggregate
// cycle outcomes, QA stats, and formula stats, once per cycle after
// cycle 3.
package metalearn

import (
	"fmt"
	"strings"

	"github.com/kilnforge/engine/internal/learning"
	"github.com/kilnforge/engine/internal/types"
)

// MinCycle is the first cycle at which meta-learning extraction runs.
const MinCycle = 3

// FormulaStats is the running per-formula tally read from run-state.
type FormulaStats struct {
	Tickets int
	Success int
	Merges  int
	Closes  int
}

// Inputs bundles everything the checks read.
type Inputs struct {
	RecentOutcomes []types.TicketOutcome // most recent first, any length
	CommandStats   map[string]types.QaCommandStats
	FormulaStats   map[string]FormulaStats
}

// Candidate is a synthesized learning awaiting substring-dedup against
// the existing store before being added.
type Candidate struct {
	Text     string
	Category types.LearningCategory
	Tags     []string
}

// Extract runs every check and returns the candidates that do not
// already exist (case-insensitive substring match, either direction,
// against existing learning text).
func Extract(in Inputs, existing []types.Learning) []Candidate {
	var candidates []Candidate
	candidates = append(candidates, confidenceMiscalibration(in.RecentOutcomes)...)
	candidates = append(candidates, categoryFailurePattern(in.RecentOutcomes)...)
	candidates = append(candidates, timeoutPattern(in.CommandStats)...)
	candidates = append(candidates, reliability(in.CommandStats)...)
	candidates = append(candidates, formulaEffectiveness(in.FormulaStats)...)
	candidates = append(candidates, formulaMergeRate(in.FormulaStats)...)

	var fresh []Candidate
	for _, c := range candidates {
		if !similarExists(c.Text, existing) {
			fresh = append(fresh, c)
		}
	}
	return fresh
}

func similarExists(text string, existing []types.Learning) bool {
	needle := strings.ToLower(text)
	for _, l := range existing {
		hay := strings.ToLower(l.Text)
		if strings.Contains(hay, needle) || strings.Contains(needle, hay) {
			return true
		}
	}
	return false
}

func confidenceMiscalibration(outcomes []types.TicketOutcome) []Candidate {
	recent := outcomes
	if len(recent) > 20 {
		recent = recent[:20]
	}
	if len(recent) < 3 {
		return nil
	}
	failures := 0
	for _, o := range recent {
		if !o.Success {
			failures++
		}
	}
	rate := float64(failures) / float64(len(recent))
	if rate <= 0.4 {
		return nil
	}
	text := fmt.Sprintf("High failure rate across recent cycles (%d/%d = %d%%) — scout may be overestimating feasibility",
		failures, len(recent), int(rate*100))
	return []Candidate{{Text: text, Category: types.LearningWarning}}
}

func categoryFailurePattern(outcomes []types.TicketOutcome) []Candidate {
	type tally struct{ total, fail int }
	byCat := map[types.TicketCategory]*tally{}
	for _, o := range outcomes {
		t, ok := byCat[o.Category]
		if !ok {
			t = &tally{}
			byCat[o.Category] = t
		}
		t.total++
		if !o.Success {
			t.fail++
		}
	}
	var out []Candidate
	for cat, t := range byCat {
		if t.total < 5 {
			continue
		}
		rate := float64(t.fail) / float64(t.total)
		if rate <= 0.5 {
			continue
		}
		text := fmt.Sprintf("Category %s has high failure rate (%d%% over %d tickets) — consider smaller scope",
			cat, int(rate*100), t.total)
		out = append(out, Candidate{Text: text, Category: types.LearningWarning, Tags: []string{"category:" + string(cat)}})
	}
	return out
}

func timeoutPattern(stats map[string]types.QaCommandStats) []Candidate {
	var out []Candidate
	for name, st := range stats {
		if st.TotalRuns < 5 {
			continue
		}
		rate := float64(st.Timeouts) / float64(st.TotalRuns)
		if rate <= 0.2 {
			continue
		}
		text := fmt.Sprintf("QA command %s times out frequently (%d%% of %d runs) — consider increasing timeout",
			name, int(rate*100), st.TotalRuns)
		out = append(out, Candidate{Text: text, Category: types.LearningGotcha, Tags: []string{"cmd:" + name}})
	}
	return out
}

func reliability(stats map[string]types.QaCommandStats) []Candidate {
	if len(stats) < 2 {
		return nil
	}
	totalFailures := 0
	for _, st := range stats {
		totalFailures += st.Failures
	}
	if totalFailures < 3 {
		return nil
	}
	var out []Candidate
	for name, st := range stats {
		share := float64(st.Failures) / float64(totalFailures)
		if share <= 0.6 {
			continue
		}
		text := fmt.Sprintf("%s is the primary QA failure source (%d%% of all failures) — focus on compatibility",
			name, int(share*100))
		out = append(out, Candidate{Text: text, Category: types.LearningGotcha, Tags: []string{"cmd:" + name}})
	}
	return out
}

func formulaEffectiveness(stats map[string]FormulaStats) []Candidate {
	var out []Candidate
	for name, st := range stats {
		if st.Tickets < 5 {
			continue
		}
		rate := float64(st.Success) / float64(st.Tickets)
		if rate >= 0.4 {
			continue
		}
		text := fmt.Sprintf("Formula %s has low success rate (%d%%) — consider adjusting scope or switching formulas",
			name, int(rate*100))
		out = append(out, Candidate{Text: text, Category: types.LearningWarning, Tags: []string{"formula:" + name}})
	}
	return out
}

func formulaMergeRate(stats map[string]FormulaStats) []Candidate {
	var out []Candidate
	for name, st := range stats {
		total := st.Merges + st.Closes
		if total < 3 {
			continue
		}
		rate := float64(st.Merges) / float64(total)
		if rate >= 0.5 {
			continue
		}
		text := fmt.Sprintf("Formula %s PRs are frequently closed (%d%% merge rate) — output may not match project standards",
			name, int(rate*100))
		out = append(out, Candidate{Text: text, Category: types.LearningWarning, Tags: []string{"formula:" + name}})
	}
	return out
}

// Apply appends every candidate as a new learning via the learning store.
func Apply(store *learning.Store, candidates []Candidate) error {
	for _, c := range candidates {
		if _, err := store.Add(c.Text, c.Category, types.SourceProcessInsight, "", c.Tags); err != nil {
			return err
		}
	}
	return nil
}
