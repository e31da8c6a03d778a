// Package learning implements the cross-run learning store: decayed
// loading, add/confirm/access/application bookkeeping, near-duplicate
// consolidation, relevance scoring, and prompt formatting. All mutating
// operations round-trip through the sidecar store's atomic
// temp-write-then-rename.
package learning

import (
	"crypto/rand"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/kilnforge/engine/internal/sidecar"
	"github.com/kilnforge/engine/internal/types"
)

const fileName = "learnings.json"

// DefaultDecayRate is the weight decrement applied to every learning at
// session start, before the accessed/confirmed halving bonuses.
const DefaultDecayRate = 3

// ConsolidationThreshold is the learning count above which consolidation
// runs.
const ConsolidationThreshold = 50

// ConsolidationSimilarity is the minimum title similarity for two
// learnings to be considered for merging.
const ConsolidationSimilarity = 0.7

// ConsolidationAccessCeiling excludes frequently-accessed learnings from
// consolidation (they are presumed valuable enough to keep distinct).
const ConsolidationAccessCeiling = 3

// ConsolidationSafetyFloor is the fraction of ConsolidationThreshold below
// which a consolidation pass aborts rather than writing, as a safety
// guard against merging away too much of the learning set in one pass.
const ConsolidationSafetyFloor = 0.4

// DefaultSelectLimit is how many learnings SelectRelevant returns by
// default.
const DefaultSelectLimit = 15

// DefaultPromptBudget is the default character budget for FormatForPrompt.
const DefaultPromptBudget = 2000

// Store manages learnings.json.
type Store struct {
	sc *sidecar.Store
}

// New returns a learning Store backed by sc.
func New(sc *sidecar.Store) *Store { return &Store{sc: sc} }

func (s *Store) load() ([]types.Learning, error) {
	var ls []types.Learning
	if err := s.sc.ReadJSON(fileName, &ls); err != nil {
		return nil, err
	}
	return ls, nil
}

func (s *Store) save(ls []types.Learning) error {
	return s.sc.WriteJSON(fileName, ls)
}

// All returns the current persisted learnings without applying decay,
// for callers that only need to inspect existing text (e.g. the
// meta-learning similarity check).
func (s *Store) All() ([]types.Learning, error) {
	return s.load()
}

// LoadWithDecay applies session-start decay to every learning and prunes
// any whose weight falls to 0, then persists and returns the survivors.
// Two halving bonuses apply independently:
// having been accessed at least once halves the decay; having been
// confirmed within the last 7 days halves it again (so a learning that is
// both accessed and recently confirmed decays at 1/4 rate).
func (s *Store) LoadWithDecay(decayRate int, now time.Time) ([]types.Learning, error) {
	if decayRate <= 0 {
		decayRate = DefaultDecayRate
	}
	ls, err := s.load()
	if err != nil {
		return nil, err
	}

	survivors := ls[:0]
	for _, l := range ls {
		decay := decayRate
		if l.AccessCount > 0 {
			decay = decay / 2
		}
		if !l.LastConfirmedAt.IsZero() && now.Sub(l.LastConfirmedAt) < 7*24*time.Hour {
			decay = decay / 2
		}
		l.Weight -= decay
		if l.Weight > types.MaxLearningWeight {
			l.Weight = types.MaxLearningWeight
		}
		if l.Weight <= 0 {
			continue
		}
		survivors = append(survivors, l)
	}
	if err := s.save(survivors); err != nil {
		return nil, err
	}
	return survivors, nil
}

func randomID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return hex.EncodeToString([]byte(time.Now().Format("150405.000")))
	}
	return hex.EncodeToString(b)
}

// Add appends a new learning with default weight 50, truncating text to
// types.MaxLearningTextLen.
func (s *Store) Add(text string, category types.LearningCategory, sourceKind types.LearningSourceKind, sourceDetail string, tags []string) (*types.Learning, error) {
	if len(text) > types.MaxLearningTextLen {
		text = text[:types.MaxLearningTextLen]
	}
	now := time.Now()
	l := types.Learning{
		ID:              randomID(),
		Text:            text,
		Category:        category,
		SourceKind:      sourceKind,
		SourceDetail:    sourceDetail,
		Tags:            tags,
		Weight:          50,
		CreatedAt:       now,
		LastConfirmedAt: now,
	}
	ls, err := s.load()
	if err != nil {
		return nil, err
	}
	ls = append(ls, l)
	if err := s.save(ls); err != nil {
		return nil, err
	}
	return &l, nil
}

// Confirm adds 10 to a learning's weight (clamped to 100) and refreshes
// LastConfirmedAt.
func (s *Store) Confirm(id string) error {
	return s.mutate(id, func(l *types.Learning) {
		l.Weight += 10
		if l.Weight > types.MaxLearningWeight {
			l.Weight = types.MaxLearningWeight
		}
		l.LastConfirmedAt = time.Now()
	})
}

// RecordAccess increments AccessCount for each given id.
func (s *Store) RecordAccess(ids []string) error {
	ls, err := s.load()
	if err != nil {
		return err
	}
	want := toSet(ids)
	for i := range ls {
		if _, ok := want[ls[i].ID]; ok {
			ls[i].AccessCount++
		}
	}
	return s.save(ls)
}

// RecordApplication increments AppliedCount, and on a non-nil outcome
// either grows weight +2 and SuccessCount, or shrinks weight -1 (floor 1).
func (s *Store) RecordApplication(id string, outcome *bool) error {
	return s.mutate(id, func(l *types.Learning) {
		l.AppliedCount++
		if outcome == nil {
			return
		}
		if *outcome {
			l.SuccessCount++
			l.Weight += 2
			if l.Weight > types.MaxLearningWeight {
				l.Weight = types.MaxLearningWeight
			}
		} else {
			l.Weight--
			if l.Weight < 1 {
				l.Weight = 1
			}
		}
	})
}

func (s *Store) mutate(id string, fn func(*types.Learning)) error {
	ls, err := s.load()
	if err != nil {
		return err
	}
	for i := range ls {
		if ls[i].ID == id {
			fn(&ls[i])
			break
		}
	}
	return s.save(ls)
}

func toSet(ids []string) map[string]struct{} {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

// Consolidate merges near-duplicate learnings when the total count
// exceeds ConsolidationThreshold. Two learnings merge when: title
// similarity >= ConsolidationSimilarity, same category, same source
// kind, same `failureType:` tag, and both have
// AccessCount < ConsolidationAccessCeiling. The higher-weight learning's
// text wins; access counts sum; tags union; the newest confirmation is
// kept. If consolidation would reduce the set below
// ConsolidationSafetyFloor * ConsolidationThreshold, it aborts without
// writing.
func (s *Store) Consolidate() (merged int, err error) {
	ls, err := s.load()
	if err != nil {
		return 0, err
	}
	if len(ls) <= ConsolidationThreshold {
		return 0, nil
	}

	absorbed := make([]bool, len(ls))
	bigramCache := make([]map[string]struct{}, len(ls))
	for i := range ls {
		bigramCache[i] = bigrams(ls[i].Text)
	}

	for i := range ls {
		if absorbed[i] {
			continue
		}
		for j := i + 1; j < len(ls); j++ {
			if absorbed[j] {
				continue
			}
			if !mergeEligible(&ls[i], &ls[j]) {
				continue
			}
			if jaccard(bigramCache[i], bigramCache[j]) < ConsolidationSimilarity {
				continue
			}
			mergeInto(&ls[i], &ls[j])
			absorbed[j] = true
			merged++
		}
	}

	remaining := make([]types.Learning, 0, len(ls)-merged)
	for i, l := range ls {
		if !absorbed[i] {
			remaining = append(remaining, l)
		}
	}

	if float64(len(remaining)) < ConsolidationSafetyFloor*float64(ConsolidationThreshold) {
		return 0, nil
	}

	if err := s.save(remaining); err != nil {
		return 0, err
	}
	return merged, nil
}

func mergeEligible(a, b *types.Learning) bool {
	if a.Category != b.Category || a.SourceKind != b.SourceKind {
		return false
	}
	if a.AccessCount >= ConsolidationAccessCeiling || b.AccessCount >= ConsolidationAccessCeiling {
		return false
	}
	return failureTypeTag(a.Tags) == failureTypeTag(b.Tags)
}

func failureTypeTag(tags []string) string {
	for _, t := range tags {
		if strings.HasPrefix(t, "failureType:") {
			return t
		}
	}
	return ""
}

// mergeInto absorbs src into dst in place: dst keeps the higher-weight
// text, sums access counts, unions tags, and keeps the newer confirmation.
func mergeInto(dst, src *types.Learning) {
	if src.Weight > dst.Weight {
		dst.Text = src.Text
	}
	if dst.Weight < src.Weight {
		dst.Weight = src.Weight
	}
	dst.AccessCount += src.AccessCount
	dst.AppliedCount += src.AppliedCount
	dst.SuccessCount += src.SuccessCount
	dst.Tags = unionTags(dst.Tags, src.Tags)
	if src.LastConfirmedAt.After(dst.LastConfirmedAt) {
		dst.LastConfirmedAt = src.LastConfirmedAt
	}
}

func unionTags(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, t := range append(append([]string{}, a...), b...) {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

// SelectQuery parameterizes SelectRelevant.
type SelectQuery struct {
	Paths     []string
	Commands  []string
	TitleHint string
	Limit     int
}

// SelectRelevant scores every learning against the query and returns the
// top Limit (default DefaultSelectLimit), sorted by score descending.
// Scoring: exact path tag match = 30,
// parent/child path tag = 15, command tag = 10, failureType tag present
// alongside any queried command = 5, title keyword hit = 3, a `gotcha`
// category learning paired with any queried command = 10, a learning
// confirmed within the last 3 days = 5 — plus the learning's own weight.
func (s *Store) SelectRelevant(q SelectQuery) ([]types.Learning, error) {
	ls, err := s.load()
	if err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultSelectLimit
	}

	type scored struct {
		l     types.Learning
		score int
	}
	now := time.Now()
	out := make([]scored, 0, len(ls))
	for _, l := range ls {
		sc := l.Weight
		sc += scorePaths(l.Tags, q.Paths)
		sc += scoreCommands(l.Tags, q.Commands)
		if hasFailureTypeTag(l.Tags) && len(q.Commands) > 0 {
			sc += 5
		}
		if l.Category == types.LearningGotcha && len(q.Commands) > 0 {
			sc += 10
		}
		sc += scoreTitleHint(l.Text, q.TitleHint)
		if !l.LastConfirmedAt.IsZero() && now.Sub(l.LastConfirmedAt) < 3*24*time.Hour {
			sc += 5
		}
		out = append(out, scored{l, sc})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	if len(out) > limit {
		out = out[:limit]
	}
	res := make([]types.Learning, len(out))
	for i, sc := range out {
		res[i] = sc.l
	}
	return res, nil
}

func scorePaths(tags []string, paths []string) int {
	best := 0
	for _, tag := range tags {
		path, ok := strings.CutPrefix(tag, "path:")
		if !ok {
			continue
		}
		for _, p := range paths {
			if p == path {
				best = max(best, 30)
			} else if strings.HasPrefix(p, path) || strings.HasPrefix(path, p) {
				best = max(best, 15)
			}
		}
	}
	return best
}

func scoreCommands(tags []string, commands []string) int {
	for _, tag := range tags {
		cmd, ok := strings.CutPrefix(tag, "cmd:")
		if !ok {
			continue
		}
		for _, c := range commands {
			if c == cmd {
				return 10
			}
		}
	}
	return 0
}

func hasFailureTypeTag(tags []string) bool {
	return failureTypeTag(tags) != ""
}

func scoreTitleHint(text, hint string) int {
	if hint == "" {
		return 0
	}
	hintWords := strings.Fields(normalize(hint))
	textNorm := normalize(text)
	for _, w := range hintWords {
		if len(w) > 2 && strings.Contains(textNorm, w) {
			return 3
		}
	}
	return 0
}

// FormatForPrompt renders learnings into a `<project-learnings>` block,
// sorted by weight descending, truncated to fit within charBudget (default
// DefaultPromptBudget). One learning per line.
func FormatForPrompt(ls []types.Learning, charBudget int) string {
	if charBudget <= 0 {
		charBudget = DefaultPromptBudget
	}
	sorted := append([]types.Learning{}, ls...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Weight > sorted[j].Weight })

	var b strings.Builder
	b.WriteString("<project-learnings>\n")
	budget := charBudget - b.Len() - len("</project-learnings>\n")
	for _, l := range sorted {
		line := "- " + l.Text + "\n"
		if len(line) > budget {
			break
		}
		b.WriteString(line)
		budget -= len(line)
	}
	b.WriteString("</project-learnings>\n")
	return b.String()
}
