// Package dedup implements duplicate-proposal suppression and the file
// cooldown used to avoid proposing changes that overlap an already-open
// PR.
package dedup

import (
	"strings"
	"time"

	"github.com/kilnforge/engine/internal/learning"
	"github.com/kilnforge/engine/internal/sidecar"
	"github.com/kilnforge/engine/internal/types"
)

const (
	memoryFile   = "dedup-memory.json"
	cooldownFile = "file-cooldown.json"
)

// DefaultThreshold is the default title-similarity threshold used by
// IsDuplicateProposal.
const DefaultThreshold = 0.6

// Memory manages dedup-memory.json.
type Memory struct{ sc *sidecar.Store }

// NewMemory returns a dedup Memory backed by sc.
func NewMemory(sc *sidecar.Store) *Memory { return &Memory{sc: sc} }

func (m *Memory) load() ([]types.DedupEntry, error) {
	var es []types.DedupEntry
	if err := m.sc.ReadJSON(memoryFile, &es); err != nil {
		return nil, err
	}
	return es, nil
}

// Record appends a new dedup entry.
func (m *Memory) Record(title string, success bool, coTitles []string) error {
	es, err := m.load()
	if err != nil {
		return err
	}
	es = append(es, types.DedupEntry{
		TitleNormalized: learning.NormalizeTitle(title),
		Timestamp:       time.Now(),
		Success:         success,
		CoTitles:        coTitles,
	})
	return m.sc.WriteJSON(memoryFile, es)
}

// Titles returns every normalized title recorded in memory.
func (m *Memory) Titles() ([]string, error) {
	es, err := m.load()
	if err != nil {
		return nil, err
	}
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.TitleNormalized
	}
	return out, nil
}

// IsDuplicateProposal checks a candidate title against existing ticket
// titles and open branch names: exact match against existing titles,
// then similarity >= threshold against existing titles, then the same
// two checks against branch names with the tool's branch prefix stripped
// and dashes replaced with spaces.
func IsDuplicateProposal(candidate string, existingTitles, openBranches []string, branchPrefix string, threshold float64) bool {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	norm := learning.NormalizeTitle(candidate)

	for _, t := range existingTitles {
		if learning.NormalizeTitle(t) == norm {
			return true
		}
	}
	for _, t := range existingTitles {
		if learning.TitleSimilarity(candidate, t) >= threshold {
			return true
		}
	}

	for _, b := range openBranches {
		bt := branchTitle(b, branchPrefix)
		if learning.NormalizeTitle(bt) == norm {
			return true
		}
	}
	for _, b := range openBranches {
		bt := branchTitle(b, branchPrefix)
		if learning.TitleSimilarity(candidate, bt) >= threshold {
			return true
		}
	}
	return false
}

func branchTitle(branch, prefix string) string {
	b := strings.TrimPrefix(branch, prefix)
	b = strings.TrimPrefix(b, "/")
	return strings.ReplaceAll(b, "-", " ")
}

// Cooldown manages file-cooldown.json.
type Cooldown struct{ sc *sidecar.Store }

// NewCooldown returns a Cooldown backed by sc.
func NewCooldown(sc *sidecar.Store) *Cooldown { return &Cooldown{sc: sc} }

// Record writes a cooldown entry for every file in files, all sharing
// prURL and the current timestamp. Called on every successful PR.
func (c *Cooldown) Record(files []string, prURL string) error {
	entries, err := c.readRaw()
	if err != nil {
		return err
	}
	now := time.Now()
	for _, f := range files {
		entries = append(entries, types.FileCooldownEntry{FilePath: f, PRURL: prURL, CreatedAt: now})
	}
	return c.sc.WriteJSON(cooldownFile, entries)
}

func (c *Cooldown) readRaw() ([]types.FileCooldownEntry, error) {
	var es []types.FileCooldownEntry
	if err := c.sc.ReadJSON(cooldownFile, &es); err != nil {
		return nil, err
	}
	return es, nil
}

// Active reads all cooldown entries, pruning (and atomically rewriting)
// any older than types.FileCooldownTTL, and returns the survivors keyed
// by file path.
func (c *Cooldown) Active() (map[string]types.FileCooldownEntry, error) {
	entries, err := c.readRaw()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	live := entries[:0]
	for _, e := range entries {
		if now.Sub(e.CreatedAt) < types.FileCooldownTTL {
			live = append(live, e)
		}
	}
	if len(live) != len(entries) {
		if err := c.sc.WriteJSON(cooldownFile, live); err != nil {
			return nil, err
		}
	}
	out := make(map[string]types.FileCooldownEntry, len(live))
	for _, e := range live {
		out[e.FilePath] = e
	}
	return out, nil
}

// RemovePrEntries drops cooldown entries whose PR URL is in prURLs (known
// merged or closed). Idempotent: removing the same set twice leaves the
// second call a no-op.
func (c *Cooldown) RemovePrEntries(prURLs []string) error {
	entries, err := c.readRaw()
	if err != nil {
		return err
	}
	closed := make(map[string]struct{}, len(prURLs))
	for _, u := range prURLs {
		closed[u] = struct{}{}
	}
	kept := entries[:0]
	for _, e := range entries {
		if _, ok := closed[e.PRURL]; !ok {
			kept = append(kept, e)
		}
	}
	return c.sc.WriteJSON(cooldownFile, kept)
}

// ComputeCooldownOverlap returns the fraction of files that are currently
// in cooldown: |{f in files : f in cooledMap}| / |files|.
func ComputeCooldownOverlap(files []string, cooledMap map[string]types.FileCooldownEntry) float64 {
	if len(files) == 0 {
		return 0
	}
	hits := 0
	for _, f := range files {
		if _, ok := cooledMap[f]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(files))
}
