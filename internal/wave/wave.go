// Package wave partitions approved proposals into conflict-free waves so
// the Cycle Engine can run wave members in parallel and waves themselves
// sequentially.
package wave

import (
	"path"
	"strings"

	"github.com/kilnforge/engine/internal/types"
)

// Sensitivity controls how aggressively the conflict predicate treats
// two proposals as conflicting.
type Sensitivity string

const (
	SensitivityStrict  Sensitivity = "strict"
	SensitivityNormal  Sensitivity = "normal"
	SensitivityRelaxed Sensitivity = "relaxed"
)

// conflictProneFiles are files whose concurrent modification is risky
// regardless of directory-sharing heuristics.
var conflictProneFiles = map[string]struct{}{
	"index.ts": {}, "index.js": {}, "index.tsx": {}, "index.jsx": {},
	"package.json": {}, "Cargo.toml": {}, "__init__.py": {}, "go.mod": {},
}

var sharedParentNames = map[string]struct{}{
	"shared": {}, "common": {}, "utils": {}, "helpers": {},
	"lib": {}, "types": {}, "interfaces": {}, "constants": {}, "config": {},
}

var monorepoPrefixes = []string{"packages", "apps", "libs", "modules"}

// Item is the minimal shape wave scheduling needs from a proposal.
type Item struct {
	Files    []string
	Category types.TicketCategory
}

// Wave is a group of items with no mutual conflict.
type Wave []int

// Partition places each item (by input order) into the first existing
// wave where it conflicts with no current member, else opens a new wave.
// This is a stable, deterministic partition.
func Partition(items []Item, sensitivity Sensitivity) []Wave {
	var waves []Wave
	for i, item := range items {
		placed := false
		for w := range waves {
			if !conflictsWithWave(item, items, waves[w], sensitivity) {
				waves[w] = append(waves[w], i)
				placed = true
				break
			}
		}
		if !placed {
			waves = append(waves, Wave{i})
		}
	}
	return waves
}

func conflictsWithWave(item Item, items []Item, w Wave, sensitivity Sensitivity) bool {
	for _, idx := range w {
		if conflicts(item, items[idx], sensitivity) {
			return true
		}
	}
	return false
}

func conflicts(a, b Item, sensitivity Sensitivity) bool {
	if filesOverlap(a.Files, b.Files) {
		return true
	}
	if sensitivity == SensitivityRelaxed {
		return false
	}

	dirsA, dirsB := dirSet(a.Files), dirSet(b.Files)
	sharedDir := dirsIntersect(dirsA, dirsB)

	if sensitivity == SensitivityNormal || sensitivity == SensitivityStrict {
		if sharedDir && (touchesConflictProne(a.Files) || touchesConflictProne(b.Files)) {
			return true
		}
		if sharedDir && a.Category == b.Category {
			return true
		}
		if jaccard(dirsA, dirsB) >= 0.3 {
			return true
		}
	}

	if sensitivity == SensitivityStrict {
		if sharesGuardedParent(a.Files, b.Files) {
			return true
		}
		if sharesMonorepoPackage(a.Files, b.Files) {
			return true
		}
		if jaccard(dirsA, dirsB) >= 0.2 {
			return true
		}
	}

	return false
}

func filesOverlap(a, b []string) bool {
	for _, fa := range a {
		for _, fb := range b {
			if fa == fb || pathContains(fa, fb) || pathContains(fb, fa) {
				return true
			}
		}
	}
	return false
}

func pathContains(glob, file string) bool {
	if !strings.Contains(glob, "*") {
		return false
	}
	ok, err := path.Match(glob, file)
	return err == nil && ok
}

func dirSet(files []string) map[string]struct{} {
	set := make(map[string]struct{}, len(files))
	for _, f := range files {
		set[path.Dir(f)] = struct{}{}
	}
	return set
}

func dirsIntersect(a, b map[string]struct{}) bool {
	for d := range a {
		if _, ok := b[d]; ok {
			return true
		}
	}
	return false
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for d := range a {
		if _, ok := b[d]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func touchesConflictProne(files []string) bool {
	for _, f := range files {
		if _, ok := conflictProneFiles[path.Base(f)]; ok {
			return true
		}
	}
	return false
}

func sharesGuardedParent(a, b []string) bool {
	pa, pb := guardedParents(a), guardedParents(b)
	for p := range pa {
		if _, ok := pb[p]; ok {
			return true
		}
	}
	return false
}

func guardedParents(files []string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, f := range files {
		for _, seg := range strings.Split(path.Dir(f), "/") {
			if _, ok := sharedParentNames[seg]; ok {
				set[seg] = struct{}{}
			}
		}
	}
	return set
}

func sharesMonorepoPackage(a, b []string) bool {
	pa, pb := monorepoPackages(a), monorepoPackages(b)
	for p := range pa {
		if _, ok := pb[p]; ok {
			return true
		}
	}
	return false
}

func monorepoPackages(files []string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, f := range files {
		segs := strings.Split(f, "/")
		for i := 0; i < len(segs)-1; i++ {
			for _, prefix := range monorepoPrefixes {
				if segs[i] == prefix {
					set[segs[i]+"/"+segs[i+1]] = struct{}{}
				}
			}
		}
	}
	return set
}

// DefaultParallelism computes the adaptive wave-parallelism target:
// min(5, max(2, round(2 + lightRatio*3))), where lightRatio is the
// fraction of items with complexity trivial|simple. When within 3
// tickets of milestone capacity, callers should clamp the result to 2.
func DefaultParallelism(complexities []types.Complexity) int {
	if len(complexities) == 0 {
		return 2
	}
	light := 0
	for _, c := range complexities {
		if c == types.ComplexityTrivial || c == types.ComplexitySimple {
			light++
		}
	}
	lightRatio := float64(light) / float64(len(complexities))
	n := int(2 + lightRatio*3 + 0.5)
	if n < 2 {
		n = 2
	}
	if n > 5 {
		n = 5
	}
	return n
}
