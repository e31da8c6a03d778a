// Package scope derives and enforces per-ticket path/size constraints:
// allowed/denied paths, max files, max lines, and whether a plan is
// required, from the ticket's category, applicable learnings, and
// adaptive risk.
package scope

import (
	"path"
	"strings"

	"github.com/kilnforge/engine/internal/types"
)

// Policy is the derived constraint set for one ticket.
type Policy struct {
	AllowedPaths  []string
	DeniedPaths   []string
	MaxFiles      int
	MaxLines      int
	PlanRequired  bool
}

// defaultMaxFiles and defaultMaxLines are the baseline ceilings before
// any risk adjustment.
const (
	defaultMaxFiles = 10
	defaultMaxLines = 400
)

// planExemptCategories never require a plan phase (low-risk, mechanical
// categories).
var planExemptCategories = map[types.TicketCategory]bool{
	types.CategoryDocs:    true,
	types.CategoryCleanup: true,
}

// riskMultiplier scales max files/lines down for higher-risk categories.
var riskMultiplier = map[types.TicketCategory]float64{
	types.CategorySecurity: 0.5,
	types.CategoryRefactor: 0.75,
	types.CategoryFix:      1.0,
	types.CategoryPerf:     0.75,
	types.CategoryTest:     1.25,
	types.CategoryDocs:     1.5,
	types.CategoryCleanup:  1.25,
	types.CategoryTypes:    1.0,
}

// Derive builds the Policy for a ticket, given the project-wide allowed
// root globs, denied globs (always enforced, e.g. secrets/vendored
// paths), and a learnings-informed risk adjustment already folded into
// riskAdjust (negative tightens, positive loosens, in [-1, 1]).
func Derive(t *types.Ticket, projectAllowed, alwaysDenied []string, riskAdjust float64) Policy {
	mult := riskMultiplier[t.Category]
	if mult == 0 {
		mult = 1.0
	}
	mult += riskAdjust * 0.25
	if mult < 0.25 {
		mult = 0.25
	}

	allowed := t.AllowedPaths
	if len(allowed) == 0 {
		allowed = projectAllowed
	}
	denied := append(append([]string{}, alwaysDenied...), t.ForbidPaths...)

	return Policy{
		AllowedPaths: allowed,
		DeniedPaths:  denied,
		MaxFiles:     clampInt(int(float64(defaultMaxFiles) * mult)),
		MaxLines:     clampInt(int(float64(defaultMaxLines) * mult)),
		PlanRequired: !planExemptCategories[t.Category],
	}
}

func clampInt(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// Check evaluates every changed file against the policy, returning one
// Violation per offending file. A file violates if it matches a denied
// glob (InForbidden), or if AllowedPaths is non-empty and the file
// matches none of them (OutOfAllowed).
func Check(p Policy, changedFiles []string) []types.Violation {
	var violations []types.Violation
	for _, f := range changedFiles {
		if matchesAny(p.DeniedPaths, f) {
			violations = append(violations, types.Violation{File: f, Violation: types.InForbidden})
			continue
		}
		if len(p.AllowedPaths) > 0 && !matchesAny(p.AllowedPaths, f) {
			violations = append(violations, types.Violation{File: f, Violation: types.OutOfAllowed})
		}
	}
	return violations
}

func matchesAny(globs []string, file string) bool {
	for _, g := range globs {
		if matchGlob(g, file) {
			return true
		}
	}
	return false
}

// matchGlob supports the `dir/**` recursive-prefix convention used
// throughout this engine in addition to plain path.Match globs.
func matchGlob(glob, file string) bool {
	if strings.HasSuffix(glob, "/**") {
		prefix := strings.TrimSuffix(glob, "/**")
		return file == prefix || strings.HasPrefix(file, prefix+"/")
	}
	ok, err := path.Match(glob, file)
	return err == nil && ok
}
