// Package formula defines named scouting presets: a scope hint, an
// allowed/blocked category set, a model tag, and a prompt hint, selected
// per cycle and tracked for effectiveness by meta-learning.
package formula

import "github.com/kilnforge/engine/internal/types"

// Formula is one named preset.
type Formula struct {
	Name            string
	AllowCategories []types.TicketCategory
	BlockCategories []types.TicketCategory
	ModelTag        string
	PromptHint      string
	RequiresDeep    bool
}

// Default is the baseline formula: no category restriction, no model
// override, scouts whatever the sector router selects.
var Default = Formula{Name: "default"}

// Deep pairs with the deep phase, in which the cycle engine's
// pre-maintenance lowers the confidence floor by 10 (to no less than
// 10), and asks the scout for a broader,
// slower pass; it requires a sector with enough production files
// (sector.DeepFormulaMinProductionFiles) or it silently falls back.
var Deep = Formula{
	Name:         "deep",
	PromptHint:   "Take a broader, more thorough pass over this sector than usual.",
	RequiresDeep: true,
}

// DocsAudit restricts scouting to documentation tickets.
var DocsAudit = Formula{
	Name:            "docs-audit",
	AllowCategories: []types.TicketCategory{types.CategoryDocs},
	PromptHint:      "Focus exclusively on documentation accuracy and completeness.",
}

// SecurityPass restricts scouting to security and fix tickets.
var SecurityPass = Formula{
	Name:            "security-pass",
	AllowCategories: []types.TicketCategory{types.CategorySecurity, types.CategoryFix},
	PromptHint:      "Focus exclusively on security-relevant code paths.",
}

// Registry is the set of known formulas by name.
var Registry = map[string]Formula{
	Default.Name:      Default,
	Deep.Name:         Deep,
	DocsAudit.Name:    DocsAudit,
	SecurityPass.Name: SecurityPass,
}

// Lookup returns the named formula, or Default if unknown.
func Lookup(name string) Formula {
	if f, ok := Registry[name]; ok {
		return f
	}
	return Default
}

// Allows reports whether a formula permits scouting the given category.
// When QA baselines are failing, `fix` is always allowed regardless of
// the formula's category set.
func Allows(f Formula, category types.TicketCategory, baselineFailing bool) bool {
	if baselineFailing && category == types.CategoryFix {
		return true
	}
	for _, c := range f.BlockCategories {
		if c == category {
			return false
		}
	}
	if len(f.AllowCategories) == 0 {
		return true
	}
	for _, c := range f.AllowCategories {
		if c == category {
			return true
		}
	}
	return false
}
