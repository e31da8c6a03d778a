package formula

import (
	"testing"

	"github.com/kilnforge/engine/internal/types"
)

func TestLookupKnownAndUnknown(t *testing.T) {
	if got := Lookup("docs-audit"); got.Name != "docs-audit" {
		t.Errorf("Lookup(docs-audit) = %+v", got)
	}
	if got := Lookup("nonexistent"); got.Name != Default.Name {
		t.Errorf("Lookup(nonexistent) = %+v, want Default", got)
	}
}

func TestAllowsDefaultFormulaAllowsEverything(t *testing.T) {
	if !Allows(Default, types.CategorySecurity, false) {
		t.Error("Default formula should allow any category")
	}
}

func TestAllowsRestrictedFormula(t *testing.T) {
	if !Allows(DocsAudit, types.CategoryDocs, false) {
		t.Error("DocsAudit should allow docs")
	}
	if Allows(DocsAudit, types.CategoryFix, false) {
		t.Error("DocsAudit should reject fix")
	}
}

func TestAllowsBaselineFailingForcesFixThrough(t *testing.T) {
	if !Allows(DocsAudit, types.CategoryFix, true) {
		t.Error("a failing baseline should force fix through regardless of formula restriction")
	}
}

func TestAllowsBlockCategories(t *testing.T) {
	f := Formula{BlockCategories: []types.TicketCategory{types.CategoryPerf}}
	if Allows(f, types.CategoryPerf, false) {
		t.Error("expected perf to be blocked")
	}
	if !Allows(f, types.CategoryFix, false) {
		t.Error("expected fix to be unaffected by an unrelated block list")
	}
}
