package sector

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

func alwaysChanged(path string, since time.Time) (bool, error) { return true, nil }
func neverChanged(path string, since time.Time) (bool, error)  { return false, nil }

func TestPickNextSectorPrefersUnscanned(t *testing.T) {
	sectors := []types.Sector{
		{Path: "a", FileCount: 5, ProductionFileCount: 5, ScanCount: 3},
		{Path: "b", FileCount: 5, ProductionFileCount: 5, ScanCount: 0},
	}
	got, err := PickNextSector(sectors, neverChanged, 1)
	if err != nil {
		t.Fatalf("PickNextSector: %v", err)
	}
	if got == nil || got.Path != "b" {
		t.Fatalf("got %+v, want sector b (never scanned)", got)
	}
}

func TestPickNextSectorSkipsEmptySectors(t *testing.T) {
	sectors := []types.Sector{
		{Path: "empty", FileCount: 0, ProductionFileCount: 0},
	}
	got, err := PickNextSector(sectors, alwaysChanged, 1)
	if err != nil {
		t.Fatalf("PickNextSector: %v", err)
	}
	if got != nil {
		t.Fatalf("got %+v, want nil for an empty sector", got)
	}
}

func TestPickNextSectorSkipsUnchanged(t *testing.T) {
	sectors := []types.Sector{
		{Path: "a", FileCount: 5, ProductionFileCount: 5, ScanCount: 1, LastScannedAt: time.Now()},
	}
	got, err := PickNextSector(sectors, neverChanged, 2)
	if err != nil {
		t.Fatalf("PickNextSector: %v", err)
	}
	if got != nil {
		t.Fatalf("got %+v, want nil for an unchanged already-scanned sector", got)
	}
}

func TestPickNextSectorTieBreakProductionFileCount(t *testing.T) {
	sectors := []types.Sector{
		{Path: "small", FileCount: 5, ProductionFileCount: 5, ScanCount: 0},
		{Path: "big", FileCount: 5, ProductionFileCount: 50, ScanCount: 0},
	}
	got, err := PickNextSector(sectors, neverChanged, 1)
	if err != nil {
		t.Fatalf("PickNextSector: %v", err)
	}
	if got == nil || got.Path != "big" {
		t.Fatalf("got %+v, want sector big (larger production file count wins tie)", got)
	}
}

func TestRecordScanBlendsYieldAndZeroesEmptyScans(t *testing.T) {
	s := newStore(t)
	if err := s.Replace([]types.Sector{{Path: "a", FileCount: 10, ProductionFileCount: 10}}); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	if err := s.RecordScan("a", 1, 10, 2); err != nil {
		t.Fatalf("RecordScan: %v", err)
	}
	sectors, err := s.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if sectors[0].ScanCount != 1 {
		t.Errorf("ScanCount = %d, want 1", sectors[0].ScanCount)
	}
	wantYield := 0.2 * YieldEMAFactor
	if diff := sectors[0].ProposalYield - wantYield; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("ProposalYield = %v, want %v", sectors[0].ProposalYield, wantYield)
	}

	if err := s.RecordScan("a", 2, 0, 0); err != nil {
		t.Fatalf("second RecordScan: %v", err)
	}
	sectors, _ = s.All()
	if sectors[0].FileCount != 0 || sectors[0].ProductionFileCount != 0 {
		t.Errorf("a zero-file scan should zero file counts, got %+v", sectors[0])
	}
}

func TestAllowsDeepFormula(t *testing.T) {
	big := types.Sector{ProductionFileCount: 30}
	small := types.Sector{ProductionFileCount: 10}

	if !AllowsDeepFormula(big, true) {
		t.Error("expected a large sector to allow deep formula")
	}
	if AllowsDeepFormula(small, true) {
		t.Error("expected a small sector to deny deep formula")
	}
	if !AllowsDeepFormula(small, false) {
		t.Error("expected an unclassified sector to default-allow deep formula")
	}
}
