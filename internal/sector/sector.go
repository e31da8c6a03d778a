// Package sector maintains the classified partition of the repository
// used as the scouting rotation unit: classification, selection with its
// eight ordered tie-breakers, and scan-yield recording.
package sector

import (
	"sort"
	"time"

	"github.com/kilnforge/engine/internal/sidecar"
	"github.com/kilnforge/engine/internal/types"
)

const fileName = "sectors.json"

// currentVersion is the sectors.json schema version written by this
// package.
const currentVersion = 2

// YieldEMAFactor blends newly-observed yield into the running EMA.
const YieldEMAFactor = 0.3

// Store manages sectors.json.
type Store struct{ sc *sidecar.Store }

// New returns a sector Store backed by sc.
func New(sc *sidecar.Store) *Store { return &Store{sc: sc} }

func (s *Store) load() (types.SectorState, error) {
	st := types.SectorState{Version: currentVersion}
	if err := s.sc.ReadJSON(fileName, &st); err != nil {
		return types.SectorState{}, err
	}
	if st.Version == 0 {
		st.Version = currentVersion
	}
	return st, nil
}

func (s *Store) save(st types.SectorState) error {
	return s.sc.WriteJSON(fileName, st)
}

// Replace overwrites the full sector list, as done once at session start
// after scanning the repository.
func (s *Store) Replace(sectors []types.Sector) error {
	st, err := s.load()
	if err != nil {
		return err
	}
	st.Sectors = sectors
	return s.save(st)
}

// All returns the current sector list.
func (s *Store) All() ([]types.Sector, error) {
	st, err := s.load()
	if err != nil {
		return nil, err
	}
	return st.Sectors, nil
}

// ChangeChecker reports whether path has had commits since t. Adapted at
// the call site by a git log wrapper.
type ChangeChecker func(path string, since time.Time) (bool, error)

// PickNextSector selects the next sector to scout: among sectors with
// FileCount > 0 and ProductionFileCount > 0 that are either unscanned or
// have changed since their last scan, it picks the best by eight
// tie-breakers in order: fewest scans, oldest last-scanned cycle, most
// production files, highest yield, highest classification confidence,
// production before non-production, shallowest path, then path name.
// Returns nil if no sector qualifies.
func PickNextSector(sectors []types.Sector, changed ChangeChecker, cycle int) (*types.Sector, error) {
	var candidates []types.Sector
	for _, sec := range sectors {
		if sec.FileCount <= 0 || sec.ProductionFileCount <= 0 {
			continue
		}
		if sec.ScanCount == 0 {
			candidates = append(candidates, sec)
			continue
		}
		ok, err := changed(sec.Path, sec.LastScannedAt)
		if err != nil {
			return nil, err
		}
		if ok {
			candidates = append(candidates, sec)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.ScanCount != b.ScanCount {
			return a.ScanCount < b.ScanCount
		}
		if a.LastScannedCycle != b.LastScannedCycle {
			return a.LastScannedCycle < b.LastScannedCycle
		}
		if a.ProductionFileCount != b.ProductionFileCount {
			return a.ProductionFileCount > b.ProductionFileCount
		}
		if a.ProposalYield != b.ProposalYield {
			return a.ProposalYield > b.ProposalYield
		}
		if ac, bc := confidenceRank(a.Confidence), confidenceRank(b.Confidence); ac != bc {
			return ac > bc
		}
		if a.Production != b.Production {
			return a.Production
		}
		if da, db := depth(a.Path), depth(b.Path); da != db {
			return da < db
		}
		return a.Path < b.Path
	})

	best := candidates[0]
	return &best, nil
}

func confidenceRank(c types.ClassificationConfidence) int {
	switch c {
	case types.ConfidenceHigh:
		return 2
	case types.ConfidenceMedium:
		return 1
	default:
		return 0
	}
}

func depth(p string) int {
	n := 0
	for _, r := range p {
		if r == '/' {
			n++
		}
	}
	return n
}

// Scope returns the scout scope string for a sector.
func Scope(sec types.Sector) string { return sec.Path + "/**" }

// RecordScan updates a sector after a scout pass: increments ScanCount,
// refreshes LastScannedAt/LastScannedCycle, blends yield into the EMA,
// and zeroes file counts if nothing was scanned (so it is never
// reselected).
func (s *Store) RecordScan(path string, cycle int, scannedFiles, approvedProposals int) error {
	st, err := s.load()
	if err != nil {
		return err
	}
	for i := range st.Sectors {
		if st.Sectors[i].Path != path {
			continue
		}
		sec := &st.Sectors[i]
		sec.ScanCount++
		sec.LastScannedAt = time.Now()
		sec.LastScannedCycle = cycle
		if scannedFiles == 0 {
			sec.FileCount = 0
			sec.ProductionFileCount = 0
			break
		}
		yield := float64(approvedProposals) / float64(scannedFiles)
		sec.ProposalYield = sec.ProposalYield*(1-YieldEMAFactor) + yield*YieldEMAFactor
		break
	}
	if idx := indexOf(st.SessionScannedSectors, path); idx == -1 {
		st.SessionScannedSectors = append(st.SessionScannedSectors, path)
	}
	return s.save(st)
}

func indexOf(ss []string, v string) int {
	for i, s := range ss {
		if s == v {
			return i
		}
	}
	return -1
}

// Reclassify applies scout feedback about a sector's production status
// and purpose.
func (s *Store) Reclassify(path string, production bool, purpose string, confidence types.ClassificationConfidence) error {
	st, err := s.load()
	if err != nil {
		return err
	}
	for i := range st.Sectors {
		if st.Sectors[i].Path == path {
			st.Sectors[i].Production = production
			st.Sectors[i].Purpose = purpose
			st.Sectors[i].Confidence = confidence
			break
		}
	}
	return s.save(st)
}

// DeepFormulaMinProductionFiles is the gate for allowing the "deep"
// formula on a sector.
const DeepFormulaMinProductionFiles = 25

// AllowsDeepFormula reports whether a sector is large enough to justify
// the deep formula; an undefined (zero-value, never-classified) count is
// treated as infinite and allows deep.
func AllowsDeepFormula(sec types.Sector, known bool) bool {
	if !known {
		return true
	}
	return sec.ProductionFileCount >= DeepFormulaMinProductionFiles
}
