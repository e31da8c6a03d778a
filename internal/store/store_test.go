package store

import (
	"path/filepath"
	"testing"

	"github.com/kilnforge/engine/internal/types"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "engine.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedProject(t *testing.T, s *Store) types.Project {
	t.Helper()
	p := types.Project{Name: "demo", RootPath: "/repo"}
	if err := s.CreateProject(&p); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	return p
}

func TestCreateAndGetProject(t *testing.T) {
	s := newStore(t)
	p := seedProject(t, s)
	if p.ID == "" {
		t.Fatal("expected CreateProject to assign an id")
	}
	got, err := s.GetProject(p.ID)
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if got.Name != "demo" {
		t.Errorf("Name = %q, want demo", got.Name)
	}
}

func TestCreateTicketDefaultsAndRoundTrip(t *testing.T) {
	s := newStore(t)
	p := seedProject(t, s)
	tkt := types.Ticket{
		ProjectID: p.ID, Title: "Fix the bug", Category: types.CategoryFix,
		AllowedPaths: []string{"pkg/**"}, VerifyCmds: []string{"go test ./..."},
		Metadata: types.TicketMeta{ScoutConfidence: 70, EstimatedComplexity: types.ComplexitySimple},
	}
	if err := s.CreateTicket(&tkt); err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}
	if tkt.ID == "" {
		t.Fatal("expected CreateTicket to assign an id")
	}
	if tkt.Status != types.TicketReady {
		t.Errorf("Status = %q, want ready default", tkt.Status)
	}

	got, err := s.GetTicket(tkt.ID)
	if err != nil {
		t.Fatalf("GetTicket: %v", err)
	}
	if got.Title != "Fix the bug" || len(got.AllowedPaths) != 1 || got.AllowedPaths[0] != "pkg/**" {
		t.Errorf("GetTicket round-trip mismatch: %+v", got)
	}
	if got.Metadata.ScoutConfidence != 70 {
		t.Errorf("Metadata.ScoutConfidence = %d, want 70", got.Metadata.ScoutConfidence)
	}
}

func TestUpdateTicketStatus(t *testing.T) {
	s := newStore(t)
	p := seedProject(t, s)
	tkt := types.Ticket{ProjectID: p.ID, Title: "t", Category: types.CategoryFix}
	if err := s.CreateTicket(&tkt); err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}
	if err := s.UpdateTicketStatus(tkt.ID, types.TicketBlocked); err != nil {
		t.Fatalf("UpdateTicketStatus: %v", err)
	}
	got, _ := s.GetTicket(tkt.ID)
	if got.Status != types.TicketBlocked {
		t.Errorf("Status = %q, want blocked", got.Status)
	}

	if err := s.UpdateTicketStatus("nonexistent", types.TicketDone); err == nil {
		t.Fatal("expected an error updating a nonexistent ticket")
	}
}

func TestListReadyTicketsAndTitles(t *testing.T) {
	s := newStore(t)
	p := seedProject(t, s)
	for _, title := range []string{"first", "second"} {
		tkt := types.Ticket{ProjectID: p.ID, Title: title, Category: types.CategoryFix}
		if err := s.CreateTicket(&tkt); err != nil {
			t.Fatalf("CreateTicket: %v", err)
		}
	}
	ready, err := s.ListReadyTickets(p.ID)
	if err != nil {
		t.Fatalf("ListReadyTickets: %v", err)
	}
	if len(ready) != 2 {
		t.Fatalf("len(ready) = %d, want 2", len(ready))
	}
	if ready[0].Title != "first" {
		t.Errorf("expected oldest-first ordering, got %q first", ready[0].Title)
	}

	titles, err := s.ListTicketTitles(p.ID)
	if err != nil {
		t.Fatalf("ListTicketTitles: %v", err)
	}
	if len(titles) != 2 {
		t.Fatalf("len(titles) = %d, want 2", len(titles))
	}
}

func TestCreateRunEnforcesOneActiveRunPerTicket(t *testing.T) {
	s := newStore(t)
	p := seedProject(t, s)
	tkt := types.Ticket{ProjectID: p.ID, Title: "t", Category: types.CategoryFix}
	if err := s.CreateTicket(&tkt); err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}

	run1 := types.Run{ProjectID: p.ID, Type: types.RunWorker, TicketID: &tkt.ID}
	if err := s.CreateRun(&run1); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	active, err := s.HasActiveRun(tkt.ID)
	if err != nil {
		t.Fatalf("HasActiveRun: %v", err)
	}
	if !active {
		t.Fatal("expected an active run after CreateRun")
	}

	run2 := types.Run{ProjectID: p.ID, Type: types.RunWorker, TicketID: &tkt.ID}
	if err := s.CreateRun(&run2); err == nil {
		t.Fatal("expected the unique partial index to reject a second concurrent run for the same ticket")
	}

	if err := s.UpdateRunStatus(run1.ID, types.RunSuccess, "engine/tkt_1/t", ""); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}
	active, _ = s.HasActiveRun(tkt.ID)
	if active {
		t.Fatal("expected no active run once the run completes")
	}

	run3 := types.Run{ProjectID: p.ID, Type: types.RunWorker, TicketID: &tkt.ID}
	if err := s.CreateRun(&run3); err != nil {
		t.Fatalf("CreateRun after prior run completed: %v", err)
	}
}

func TestAddAndListRunSteps(t *testing.T) {
	s := newStore(t)
	p := seedProject(t, s)
	run := types.Run{ProjectID: p.ID, Type: types.RunSession}
	if err := s.CreateRun(&run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	steps := []types.RunStep{
		{RunID: run.ID, Ordinal: 0, Name: "scout", Kind: types.StepKindInternal, Status: types.StepSuccess},
		{RunID: run.ID, Ordinal: 1, Name: "git add", Kind: types.StepKindGit, Status: types.StepSuccess},
	}
	for i := range steps {
		if err := s.AddRunStep(&steps[i]); err != nil {
			t.Fatalf("AddRunStep: %v", err)
		}
	}

	got, err := s.ListRunSteps(run.ID)
	if err != nil {
		t.Fatalf("ListRunSteps: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[0].Name != "scout" || got[1].Name != "git add" {
		t.Errorf("expected ordinal ordering, got %+v", got)
	}
}
