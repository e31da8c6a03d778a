// Package store is the typed persistent repository for projects,
// tickets, runs, and run steps: transactional CRUD over SQLite via sqlx,
// with schema managed by golang-migrate.
package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-migrate/migrate/v4"
	sqlite3migrate "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/kilnforge/engine/internal/types"
)

// validate is shared across every Store method that accepts
// caller-constructed input (tickets straight from a scout proposal,
// proposals staged from an agent response) so a malformed record fails
// fast with a field-level message instead of surfacing as a SQLite
// constraint error or, worse, silently persisting.
var validate = validator.New()

// Store is the typed repository handle.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// applies any pending migrations.
func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite database")
	}
	if err := migrateUp(db.DB, path); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply migrations")
	}
	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB, path string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	dbDriver, err := sqlite3migrate.WithInstance(db, &sqlite3migrate.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, path, dbDriver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// CreateProject inserts a new project, generating its id if unset.
func (s *Store) CreateProject(p *types.Project) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := s.db.NamedExec(
		`INSERT INTO projects (id, name, root_path, created_at) VALUES (:id, :name, :root_path, :created_at)`,
		p)
	return errors.Wrap(err, "create project")
}

// GetProject fetches a project by id.
func (s *Store) GetProject(id string) (*types.Project, error) {
	var p types.Project
	if err := s.db.Get(&p, `SELECT id, name, root_path, created_at FROM projects WHERE id = ?`, id); err != nil {
		return nil, errors.Wrap(err, "get project")
	}
	return &p, nil
}

// GetProjectByRootPath fetches the project registered for a repo root,
// if any. Returns sql.ErrNoRows (wrapped) when no project has been
// initialized for that path yet, so callers can distinguish "not
// initialized" from a real lookup failure.
func (s *Store) GetProjectByRootPath(rootPath string) (*types.Project, error) {
	var p types.Project
	if err := s.db.Get(&p, `SELECT id, name, root_path, created_at FROM projects WHERE root_path = ?`, rootPath); err != nil {
		return nil, errors.Wrap(err, "get project by root path")
	}
	return &p, nil
}

type ticketRow struct {
	ID           string    `db:"id"`
	ProjectID    string    `db:"project_id"`
	Title        string    `db:"title"`
	Description  string    `db:"description"`
	Category     string    `db:"category"`
	Status       string    `db:"status"`
	AllowedPaths string    `db:"allowed_paths"`
	ForbidPaths  string    `db:"forbidden_paths"`
	VerifyCmds   string    `db:"verification_commands"`
	Metadata     string    `db:"metadata"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func toRow(t *types.Ticket) (ticketRow, error) {
	allowed, err := json.Marshal(t.AllowedPaths)
	if err != nil {
		return ticketRow{}, err
	}
	forbid, err := json.Marshal(t.ForbidPaths)
	if err != nil {
		return ticketRow{}, err
	}
	verify, err := json.Marshal(t.VerifyCmds)
	if err != nil {
		return ticketRow{}, err
	}
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return ticketRow{}, err
	}
	return ticketRow{
		ID: t.ID, ProjectID: t.ProjectID, Title: t.Title, Description: t.Description,
		Category: string(t.Category), Status: string(t.Status),
		AllowedPaths: string(allowed), ForbidPaths: string(forbid),
		VerifyCmds: string(verify), Metadata: string(meta),
		CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt,
	}, nil
}

func fromRow(r ticketRow) (*types.Ticket, error) {
	t := &types.Ticket{
		ID: r.ID, ProjectID: r.ProjectID, Title: r.Title, Description: r.Description,
		Category: types.TicketCategory(r.Category), Status: types.TicketStatus(r.Status),
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.AllowedPaths), &t.AllowedPaths); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(r.ForbidPaths), &t.ForbidPaths); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(r.VerifyCmds), &t.VerifyCmds); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(r.Metadata), &t.Metadata); err != nil {
		return nil, err
	}
	return t, nil
}

// CreateTicket inserts a new ticket, generating its id and timestamps if
// unset.
func (s *Store) CreateTicket(t *types.Ticket) error {
	if err := validate.Struct(t); err != nil {
		return errors.Wrap(err, "validate ticket")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = types.TicketReady
	}
	row, err := toRow(t)
	if err != nil {
		return errors.Wrap(err, "marshal ticket")
	}
	_, err = s.db.NamedExec(`INSERT INTO tickets
		(id, project_id, title, description, category, status, allowed_paths, forbidden_paths, verification_commands, metadata, created_at, updated_at)
		VALUES (:id, :project_id, :title, :description, :category, :status, :allowed_paths, :forbidden_paths, :verification_commands, :metadata, :created_at, :updated_at)`,
		row)
	return errors.Wrap(err, "create ticket")
}

// GetTicket fetches a ticket by id.
func (s *Store) GetTicket(id string) (*types.Ticket, error) {
	var row ticketRow
	if err := s.db.Get(&row, `SELECT * FROM tickets WHERE id = ?`, id); err != nil {
		return nil, errors.Wrap(err, "get ticket")
	}
	return fromRow(row)
}

// UpdateTicketStatus transitions a ticket's status.
func (s *Store) UpdateTicketStatus(id string, status types.TicketStatus) error {
	res, err := s.db.Exec(`UPDATE tickets SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now(), id)
	if err != nil {
		return errors.Wrap(err, "update ticket status")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errors.Wrap(sql.ErrNoRows, "update ticket status: no such ticket")
	}
	return nil
}

// ListReadyTickets returns tickets in the ready state for a project,
// oldest first.
func (s *Store) ListReadyTickets(projectID string) ([]types.Ticket, error) {
	var rows []ticketRow
	if err := s.db.Select(&rows, `SELECT * FROM tickets WHERE project_id = ? AND status = ? ORDER BY created_at ASC`,
		projectID, types.TicketReady); err != nil {
		return nil, errors.Wrap(err, "list ready tickets")
	}
	out := make([]types.Ticket, 0, len(rows))
	for _, r := range rows {
		t, err := fromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, nil
}

// ListTickets returns every ticket for a project regardless of status,
// oldest first — the `export` verb's data source.
func (s *Store) ListTickets(projectID string) ([]types.Ticket, error) {
	var rows []ticketRow
	if err := s.db.Select(&rows, `SELECT * FROM tickets WHERE project_id = ? ORDER BY created_at ASC`, projectID); err != nil {
		return nil, errors.Wrap(err, "list tickets")
	}
	out := make([]types.Ticket, 0, len(rows))
	for _, r := range rows {
		t, err := fromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, nil
}

// ListTicketTitles returns the titles of tickets in ready or in_progress
// state, used for duplicate-proposal detection.
func (s *Store) ListTicketTitles(projectID string) ([]string, error) {
	var titles []string
	err := s.db.Select(&titles,
		`SELECT title FROM tickets WHERE project_id = ? AND status IN (?, ?)`,
		projectID, types.TicketReady, types.TicketInProgress)
	return titles, errors.Wrap(err, "list ticket titles")
}

type runRow struct {
	ID        string         `db:"id"`
	ProjectID string         `db:"project_id"`
	Type      string         `db:"type"`
	TicketID  *string        `db:"ticket_id"`
	Status    string         `db:"status"`
	Branch    string         `db:"branch"`
	PRURL     string         `db:"pr_url"`
	Metadata  string         `db:"metadata"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

// CreateRun inserts a new run. If the ticket already has a running run,
// the unique partial index rejects the insert and this returns a
// wrapped sql error — enforcing "at most one active run per ticket".
func (s *Store) CreateRun(r *types.Run) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now()
	r.CreatedAt, r.UpdatedAt = now, now
	if r.Status == "" {
		r.Status = types.RunRunning
	}
	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return errors.Wrap(err, "marshal run metadata")
	}
	row := runRow{
		ID: r.ID, ProjectID: r.ProjectID, Type: string(r.Type), TicketID: r.TicketID,
		Status: string(r.Status), Branch: r.Branch, PRURL: r.PRURL, Metadata: string(meta),
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
	_, err = s.db.NamedExec(`INSERT INTO runs
		(id, project_id, type, ticket_id, status, branch, pr_url, metadata, created_at, updated_at)
		VALUES (:id, :project_id, :type, :ticket_id, :status, :branch, :pr_url, :metadata, :created_at, :updated_at)`,
		row)
	return errors.Wrap(err, "create run")
}

// UpdateRunStatus transitions a run's terminal status.
func (s *Store) UpdateRunStatus(id string, status types.RunStatus, branch, prURL string) error {
	_, err := s.db.Exec(`UPDATE runs SET status = ?, branch = ?, pr_url = ?, updated_at = ? WHERE id = ?`,
		status, branch, prURL, time.Now(), id)
	return errors.Wrap(err, "update run status")
}

// AddRunStep appends an ordered step to a run.
func (s *Store) AddRunStep(step *types.RunStep) error {
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	_, err := s.db.NamedExec(`INSERT INTO run_steps
		(id, run_id, ordinal, name, kind, status, duration_ns, error)
		VALUES (:id, :run_id, :ordinal, :name, :kind, :status, :duration_ns, :error)`, step)
	return errors.Wrap(err, "add run step")
}

// ListRunSteps returns the ordered steps of a run.
func (s *Store) ListRunSteps(runID string) ([]types.RunStep, error) {
	var steps []types.RunStep
	err := s.db.Select(&steps, `SELECT id, run_id, ordinal, name, kind, status, duration_ns, error
		FROM run_steps WHERE run_id = ? ORDER BY ordinal ASC`, runID)
	return steps, errors.Wrap(err, "list run steps")
}

// HasActiveRun reports whether a ticket currently has a running run.
func (s *Store) HasActiveRun(ticketID string) (bool, error) {
	var n int
	err := s.db.Get(&n, `SELECT COUNT(*) FROM runs WHERE ticket_id = ? AND status = ?`, ticketID, types.RunRunning)
	if err != nil {
		return false, errors.Wrap(err, "check active run")
	}
	return n > 0, nil
}

