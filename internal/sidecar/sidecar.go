// Package sidecar implements the file-backed JSON/NDJSON state that lives
// alongside the relational tables: run-state, learnings, qa-stats,
// sectors, dedup-memory, file-cooldown, and the metrics stream. Every
// write goes through a temp-file-then-rename, the same pattern used for
// session artifacts elsewhere in this codebase, so a crash mid-write
// never corrupts the previous good state. Each named file is guarded by
// its own mutex rather than one global lock, so unrelated sidecar files
// can be read/written concurrently.
package sidecar

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/kilnforge/engine/internal/enginerr"
)

// Store is the root handle for a repo's .state/ directory.
type Store struct {
	dir   string
	locks map[string]*sync.Mutex
	mu    sync.Mutex // guards locks map itself
}

// New returns a sidecar Store rooted at <repo>/.state.
func New(stateDir string) *Store {
	return &Store{
		dir:   stateDir,
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *Store) lockFor(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[name]
	if !ok {
		m = &sync.Mutex{}
		s.locks[name] = m
	}
	return m
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// ReadJSON loads name into v. If the file does not exist, v is left
// untouched and no error is returned — callers should zero-initialize v
// first. If the file exists but fails to parse, ErrCorruptSidecar is
// returned wrapping the parse error; callers should treat this as an
// empty default and let the next write repair the file.
func (s *Store) ReadJSON(name string, v any) error {
	mu := s.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "read sidecar %s", name)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(enginerr.ErrCorruptSidecar, "%s: %v", name, err)
	}
	return nil
}

// WriteJSON atomically replaces name's contents with v, via a temp file
// in the same directory followed by rename.
func (s *Store) WriteJSON(name string, v any) error {
	mu := s.lockFor(name)
	mu.Lock()
	defer mu.Unlock()
	return s.atomicWrite(name, v)
}

func (s *Store) atomicWrite(name string, v any) (err error) {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return errors.Wrap(err, "create state dir")
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal sidecar")
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-"+name+"-")
	if err != nil {
		return errors.Wrap(err, "create temp sidecar file")
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "write temp sidecar file")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "sync temp sidecar file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp sidecar file")
	}
	if err := os.Rename(tmpPath, s.path(name)); err != nil {
		return errors.Wrap(err, "rename sidecar file")
	}
	success = true
	return nil
}

// AppendNDJSON appends one JSON-encoded line to name, creating it if
// necessary. Used for metrics.ndjson, which is an append-only stream
// rather than a replace-semantics document.
func (s *Store) AppendNDJSON(name string, v any) (err error) {
	mu := s.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return errors.Wrap(err, "create state dir")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal ndjson line")
	}
	f, err := os.OpenFile(s.path(name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return errors.Wrap(err, "open ndjson file")
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	_, err = f.Write(append(data, '\n'))
	return err
}

// Dir returns the root .state directory.
func (s *Store) Dir() string { return s.dir }

// Remove deletes a sidecar file if it exists. Used for one-shot files
// like the operator nudge, which a cycle consumes at most once.
func (s *Store) Remove(name string) error {
	mu := s.lockFor(name)
	mu.Lock()
	defer mu.Unlock()
	if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove sidecar %s", name)
	}
	return nil
}
