// Package artifact writes per-run documents into .state/artifacts/:
// scope-violation reports today, execution logs and diffs as the engine
// grows. It mirrors the sidecar package's temp-file-then-rename atomic
// write, but for a directory of many per-run files keyed by run id
// rather than one named singleton document per concern.
package artifact

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Dir returns the artifacts directory for a repo root.
func Dir(repoRoot string) string {
	return filepath.Join(repoRoot, ".state", "artifacts")
}

// WriteJSON atomically writes v as indented JSON to
// <repoRoot>/.state/artifacts/name.
func WriteJSON(repoRoot, name string, v any) (err error) {
	dir := Dir(repoRoot)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrap(err, "create artifacts dir")
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal artifact")
	}

	tmp, err := os.CreateTemp(dir, ".tmp-artifact-")
	if err != nil {
		return errors.Wrap(err, "create temp artifact file")
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
		return errors.Wrap(err, "write temp artifact file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp artifact file")
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		return errors.Wrap(err, "rename artifact file")
	}
	success = true
	return nil
}
