package artifact

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteJSONIsReadableAndAtomic(t *testing.T) {
	repo := t.TempDir()
	type payload struct {
		File      string `json:"file"`
		Violation string `json:"violation"`
	}
	if err := WriteJSON(repo, "run-1-violations.json", []payload{{File: "config/database.json", Violation: "in_forbidden"}}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(Dir(repo), "run-1-violations.json"))
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	var got []payload
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 1 || got[0].File != "config/database.json" {
		t.Errorf("got = %+v", got)
	}

	entries, err := os.ReadDir(Dir(repo))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".json" {
			t.Errorf("leftover temp file in artifacts dir: %s", e.Name())
		}
	}
}
