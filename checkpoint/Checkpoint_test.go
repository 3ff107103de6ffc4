package checkpoint

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), "model",
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("could not create manager: %v", err)
	}

	// Deterministic, strictly increasing timestamps
	stamp := time.UnixMilli(1000)
	m.now = func() time.Time {
		stamp = stamp.Add(time.Second)
		return stamp
	}
	return m
}

func TestNewManagerRejectsBadPrefix(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, prefix := range []string{"", "backup", "with_underscore", "a/b"} {
		if _, err := NewManager(t.TempDir(), prefix, logger); err == nil {
			t.Errorf("prefix %q: expected error", prefix)
		}
	}
}

func TestSaveAndLoadLatest(t *testing.T) {
	m := newManager(t)

	if _, err := m.Save(json.RawMessage(`{"v":1}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := m.Save(json.RawMessage(`{"v":2}`)); err != nil {
		t.Fatalf("save: %v", err)
	}

	params, err := m.LoadLatest()
	if err != nil {
		t.Fatalf("loadlatest: %v", err)
	}
	if string(params) != `{"v":2}` {
		t.Errorf("parameters: \n\twant(%v)\n\thave(%v)", `{"v":2}`,
			string(params))
	}
}

func TestLoadLatestEmptyDirectory(t *testing.T) {
	m := newManager(t)

	if _, err := m.LoadLatest(); !errors.Is(err, ErrNoCheckpoint) {
		t.Errorf("error: \n\twant(%v)\n\thave(%v)", ErrNoCheckpoint, err)
	}
}

func TestLoadLatestSkipsCorruptCheckpoint(t *testing.T) {
	m := newManager(t)

	if _, err := m.Save(json.RawMessage(`{"v":1}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	path, err := m.Save(json.RawMessage(`{"v":2}`))
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	// Corrupt the newest checkpoint
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("could not corrupt checkpoint: %v", err)
	}

	params, err := m.LoadLatest()
	if err != nil {
		t.Fatalf("loadlatest: %v", err)
	}
	if string(params) != `{"v":1}` {
		t.Errorf("parameters: \n\twant(%v)\n\thave(%v)", `{"v":1}`,
			string(params))
	}
}

func TestLoadLatestAllCorrupt(t *testing.T) {
	m := newManager(t)

	path, err := m.Save(json.RawMessage(`{"v":1}`))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := os.WriteFile(path, []byte("garbage"), 0o644); err != nil {
		t.Fatalf("could not corrupt checkpoint: %v", err)
	}

	if _, err := m.LoadLatest(); !errors.Is(err, ErrCorruptCheckpoint) {
		t.Errorf("error: \n\twant(%v)\n\thave(%v)", ErrCorruptCheckpoint,
			err)
	}
}

func TestSaveWithBackupCopiesPrevious(t *testing.T) {
	m := newManager(t)

	if _, err := m.SaveWithBackup(json.RawMessage(`{"v":1}`)); err != nil {
		t.Fatalf("savewithbackup: %v", err)
	}
	// No prior checkpoint: no backup yet
	if n := countFiles(t, m.dir, "backup_"); n != 0 {
		t.Errorf("backups after first save: \n\twant(0)\n\thave(%v)", n)
	}

	if _, err := m.SaveWithBackup(json.RawMessage(`{"v":2}`)); err != nil {
		t.Fatalf("savewithbackup: %v", err)
	}
	if n := countFiles(t, m.dir, "backup_"); n != 1 {
		t.Errorf("backups after second save: \n\twant(1)\n\thave(%v)", n)
	}

	params, err := m.LoadLatest()
	if err != nil {
		t.Fatalf("loadlatest: %v", err)
	}
	if string(params) != `{"v":2}` {
		t.Errorf("parameters: \n\twant(%v)\n\thave(%v)", `{"v":2}`,
			string(params))
	}
}

func TestCleanupKeepsNewest(t *testing.T) {
	m := newManager(t)

	var paths []string
	for i := 0; i < 5; i++ {
		path, err := m.Save(json.RawMessage(`{"v":1}`))
		if err != nil {
			t.Fatalf("save: %v", err)
		}
		paths = append(paths, path)
	}

	if err := m.Cleanup(2); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	if n := countFiles(t, m.dir, "model_"); n != 2 {
		t.Errorf("checkpoints after cleanup: \n\twant(2)\n\thave(%v)", n)
	}
	for _, path := range paths[3:] {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("newest checkpoint %v deleted", path)
		}
	}
}

func TestCleanupFewerThanKeep(t *testing.T) {
	m := newManager(t)

	if _, err := m.Save(json.RawMessage(`{"v":1}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := m.Cleanup(10); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n := countFiles(t, m.dir, "model_"); n != 1 {
		t.Errorf("checkpoints after cleanup: \n\twant(1)\n\thave(%v)", n)
	}
}

func TestCleanupRejectsNegativeKeep(t *testing.T) {
	m := newManager(t)
	if err := m.Cleanup(-1); err == nil {
		t.Error("expected error for negative keep")
	}
}

func countFiles(t *testing.T, dir, prefix string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("could not read directory %v: %v", dir, err)
	}

	count := 0
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), prefix) {
			count++
		}
	}
	return count
}

func TestSaveDistinctFilesSameMillisecond(t *testing.T) {
	m := newManager(t)
	fixed := time.UnixMilli(5000)
	m.now = func() time.Time { return fixed }

	first, err := m.Save(json.RawMessage(`{"v":1}`))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	second, err := m.Save(json.RawMessage(`{"v":2}`))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if first == second {
		t.Errorf("same path for two saves: %v", first)
	}
	if filepath.Dir(first) != filepath.Dir(second) {
		t.Errorf("saves in different directories: %v, %v", first, second)
	}
}
