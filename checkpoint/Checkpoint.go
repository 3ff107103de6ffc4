// Package checkpoint persists learner snapshots as timestamped JSON
// files and restores the most recent one.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// backupPrefix names the pre-overwrite copies written by
// SaveWithBackup.
const backupPrefix = "backup"

var (
	// ErrNoCheckpoint is returned by LoadLatest when no checkpoint
	// exists.
	ErrNoCheckpoint = errors.New("no checkpoint found")

	// ErrCorruptCheckpoint is returned by LoadLatest when every
	// candidate checkpoint failed to decode.
	ErrCorruptCheckpoint = errors.New("corrupt checkpoint")
)

// ModelSnapshot is the JSON document stored in a checkpoint file.
type ModelSnapshot struct {
	// ExportedAt is the wall-clock time the snapshot was taken, in
	// milliseconds since the epoch.
	ExportedAt int64 `json:"exportedAt"`

	// Parameters holds the learner's exported parameters.
	Parameters json.RawMessage `json:"parameters"`
}

// Manager saves and restores model snapshots in a single directory.
// Checkpoint files are named <prefix>_<timestamp>.json.
type Manager struct {
	dir    string
	prefix string
	logger *slog.Logger

	now func() time.Time
}

// NewManager creates a checkpoint manager rooted at dir, creating the
// directory if needed. The prefix names this manager's checkpoint
// files and may not be the reserved backup prefix.
func NewManager(dir, prefix string, logger *slog.Logger) (*Manager, error) {
	if prefix == "" || prefix == backupPrefix ||
		strings.ContainsAny(prefix, "_/") {
		return nil, fmt.Errorf("newmanager: invalid checkpoint prefix %q",
			prefix)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("newmanager: could not create checkpoint "+
			"directory: %v", err)
	}

	return &Manager{
		dir:    dir,
		prefix: prefix,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Save writes a snapshot of the given parameters to a new checkpoint
// file and returns its path.
func (m *Manager) Save(parameters json.RawMessage) (string, error) {
	stamp := m.now().UnixMilli()
	snap := ModelSnapshot{
		ExportedAt: stamp,
		Parameters: parameters,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("save: could not encode snapshot: %v", err)
	}

	path := filepath.Join(m.dir,
		fmt.Sprintf("%v_%v.json", m.prefix, stamp))
	for i := 1; ; i++ {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			break
		}
		// Same-millisecond save; bump the timestamp
		path = filepath.Join(m.dir,
			fmt.Sprintf("%v_%v.json", m.prefix, stamp+int64(i)))
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("save: could not write checkpoint: %v", err)
	}

	m.logger.Info("checkpoint saved", "path", path)
	return path, nil
}

// SaveWithBackup copies the newest existing checkpoint to a
// backup_<timestamp>.json file before saving a new checkpoint.
func (m *Manager) SaveWithBackup(parameters json.RawMessage) (string, error) {
	checkpoints, err := m.list(m.prefix)
	if err != nil {
		return "", fmt.Errorf("savewithbackup: %v", err)
	}

	if len(checkpoints) > 0 {
		newest := checkpoints[len(checkpoints)-1]
		data, err := os.ReadFile(newest.path)
		if err != nil {
			return "", fmt.Errorf("savewithbackup: could not read previous "+
				"checkpoint: %v", err)
		}

		backupPath := filepath.Join(m.dir,
			fmt.Sprintf("%v_%v.json", backupPrefix, m.now().UnixMilli()))
		if err := os.WriteFile(backupPath, data, 0o644); err != nil {
			return "", fmt.Errorf("savewithbackup: could not write backup: "+
				"%v", err)
		}
		m.logger.Info("checkpoint backed up", "from", newest.path,
			"to", backupPath)
	}

	return m.Save(parameters)
}

// LoadLatest returns the parameters of the newest checkpoint. Corrupt
// checkpoints are skipped with a warning; older checkpoints are tried
// in turn. ErrNoCheckpoint is returned when the directory holds no
// checkpoints, and ErrCorruptCheckpoint when every candidate failed to
// decode.
func (m *Manager) LoadLatest() (json.RawMessage, error) {
	checkpoints, err := m.list(m.prefix)
	if err != nil {
		return nil, fmt.Errorf("loadlatest: %v", err)
	}
	if len(checkpoints) == 0 {
		return nil, ErrNoCheckpoint
	}

	// Newest first
	for i := len(checkpoints) - 1; i >= 0; i-- {
		data, err := os.ReadFile(checkpoints[i].path)
		if err != nil {
			m.logger.Warn("could not read checkpoint", "path",
				checkpoints[i].path, "error", err)
			continue
		}

		var snap ModelSnapshot
		if err := json.Unmarshal(data, &snap); err != nil ||
			snap.Parameters == nil {
			m.logger.Warn("skipping corrupt checkpoint", "path",
				checkpoints[i].path, "error", err)
			continue
		}

		m.logger.Info("checkpoint loaded", "path", checkpoints[i].path,
			"exportedAt", snap.ExportedAt)
		return snap.Parameters, nil
	}

	return nil, fmt.Errorf("loadlatest: %w: all %v checkpoints failed to "+
		"decode", ErrCorruptCheckpoint, len(checkpoints))
}

// Cleanup deletes all but the newest keep checkpoints. Backups are
// cleaned on the same schedule. Each deletion is attempted
// independently; failures are logged and the first one is returned
// after all deletions have been tried.
func (m *Manager) Cleanup(keep int) error {
	if keep < 0 {
		return fmt.Errorf("cleanup: keep must be non-negative \n\thave(%v)",
			keep)
	}

	var firstErr error
	for _, prefix := range []string{m.prefix, backupPrefix} {
		checkpoints, err := m.list(prefix)
		if err != nil {
			return fmt.Errorf("cleanup: %v", err)
		}
		if len(checkpoints) <= keep {
			continue
		}

		for _, stale := range checkpoints[:len(checkpoints)-keep] {
			if err := os.Remove(stale.path); err != nil {
				m.logger.Warn("could not delete stale checkpoint", "path",
					stale.path, "error", err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			m.logger.Info("deleted stale checkpoint", "path", stale.path)
		}
	}
	return firstErr
}

// checkpointFile is a parsed checkpoint filename.
type checkpointFile struct {
	path  string
	stamp int64
}

// list returns the checkpoints with the given prefix sorted from
// oldest to newest. Files whose names do not parse are ignored.
func (m *Manager) list(prefix string) ([]checkpointFile, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("could not read checkpoint directory: %v",
			err)
	}

	var checkpoints []checkpointFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, prefix+"_") ||
			!strings.HasSuffix(name, ".json") {
			continue
		}

		stampStr := strings.TrimSuffix(strings.TrimPrefix(name, prefix+"_"),
			".json")
		stamp, err := strconv.ParseInt(stampStr, 10, 64)
		if err != nil {
			continue
		}

		checkpoints = append(checkpoints, checkpointFile{
			path:  filepath.Join(m.dir, name),
			stamp: stamp,
		})
	}

	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].stamp < checkpoints[j].stamp
	})
	return checkpoints, nil
}
