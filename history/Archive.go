// Package history archives per-run training progress in a SQLite
// database so runs can be inspected after the process exits.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// Record is one training progress row of a run.
type Record struct {
	RunID           string
	Step            int64
	BufferSize      int
	AverageReward   float64
	AverageLoss     float64
	ExplorationRate float64

	// RecordedAt is the wall-clock time of the row in milliseconds
	// since the epoch.
	RecordedAt int64
}

// Archive persists training progress rows. It is safe for concurrent
// use.
type Archive struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

// NewArchive returns an uninitialized archive backed by the SQLite
// database at path. Use ":memory:" for an in-memory archive.
func NewArchive(path string) *Archive {
	return &Archive{path: path}
}

// Init opens the database and creates the schema. Calling Init on an
// initialized archive is a no-op.
func (a *Archive) Init(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.path == "" {
		return errors.New("sqlite path is required")
	}
	if a.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", a.path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	a.db = db
	return nil
}

// Append stores one progress row, replacing any existing row for the
// same run and step.
func (a *Archive) Append(ctx context.Context, record Record) error {
	db, err := a.getDB()
	if err != nil {
		return err
	}

	if record.RunID == "" {
		return errors.New("append: run id is required")
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO training_progress
			(run_id, step, buffer_size, average_reward, average_loss,
			 exploration_rate, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, step) DO UPDATE SET
			buffer_size = excluded.buffer_size,
			average_reward = excluded.average_reward,
			average_loss = excluded.average_loss,
			exploration_rate = excluded.exploration_rate,
			recorded_at = excluded.recorded_at
	`, record.RunID, record.Step, record.BufferSize, record.AverageReward,
		record.AverageLoss, record.ExplorationRate, record.RecordedAt)
	return err
}

// Records returns all rows of a run ordered by step.
func (a *Archive) Records(ctx context.Context, runID string) ([]Record, error) {
	db, err := a.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT run_id, step, buffer_size, average_reward, average_loss,
		       exploration_rate, recorded_at
		FROM training_progress
		WHERE run_id = ?
		ORDER BY step
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		err := rows.Scan(&r.RunID, &r.Step, &r.BufferSize, &r.AverageReward,
			&r.AverageLoss, &r.ExplorationRate, &r.RecordedAt)
		if err != nil {
			return nil, fmt.Errorf("scan run %s: %w", runID, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Runs returns the distinct run ids in the archive, most recent first.
func (a *Archive) Runs(ctx context.Context) ([]string, error) {
	db, err := a.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT run_id
		FROM training_progress
		GROUP BY run_id
		ORDER BY MAX(recorded_at) DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []string
	for rows.Next() {
		var runID string
		if err := rows.Scan(&runID); err != nil {
			return nil, err
		}
		runs = append(runs, runID)
	}
	return runs, rows.Err()
}

// DeleteRun removes all rows of a run.
func (a *Archive) DeleteRun(ctx context.Context, runID string) error {
	db, err := a.getDB()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx,
		`DELETE FROM training_progress WHERE run_id = ?`, runID)
	return err
}

// Close closes the underlying database.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}

func (a *Archive) getDB() (*sql.DB, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.db == nil {
		return nil, errors.New("archive is not initialized")
	}
	return a.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS training_progress (
			run_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			buffer_size INTEGER NOT NULL,
			average_reward REAL NOT NULL,
			average_loss REAL NOT NULL,
			exploration_rate REAL NOT NULL,
			recorded_at INTEGER NOT NULL,
			PRIMARY KEY (run_id, step)
		);
	`)
	return err
}
