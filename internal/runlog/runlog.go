// Package runlog persists a catalog of monitor runs on the collecting
// node: one row per run plus the periodic throughput reports. The catalog
// is optional; the monitor runs unchanged without it.
package runlog

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store provides persistence for run records.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the catalog database at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("runlog: cannot open %s: %w", path, err)
	}
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		node_pool_size INTEGER NOT NULL,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		num_events INTEGER NOT NULL DEFAULT 0,
		num_hits INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS speed_reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(run_id),
		reported_at TIMESTAMP NOT NULL,
		num_events INTEGER NOT NULL,
		num_hits INTEGER NOT NULL,
		rate_hz REAL NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("runlog: cannot create schema in %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// StartRun inserts a new run row and returns its identifier.
func (s *Store) StartRun(source string, nodePoolSize int) (string, error) {
	runID := uuid.New().String()
	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, source, node_pool_size, started_at) VALUES (?, ?, ?, ?)`,
		runID, source, nodePoolSize, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("runlog: cannot record run start: %w", err)
	}
	return runID, nil
}

// RecordSpeedReport appends one throughput report for a run.
func (s *Store) RecordSpeedReport(runID string, numEvents, numHits uint64, rateHz float64) error {
	_, err := s.db.Exec(
		`INSERT INTO speed_reports (run_id, reported_at, num_events, num_hits, rate_hz) VALUES (?, ?, ?, ?, ?)`,
		runID, time.Now().UTC(), numEvents, numHits, rateHz,
	)
	if err != nil {
		return fmt.Errorf("runlog: cannot record speed report: %w", err)
	}
	return nil
}

// FinishRun closes out a run row with its final totals.
func (s *Store) FinishRun(runID string, numEvents, numHits uint64) error {
	_, err := s.db.Exec(
		`UPDATE runs SET completed_at = ?, num_events = ?, num_hits = ? WHERE run_id = ?`,
		time.Now().UTC(), numEvents, numHits, runID,
	)
	if err != nil {
		return fmt.Errorf("runlog: cannot record run completion: %w", err)
	}
	return nil
}

// RunSummary is one catalog row.
type RunSummary struct {
	RunID        string
	Source       string
	NodePoolSize int
	NumEvents    uint64
	NumHits      uint64
	Completed    bool
	NumReports   int
}

// Summary fetches the catalog row of one run.
func (s *Store) Summary(runID string) (*RunSummary, error) {
	row := s.db.QueryRow(
		`SELECT source, node_pool_size, num_events, num_hits, completed_at IS NOT NULL FROM runs WHERE run_id = ?`,
		runID,
	)
	out := &RunSummary{RunID: runID}
	if err := row.Scan(&out.Source, &out.NodePoolSize, &out.NumEvents, &out.NumHits, &out.Completed); err != nil {
		return nil, fmt.Errorf("runlog: cannot read run %s: %w", runID, err)
	}
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM speed_reports WHERE run_id = ?`, runID,
	).Scan(&out.NumReports); err != nil {
		return nil, fmt.Errorf("runlog: cannot count reports for %s: %w", runID, err)
	}
	return out, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
