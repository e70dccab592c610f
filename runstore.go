package probestation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// RunRecord is one row of the run-history table.
type RunRecord struct {
	ID              string
	Sample          string
	ThicknessM      float64
	Points          int
	ValidPoints     int
	AvgSheetRes     float64
	AvgConductivity float64
	CSVPath         string
	PNGPath         string
	StartedAt       time.Time
}

// RunStore keeps a history of completed measurement runs in SQLite so
// results remain queryable after the per-run CSVs are archived away.
type RunStore struct {
	db *sql.DB
}

// NewRunStore opens (creating if needed) the history database at path.
func NewRunStore(path string) (*RunStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		sample TEXT NOT NULL,
		thickness_m REAL NOT NULL,
		points INTEGER NOT NULL,
		valid_points INTEGER NOT NULL,
		avg_sheet_res REAL NOT NULL,
		avg_conductivity REAL NOT NULL,
		csv_path TEXT NOT NULL,
		png_path TEXT NOT NULL,
		started_at TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create runs table: %w", err)
	}
	return &RunStore{db: db}, nil
}

// Insert records a completed run.
func (s *RunStore) Insert(ctx context.Context, r RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, sample, thickness_m, points, valid_points,
			avg_sheet_res, avg_conductivity, csv_path, png_path, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Sample, r.ThicknessM, r.Points, r.ValidPoints,
		r.AvgSheetRes, r.AvgConductivity, r.CSVPath, r.PNGPath,
		r.StartedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// LastRun returns the most recently started run, or sql.ErrNoRows when
// the history is empty.
func (s *RunStore) LastRun(ctx context.Context) (RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, sample, thickness_m, points, valid_points,
			avg_sheet_res, avg_conductivity, csv_path, png_path, started_at
		FROM runs ORDER BY started_at DESC LIMIT 1`)

	var r RunRecord
	var started string
	if err := row.Scan(&r.ID, &r.Sample, &r.ThicknessM, &r.Points, &r.ValidPoints,
		&r.AvgSheetRes, &r.AvgConductivity, &r.CSVPath, &r.PNGPath, &started); err != nil {
		return RunRecord{}, err
	}
	t, err := time.Parse(time.RFC3339, started)
	if err != nil {
		return RunRecord{}, fmt.Errorf("parse started_at: %w", err)
	}
	r.StartedAt = t
	return r, nil
}

// Count returns the number of recorded runs.
func (s *RunStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *RunStore) Close() error {
	return s.db.Close()
}
