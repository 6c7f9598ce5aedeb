// Package history keeps an advisory audit trail of batch runs in SQLite.
// It records what happened, never what to do next: completion decisions are
// made from the filesystem alone, so a lost or corrupt history database can
// never make the pipeline redo or skip work.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ajallooe/agentic-notebook-marker/internal/classify"
	"github.com/ajallooe/agentic-notebook-marker/internal/engine"
	"github.com/ajallooe/agentic-notebook-marker/internal/manifest"
)

// BatchRecord summarizes one batch run.
type BatchRecord struct {
	RunID     string
	Stage     string
	Backend   string
	Total     int
	Succeeded int
	ExitCode  int
	CreatedAt time.Time
}

// UnitRecord is one unit's persisted execution result.
type UnitRecord struct {
	RunID      string
	UnitID     int
	Key        string
	ExitCode   int
	DurationMs int64
	LogPath    string
	Category   string // failure category, empty for successful units
}

// Store is the SQLite-backed history store.
type Store struct {
	db *sql.DB
}

// Open creates a store at the given path, creating parent directories and
// the schema as needed. WAL mode keeps concurrent readers cheap.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// OpenMemory creates an in-memory store for testing.
func OpenMemory(ctx context.Context) (*Store, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS batches (
		run_id TEXT PRIMARY KEY,
		stage TEXT NOT NULL,
		backend TEXT NOT NULL,
		total INTEGER NOT NULL,
		succeeded INTEGER NOT NULL,
		exit_code INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS unit_results (
		run_id TEXT NOT NULL,
		unit_id INTEGER NOT NULL,
		key TEXT NOT NULL,
		exit_code INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		log_path TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (run_id, unit_id),
		FOREIGN KEY (run_id) REFERENCES batches(run_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_unit_results_run_id ON unit_results(run_id);
	CREATE INDEX IF NOT EXISTS idx_batches_stage ON batches(stage);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	return nil
}

// RecordBatch persists one batch outcome with all of its unit results.
func (s *Store) RecordBatch(ctx context.Context, rec BatchRecord, m *manifest.Manifest, res *engine.Result) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning history transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO batches (run_id, stage, backend, total, succeeded, exit_code) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Stage, rec.Backend, rec.Total, rec.Succeeded, rec.ExitCode,
	); err != nil {
		return fmt.Errorf("inserting batch record: %w", err)
	}

	keyByID := make(map[int]string, m.Len())
	for _, u := range m.Units {
		keyByID[u.ID] = u.Key
	}
	categories := categoriesByUnit(res.Report)

	for _, r := range res.Results {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO unit_results (run_id, unit_id, key, exit_code, duration_ms, log_path, category)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.RunID, r.UnitID, keyByID[r.UnitID], r.ExitCode, r.DurationMs, r.LogPath, categories[r.UnitID],
		); err != nil {
			return fmt.Errorf("inserting unit result %d: %w", r.UnitID, err)
		}
	}

	return tx.Commit()
}

// RecentBatches returns the newest batch records, most recent first.
func (s *Store) RecentBatches(ctx context.Context, limit int) ([]BatchRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, stage, backend, total, succeeded, exit_code, created_at
		 FROM batches ORDER BY created_at DESC, run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying batches: %w", err)
	}
	defer rows.Close()

	var out []BatchRecord
	for rows.Next() {
		var r BatchRecord
		if err := rows.Scan(&r.RunID, &r.Stage, &r.Backend, &r.Total, &r.Succeeded, &r.ExitCode, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning batch record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UnitResults returns every unit record for one run in ordinal order.
func (s *Store) UnitResults(ctx context.Context, runID string) ([]UnitRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, unit_id, key, exit_code, duration_ms, log_path, category
		 FROM unit_results WHERE run_id = ? ORDER BY unit_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying unit results: %w", err)
	}
	defer rows.Close()

	var out []UnitRecord
	for rows.Next() {
		var r UnitRecord
		if err := rows.Scan(&r.RunID, &r.UnitID, &r.Key, &r.ExitCode, &r.DurationMs, &r.LogPath, &r.Category); err != nil {
			return nil, fmt.Errorf("scanning unit record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func categoriesByUnit(report *classify.Report) map[int]string {
	out := map[int]string{}
	if report == nil {
		return out
	}
	for _, f := range report.Failures {
		out[f.UnitID] = string(f.Category)
	}
	return out
}
