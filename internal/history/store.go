// Package history persists a bounded, newest-first list of finished
// conversion runs in a local SQLite database.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Record is one archived run summary.
type Record struct {
	ID           string
	Timestamp    time.Time
	Total        int
	Success      int
	Failed       int
	DurationMs   int64
	Cancelled    bool
	OutputDir    string
	OutputFormat string
}

// Store manages run-history persistence backed by SQLite. The list is
// append-only and capped: appending beyond the limit drops the oldest
// records.
type Store struct {
	db    *sql.DB
	limit int
}

// Open initializes or connects to the history database at path.
func Open(path string, limit int) (*Store, error) {
	if limit <= 0 {
		limit = 50
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	const schema = `CREATE TABLE IF NOT EXISTS runs (
        id TEXT PRIMARY KEY,
        timestamp TEXT NOT NULL,
        total INTEGER NOT NULL,
        success INTEGER NOT NULL,
        failed INTEGER NOT NULL,
        duration_ms INTEGER NOT NULL,
        cancelled INTEGER NOT NULL DEFAULT 0,
        output_dir TEXT NOT NULL DEFAULT '',
        output_format TEXT NOT NULL DEFAULT ''
    )`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}

	return &Store{db: db, limit: limit}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append stores a finished run and prunes the list to the cap. A blank
// ID or timestamp is filled in.
func (s *Store) Append(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO runs (
            id, timestamp, total, success, failed,
            duration_ms, cancelled, output_dir, output_format
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.Total,
		rec.Success,
		rec.Failed,
		rec.DurationMs,
		boolToInt(rec.Cancelled),
		rec.OutputDir,
		rec.OutputFormat,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	return s.prune(ctx)
}

func (s *Store) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(
		ctx,
		`DELETE FROM runs WHERE id NOT IN (
            SELECT id FROM runs ORDER BY timestamp DESC, id LIMIT ?
        )`,
		s.limit,
	)
	if err != nil {
		return fmt.Errorf("prune history: %w", err)
	}
	return nil
}

// Recent returns up to n records, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		n = s.limit
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, timestamp, total, success, failed,
                duration_ms, cancelled, output_dir, output_format
         FROM runs ORDER BY timestamp DESC, id LIMIT ?`,
		n,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var ts string
		var cancelled int
		if err := rows.Scan(
			&rec.ID, &ts, &rec.Total, &rec.Success, &rec.Failed,
			&rec.DurationMs, &cancelled, &rec.OutputDir, &rec.OutputFormat,
		); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse history timestamp %q: %w", ts, err)
		}
		rec.Timestamp = parsed
		rec.Cancelled = cancelled != 0
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	return n, nil
}

// Clear removes all records.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM runs`); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
