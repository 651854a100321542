package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const createProcessedTable = `
CREATE TABLE IF NOT EXISTS processed_files (
	filename TEXT PRIMARY KEY,
	generated_name TEXT,
	processed_date TEXT
)`

// SQLiteSet is the local processed-set backend, one row per source
// identifier.
type SQLiteSet struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the processed-files database at path.
func OpenSQLite(path string) (*SQLiteSet, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open processed-files db %s: %w", path, err)
	}
	if _, err := db.Exec(createProcessedTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create processed_files table: %w", err)
	}
	return &SQLiteSet{db: db}, nil
}

func (s *SQLiteSet) Contains(ctx context.Context, sourceID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM processed_files WHERE filename = ?", sourceID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("processed_files lookup: %w", err)
	}
	return true, nil
}

func (s *SQLiteSet) Record(ctx context.Context, sourceID, filename string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO processed_files (filename, generated_name, processed_date) VALUES (?, ?, ?)",
		sourceID, filename, time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("processed_files insert: %w", err)
	}
	return nil
}

func (s *SQLiteSet) Close() error { return s.db.Close() }
