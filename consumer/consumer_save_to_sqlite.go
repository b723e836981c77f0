package consumer

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/withObsrvr/hunting-export-pipeline/pkg/common/types"
)

// SaveToSQLite stores exported records in a local SQLite database. The raw
// JSON is kept as TEXT; SQLite's json functions can query it in place.
type SaveToSQLite struct {
	db *sql.DB
}

func NewSaveToSQLite(config map[string]interface{}) (*SaveToSQLite, error) {
	dbPath, ok := config["db_path"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid configuration: missing 'db_path'")
	}

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	// WAL keeps the writer from blocking readers during long exports.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set SQLite pragmas: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS hunting_events (
		run_id      TEXT    NOT NULL,
		slice_start TEXT    NOT NULL,
		page_number INTEGER NOT NULL,
		record_seq  INTEGER NOT NULL,
		record      TEXT    NOT NULL,
		PRIMARY KEY (slice_start, page_number, record_seq)
	);
	CREATE INDEX IF NOT EXISTS idx_hunting_events_run ON hunting_events(run_id);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	log.Printf("SaveToSQLite: writing to %s", dbPath)

	return &SaveToSQLite{db: db}, nil
}

func (c *SaveToSQLite) Process(ctx context.Context, batch types.PageBatch) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	sliceStart := batch.SliceStart.UTC().Format("2006-01-02T15:04:05Z")

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM hunting_events WHERE slice_start = ? AND page_number = ?`,
		sliceStart, batch.PageNumber); err != nil {
		return fmt.Errorf("failed to clear previous page rows: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO hunting_events (run_id, slice_start, page_number, record_seq, record)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, rec := range batch.Records {
		if _, err := stmt.ExecContext(ctx, batch.RunID, sliceStart, batch.PageNumber, i, string(rec)); err != nil {
			return fmt.Errorf("failed to insert record %d of page %d: %w", i, batch.PageNumber, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (c *SaveToSQLite) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}
