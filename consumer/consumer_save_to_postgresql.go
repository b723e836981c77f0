package consumer

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withObsrvr/hunting-export-pipeline/pkg/common/types"
)

// SaveToPostgreSQL stores exported records in a hunting_events table,
// one row per record, with the raw JSON kept in a JSONB column.
type SaveToPostgreSQL struct {
	pool *pgxpool.Pool
}

func NewSaveToPostgreSQL(config map[string]interface{}) (*SaveToPostgreSQL, error) {
	connStr, err := parsePostgresConfig(config)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("error connecting to PostgreSQL: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("error pinging PostgreSQL: %w", err)
	}

	if err := createHuntingTables(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("error initializing schema: %w", err)
	}

	log.Printf("SaveToPostgreSQL: connected and schema ready")

	return &SaveToPostgreSQL{pool: pool}, nil
}

// parsePostgresConfig accepts either a full database_url or the individual
// host/database/username/password fields.
func parsePostgresConfig(config map[string]interface{}) (string, error) {
	if url, ok := config["database_url"].(string); ok && url != "" {
		return url, nil
	}

	host, ok := config["host"].(string)
	if !ok {
		return "", fmt.Errorf("missing host in config")
	}

	database, ok := config["database"].(string)
	if !ok {
		return "", fmt.Errorf("missing database in config")
	}

	username, ok := config["username"].(string)
	if !ok {
		return "", fmt.Errorf("missing username in config")
	}

	password, ok := config["password"].(string)
	if !ok {
		return "", fmt.Errorf("missing password in config")
	}

	port := getIntConfig(config, "port", 5432)
	sslMode := getStringConfig(config, "ssl_mode", "disable")

	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		host, port, username, password, database, sslMode,
	), nil
}

func createHuntingTables(ctx context.Context, pool *pgxpool.Pool) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS hunting_events (
			run_id      TEXT        NOT NULL,
			slice_start TIMESTAMPTZ NOT NULL,
			page_number INTEGER     NOT NULL,
			record_seq  INTEGER     NOT NULL,
			record      JSONB       NOT NULL,
			created_at  TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (slice_start, page_number, record_seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_hunting_events_run ON hunting_events(run_id)`,
	}

	for _, query := range queries {
		if _, err := pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("error executing query %q: %w", query, err)
		}
	}

	return nil
}

func (p *SaveToPostgreSQL) Process(ctx context.Context, batch types.PageBatch) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Replace any rows a previous run left for this page so a re-drained
	// slice lands exactly once.
	_, err = tx.Exec(ctx,
		`DELETE FROM hunting_events WHERE slice_start = $1 AND page_number = $2`,
		batch.SliceStart, batch.PageNumber)
	if err != nil {
		return fmt.Errorf("error clearing previous page rows: %w", err)
	}

	for i, rec := range batch.Records {
		_, err = tx.Exec(ctx,
			`INSERT INTO hunting_events (run_id, slice_start, page_number, record_seq, record)
			VALUES ($1, $2, $3, $4, $5)`,
			batch.RunID, batch.SliceStart, batch.PageNumber, i, []byte(rec))
		if err != nil {
			return fmt.Errorf("error inserting record %d of page %d: %w", i, batch.PageNumber, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}

	return nil
}

func (p *SaveToPostgreSQL) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}
