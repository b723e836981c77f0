package consumer

import (
	"context"
	"fmt"
	"log"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/withObsrvr/hunting-export-pipeline/pkg/common/types"
)

// SaveToClickHouse stores exported records in a hunting_events table using
// one native batch insert per page.
type SaveToClickHouse struct {
	conn driver.Conn
}

type ClickHouseConfig struct {
	Address      string
	Database     string
	Username     string
	Password     string
	MaxOpenConns int
	MaxIdleConns int
}

func NewSaveToClickHouse(config map[string]interface{}) (*SaveToClickHouse, error) {
	chConfig, err := parseClickHouseConfig(config)
	if err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{chConfig.Address},
		Auth: clickhouse.Auth{
			Database: chConfig.Database,
			Username: chConfig.Username,
			Password: chConfig.Password,
		},
		MaxOpenConns: chConfig.MaxOpenConns,
		MaxIdleConns: chConfig.MaxIdleConns,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("error connecting to ClickHouse: %w", err)
	}

	if err := initializeClickHouseTables(conn); err != nil {
		return nil, fmt.Errorf("error initializing tables: %w", err)
	}

	log.Printf("SaveToClickHouse: connected to %s/%s", chConfig.Address, chConfig.Database)

	return &SaveToClickHouse{conn: conn}, nil
}

func parseClickHouseConfig(config map[string]interface{}) (ClickHouseConfig, error) {
	var chConfig ClickHouseConfig

	addr, ok := config["address"].(string)
	if !ok {
		return chConfig, fmt.Errorf("missing address in config")
	}
	chConfig.Address = addr

	dbname, ok := config["database"].(string)
	if !ok {
		return chConfig, fmt.Errorf("missing database in config")
	}
	chConfig.Database = dbname

	username, ok := config["username"].(string)
	if !ok {
		return chConfig, fmt.Errorf("missing username in config")
	}
	chConfig.Username = username

	password, ok := config["password"].(string)
	if !ok {
		return chConfig, fmt.Errorf("missing password in config")
	}
	chConfig.Password = password

	chConfig.MaxOpenConns = getIntConfig(config, "max_open_conns", 10)
	chConfig.MaxIdleConns = getIntConfig(config, "max_idle_conns", 5)

	return chConfig, nil
}

func initializeClickHouseTables(conn driver.Conn) error {
	// ReplacingMergeTree collapses rows that share the ordering key, so a
	// re-drained slice converges to a single copy after merges.
	queries := []string{
		`CREATE TABLE IF NOT EXISTS hunting_events (
            run_id      String,
            slice_start DateTime('UTC'),
            page_number UInt32,
            record_seq  UInt32,
            record      String,
            created_at  DateTime DEFAULT now(),
            date Date MATERIALIZED toDate(slice_start)
        ) ENGINE = ReplacingMergeTree(created_at)
        PARTITION BY toYYYYMM(date)
        ORDER BY (slice_start, page_number, record_seq)`,
	}

	for _, query := range queries {
		if err := conn.Exec(context.Background(), query); err != nil {
			return fmt.Errorf("error executing query: %s: %w", query, err)
		}
	}

	return nil
}

func (ch *SaveToClickHouse) Process(ctx context.Context, batch types.PageBatch) error {
	insert, err := ch.conn.PrepareBatch(ctx,
		`INSERT INTO hunting_events (run_id, slice_start, page_number, record_seq, record)`)
	if err != nil {
		return fmt.Errorf("error preparing batch: %w", err)
	}

	for i, rec := range batch.Records {
		if err := insert.Append(
			batch.RunID,
			batch.SliceStart.UTC(),
			uint32(batch.PageNumber),
			uint32(i),
			string(rec),
		); err != nil {
			return fmt.Errorf("error appending record %d of page %d: %w", i, batch.PageNumber, err)
		}
	}

	if err := insert.Send(); err != nil {
		return fmt.Errorf("error sending batch: %w", err)
	}

	return nil
}

func (ch *SaveToClickHouse) Close() error {
	return ch.conn.Close()
}
