package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cyderes/flight-ingestion-service/internal/config"
	"github.com/cyderes/flight-ingestion-service/internal/models"
)

// SQLiteStorage implements Storage on a local single-file SQLite database
type SQLiteStorage struct {
	sqlStore
}

// NewSQLiteStorage opens or creates the database file at cfg.SQLitePath.
func NewSQLiteStorage(ctx context.Context, cfg config.StorageConfig) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", sqliteDSN(cfg.SQLitePath, cfg.SQLiteBusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database %s: %w", cfg.SQLitePath, err)
	}

	s := &SQLiteStorage{
		sqlStore: sqlStore{
			db:    db,
			table: cfg.TableName,
			dialect: sqlDialect{
				placeholder: func(int) string { return "?" },
				encodeTime:  func(t time.Time) any { return t.UTC().Format(time.RFC3339) },
				upsertStatus: fmt.Sprintf(`
					INSERT INTO %s_status (id, last_successful_run, last_attempt, status, stage, error_message, records_ingested)
					VALUES (1, ?, ?, ?, ?, ?, ?)
					ON CONFLICT(id) DO UPDATE SET
						last_successful_run = COALESCE(excluded.last_successful_run, last_successful_run),
						last_attempt = excluded.last_attempt,
						status = excluded.status,
						stage = excluded.stage,
						error_message = excluded.error_message,
						records_ingested = excluded.records_ingested`, cfg.TableName),
				hourExpr: "CAST(substr(observed_at, 12, 2) AS INTEGER)",
			},
		},
	}
	return s, nil
}

// sqliteDSN sets the busy timeout and WAL journal on every pooled connection.
func sqliteDSN(path string, busyTimeout time.Duration) string {
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	params := url.Values{}
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	params.Add("_pragma", "journal_mode(WAL)")

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + params.Encode()
}

// EnsureSchema creates the flights and status tables if they do not exist
func (s *SQLiteStorage) EnsureSchema(ctx context.Context) error {
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		icao24 TEXT NOT NULL,
		callsign TEXT,
		origin_country TEXT NOT NULL,
		longitude REAL,
		latitude REAL,
		altitude REAL,
		velocity REAL,
		observed_at TEXT NOT NULL,
		ingested_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_%[1]s_icao24 ON %[1]s(icao24);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_observed_at ON %[1]s(observed_at);

	CREATE TABLE IF NOT EXISTS %[1]s_status (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		last_successful_run TEXT,
		last_attempt TEXT NOT NULL,
		status TEXT NOT NULL,
		stage TEXT,
		error_message TEXT,
		records_ingested INTEGER NOT NULL DEFAULT 0
	);
	`, s.table)

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// AppendFlights inserts all rows in a single transaction
func (s *SQLiteStorage) AppendFlights(ctx context.Context, flights []models.FlightState) error {
	if len(flights) == 0 {
		return nil
	}
	return s.appendFlights(ctx, s.insertSQL(), false, flights)
}

// GetFlights retrieves stored rows, newest observation first
func (s *SQLiteStorage) GetFlights(ctx context.Context, q models.FlightQuery) ([]models.FlightState, error) {
	return s.getFlights(ctx, q, decodeTextTime)
}

// CountFlights returns the number of stored rows
func (s *SQLiteStorage) CountFlights(ctx context.Context) (int64, error) {
	return s.countFlights(ctx)
}

// GetFlightStats aggregates the flights table
func (s *SQLiteStorage) GetFlightStats(ctx context.Context, top int) (*models.FlightStats, error) {
	return s.flightStats(ctx, top)
}

// UpdateIngestionStatus records the outcome of the latest run
func (s *SQLiteStorage) UpdateIngestionStatus(ctx context.Context, status models.IngestionStatus) error {
	return s.updateIngestionStatus(ctx, status)
}

// GetIngestionStatus retrieves the outcome of the latest run
func (s *SQLiteStorage) GetIngestionStatus(ctx context.Context) (*models.IngestionStatus, error) {
	return s.getIngestionStatus(ctx, decodeTextTime)
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func decodeTextTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case string:
		return time.Parse(time.RFC3339, x)
	case []byte:
		return time.Parse(time.RFC3339, string(x))
	case time.Time:
		return x.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unexpected time value %T", v)
	}
}
