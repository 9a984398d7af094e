package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/cyderes/flight-ingestion-service/internal/config"
	"github.com/cyderes/flight-ingestion-service/internal/models"
)

// PostgreSQLStorage implements Storage using PostgreSQL via lib/pq
type PostgreSQLStorage struct {
	sqlStore
}

// NewPostgreSQLStorage connects to the database at cfg.PostgresURI
func NewPostgreSQLStorage(ctx context.Context, cfg config.StorageConfig) (*PostgreSQLStorage, error) {
	if cfg.PostgresURI == "" {
		return nil, fmt.Errorf("postgres uri is required")
	}

	db, err := sql.Open("postgres", cfg.PostgresURI)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return newPostgreSQLStorage(db, cfg.TableName), nil
}

func newPostgreSQLStorage(db *sql.DB, table string) *PostgreSQLStorage {
	return &PostgreSQLStorage{
		sqlStore: sqlStore{
			db:    db,
			table: table,
			dialect: sqlDialect{
				placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
				encodeTime:  func(t time.Time) any { return t.UTC() },
				upsertStatus: fmt.Sprintf(`
					INSERT INTO %[1]s_status (id, last_successful_run, last_attempt, status, stage, error_message, records_ingested)
					VALUES (1, $1, $2, $3, $4, $5, $6)
					ON CONFLICT (id) DO UPDATE SET
						last_successful_run = COALESCE(EXCLUDED.last_successful_run, %[1]s_status.last_successful_run),
						last_attempt = EXCLUDED.last_attempt,
						status = EXCLUDED.status,
						stage = EXCLUDED.stage,
						error_message = EXCLUDED.error_message,
						records_ingested = EXCLUDED.records_ingested`, table),
				hourExpr: "CAST(EXTRACT(HOUR FROM observed_at AT TIME ZONE 'UTC') AS INTEGER)",
			},
		},
	}
}

// EnsureSchema creates the flights and status tables if they do not exist
func (p *PostgreSQLStorage) EnsureSchema(ctx context.Context) error {
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		icao24          TEXT NOT NULL,
		callsign        TEXT,
		origin_country  TEXT NOT NULL,
		longitude       DOUBLE PRECISION,
		latitude        DOUBLE PRECISION,
		altitude        DOUBLE PRECISION,
		velocity        DOUBLE PRECISION,
		observed_at     TIMESTAMPTZ NOT NULL,
		ingested_at     TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_%[1]s_icao24 ON %[1]s(icao24);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_observed_at ON %[1]s(observed_at);

	CREATE TABLE IF NOT EXISTS %[1]s_status (
		id                  INTEGER PRIMARY KEY CHECK (id = 1),
		last_successful_run TIMESTAMPTZ,
		last_attempt        TIMESTAMPTZ NOT NULL,
		status              TEXT NOT NULL,
		stage               TEXT,
		error_message       TEXT,
		records_ingested    INTEGER NOT NULL DEFAULT 0
	);
	`, p.table)

	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// AppendFlights streams all rows through COPY inside a single transaction
func (p *PostgreSQLStorage) AppendFlights(ctx context.Context, flights []models.FlightState) error {
	if len(flights) == 0 {
		return nil
	}
	return p.appendFlights(ctx, pq.CopyIn(p.table, flightColumns...), true, flights)
}

// GetFlights retrieves stored rows, newest observation first
func (p *PostgreSQLStorage) GetFlights(ctx context.Context, q models.FlightQuery) ([]models.FlightState, error) {
	return p.getFlights(ctx, q, decodeTextTime)
}

// CountFlights returns the number of stored rows
func (p *PostgreSQLStorage) CountFlights(ctx context.Context) (int64, error) {
	return p.countFlights(ctx)
}

// GetFlightStats aggregates the flights table
func (p *PostgreSQLStorage) GetFlightStats(ctx context.Context, top int) (*models.FlightStats, error) {
	return p.flightStats(ctx, top)
}

// UpdateIngestionStatus records the outcome of the latest run
func (p *PostgreSQLStorage) UpdateIngestionStatus(ctx context.Context, status models.IngestionStatus) error {
	return p.updateIngestionStatus(ctx, status)
}

// GetIngestionStatus retrieves the outcome of the latest run
func (p *PostgreSQLStorage) GetIngestionStatus(ctx context.Context) (*models.IngestionStatus, error) {
	return p.getIngestionStatus(ctx, decodeTextTime)
}

// Close closes the connection pool
func (p *PostgreSQLStorage) Close() error {
	return p.db.Close()
}
