package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/cyderes/flight-ingestion-service/internal/config"
	"github.com/cyderes/flight-ingestion-service/internal/models"
)

// ClickHouseStorage implements Storage on an append-only MergeTree table
type ClickHouseStorage struct {
	conn  driver.Conn
	table string
}

// NewClickHouseStorage opens a connection to ClickHouse
func NewClickHouseStorage(ctx context.Context, cfg config.StorageConfig) (*ClickHouseStorage, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.ClickHouseAddr},
		Auth: clickhouse.Auth{
			Database: cfg.ClickHouseDB,
			Username: cfg.ClickHouseUser,
			Password: cfg.ClickHousePass,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	return &ClickHouseStorage{conn: conn, table: cfg.TableName}, nil
}

// EnsureSchema creates the flights table and the run history table
func (c *ClickHouseStorage) EnsureSchema(ctx context.Context) error {
	queries := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			icao24          String,
			callsign        Nullable(String),
			origin_country  LowCardinality(String),
			longitude       Nullable(Float64),
			latitude        Nullable(Float64),
			altitude        Nullable(Float64),
			velocity        Nullable(Float64),
			observed_at     DateTime('UTC'),
			ingested_at     DateTime('UTC')
		)
		ENGINE = MergeTree()
		PARTITION BY toYYYYMM(observed_at)
		ORDER BY (icao24, observed_at)`, c.table),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_status (
			last_successful_run  Nullable(DateTime('UTC')),
			last_attempt         DateTime('UTC'),
			status               LowCardinality(String),
			stage                String,
			error_message        String,
			records_ingested     Int64
		)
		ENGINE = MergeTree()
		ORDER BY last_attempt`, c.table),
	}

	for _, q := range queries {
		if err := c.conn.Exec(ctx, q); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// AppendFlights sends all rows as one insert block
func (c *ClickHouseStorage) AppendFlights(ctx context.Context, flights []models.FlightState) error {
	if len(flights) == 0 {
		return nil
	}

	batch, err := c.conn.PrepareBatch(ctx, fmt.Sprintf(
		"INSERT INTO %s (%s)", c.table, strings.Join(flightColumns, ", ")))
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for i, f := range flights {
		err := batch.Append(f.ICAO24, f.Callsign, f.OriginCountry,
			f.Longitude, f.Latitude, f.Altitude, f.Velocity,
			f.ObservedAt.UTC(), f.IngestedAt.UTC())
		if err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append flight %d (%s): %w", i, f.ICAO24, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetFlights retrieves stored rows, newest observation first
func (c *ClickHouseStorage) GetFlights(ctx context.Context, q models.FlightQuery) ([]models.FlightState, error) {
	q = normalizeQuery(q)

	var conditions []string
	var args []any
	if q.ICAO24 != "" {
		conditions = append(conditions, "icao24 = ?")
		args = append(args, q.ICAO24)
	}
	if !q.Since.IsZero() {
		conditions = append(conditions, "observed_at >= ?")
		args = append(args, q.Since)
	}

	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(flightColumns, ", "), c.table)
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY observed_at DESC, icao24 ASC LIMIT %d OFFSET %d", q.Limit, q.Offset)

	rows, err := c.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query flights: %w", err)
	}
	defer func() { _ = rows.Close() }()

	flights := make([]models.FlightState, 0)
	for rows.Next() {
		var f models.FlightState
		if err := rows.Scan(&f.ICAO24, &f.Callsign, &f.OriginCountry,
			&f.Longitude, &f.Latitude, &f.Altitude, &f.Velocity,
			&f.ObservedAt, &f.IngestedAt); err != nil {
			return nil, fmt.Errorf("scan flight: %w", err)
		}
		f.ObservedAt = f.ObservedAt.UTC()
		f.IngestedAt = f.IngestedAt.UTC()
		flights = append(flights, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flights: %w", err)
	}
	return flights, nil
}

// CountFlights returns the number of stored rows
func (c *ClickHouseStorage) CountFlights(ctx context.Context) (int64, error) {
	var n uint64
	if err := c.conn.QueryRow(ctx, "SELECT count() FROM "+c.table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count flights: %w", err)
	}
	return int64(n), nil
}

// GetFlightStats aggregates the flights table
func (c *ClickHouseStorage) GetFlightStats(ctx context.Context, top int) (*models.FlightStats, error) {
	top = normalizeTop(top)
	stats := &models.FlightStats{}

	var err error
	if stats.TotalRows, err = c.CountFlights(ctx); err != nil {
		return nil, err
	}

	var aircraft uint64
	if err := c.conn.QueryRow(ctx, "SELECT uniqExact(icao24) FROM "+c.table).Scan(&aircraft); err != nil {
		return nil, fmt.Errorf("count aircraft: %w", err)
	}
	stats.DistinctAircraft = int64(aircraft)

	if stats.TopCallsigns, err = c.rankColumn(ctx, "assumeNotNull(callsign)", "callsign IS NOT NULL AND callsign != ''", top); err != nil {
		return nil, err
	}
	if stats.TopOriginCountries, err = c.rankColumn(ctx, "toString(origin_country)", "origin_country != ''", top); err != nil {
		return nil, err
	}

	rows, err := c.conn.Query(ctx, fmt.Sprintf(
		"SELECT toHour(observed_at) AS hour, count() FROM %s GROUP BY hour", c.table))
	if err != nil {
		return nil, fmt.Errorf("query hourly counts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			hour uint8
			n    uint64
		)
		if err := rows.Scan(&hour, &n); err != nil {
			return nil, fmt.Errorf("scan hourly count: %w", err)
		}
		if int(hour) < len(stats.RowsPerHour) {
			stats.RowsPerHour[hour] = int64(n)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hourly counts: %w", err)
	}
	return stats, nil
}

// rankColumn returns the most frequent values of expr among rows matching where
func (c *ClickHouseStorage) rankColumn(ctx context.Context, expr, where string, top int) ([]models.NamedCount, error) {
	rows, err := c.conn.Query(ctx, fmt.Sprintf(
		"SELECT %s AS name, count() AS n FROM %s WHERE %s GROUP BY name ORDER BY n DESC, name ASC LIMIT %d",
		expr, c.table, where, top))
	if err != nil {
		return nil, fmt.Errorf("rank %s: %w", expr, err)
	}
	defer func() { _ = rows.Close() }()

	ranked := make([]models.NamedCount, 0, top)
	for rows.Next() {
		var (
			name string
			n    uint64
		)
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("scan %s count: %w", expr, err)
		}
		ranked = append(ranked, models.NamedCount{Name: name, Count: int64(n)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s counts: %w", expr, err)
	}
	return ranked, nil
}

// UpdateIngestionStatus appends a run record. The latest record is the current status.
func (c *ClickHouseStorage) UpdateIngestionStatus(ctx context.Context, status models.IngestionStatus) error {
	var lastSuccess *time.Time
	if status.LastSuccessfulRun.IsZero() {
		if prev, err := c.GetIngestionStatus(ctx); err == nil && !prev.LastSuccessfulRun.IsZero() {
			t := prev.LastSuccessfulRun
			lastSuccess = &t
		}
	} else {
		t := status.LastSuccessfulRun.UTC()
		lastSuccess = &t
	}

	err := c.conn.Exec(ctx, fmt.Sprintf(
		"INSERT INTO %s_status (last_successful_run, last_attempt, status, stage, error_message, records_ingested) VALUES (?, ?, ?, ?, ?, ?)",
		c.table),
		lastSuccess, status.LastAttempt.UTC(), status.Status, status.Stage, status.ErrorMessage, int64(status.RecordsIngested))
	if err != nil {
		return fmt.Errorf("update ingestion status: %w", err)
	}
	return nil
}

// GetIngestionStatus returns the most recent run record
func (c *ClickHouseStorage) GetIngestionStatus(ctx context.Context) (*models.IngestionStatus, error) {
	rows, err := c.conn.Query(ctx, fmt.Sprintf(
		"SELECT last_successful_run, last_attempt, status, stage, error_message, records_ingested FROM %s_status ORDER BY last_attempt DESC LIMIT 1",
		c.table))
	if err != nil {
		return nil, fmt.Errorf("get ingestion status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("get ingestion status: %w", err)
		}
		return &models.IngestionStatus{Status: models.StatusNeverRun}, nil
	}

	var (
		st          models.IngestionStatus
		lastSuccess *time.Time
		records     int64
	)
	if err := rows.Scan(&lastSuccess, &st.LastAttempt, &st.Status, &st.Stage, &st.ErrorMessage, &records); err != nil {
		return nil, fmt.Errorf("scan ingestion status: %w", err)
	}
	if lastSuccess != nil {
		st.LastSuccessfulRun = lastSuccess.UTC()
	}
	st.LastAttempt = st.LastAttempt.UTC()
	st.RecordsIngested = int(records)
	return &st, nil
}

// Close closes the ClickHouse connection
func (c *ClickHouseStorage) Close() error {
	return c.conn.Close()
}
