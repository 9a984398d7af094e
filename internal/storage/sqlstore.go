package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cyderes/flight-ingestion-service/internal/models"
)

// flightColumns lists the flights table columns in insert order.
var flightColumns = []string{
	"icao24", "callsign", "origin_country", "longitude", "latitude",
	"altitude", "velocity", "observed_at", "ingested_at",
}

// sqlDialect covers the differences between the database/sql backends
type sqlDialect struct {
	placeholder func(n int) string
	// encodeTime converts a timestamp to the value bound for a time column
	encodeTime func(t time.Time) any
	// upsertStatus writes the single status row
	upsertStatus string
	// hourExpr extracts the UTC hour of observed_at
	hourExpr string
}

// sqlStore implements the query side shared by SQLite and PostgreSQL
type sqlStore struct {
	db      *sql.DB
	table   string
	dialect sqlDialect
}

func (s *sqlStore) statusTable() string {
	return s.table + "_status"
}

// appendFlights inserts all rows inside one transaction using stmtSQL.
// flush issues a final argument-less Exec, which COPY statements require.
func (s *sqlStore) appendFlights(ctx context.Context, stmtSQL string, flush bool, flights []models.FlightState) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, stmtSQL)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}

	for i, f := range flights {
		if _, err = stmt.ExecContext(ctx, s.flightArgs(f)...); err != nil {
			_ = stmt.Close()
			return fmt.Errorf("insert flight %d (%s): %w", i, f.ICAO24, err)
		}
	}
	if flush {
		if _, err = stmt.ExecContext(ctx); err != nil {
			_ = stmt.Close()
			return fmt.Errorf("flush insert: %w", err)
		}
	}
	if err = stmt.Close(); err != nil {
		return fmt.Errorf("close insert: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *sqlStore) flightArgs(f models.FlightState) []any {
	return []any{
		f.ICAO24,
		nullString(f.Callsign),
		f.OriginCountry,
		nullFloat(f.Longitude),
		nullFloat(f.Latitude),
		nullFloat(f.Altitude),
		nullFloat(f.Velocity),
		s.dialect.encodeTime(f.ObservedAt),
		s.dialect.encodeTime(f.IngestedAt),
	}
}

func (s *sqlStore) insertSQL() string {
	ph := make([]string, len(flightColumns))
	for i := range ph {
		ph[i] = s.dialect.placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		s.table, strings.Join(flightColumns, ", "), strings.Join(ph, ", "))
}

// getFlights returns stored rows newest first
func (s *sqlStore) getFlights(ctx context.Context, q models.FlightQuery, decodeTime func(any) (time.Time, error)) ([]models.FlightState, error) {
	q = normalizeQuery(q)

	var conditions []string
	var args []any
	if q.ICAO24 != "" {
		args = append(args, q.ICAO24)
		conditions = append(conditions, "icao24 = "+s.dialect.placeholder(len(args)))
	}
	if !q.Since.IsZero() {
		args = append(args, s.dialect.encodeTime(q.Since))
		conditions = append(conditions, "observed_at >= "+s.dialect.placeholder(len(args)))
	}

	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(flightColumns, ", "), s.table)
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY observed_at DESC, icao24 ASC LIMIT %d OFFSET %d", q.Limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query flights: %w", err)
	}
	defer func() { _ = rows.Close() }()

	flights := make([]models.FlightState, 0)
	for rows.Next() {
		var (
			f                        models.FlightState
			callsign                 sql.NullString
			lon, lat, alt, vel       sql.NullFloat64
			observedRaw, ingestedRaw any
		)
		if err := rows.Scan(&f.ICAO24, &callsign, &f.OriginCountry, &lon, &lat, &alt, &vel, &observedRaw, &ingestedRaw); err != nil {
			return nil, fmt.Errorf("scan flight: %w", err)
		}
		if callsign.Valid {
			f.Callsign = &callsign.String
		}
		f.Longitude = floatPtr(lon)
		f.Latitude = floatPtr(lat)
		f.Altitude = floatPtr(alt)
		f.Velocity = floatPtr(vel)

		if f.ObservedAt, err = decodeTime(observedRaw); err != nil {
			return nil, fmt.Errorf("decode observed_at: %w", err)
		}
		if ingestedRaw != nil {
			if f.IngestedAt, err = decodeTime(ingestedRaw); err != nil {
				return nil, fmt.Errorf("decode ingested_at: %w", err)
			}
		}
		flights = append(flights, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flights: %w", err)
	}
	return flights, nil
}

func (s *sqlStore) countFlights(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+s.table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count flights: %w", err)
	}
	return n, nil
}

func (s *sqlStore) flightStats(ctx context.Context, top int) (*models.FlightStats, error) {
	top = normalizeTop(top)
	stats := &models.FlightStats{}

	var err error
	if stats.TotalRows, err = s.countFlights(ctx); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(DISTINCT icao24) FROM "+s.table).Scan(&stats.DistinctAircraft); err != nil {
		return nil, fmt.Errorf("count aircraft: %w", err)
	}
	if stats.TopCallsigns, err = s.rankColumn(ctx, "callsign", top); err != nil {
		return nil, err
	}
	if stats.TopOriginCountries, err = s.rankColumn(ctx, "origin_country", top); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT %[1]s AS hour, COUNT(*) FROM %[2]s GROUP BY %[1]s", s.dialect.hourExpr, s.table))
	if err != nil {
		return nil, fmt.Errorf("query hourly counts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			hour int
			n    int64
		)
		if err := rows.Scan(&hour, &n); err != nil {
			return nil, fmt.Errorf("scan hourly count: %w", err)
		}
		if hour >= 0 && hour < len(stats.RowsPerHour) {
			stats.RowsPerHour[hour] = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hourly counts: %w", err)
	}
	return stats, nil
}

// rankColumn returns the most frequent non-empty values of column
func (s *sqlStore) rankColumn(ctx context.Context, column string, top int) ([]models.NamedCount, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT %[1]s, COUNT(*) AS n FROM %[2]s WHERE %[1]s IS NOT NULL AND %[1]s <> '' GROUP BY %[1]s ORDER BY n DESC, %[1]s ASC LIMIT %[3]d",
		column, s.table, top))
	if err != nil {
		return nil, fmt.Errorf("rank %s: %w", column, err)
	}
	defer func() { _ = rows.Close() }()

	ranked := make([]models.NamedCount, 0, top)
	for rows.Next() {
		var c models.NamedCount
		if err := rows.Scan(&c.Name, &c.Count); err != nil {
			return nil, fmt.Errorf("scan %s count: %w", column, err)
		}
		ranked = append(ranked, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s counts: %w", column, err)
	}
	return ranked, nil
}

func (s *sqlStore) updateIngestionStatus(ctx context.Context, st models.IngestionStatus) error {
	var lastSuccess any
	if !st.LastSuccessfulRun.IsZero() {
		lastSuccess = s.dialect.encodeTime(st.LastSuccessfulRun)
	}
	_, err := s.db.ExecContext(ctx, s.dialect.upsertStatus,
		lastSuccess, s.dialect.encodeTime(st.LastAttempt), st.Status, st.Stage, st.ErrorMessage, st.RecordsIngested)
	if err != nil {
		return fmt.Errorf("update ingestion status: %w", err)
	}
	return nil
}

func (s *sqlStore) getIngestionStatus(ctx context.Context, decodeTime func(any) (time.Time, error)) (*models.IngestionStatus, error) {
	var (
		st                       models.IngestionStatus
		lastSuccess, lastAttempt any
		stage, errMsg            sql.NullString
	)
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT last_successful_run, last_attempt, status, stage, error_message, records_ingested FROM %s WHERE id = 1",
		s.statusTable())).Scan(&lastSuccess, &lastAttempt, &st.Status, &stage, &errMsg, &st.RecordsIngested)
	if err == sql.ErrNoRows {
		return &models.IngestionStatus{Status: models.StatusNeverRun}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ingestion status: %w", err)
	}

	if lastSuccess != nil {
		if st.LastSuccessfulRun, err = decodeTime(lastSuccess); err != nil {
			return nil, fmt.Errorf("decode last_successful_run: %w", err)
		}
	}
	if st.LastAttempt, err = decodeTime(lastAttempt); err != nil {
		return nil, fmt.Errorf("decode last_attempt: %w", err)
	}
	st.Stage = stage.String
	st.ErrorMessage = errMsg.String
	return &st, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}
