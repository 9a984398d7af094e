package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cyderes/flight-ingestion-service/internal/config"
	"github.com/cyderes/flight-ingestion-service/internal/models"
)

func TestOpen_InvalidTableName(t *testing.T) {
	for _, name := range []string{"", "flights; DROP TABLE x", "1flights", "sky-db"} {
		_, err := Open(context.Background(), config.StorageConfig{Type: config.StorageSQLite, TableName: name})
		assert.ErrorContains(t, err, "invalid table name", name)
	}
}

func TestOpen_UnsupportedType(t *testing.T) {
	_, err := Open(context.Background(), config.StorageConfig{Type: "cassandra", TableName: "flights"})
	assert.ErrorContains(t, err, "unsupported storage type: cassandra")
}

func TestOpen_MissingURIs(t *testing.T) {
	ctx := context.Background()

	_, err := Open(ctx, config.StorageConfig{Type: config.StoragePostgres, TableName: "flights"})
	assert.ErrorContains(t, err, "postgres uri is required")

	_, err = Open(ctx, config.StorageConfig{Type: config.StorageMongoDB, TableName: "flights"})
	assert.ErrorContains(t, err, "mongodb uri is required")
}

func TestNormalizeQuery(t *testing.T) {
	q := normalizeQuery(models.FlightQuery{})
	assert.Equal(t, defaultQueryLimit, q.Limit)

	q = normalizeQuery(models.FlightQuery{Limit: 1_000_000, Offset: -3})
	assert.Equal(t, maxQueryLimit, q.Limit)
	assert.Equal(t, 0, q.Offset)

	loc := time.FixedZone("CET", 3600)
	q = normalizeQuery(models.FlightQuery{Since: time.Date(2024, 1, 1, 1, 0, 0, 0, loc)})
	assert.Equal(t, time.UTC, q.Since.Location())
	assert.Equal(t, 0, q.Since.Hour())
}

func TestPostgreSQLStorage_Statements(t *testing.T) {
	p := newPostgreSQLStorage(nil, "flights")

	assert.Equal(t,
		"INSERT INTO flights (icao24, callsign, origin_country, longitude, latitude, altitude, velocity, observed_at, ingested_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		p.insertSQL())
	assert.Contains(t, p.dialect.upsertStatus, "INSERT INTO flights_status")
	assert.Contains(t, p.dialect.upsertStatus, "COALESCE(EXCLUDED.last_successful_run, flights_status.last_successful_run)")

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.FixedZone("X", 7200))
	assert.Equal(t, time.UTC, p.dialect.encodeTime(ts).(time.Time).Location())
}

func TestComputeStats(t *testing.T) {
	assert.Equal(t, expectedStats(), computeStats(statsFlights(), 0))

	got := computeStats(statsFlights(), 1)
	assert.Equal(t, []models.NamedCount{{Name: "Germany", Count: 3}}, got.TopOriginCountries)

	empty := computeStats(nil, 0)
	assert.Equal(t, int64(0), empty.TotalRows)
	assert.Empty(t, empty.TopCallsigns)
}

func TestNormalizeTop(t *testing.T) {
	assert.Equal(t, defaultStatsTop, normalizeTop(0))
	assert.Equal(t, 5, normalizeTop(5))
	assert.Equal(t, maxStatsTop, normalizeTop(maxStatsTop+1))
}
