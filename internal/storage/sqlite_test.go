package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyderes/flight-ingestion-service/internal/config"
	"github.com/cyderes/flight-ingestion-service/internal/models"
)

func strPtr(s string) *string { return &s }
func floatP(f float64) *float64 { return &f }

func sqliteConfig(t *testing.T) config.StorageConfig {
	t.Helper()
	return config.StorageConfig{
		Type:              config.StorageSQLite,
		TableName:         "flights",
		SQLitePath:        filepath.Join(t.TempDir(), "sky.db"),
		SQLiteBusyTimeout: time.Second,
	}
}

func openSQLite(t *testing.T, cfg config.StorageConfig) Storage {
	t.Helper()
	store, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.EnsureSchema(context.Background()))
	return store
}

func sampleFlights() []models.FlightState {
	ingested := time.Date(2023, 11, 14, 22, 15, 0, 0, time.UTC)
	return []models.FlightState{
		{
			ICAO24:        "abc123",
			Callsign:      strPtr("DLH400"),
			OriginCountry: "Germany",
			Longitude:     floatP(8.55),
			Latitude:      floatP(50.03),
			Altitude:      floatP(10972.8),
			Velocity:      floatP(231.5),
			ObservedAt:    time.Unix(1700000000, 0).UTC(),
			IngestedAt:    ingested,
		},
		{
			ICAO24:        "def456",
			OriginCountry: "France",
			ObservedAt:    time.Unix(1699999000, 0).UTC(),
			IngestedAt:    ingested,
		},
	}
}

// statsFlights is sampleFlights twice plus an earlier DLH400 observation
func statsFlights() []models.FlightState {
	flights := append(sampleFlights(), sampleFlights()...)
	return append(flights, models.FlightState{
		ICAO24:        "abc123",
		Callsign:      strPtr("DLH400"),
		OriginCountry: "Germany",
		ObservedAt:    time.Unix(1699980000, 0).UTC(),
	})
}

func expectedStats() *models.FlightStats {
	want := &models.FlightStats{
		TotalRows:          5,
		DistinctAircraft:   2,
		TopCallsigns:       []models.NamedCount{{Name: "DLH400", Count: 3}},
		TopOriginCountries: []models.NamedCount{{Name: "Germany", Count: 3}, {Name: "France", Count: 2}},
	}
	want.RowsPerHour[22] = 2
	want.RowsPerHour[21] = 2
	want.RowsPerHour[16] = 1
	return want
}

func TestSQLiteStorage_AppendAndGet(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t, sqliteConfig(t))

	require.NoError(t, store.AppendFlights(ctx, sampleFlights()))

	got, err := store.GetFlights(ctx, models.FlightQuery{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, sampleFlights(), got)

	// null fields round-trip as nil, not zero
	assert.Nil(t, got[1].Callsign)
	assert.Nil(t, got[1].Longitude)
	assert.Nil(t, got[1].Velocity)
}

func TestSQLiteStorage_AppendTwiceKeepsDuplicates(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t, sqliteConfig(t))
	rows := sampleFlights()

	require.NoError(t, store.AppendFlights(ctx, rows))
	require.NoError(t, store.AppendFlights(ctx, rows))

	n, err := store.CountFlights(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2*len(rows)), n)
}

func TestSQLiteStorage_AppendEmptyIsNoop(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t, sqliteConfig(t))
	require.NoError(t, store.AppendFlights(ctx, sampleFlights()))

	require.NoError(t, store.AppendFlights(ctx, nil))

	n, err := store.CountFlights(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSQLiteStorage_PersistsAcrossConnections(t *testing.T) {
	ctx := context.Background()
	cfg := sqliteConfig(t)

	first, err := Open(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, first.EnsureSchema(ctx))
	require.NoError(t, first.AppendFlights(ctx, sampleFlights()))
	require.NoError(t, first.Close())

	second := openSQLite(t, cfg)
	n, err := second.CountFlights(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSQLiteStorage_GetFlightsFilters(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t, sqliteConfig(t))
	require.NoError(t, store.AppendFlights(ctx, sampleFlights()))

	got, err := store.GetFlights(ctx, models.FlightQuery{ICAO24: "def456"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "def456", got[0].ICAO24)

	got, err = store.GetFlights(ctx, models.FlightQuery{Since: time.Unix(1699999500, 0)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "abc123", got[0].ICAO24)

	got, err = store.GetFlights(ctx, models.FlightQuery{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "def456", got[0].ICAO24)

	got, err = store.GetFlights(ctx, models.FlightQuery{ICAO24: "zzz999"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSQLiteStorage_GetFlightStats(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t, sqliteConfig(t))

	empty, err := store.GetFlightStats(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), empty.TotalRows)
	assert.Empty(t, empty.TopCallsigns)

	require.NoError(t, store.AppendFlights(ctx, statsFlights()))

	got, err := store.GetFlightStats(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, expectedStats(), got)

	got, err = store.GetFlightStats(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []models.NamedCount{{Name: "Germany", Count: 3}}, got.TopOriginCountries)
}

func TestSQLiteStorage_IngestionStatus(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t, sqliteConfig(t))

	st, err := store.GetIngestionStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StatusNeverRun, st.Status)

	success := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpdateIngestionStatus(ctx, models.IngestionStatus{
		LastSuccessfulRun: success,
		LastAttempt:       success,
		Status:            models.StatusSuccess,
		RecordsIngested:   42,
	}))

	failed := success.Add(time.Hour)
	require.NoError(t, store.UpdateIngestionStatus(ctx, models.IngestionStatus{
		LastAttempt:  failed,
		Status:       models.StatusFailure,
		Stage:        "extract",
		ErrorMessage: "API returned status 503",
	}))

	st, err = store.GetIngestionStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailure, st.Status)
	assert.Equal(t, "extract", st.Stage)
	assert.Equal(t, failed, st.LastAttempt)
	assert.Equal(t, success, st.LastSuccessfulRun)
	assert.Equal(t, 0, st.RecordsIngested)
}

func TestSQLiteStorage_UnwritablePath(t *testing.T) {
	cfg := sqliteConfig(t)
	cfg.SQLitePath = filepath.Join(t.TempDir(), "missing-dir", "sky.db")

	store, err := Open(context.Background(), cfg)
	if err == nil {
		defer store.Close()
		err = store.EnsureSchema(context.Background())
	}
	assert.Error(t, err)
}

func TestSQLiteDSN(t *testing.T) {
	dsn := sqliteDSN("sky.db", 2*time.Second)
	assert.Equal(t, "sky.db?_pragma=busy_timeout%282000%29&_pragma=journal_mode%28WAL%29", dsn)

	dsn = sqliteDSN("file:sky.db?mode=rwc", 0)
	assert.Contains(t, dsn, "file:sky.db?mode=rwc&_pragma=busy_timeout%285000%29")
}
