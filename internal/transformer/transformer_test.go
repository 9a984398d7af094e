package transformer

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cyderes/flight-ingestion-service/internal/etlerr"
	"github.com/cyderes/flight-ingestion-service/internal/extractor"
	"github.com/cyderes/flight-ingestion-service/internal/models"
)

var ingestedAt = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func TestEpochToTime(t *testing.T) {
	got := EpochToTime(1700000000)

	assert.Equal(t, time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC), got)
	assert.Equal(t, "2023-11-14T22:13:20Z", got.Format(time.RFC3339))
}

func TestTransform_BlankCallsignAndNoFix(t *testing.T) {
	raw := &models.RawTable{
		Columns: []string{"icao24", "callsign", "origin_country", "time_position", "longitude", "latitude", "baro_altitude", "velocity", "on_ground"},
		Rows: [][]any{
			{"abc123", "  ", "Germany", json.Number("1700000000"), nil, nil, nil, nil, false},
		},
	}

	clean, err := New(nil).Transform(raw, ingestedAt)
	require.NoError(t, err)
	require.Equal(t, 1, clean.Len())

	row := clean.Rows[0]
	assert.Equal(t, "abc123", row.ICAO24)
	assert.Nil(t, row.Callsign)
	assert.Equal(t, "Germany", row.OriginCountry)
	assert.Nil(t, row.Longitude)
	assert.Nil(t, row.Latitude)
	assert.Nil(t, row.Altitude)
	assert.Nil(t, row.Velocity)
	assert.Equal(t, "2023-11-14T22:13:20Z", row.ObservedAt.Format(time.RFC3339))
	assert.Equal(t, ingestedAt, row.IngestedAt)
	assert.Equal(t, 0, clean.Dropped)
}

func TestTransform_FromProviderResponse(t *testing.T) {
	raw, err := extractor.ParseStates([]byte(`{
		"time": 1700000100,
		"states": [
			["abc123", "DLH400  ", "Germany", 1700000000, 1700000001, 8.55, 50.03, 10972.8, false, 231.5, 90.0, 0.0, null, 11049.0, "1000", false, 0],
			["   ", "GHOST", "Nowhere", 1700000000, 1700000000, 1.0, 2.0, 3.0, false, 4.0, null, null, null, null, null, false, 0],
			["def456", null, "France", null, 1699999999, null, null, null, true, 0, null, null, null, null, null, false, 0],
			["fed789", "AFR1", "France", null, null, "bad", 1.0, 1.0, false, 1.0, null, null, null, null, null, false, 0],
			[12345, "N1", "United States", null, null, null, null, null, false, null, null, null, null, null, null, false, 0]
		]
	}`))
	require.NoError(t, err)

	clean, err := New(nil).Transform(raw, ingestedAt)
	require.NoError(t, err)

	assert.LessOrEqual(t, clean.Len(), raw.Len())
	assert.Equal(t, 3, clean.Len())
	assert.Equal(t, 2, clean.Dropped)
	for _, row := range clean.Rows {
		assert.NotEmpty(t, row.ICAO24)
	}

	first := clean.Rows[0]
	require.NotNil(t, first.Callsign)
	assert.Equal(t, "DLH400", *first.Callsign)
	require.NotNil(t, first.Longitude)
	assert.InDelta(t, 8.55, *first.Longitude, 1e-9)
	require.NotNil(t, first.Altitude)
	assert.InDelta(t, 10972.8, *first.Altitude, 1e-9)
	assert.Equal(t, EpochToTime(1700000000), first.ObservedAt)

	// no position timestamp falls back to last_contact
	second := clean.Rows[1]
	assert.Equal(t, "def456", second.ICAO24)
	assert.Nil(t, second.Callsign)
	assert.Nil(t, second.Latitude)
	require.NotNil(t, second.Velocity)
	assert.Equal(t, 0.0, *second.Velocity)
	assert.Equal(t, EpochToTime(1699999999), second.ObservedAt)

	// numeric identifier coerced to string, response time used for observed_at
	third := clean.Rows[2]
	assert.Equal(t, "12345", third.ICAO24)
	assert.Equal(t, EpochToTime(1700000100), third.ObservedAt)
}

func TestTransform_EmptyTable(t *testing.T) {
	raw := &models.RawTable{Columns: models.StateVectorColumns}

	clean, err := New(nil).Transform(raw, ingestedAt)
	require.NoError(t, err)
	assert.NotNil(t, clean)
	assert.Equal(t, 0, clean.Len())
}

func TestTransform_NilTable(t *testing.T) {
	clean, err := New(nil).Transform(nil, ingestedAt)

	assert.Nil(t, clean)
	assert.Equal(t, etlerr.KindParse, etlerr.KindOf(err))
}

func TestTransform_SchemaChanged(t *testing.T) {
	raw := &models.RawTable{
		Columns: []string{"icao24", "callsign", "origin_country"},
		Rows:    [][]any{{"abc123", "X", "Y"}},
	}

	core, logs := observer.New(zapcore.InfoLevel)
	clean, err := New(zap.New(core)).Transform(raw, ingestedAt)

	assert.Nil(t, clean)
	require.Error(t, err)
	assert.Equal(t, etlerr.KindParse, etlerr.KindOf(err))
	assert.Contains(t, err.Error(), "missing columns: time_position, longitude, latitude, baro_altitude, velocity")
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
}

func TestTransform_NoUsableTimestamp(t *testing.T) {
	raw := &models.RawTable{
		Columns: models.StateVectorColumns,
		Rows:    [][]any{{"abc123", "CS", "Germany"}},
	}
	raw.Rows[0] = append(raw.Rows[0], make([]any, len(raw.Columns)-3)...)

	core, logs := observer.New(zapcore.DebugLevel)
	clean, err := New(zap.New(core)).Transform(raw, ingestedAt)
	require.NoError(t, err)

	assert.Equal(t, 0, clean.Len())
	assert.Equal(t, 1, clean.Dropped)

	warn := logs.FilterMessage("dropped unusable rows").All()
	require.Len(t, warn, 1)
	assert.Equal(t, int64(1), warn[0].ContextMap()["dropped"])
	assert.Equal(t, 1, logs.FilterMessage("dropping row").Len())
}

func TestTransform_OutOfRangeEpoch(t *testing.T) {
	raw, err := extractor.ParseStates([]byte(`{
		"time": 1700000100,
		"states": [
			["ms0001", "MS", "Germany", 1700000000000, 1700000000, 1.0, 1.0, 1.0, false, 1.0],
			["big001", "BIG", "Germany", 1e20, null, 1.0, 1.0, 1.0, false, 1.0],
			["neg001", "NEG", "Germany", null, -5, 1.0, 1.0, 1.0, false, 1.0],
			["abc123", "OK", "Germany", 1700000000, 1700000000, 1.0, 1.0, 1.0, false, 1.0]
		]
	}`))
	require.NoError(t, err)

	core, logs := observer.New(zapcore.InfoLevel)
	clean, err := New(zap.New(core)).Transform(raw, ingestedAt)
	require.NoError(t, err)

	require.Equal(t, 1, clean.Len())
	assert.Equal(t, 3, clean.Dropped)
	assert.Equal(t, "abc123", clean.Rows[0].ICAO24)
	assert.Equal(t, EpochToTime(1700000000), clean.Rows[0].ObservedAt)

	dropped := logs.FilterMessage("dropping row").All()
	require.Len(t, dropped, 3)
	assert.Equal(t, zapcore.WarnLevel, dropped[0].Level)
	assert.Contains(t, dropped[0].ContextMap()["error"], "time_position: epoch 1.7e+12 out of range")
	assert.Contains(t, dropped[2].ContextMap()["error"], "last_contact")
}

func TestTransform_DropLogsCapped(t *testing.T) {
	raw := &models.RawTable{Columns: models.StateVectorColumns}
	for i := 0; i < maxDropLogs+3; i++ {
		raw.Rows = append(raw.Rows, []any{nil, "GHOST", "Nowhere", json.Number("1700000000")})
	}

	core, logs := observer.New(zapcore.InfoLevel)
	clean, err := New(zap.New(core)).Transform(raw, ingestedAt)
	require.NoError(t, err)

	assert.Equal(t, maxDropLogs+3, clean.Dropped)
	assert.Equal(t, maxDropLogs, logs.FilterMessage("dropping row").Len())
	summary := logs.FilterMessage("dropped unusable rows").All()
	require.Len(t, summary, 1)
	assert.Equal(t, int64(maxDropLogs+3), summary[0].ContextMap()["dropped"])
}

func TestToFloat(t *testing.T) {
	cases := []struct {
		name    string
		in      any
		want    *float64
		wantErr bool
	}{
		{"nil", nil, nil, false},
		{"float", 1.5, ptr(1.5), false},
		{"int", 3, ptr(3), false},
		{"json number", json.Number("42.25"), ptr(42.25), false},
		{"numeric string", " 7.5 ", ptr(7.5), false},
		{"blank string", "  ", nil, false},
		{"garbage string", "abc", nil, true},
		{"bool", true, nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := toFloat(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func ptr(f float64) *float64 { return &f }
