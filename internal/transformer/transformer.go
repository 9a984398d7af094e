// Package transformer reshapes a raw provider table into the internal
// flight-state schema.
package transformer

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cyderes/flight-ingestion-service/internal/etlerr"
	"github.com/cyderes/flight-ingestion-service/internal/models"
)

// Provider column names read by the transform.
const (
	colICAO24        = "icao24"
	colCallsign      = "callsign"
	colOriginCountry = "origin_country"
	colTimePosition  = "time_position"
	colLastContact   = "last_contact"
	colLongitude     = "longitude"
	colLatitude      = "latitude"
	colBaroAltitude  = "baro_altitude"
	colVelocity      = "velocity"
)

// RequiredColumns must all be present in a raw table. A missing one means the
// provider changed its schema.
var RequiredColumns = []string{
	colICAO24,
	colCallsign,
	colOriginCountry,
	colTimePosition,
	colLongitude,
	colLatitude,
	colBaroAltitude,
	colVelocity,
}

var errNoTimestamp = errors.New("no usable timestamp")

// maxEpoch is 9999-12-31T23:59:59Z, the last instant RFC3339 can represent.
const maxEpoch = 253402300799

// maxDropLogs caps the per-row warnings emitted for one table.
const maxDropLogs = 5

// Transformer converts raw tables into clean tables
type Transformer struct {
	logger *zap.Logger
}

// New creates a transformer. A nil logger discards output.
func New(logger *zap.Logger) *Transformer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transformer{logger: logger.Named("transformer")}
}

// columns holds the resolved position of every retained column
type columns struct {
	icao24, callsign, country, timePosition, lastContact int
	longitude, latitude, altitude, velocity               int
}

// Transform prunes, normalizes, converts and renames raw rows. Rows that
// cannot be used are dropped and counted; a schema mismatch fails the whole table.
func (t *Transformer) Transform(raw *models.RawTable, ingestedAt time.Time) (*models.CleanTable, error) {
	if raw == nil {
		return nil, etlerr.Parse(etlerr.StageTransform, errors.New("raw table is nil"))
	}

	clean := &models.CleanTable{Rows: make([]models.FlightState, 0, raw.Len())}
	if raw.Len() == 0 {
		t.logger.Info("no rows to transform")
		return clean, nil
	}

	cols, err := resolveColumns(raw)
	if err != nil {
		t.logger.Error("transform failed", zap.Error(err))
		return nil, etlerr.Parse(etlerr.StageTransform, err)
	}

	ingestedAt = ingestedAt.UTC()
	for i, row := range raw.Rows {
		state, err := convertRow(row, cols, raw.ResponseTime)
		if err != nil {
			clean.Dropped++
			if clean.Dropped <= maxDropLogs {
				t.logger.Warn("dropping row",
					zap.Int("row", i),
					zap.Any("values", row),
					zap.Error(etlerr.DataQuality(etlerr.StageTransform, err)))
			}
			continue
		}
		state.IngestedAt = ingestedAt
		clean.Rows = append(clean.Rows, state)
	}

	if clean.Dropped > 0 {
		t.logger.Warn("dropped unusable rows",
			zap.Int("dropped", clean.Dropped),
			zap.Int("rows", raw.Len()),
			zap.Int("logged", min(clean.Dropped, maxDropLogs)))
	}
	t.logger.Info("transformed state vectors",
		zap.Int("rows_in", raw.Len()),
		zap.Int("rows_out", clean.Len()))

	return clean, nil
}

func resolveColumns(raw *models.RawTable) (columns, error) {
	var missing []string
	for _, name := range RequiredColumns {
		if raw.ColumnIndex(name) < 0 {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return columns{}, fmt.Errorf("raw table is missing columns: %s", strings.Join(missing, ", "))
	}

	return columns{
		icao24:       raw.ColumnIndex(colICAO24),
		callsign:     raw.ColumnIndex(colCallsign),
		country:      raw.ColumnIndex(colOriginCountry),
		timePosition: raw.ColumnIndex(colTimePosition),
		lastContact:  raw.ColumnIndex(colLastContact),
		longitude:    raw.ColumnIndex(colLongitude),
		latitude:     raw.ColumnIndex(colLatitude),
		altitude:     raw.ColumnIndex(colBaroAltitude),
		velocity:     raw.ColumnIndex(colVelocity),
	}, nil
}

func convertRow(row []any, c columns, responseTime int64) (models.FlightState, error) {
	var s models.FlightState

	icao, err := toString(cell(row, c.icao24))
	if err != nil {
		return s, fmt.Errorf("column %s: %w", colICAO24, err)
	}
	if icao == nil || *icao == "" {
		return s, fmt.Errorf("column %s: missing identifier", colICAO24)
	}
	s.ICAO24 = *icao

	if s.Callsign, err = toString(cell(row, c.callsign)); err != nil {
		return s, fmt.Errorf("column %s: %w", colCallsign, err)
	}
	if s.Callsign != nil && *s.Callsign == "" {
		s.Callsign = nil
	}

	country, err := toString(cell(row, c.country))
	if err != nil {
		return s, fmt.Errorf("column %s: %w", colOriginCountry, err)
	}
	if country != nil {
		s.OriginCountry = *country
	}

	numeric := []struct {
		name string
		idx  int
		dst  **float64
	}{
		{colLongitude, c.longitude, &s.Longitude},
		{colLatitude, c.latitude, &s.Latitude},
		{colBaroAltitude, c.altitude, &s.Altitude},
		{colVelocity, c.velocity, &s.Velocity},
	}
	for _, n := range numeric {
		v, err := toFloat(cell(row, n.idx))
		if err != nil {
			return s, fmt.Errorf("column %s: %w", n.name, err)
		}
		*n.dst = v
	}

	if s.ObservedAt, err = observedAt(row, c, responseTime); err != nil {
		return s, err
	}

	return s, nil
}

// observedAt prefers the position timestamp, then the last contact, then the
// response time. A present but out-of-range epoch makes the row unusable.
func observedAt(row []any, c columns, responseTime int64) (time.Time, error) {
	for _, col := range []struct {
		name string
		idx  int
	}{{colTimePosition, c.timePosition}, {colLastContact, c.lastContact}} {
		v, err := toFloat(cell(row, col.idx))
		if err != nil {
			return time.Time{}, fmt.Errorf("column %s: %w", col.name, err)
		}
		if v == nil {
			continue
		}
		if *v < 0 || *v > maxEpoch {
			return time.Time{}, fmt.Errorf("column %s: epoch %v out of range", col.name, *v)
		}
		return EpochToTime(int64(*v)), nil
	}
	if responseTime > 0 && responseTime <= maxEpoch {
		return EpochToTime(responseTime), nil
	}
	return time.Time{}, errNoTimestamp
}

// EpochToTime converts Unix seconds to a UTC time.
func EpochToTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func cell(row []any, idx int) any {
	if idx < 0 || idx >= len(row) {
		return nil
	}
	return row[idx]
}

// toString trims string values and formats numeric identifiers. Nil stays nil.
func toString(v any) (*string, error) {
	var s string
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		s = strings.TrimSpace(x)
	case json.Number:
		s = x.String()
	case float64:
		s = strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		s = strconv.Itoa(x)
	case int64:
		s = strconv.FormatInt(x, 10)
	default:
		return nil, fmt.Errorf("cannot convert %T to string", v)
	}
	return &s, nil
}

// toFloat coerces numeric values to float64. Nil and blank strings stay nil
// so a missing fix is never read as zero.
func toFloat(v any) (*float64, error) {
	var f float64
	switch x := v.(type) {
	case nil:
		return nil, nil
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", x, err)
		}
		f = parsed
	case string:
		trimmed := strings.TrimSpace(x)
		if trimmed == "" {
			return nil, nil
		}
		parsed, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", x, err)
		}
		f = parsed
	default:
		return nil, fmt.Errorf("cannot convert %T to float", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("non-finite number %v", f)
	}
	return &f, nil
}
