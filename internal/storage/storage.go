package storage

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"github.com/cyderes/flight-ingestion-service/internal/config"
	"github.com/cyderes/flight-ingestion-service/internal/models"
)

// Storage interface defines the contract for flight-state storage.
// The flights table is append-only: no implementation updates or deletes rows.
type Storage interface {
	EnsureSchema(ctx context.Context) error
	AppendFlights(ctx context.Context, flights []models.FlightState) error
	GetFlights(ctx context.Context, q models.FlightQuery) ([]models.FlightState, error)
	CountFlights(ctx context.Context) (int64, error)
	GetFlightStats(ctx context.Context, top int) (*models.FlightStats, error)
	UpdateIngestionStatus(ctx context.Context, status models.IngestionStatus) error
	GetIngestionStatus(ctx context.Context) (*models.IngestionStatus, error)
	Close() error
}

// Opener opens a storage backend
type Opener func(ctx context.Context, cfg config.StorageConfig) (Storage, error)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
	defaultStatsTop   = 10
	maxStatsTop       = 100
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Open creates a storage instance based on configuration
func Open(ctx context.Context, cfg config.StorageConfig) (Storage, error) {
	if !tableNamePattern.MatchString(cfg.TableName) {
		return nil, fmt.Errorf("invalid table name: %q", cfg.TableName)
	}

	switch cfg.Type {
	case config.StorageSQLite:
		return NewSQLiteStorage(ctx, cfg)
	case config.StoragePostgres:
		return NewPostgreSQLStorage(ctx, cfg)
	case config.StorageMongoDB:
		return NewMongoDBStorage(ctx, cfg)
	case config.StorageDynamoDB:
		return NewDynamoDBStorage(ctx, cfg)
	case config.StorageClickHouse:
		return NewClickHouseStorage(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// normalizeQuery applies the default and maximum page size
func normalizeQuery(q models.FlightQuery) models.FlightQuery {
	if q.Limit <= 0 {
		q.Limit = defaultQueryLimit
	}
	if q.Limit > maxQueryLimit {
		q.Limit = maxQueryLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if !q.Since.IsZero() {
		q.Since = q.Since.UTC()
	}
	return q
}

// normalizeTop bounds the length of ranked breakdowns
func normalizeTop(top int) int {
	if top <= 0 {
		return defaultStatsTop
	}
	if top > maxStatsTop {
		return maxStatsTop
	}
	return top
}

// computeStats aggregates flights in memory for backends without grouping queries
func computeStats(flights []models.FlightState, top int) *models.FlightStats {
	stats := &models.FlightStats{TotalRows: int64(len(flights))}
	aircraft := map[string]struct{}{}
	callsigns := map[string]int64{}
	countries := map[string]int64{}
	for _, f := range flights {
		aircraft[f.ICAO24] = struct{}{}
		if f.Callsign != nil {
			callsigns[*f.Callsign]++
		}
		if f.OriginCountry != "" {
			countries[f.OriginCountry]++
		}
		stats.RowsPerHour[f.ObservedAt.UTC().Hour()]++
	}
	stats.DistinctAircraft = int64(len(aircraft))
	stats.TopCallsigns = rankCounts(callsigns, normalizeTop(top))
	stats.TopOriginCountries = rankCounts(countries, normalizeTop(top))
	return stats
}

// rankCounts orders by count descending, then name, and keeps the first top entries
func rankCounts(counts map[string]int64, top int) []models.NamedCount {
	ranked := make([]models.NamedCount, 0, len(counts))
	for name, n := range counts {
		ranked = append(ranked, models.NamedCount{Name: name, Count: n})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].Name < ranked[j].Name
	})
	if len(ranked) > top {
		ranked = ranked[:top]
	}
	return ranked
}
