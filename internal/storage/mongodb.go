package storage

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cyderes/flight-ingestion-service/internal/config"
	"github.com/cyderes/flight-ingestion-service/internal/models"
)

const mongoStatusID = "ingestion_status"

// MongoDBStorage implements Storage interface using MongoDB
type MongoDBStorage struct {
	client  *mongo.Client
	flights *mongo.Collection
	status  *mongo.Collection
}

// NewMongoDBStorage connects to cfg.MongoDBURI and selects the flights collection
func NewMongoDBStorage(ctx context.Context, cfg config.StorageConfig) (*MongoDBStorage, error) {
	if cfg.MongoDBURI == "" {
		return nil, fmt.Errorf("mongodb uri is required")
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoDBURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	db := client.Database(cfg.MongoDBDatabase)
	return &MongoDBStorage{
		client:  client,
		flights: db.Collection(cfg.TableName),
		status:  db.Collection(cfg.TableName + "_status"),
	}, nil
}

// EnsureSchema creates the query indexes. Collections are created on first insert.
func (m *MongoDBStorage) EnsureSchema(ctx context.Context) error {
	_, err := m.flights.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "icao24", Value: 1}}},
		{Keys: bson.D{{Key: "observed_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

// AppendFlights inserts all rows with one ordered InsertMany. The batch runs
// inside a transaction when the deployment supports one.
func (m *MongoDBStorage) AppendFlights(ctx context.Context, flights []models.FlightState) error {
	if len(flights) == 0 {
		return nil
	}

	docs := make([]interface{}, len(flights))
	for i := range flights {
		docs[i] = flights[i]
	}

	insert := func(sc context.Context) (interface{}, error) {
		return m.flights.InsertMany(sc, docs, options.InsertMany().SetOrdered(true))
	}

	session, err := m.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return insert(sc)
	})
	if isTransactionUnsupported(err) {
		_, err = insert(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to insert flights: %w", err)
	}
	return nil
}

// isTransactionUnsupported matches the error standalone servers return for transactions
func isTransactionUnsupported(err error) bool {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		// IllegalOperation: "Transaction numbers are only allowed on a replica set member or mongos"
		return cmdErr.Code == 20
	}
	return false
}

// GetFlights retrieves stored rows, newest observation first
func (m *MongoDBStorage) GetFlights(ctx context.Context, q models.FlightQuery) ([]models.FlightState, error) {
	q = normalizeQuery(q)

	filter := bson.M{}
	if q.ICAO24 != "" {
		filter["icao24"] = q.ICAO24
	}
	if !q.Since.IsZero() {
		filter["observed_at"] = bson.M{"$gte": q.Since}
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "observed_at", Value: -1}, {Key: "icao24", Value: 1}}).
		SetSkip(int64(q.Offset)).
		SetLimit(int64(q.Limit))

	cursor, err := m.flights.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find flights: %w", err)
	}
	defer cursor.Close(ctx)

	flights := make([]models.FlightState, 0)
	if err := cursor.All(ctx, &flights); err != nil {
		return nil, fmt.Errorf("failed to decode flights: %w", err)
	}
	for i := range flights {
		flights[i].ObservedAt = flights[i].ObservedAt.UTC()
		flights[i].IngestedAt = flights[i].IngestedAt.UTC()
	}
	return flights, nil
}

// CountFlights returns the number of stored rows
func (m *MongoDBStorage) CountFlights(ctx context.Context) (int64, error) {
	n, err := m.flights.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("failed to count flights: %w", err)
	}
	return n, nil
}

// GetFlightStats aggregates the flights collection server-side
func (m *MongoDBStorage) GetFlightStats(ctx context.Context, top int) (*models.FlightStats, error) {
	top = normalizeTop(top)
	stats := &models.FlightStats{}

	var err error
	if stats.TotalRows, err = m.CountFlights(ctx); err != nil {
		return nil, err
	}

	aircraft, err := m.flights.Distinct(ctx, "icao24", bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to count aircraft: %w", err)
	}
	stats.DistinctAircraft = int64(len(aircraft))

	if stats.TopCallsigns, err = m.rankField(ctx, "callsign", top); err != nil {
		return nil, err
	}
	if stats.TopOriginCountries, err = m.rankField(ctx, "origin_country", top); err != nil {
		return nil, err
	}

	cursor, err := m.flights.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.M{
			"_id":   bson.M{"$hour": "$observed_at"},
			"count": bson.M{"$sum": 1},
		}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate hourly counts: %w", err)
	}
	defer cursor.Close(ctx)

	var hours []struct {
		Hour  int   `bson:"_id"`
		Count int64 `bson:"count"`
	}
	if err := cursor.All(ctx, &hours); err != nil {
		return nil, fmt.Errorf("failed to decode hourly counts: %w", err)
	}
	for _, h := range hours {
		if h.Hour >= 0 && h.Hour < len(stats.RowsPerHour) {
			stats.RowsPerHour[h.Hour] = h.Count
		}
	}
	return stats, nil
}

// rankField returns the most frequent non-empty values of field
func (m *MongoDBStorage) rankField(ctx context.Context, field string, top int) ([]models.NamedCount, error) {
	cursor, err := m.flights.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{field: bson.M{"$nin": bson.A{nil, ""}}}}},
		{{Key: "$group", Value: bson.M{"_id": "$" + field, "count": bson.M{"$sum": 1}}}},
		{{Key: "$sort", Value: bson.D{{Key: "count", Value: -1}, {Key: "_id", Value: 1}}}},
		{{Key: "$limit", Value: top}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to rank %s: %w", field, err)
	}
	defer cursor.Close(ctx)

	ranked := make([]models.NamedCount, 0, top)
	if err := cursor.All(ctx, &ranked); err != nil {
		return nil, fmt.Errorf("failed to decode %s counts: %w", field, err)
	}
	return ranked, nil
}

// UpdateIngestionStatus upserts the single status document
func (m *MongoDBStorage) UpdateIngestionStatus(ctx context.Context, status models.IngestionStatus) error {
	set := bson.M{
		"last_attempt":     status.LastAttempt,
		"status":           status.Status,
		"stage":            status.Stage,
		"error_message":    status.ErrorMessage,
		"records_ingested": status.RecordsIngested,
	}
	if !status.LastSuccessfulRun.IsZero() {
		set["last_successful_run"] = status.LastSuccessfulRun
	}

	_, err := m.status.UpdateOne(ctx,
		bson.M{"_id": mongoStatusID},
		bson.M{"$set": set},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to update ingestion status: %w", err)
	}
	return nil
}

// GetIngestionStatus retrieves the current ingestion status
func (m *MongoDBStorage) GetIngestionStatus(ctx context.Context) (*models.IngestionStatus, error) {
	var status models.IngestionStatus
	err := m.status.FindOne(ctx, bson.M{"_id": mongoStatusID}).Decode(&status)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return &models.IngestionStatus{Status: models.StatusNeverRun}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ingestion status: %w", err)
	}
	return &status, nil
}

// Close disconnects the client
func (m *MongoDBStorage) Close() error {
	return m.client.Disconnect(context.Background())
}
