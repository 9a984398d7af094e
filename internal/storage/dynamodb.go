package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/google/uuid"

	"github.com/cyderes/flight-ingestion-service/internal/config"
	"github.com/cyderes/flight-ingestion-service/internal/models"
)

// maxTransactItems is the DynamoDB limit for one TransactWriteItems call
const maxTransactItems = 100

const dynamoStatusID = "ingestion_status"

// DynamoDBStorage implements Storage interface using AWS DynamoDB
type DynamoDBStorage struct {
	client      dynamodbiface.DynamoDBAPI
	tableName   string
	statusTable string
}

// NewDynamoDBStorage creates a new DynamoDB storage instance
func NewDynamoDBStorage(ctx context.Context, cfg config.StorageConfig) (*DynamoDBStorage, error) {
	awsConfig := &aws.Config{
		Region: aws.String(cfg.Region),
	}

	// For local testing with DynamoDB Local
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return newDynamoDBStorage(dynamodb.New(sess), cfg.TableName), nil
}

func newDynamoDBStorage(client dynamodbiface.DynamoDBAPI, table string) *DynamoDBStorage {
	return &DynamoDBStorage{
		client:      client,
		tableName:   table,
		statusTable: table + "_status",
	}
}

// EnsureSchema creates the flights and status tables if they don't exist
func (d *DynamoDBStorage) EnsureSchema(ctx context.Context) error {
	for _, table := range []string{d.tableName, d.statusTable} {
		if err := d.ensureTable(ctx, table); err != nil {
			return fmt.Errorf("failed to ensure table %s exists: %w", table, err)
		}
	}
	return nil
}

func (d *DynamoDBStorage) ensureTable(ctx context.Context, table string) error {
	_, err := d.client.DescribeTableWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(table),
	})
	if err == nil {
		return nil // Table already exists
	}

	input := &dynamodb.CreateTableInput{
		TableName: aws.String(table),
		KeySchema: []*dynamodb.KeySchemaElement{
			{
				AttributeName: aws.String("id"),
				KeyType:       aws.String("HASH"),
			},
		},
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{
				AttributeName: aws.String("id"),
				AttributeType: aws.String("S"),
			},
		},
		BillingMode: aws.String("PAY_PER_REQUEST"),
	}

	if _, err := d.client.CreateTableWithContext(ctx, input); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	// Wait for table to be created
	return d.client.WaitUntilTableExistsWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(table),
	})
}

// AppendFlights writes every row under a fresh id. Each chunk of up to 100
// rows is one transaction, so batches of that size commit atomically.
func (d *DynamoDBStorage) AppendFlights(ctx context.Context, flights []models.FlightState) error {
	for start := 0; start < len(flights); start += maxTransactItems {
		end := start + maxTransactItems
		if end > len(flights) {
			end = len(flights)
		}

		items := make([]*dynamodb.TransactWriteItem, 0, end-start)
		for _, f := range flights[start:end] {
			item, err := dynamodbattribute.MarshalMap(f)
			if err != nil {
				return fmt.Errorf("failed to marshal flight %s: %w", f.ICAO24, err)
			}
			item["id"] = &dynamodb.AttributeValue{S: aws.String(uuid.NewString())}
			items = append(items, &dynamodb.TransactWriteItem{
				Put: &dynamodb.Put{
					TableName: aws.String(d.tableName),
					Item:      item,
				},
			})
		}

		_, err := d.client.TransactWriteItemsWithContext(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: items,
		})
		if err != nil {
			return fmt.Errorf("failed to store flights %d-%d: %w", start, end-1, err)
		}
	}
	return nil
}

// GetFlights scans the table, then sorts and pages in memory. DynamoDB has
// no ordered scan across partitions.
func (d *DynamoDBStorage) GetFlights(ctx context.Context, q models.FlightQuery) ([]models.FlightState, error) {
	q = normalizeQuery(q)

	input := &dynamodb.ScanInput{
		TableName: aws.String(d.tableName),
	}
	var filters []string
	values := map[string]*dynamodb.AttributeValue{}
	if q.ICAO24 != "" {
		filters = append(filters, "icao24 = :icao24")
		values[":icao24"] = &dynamodb.AttributeValue{S: aws.String(q.ICAO24)}
	}
	if !q.Since.IsZero() {
		filters = append(filters, "observed_at >= :since")
		values[":since"] = &dynamodb.AttributeValue{S: aws.String(dynamoSinceKey(q.Since))}
	}
	if len(filters) > 0 {
		input.FilterExpression = aws.String(strings.Join(filters, " AND "))
		input.ExpressionAttributeValues = values
	}

	flights, err := d.scanFlights(ctx, input)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(flights, func(i, j int) bool {
		if !flights[i].ObservedAt.Equal(flights[j].ObservedAt) {
			return flights[i].ObservedAt.After(flights[j].ObservedAt)
		}
		return flights[i].ICAO24 < flights[j].ICAO24
	})

	if q.Offset >= len(flights) {
		return []models.FlightState{}, nil
	}
	end := q.Offset + q.Limit
	if end > len(flights) {
		end = len(flights)
	}
	return flights[q.Offset:end], nil
}

// GetFlightStats scans the whole table and aggregates in memory
func (d *DynamoDBStorage) GetFlightStats(ctx context.Context, top int) (*models.FlightStats, error) {
	total, err := d.CountFlights(ctx)
	if err != nil {
		return nil, err
	}

	input := &dynamodb.ScanInput{
		TableName:            aws.String(d.tableName),
		ProjectionExpression: aws.String("icao24, callsign, origin_country, observed_at"),
	}
	flights, err := d.scanFlights(ctx, input)
	if err != nil {
		return nil, err
	}

	stats := computeStats(flights, top)
	stats.TotalRows = total
	return stats, nil
}

func (d *DynamoDBStorage) scanFlights(ctx context.Context, input *dynamodb.ScanInput) ([]models.FlightState, error) {
	var flights []models.FlightState
	var pageErr error
	err := d.client.ScanPagesWithContext(ctx, input, func(page *dynamodb.ScanOutput, _ bool) bool {
		var batch []models.FlightState
		if err := dynamodbattribute.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			pageErr = fmt.Errorf("failed to unmarshal flights: %w", err)
			return false
		}
		flights = append(flights, batch...)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan flights: %w", err)
	}
	if pageErr != nil {
		return nil, pageErr
	}
	return flights, nil
}

// dynamoSinceKey renders a lower bound comparable with stored observed_at
// strings. Observations are whole seconds, so a fractional bound rounds up.
func dynamoSinceKey(since time.Time) string {
	since = since.UTC()
	if t := since.Truncate(time.Second); !t.Equal(since) {
		since = t.Add(time.Second)
	}
	return since.Format(time.RFC3339)
}

// CountFlights returns the number of stored rows
func (d *DynamoDBStorage) CountFlights(ctx context.Context) (int64, error) {
	var total int64
	err := d.client.ScanPagesWithContext(ctx, &dynamodb.ScanInput{
		TableName: aws.String(d.tableName),
		Select:    aws.String(dynamodb.SelectCount),
	}, func(page *dynamodb.ScanOutput, _ bool) bool {
		total += aws.Int64Value(page.Count)
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count flights: %w", err)
	}
	return total, nil
}

// UpdateIngestionStatus updates the ingestion status
func (d *DynamoDBStorage) UpdateIngestionStatus(ctx context.Context, status models.IngestionStatus) error {
	// Keep the previous success time when this run did not succeed
	if status.LastSuccessfulRun.IsZero() {
		prev, err := d.GetIngestionStatus(ctx)
		if err == nil {
			status.LastSuccessfulRun = prev.LastSuccessfulRun
		}
	}

	item, err := dynamodbattribute.MarshalMap(status)
	if err != nil {
		return fmt.Errorf("failed to marshal ingestion status: %w", err)
	}

	// Add a fixed key for the status record
	item["id"] = &dynamodb.AttributeValue{S: aws.String(dynamoStatusID)}

	_, err = d.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.statusTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to update ingestion status: %w", err)
	}
	return nil
}

// GetIngestionStatus retrieves the current ingestion status
func (d *DynamoDBStorage) GetIngestionStatus(ctx context.Context) (*models.IngestionStatus, error) {
	input := &dynamodb.GetItemInput{
		TableName: aws.String(d.statusTable),
		Key: map[string]*dynamodb.AttributeValue{
			"id": {
				S: aws.String(dynamoStatusID),
			},
		},
	}

	result, err := d.client.GetItemWithContext(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to get ingestion status: %w", err)
	}

	if result.Item == nil {
		// Return default status if not found
		return &models.IngestionStatus{
			Status: models.StatusNeverRun,
		}, nil
	}

	var status models.IngestionStatus
	err = dynamodbattribute.UnmarshalMap(result.Item, &status)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal ingestion status: %w", err)
	}

	return &status, nil
}

// Close closes the DynamoDB connection
func (d *DynamoDBStorage) Close() error {
	// DynamoDB client doesn't need explicit closing
	return nil
}
