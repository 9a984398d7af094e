package ingestion

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cyderes/flight-ingestion-service/internal/config"
	"github.com/cyderes/flight-ingestion-service/internal/etlerr"
	"github.com/cyderes/flight-ingestion-service/internal/models"
	"github.com/cyderes/flight-ingestion-service/internal/storage"
)

func cleanTable(n int) *models.CleanTable {
	t := &models.CleanTable{}
	for i := 0; i < n; i++ {
		t.Rows = append(t.Rows, models.FlightState{
			ICAO24:        "abc123",
			OriginCountry: "Germany",
			ObservedAt:    time.Unix(1700000000+int64(i), 0).UTC(),
		})
	}
	return t
}

func TestLoader_Load_EmptyIsNoop(t *testing.T) {
	opened := false
	loader := NewLoader(config.StorageConfig{}, func(context.Context, config.StorageConfig) (storage.Storage, error) {
		opened = true
		return nil, errors.New("should not open")
	}, nil)

	assert.NoError(t, loader.Load(context.Background(), &models.CleanTable{}))
	assert.NoError(t, loader.Load(context.Background(), nil))
	assert.False(t, opened)
}

func TestLoader_Load_OpenError(t *testing.T) {
	loader := NewLoader(config.StorageConfig{}, func(context.Context, config.StorageConfig) (storage.Storage, error) {
		return nil, errors.New("unable to open database file")
	}, nil)

	err := loader.Load(context.Background(), cleanTable(1))
	assert.Equal(t, etlerr.KindPersistence, etlerr.KindOf(err))
	assert.Contains(t, err.Error(), "open storage: unable to open database file")
}

func TestLoader_Load_SchemaErrorClosesStorage(t *testing.T) {
	mockStorage := new(MockStorage)
	mockStorage.On("EnsureSchema", mock.Anything).Return(errors.New("read-only"))
	mockStorage.On("Close").Return(nil).Once()

	err := NewLoader(config.StorageConfig{}, mockOpener(mockStorage), nil).Load(context.Background(), cleanTable(2))

	assert.Equal(t, etlerr.KindPersistence, etlerr.KindOf(err))
	mockStorage.AssertNotCalled(t, "AppendFlights", mock.Anything, mock.Anything)
	mockStorage.AssertExpectations(t)
}

func TestLoader_Load_SQLite(t *testing.T) {
	ctx := context.Background()
	cfg := config.StorageConfig{
		Type:       config.StorageSQLite,
		TableName:  "flights",
		SQLitePath: filepath.Join(t.TempDir(), "sky.db"),
	}
	loader := NewLoader(cfg, nil, nil)

	require.NoError(t, loader.Load(ctx, cleanTable(3)))
	require.NoError(t, loader.Load(ctx, cleanTable(3)))
	require.NoError(t, loader.Load(ctx, &models.CleanTable{}))

	store, err := storage.Open(ctx, cfg)
	require.NoError(t, err)
	defer store.Close()

	n, err := store.CountFlights(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)
}
