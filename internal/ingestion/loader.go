package ingestion

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cyderes/flight-ingestion-service/internal/config"
	"github.com/cyderes/flight-ingestion-service/internal/etlerr"
	"github.com/cyderes/flight-ingestion-service/internal/models"
	"github.com/cyderes/flight-ingestion-service/internal/storage"
)

// Loader appends clean tables to the configured storage
type Loader struct {
	config config.StorageConfig
	open   storage.Opener
	logger *zap.Logger
}

// NewLoader creates a loader. A nil opener uses storage.Open.
func NewLoader(cfg config.StorageConfig, open storage.Opener, logger *zap.Logger) *Loader {
	if open == nil {
		open = storage.Open
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{config: cfg, open: open, logger: logger.Named("loader")}
}

// Load opens a scoped storage connection, ensures the schema exists and
// appends every row in one transaction. The connection is always closed.
// An empty table is a successful no-op.
func (l *Loader) Load(ctx context.Context, clean *models.CleanTable) (err error) {
	if clean.Len() == 0 {
		l.logger.Info("nothing to load")
		return nil
	}

	defer func() {
		if err != nil {
			l.logger.Error("load failed",
				zap.String("storage", l.config.Type),
				zap.Int("rows", clean.Len()),
				zap.Error(err))
		}
	}()

	store, err := l.open(ctx, l.config)
	if err != nil {
		return etlerr.Persistence(etlerr.StageLoad, fmt.Errorf("open storage: %w", err))
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			l.logger.Warn("failed to close storage", zap.Error(cerr))
		}
	}()

	if err := store.EnsureSchema(ctx); err != nil {
		return etlerr.Persistence(etlerr.StageLoad, err)
	}
	if err := store.AppendFlights(ctx, clean.Rows); err != nil {
		return etlerr.Persistence(etlerr.StageLoad, fmt.Errorf("failed to store flights: %w", err))
	}

	l.logger.Info("loaded flight states",
		zap.String("storage", l.config.Type),
		zap.String("table", l.config.TableName),
		zap.Int("rows", clean.Len()))
	return nil
}
