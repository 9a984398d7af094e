package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cyderes/flight-ingestion-service/internal/config"
	"github.com/cyderes/flight-ingestion-service/internal/etlerr"
	"github.com/cyderes/flight-ingestion-service/internal/extractor"
	"github.com/cyderes/flight-ingestion-service/internal/models"
	"github.com/cyderes/flight-ingestion-service/internal/notify"
	"github.com/cyderes/flight-ingestion-service/internal/storage"
	"github.com/cyderes/flight-ingestion-service/internal/transformer"
)

// State is the last pipeline stage a run completed
type State string

const (
	StateStart       State = "start"
	StateExtracted   State = "extracted"
	StateTransformed State = "transformed"
	StateLoaded      State = "loaded"
)

// Extractor fetches the raw table for one run
type Extractor interface {
	Extract(ctx context.Context) (*models.RawTable, error)
}

// Transformer turns a raw table into a clean one
type Transformer interface {
	Transform(raw *models.RawTable, ingestedAt time.Time) (*models.CleanTable, error)
}

// Report describes the outcome of one run. Err is nil for successful and
// no-data runs; otherwise it carries an *etlerr.Error naming the failed stage.
type Report struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	State      State
	Fetched    int
	Clean      int
	Dropped    int
	Loaded     int
	Err        error
}

// Failed reports whether any stage failed
func (r Report) Failed() bool {
	return r.Err != nil
}

// NoData reports whether the run succeeded without producing rows to load
func (r Report) NoData() bool {
	return r.Err == nil && r.Clean == 0
}

// Status maps the report to an ingestion status value
func (r Report) Status() string {
	switch {
	case r.Failed():
		return models.StatusFailure
	case r.NoData():
		return models.StatusNoData
	default:
		return models.StatusSuccess
	}
}

// Service runs the extract, transform and load stages in sequence
type Service struct {
	extractor   Extractor
	transformer Transformer
	loader      *Loader
	storageCfg  config.StorageConfig
	open        storage.Opener
	notifier    notify.Notifier
	clock       extractor.Clock
	interval    time.Duration
	logger      *zap.Logger
}

// Option customizes a Service
type Option func(*Service)

// WithClock replaces the wall clock used for run timestamps and the query window
func WithClock(c extractor.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithOpener replaces the storage factory
func WithOpener(open storage.Opener) Option {
	return func(s *Service) { s.open = open }
}

// WithNotifier sets the run event publisher
func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithExtractor replaces the HTTP extractor
func WithExtractor(e Extractor) Option {
	return func(s *Service) { s.extractor = e }
}

// NewService creates a new ingestion service
func NewService(cfg *config.Config, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		storageCfg: cfg.Storage,
		open:       storage.Open,
		notifier:   notify.Nop{},
		clock:      extractor.SystemClock,
		interval:   cfg.Ingestion.Interval,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.extractor == nil {
		s.extractor = extractor.New(cfg.Extract, s.clock, logger)
	}
	s.transformer = transformer.New(logger)
	s.loader = NewLoader(cfg.Storage, s.open, logger)
	return s
}

// Start runs the pipeline immediately and then on every interval until ctx is done.
// Runs never overlap; a failed run is logged and the loop continues.
func (s *Service) Start(ctx context.Context) error {
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes extract, transform and load. It never panics on stage
// failure; the returned report says how far the run got.
func (s *Service) RunOnce(ctx context.Context) Report {
	report := Report{
		RunID:     uuid.NewString(),
		StartedAt: s.clock.Now().UTC(),
		State:     StateStart,
	}
	log := s.logger.With(zap.String("run_id", report.RunID))
	log.Info("starting ETL run")

	raw, err := s.extractor.Extract(ctx)
	if err != nil {
		return s.finish(ctx, log, report, err)
	}
	report.State = StateExtracted
	report.Fetched = raw.Len()

	clean, err := s.transformer.Transform(raw, report.StartedAt)
	if err != nil {
		return s.finish(ctx, log, report, err)
	}
	report.State = StateTransformed
	report.Clean = clean.Len()
	report.Dropped = clean.Dropped

	if clean.Len() == 0 {
		log.Info("no flight states this run, skipping load")
		return s.finish(ctx, log, report, nil)
	}

	if err := s.loader.Load(ctx, clean); err != nil {
		return s.finish(ctx, log, report, err)
	}
	report.State = StateLoaded
	report.Loaded = clean.Len()

	return s.finish(ctx, log, report, nil)
}

func (s *Service) finish(ctx context.Context, log *zap.Logger, report Report, err error) Report {
	report.Err = err
	report.FinishedAt = s.clock.Now().UTC()

	fields := []zap.Field{
		zap.String("state", string(report.State)),
		zap.String("status", report.Status()),
		zap.Int("fetched", report.Fetched),
		zap.Int("clean", report.Clean),
		zap.Int("dropped", report.Dropped),
		zap.Int("loaded", report.Loaded),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	}
	if err != nil {
		log.Error("ETL run failed", append(fields,
			zap.String("stage", etlerr.StageOf(err)),
			zap.String("kind", etlerr.KindOf(err).String()),
			zap.Error(err))...)
	} else {
		log.Info("ETL run completed", fields...)
	}

	if serr := s.recordStatus(ctx, report); serr != nil {
		log.Warn("failed to record ingestion status", zap.Error(serr))
	}
	if nerr := s.notifier.Publish(ctx, runEvent(report)); nerr != nil {
		log.Warn("failed to publish run event", zap.Error(nerr))
	}
	return report
}

func (s *Service) recordStatus(ctx context.Context, report Report) error {
	status := models.IngestionStatus{
		LastAttempt:     report.StartedAt,
		Status:          report.Status(),
		RecordsIngested: report.Loaded,
	}
	if report.Failed() {
		status.Stage = etlerr.StageOf(report.Err)
		status.ErrorMessage = report.Err.Error()
	} else {
		status.LastSuccessfulRun = report.FinishedAt
	}

	store, err := s.open(ctx, s.storageCfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}
	return store.UpdateIngestionStatus(ctx, status)
}

func runEvent(r Report) notify.RunEvent {
	event := notify.RunEvent{
		RunID:      r.RunID,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		State:      string(r.State),
		Status:     r.Status(),
		Fetched:    r.Fetched,
		Clean:      r.Clean,
		Dropped:    r.Dropped,
		Loaded:     r.Loaded,
	}
	if r.Err != nil {
		event.Stage = etlerr.StageOf(r.Err)
		event.ErrorKind = etlerr.KindOf(r.Err).String()
		event.Error = r.Err.Error()
	}
	return event
}
