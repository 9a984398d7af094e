package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cyderes/flight-ingestion-service/internal/config"
	"github.com/cyderes/flight-ingestion-service/internal/ingestion"
	"github.com/cyderes/flight-ingestion-service/internal/logging"
	"github.com/cyderes/flight-ingestion-service/internal/notify"
	"github.com/cyderes/flight-ingestion-service/internal/server"
	"github.com/cyderes/flight-ingestion-service/internal/storage"
)

// errRunFailed is returned when a pipeline stage failed. The stage error is
// already logged, so main only sets the exit code.
var errRunFailed = errors.New("ETL run failed")

func newRootCmd() *cobra.Command {
	var envFile string

	rootCmd := &cobra.Command{
		Use:   "flightetl",
		Short: "Ingest live aircraft state vectors into a flights table",
		Long: `flightetl fetches recent aircraft state vectors from the OpenSky API,
cleans them and appends them to the configured storage backend.

Run without a subcommand to execute the pipeline once.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadEnvFile(envFile, cmd.Flags().Changed("env-file"))
		},
		RunE: runOnce,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading configuration")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the pipeline once and exit",
		Args:  cobra.NoArgs,
		RunE:  runOnce,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline on an interval and serve the read API",
		Args:  cobra.NoArgs,
		RunE:  serve,
	})

	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}

func newNotifier(cfg *config.Config, logger *zap.Logger) notify.Notifier {
	n, err := notify.New(cfg.Notify)
	if err != nil {
		logger.Warn("run events disabled", zap.String("url", cfg.Notify.NATSURL), zap.Error(err))
		return notify.Nop{}
	}
	return n
}

// runOnce executes one ETL run and maps a failed report to a non-zero exit
func runOnce(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	notifier := newNotifier(cfg, logger)
	defer notifier.Close()

	report := ingestion.NewService(cfg, logger, ingestion.WithNotifier(notifier)).RunOnce(ctx)
	if report.Failed() {
		return errRunFailed
	}
	return nil
}

// serve runs the interval loop alongside the read API until SIGINT or SIGTERM
func serve(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	notifier := newNotifier(cfg, logger)
	defer notifier.Close()

	ingestor := ingestion.NewService(cfg, logger, ingestion.WithNotifier(notifier))
	httpServer := server.NewServer(cfg.Server, store, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		logger.Info("starting HTTP server", zap.Int("port", cfg.Server.Port))
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", zap.Error(err))
			cancel()
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		logger.Info("starting ingestion loop", zap.Duration("interval", cfg.Ingestion.Interval))
		if err := ingestor.Start(ctx); err != nil {
			logger.Error("ingestion loop error", zap.Error(err))
		}
	}()

	select {
	case <-sigChan:
		logger.Info("shutdown signal received, gracefully shutting down")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	cancel()
	<-done
	logger.Info("shutdown complete")
	return nil
}
