package main

import (
	"context"
	"fmt"
	"math"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pgsearchsync/pgsearchsync/internal/config"
	"github.com/pgsearchsync/pgsearchsync/internal/database"
	"github.com/pgsearchsync/pgsearchsync/internal/engine"
	"github.com/pgsearchsync/pgsearchsync/internal/observability"
)

const maxConnectAttempts = 5

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run the change-propagation engine",
	Long: `Connects to PostgreSQL, runs pending migrations for the checkpoint and
dead letter tables, compiles every configured schema, and then runs one
pipeline per index until interrupted: replication consumer, change router,
work queue, document builder, and index sink.`,
	RunE: runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("build_date", BuildDate).
		Msg("starting pgsearchsync")

	db, err := connectDatabaseWithRetry(cfg.Database, maxConnectAttempts)
	if err != nil {
		return fmt.Errorf("failed to connect to database after %d attempts: %w", maxConnectAttempts, err)
	}
	defer db.Close()

	log.Info().Msg("running checkpoint/dead-letter migrations")
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	metrics := observability.NewMetrics()
	db.SetMetrics(metrics)

	tracer, err := observability.NewTracer(context.Background(), observability.TracerConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(shutdownCtx)
	}()

	var metricsServer *observability.MetricsServer
	if cfg.Metrics.Enabled {
		port, err := metricsPort(cfg.Metrics.Address)
		if err != nil {
			return fmt.Errorf("invalid metrics address %q: %w", cfg.Metrics.Address, err)
		}
		metricsServer = observability.NewMetricsServer(port, cfg.Metrics.Path)
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	eng := engine.New(cfg, db, metrics)

	loadCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = eng.LoadIndexes(loadCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to load index schemas: %w", err)
	}

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info().Msg("shutdown signal received, draining in-flight batches")
		stop()
	}()

	if err := eng.Run(runCtx); err != nil {
		return fmt.Errorf("engine stopped with error: %w", err)
	}
	log.Info().Msg("pgsearchsync exited cleanly")
	return nil
}

// connectDatabaseWithRetry mirrors the teacher's startup retry shape:
// exponential backoff (1s, 2s, 4s, ...) across maxAttempts tries.
func connectDatabaseWithRetry(cfg config.DatabaseConfig, maxAttempts int) (*database.Connection, error) {
	var db *database.Connection
	var err error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		log.Info().
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Str("host", cfg.Host).
			Int("port", cfg.Port).
			Msg("attempting to connect to database")

		db, err = database.NewConnection(cfg)
		if err == nil {
			log.Info().Msg("successfully connected to database")
			return db, nil
		}

		if attempt >= maxAttempts {
			break
		}

		backoff := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", backoff).Msg("database connection failed, retrying")
		time.Sleep(backoff)
	}
	return nil, err
}

// metricsPort extracts the numeric port from a listen address like ":9090"
// or "0.0.0.0:9090".
func metricsPort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}
