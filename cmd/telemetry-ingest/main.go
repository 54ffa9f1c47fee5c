// Package main implements the entry point for the telemetry-ingest
// application. It subscribes to the message bus, maps JSON telemetry
// envelopes to rows through configured pipelines, and writes them to
// the database in batches or republishes them to downstream subjects.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/bokristoffersson/telemetry-ingest/config"
	"github.com/bokristoffersson/telemetry-ingest/ingest"
	"github.com/bokristoffersson/telemetry-ingest/metric"
	"github.com/bokristoffersson/telemetry-ingest/natsclient"
	"github.com/bokristoffersson/telemetry-ingest/pkg/retry"
	"github.com/bokristoffersson/telemetry-ingest/store"
	"github.com/bokristoffersson/telemetry-ingest/writer"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "telemetry-ingest"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid", "pipelines", len(cfg.Pipelines))
		return nil
	}

	if cliCfg.MetricsPort > 0 {
		cfg.Metrics.Port = cliCfg.MetricsPort
	}

	ctx := context.Background()

	// Metrics server comes up first so startup retries are observable.
	metricsRegistry := metric.NewMetricsRegistry()
	metricsServer := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, metricsRegistry)
	go func() {
		if err := metricsServer.Start(); err != nil {
			slog.Error("Metrics server failed", "error", err)
		}
	}()

	natsClient, err := connectToNATS(ctx, cfg, metricsRegistry)
	if err != nil {
		return err
	}
	defer func() { _ = natsClient.Close(ctx) }()

	natsClient.OnHealthChange(func(healthy bool) {
		if healthy {
			slog.Info("NATS connection healthy")
		} else {
			slog.Warn("NATS connection unhealthy")
		}
	})
	metricsServer.SetHealthInfo(func() any {
		status := natsClient.GetStatus()
		return map[string]any{
			"nats_status":   status.Status.String(),
			"nats_failures": status.FailureCount,
			"nats_rtt_ms":   status.RTT.Milliseconds(),
		}
	})

	db, err := connectToDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	batchWriter, err := setupWriter(ctx, cfg, db, logger, metricsRegistry)
	if err != nil {
		return err
	}

	ingestor, err := ingest.New(natsClient, submitterOrNil(batchWriter), ingest.Options{
		Subjects: cfg.NATS.Subjects,
		Stream:   cfg.NATS.Stream,
		Durable:  cfg.NATS.Durable,
		Specs:    cfg.Pipelines,
		Logger:   logger,
		Registry: metricsRegistry,
	})
	if err != nil {
		return fmt.Errorf("create ingestor: %w", err)
	}

	if err := ingestor.Start(ctx); err != nil {
		return fmt.Errorf("start ingestor: %w", err)
	}

	slog.Info("Telemetry ingest started",
		"pipelines", len(cfg.Pipelines),
		"subjects", cfg.NATS.Subjects,
		"metrics", metricsServer.Address())

	return waitAndShutdown(ctx, cliCfg.ShutdownTimeout, ingestor, batchWriter, metricsServer)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting telemetry ingest",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// connectToNATS creates the bus client and retries the initial connection.
func connectToNATS(ctx context.Context, cfg *config.Config, registry *metric.MetricsRegistry) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithName(cfg.NATS.Name),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait.Std()),
		natsclient.WithMetrics(registry.CoreMetrics()),
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}

	natsClient, err := natsclient.NewClient(cfg.NATS.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	slog.Info("Connecting to NATS", "url", cfg.NATS.URL)
	err = retry.Do(ctx, retry.Startup(), func() error {
		if err := natsClient.Connect(ctx); err != nil {
			return err
		}
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return natsClient.WaitForConnection(connCtx)
	})
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return natsClient, nil
}

// connectToDatabase opens the connection pool when any pipeline targets a
// table. Republish-only deployments run without a database.
func connectToDatabase(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.Store, error) {
	if !cfg.HasDatabasePipelines() {
		slog.Info("No table pipelines configured, skipping database connection")
		return nil, nil
	}

	slog.Info("Connecting to database")
	db, err := retry.DoWithResult(ctx, retry.Startup(), func() (*store.Store, error) {
		return store.Connect(ctx, store.Config{
			URL:            cfg.Database.URL,
			MaxConns:       cfg.Database.MaxConns,
			ConnectTimeout: cfg.Database.ConnectTimeout.Std(),
		}, logger)
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	return db, nil
}

// setupWriter creates and starts the batch writer, or returns nil when no
// pipeline writes to a table.
func setupWriter(ctx context.Context, cfg *config.Config, db *store.Store, logger *slog.Logger, registry *metric.MetricsRegistry) (*writer.BatchWriter, error) {
	if db == nil {
		return nil, nil
	}

	batchWriter, err := writer.New(db, cfg.Writer.BatchSize, cfg.Writer.Linger.Std(), logger, registry)
	if err != nil {
		return nil, fmt.Errorf("create writer: %w", err)
	}
	if err := batchWriter.Start(ctx); err != nil {
		return nil, fmt.Errorf("start writer: %w", err)
	}

	return batchWriter, nil
}

// submitterOrNil avoids handing the ingestor a typed nil interface.
func submitterOrNil(w *writer.BatchWriter) ingest.Submitter {
	if w == nil {
		return nil
	}
	return w
}

// waitAndShutdown blocks until a termination signal, then stops the
// components in dependency order so buffered rows drain before the
// connections close.
func waitAndShutdown(ctx context.Context, timeout time.Duration, ingestor *ingest.Ingestor, batchWriter *writer.BatchWriter, metricsServer *metric.Server) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	if err := ingestor.Stop(timeout); err != nil {
		slog.Error("Error stopping ingestor", "error", err)
	}
	if batchWriter != nil {
		if err := batchWriter.Stop(timeout); err != nil {
			slog.Error("Error stopping writer", "error", err)
		}
	}
	if err := metricsServer.Stop(); err != nil {
		slog.Error("Error stopping metrics server", "error", err)
	}

	slog.Info("Shutdown complete")
	return nil
}
