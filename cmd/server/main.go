// Command server runs the monitor's HTTP API on PostgreSQL with optional
// Redis snapshots, Kafka alerts and MQTT ingestion.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/patient-risk-monitor/internal/api"
	"github.com/patient-risk-monitor/internal/app"
	"github.com/patient-risk-monitor/internal/cache"
	"github.com/patient-risk-monitor/internal/config"
	"github.com/patient-risk-monitor/internal/database"
	"github.com/patient-risk-monitor/internal/domain"
	"github.com/patient-risk-monitor/internal/events"
	"github.com/patient-risk-monitor/internal/ingest"
	"github.com/patient-risk-monitor/internal/logging"
	"github.com/patient-risk-monitor/internal/repository"
)

func main() {
	// Load configuration
	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Validate configuration
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}
	cfg := configManager.GetConfig()

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}
	defer logCloser.Close()

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}
	logger.Info("Server stopped")
}

func run(ctx context.Context, cfg *domain.Config, logger *logrus.Logger) error {
	dbConfig := database.ConfigFromDomain(cfg.Database)
	db, err := database.NewConnection(ctx, dbConfig, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	runner, err := database.NewMigrationRunner(dbConfig.URL(), cfg.Database.MigrationsPath, logger)
	if err != nil {
		return err
	}
	if err := runner.Up(ctx); err != nil {
		runner.Close()
		return err
	}
	runner.Close()

	checks := map[string]api.HealthCheck{"database": db.Health}
	hub := api.NewHub(cfg.Server.AllowedOrigins, logger)
	sinks := []events.Sink{hub}

	opts := app.Options{
		Repository: repository.NewPostgresRepository(db.Pool, logger),
		Policy:     cfg.Policy,
		Scoring:    cfg.Scoring,
		Simulation: cfg.Simulation,
		Logger:     logger,
	}

	if cfg.Cache.Enabled {
		snapshots, err := cache.NewSnapshotCache(cfg.Cache, logger)
		if err != nil {
			return err
		}
		defer snapshots.Close()
		opts.Cache = snapshots
		checks["cache"] = snapshots.Ping
	}

	if cfg.Kafka.Enabled {
		alerts, err := events.NewKafkaSink(cfg.Kafka)
		if err != nil {
			return err
		}
		defer alerts.Close()
		sinks = append(sinks, alerts)
	}
	opts.Sinks = sinks

	core, err := app.New(opts)
	if err != nil {
		return err
	}
	defer core.Close()
	if err := core.Start(ctx); err != nil {
		return err
	}

	if cfg.MQTT.Enabled {
		subscriber := ingest.NewSubscriber(cfg.MQTT, core.Pipeline, logger)
		if err := subscriber.Start(ctx); err != nil {
			return err
		}
		defer subscriber.Stop()
	}

	server, err := api.NewServer(api.Options{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		RequestTimeout: cfg.Server.RequestTimeout,
		RateLimit:      cfg.Server.RateLimit,
		RateBurst:      cfg.Server.RateBurst,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Debug:          cfg.Logging.Level == "debug",
		Pipeline:       core.Pipeline,
		Clock:          core.Clock,
		Hub:            hub,
		Checks:         checks,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Starting patient risk monitor")
	return server.Start(ctx)
}
