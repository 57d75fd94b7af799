// Command server-lite runs the HTTP API on a local SQLite file with the
// in-process heuristic model. It needs no external services.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/patient-risk-monitor/internal/api"
	"github.com/patient-risk-monitor/internal/app"
	"github.com/patient-risk-monitor/internal/config"
	"github.com/patient-risk-monitor/internal/domain"
	"github.com/patient-risk-monitor/internal/events"
	"github.com/patient-risk-monitor/internal/logging"
	"github.com/patient-risk-monitor/internal/repository"
)

func main() {
	cfg := config.LoadLiteConfig()
	if err := cfg.EnsureDataDir(); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	logger, logCloser, err := logging.New(cfg.Logging())
	if err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}
	defer logCloser.Close()

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

func run(ctx context.Context, cfg *config.LiteConfig, logger *logrus.Logger) error {
	repo, err := repository.NewSQLiteRepository(cfg.DatabasePath(), logger)
	if err != nil {
		return err
	}

	hub := api.NewHub(nil, logger)
	core, err := app.New(app.Options{
		Repository: repo,
		Sinks:      []events.Sink{hub},
		Policy:     domain.DefaultPolicy(),
		Scoring:    cfg.Scoring(),
		Simulation: cfg.Simulation(),
		Logger:     logger,
	})
	if err != nil {
		repo.Close()
		return err
	}
	defer core.Close()
	if err := core.Start(ctx); err != nil {
		return err
	}

	server, err := api.NewServer(api.Options{
		Host:           "127.0.0.1",
		Port:           cfg.HTTPPort,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		RequestTimeout: 30 * time.Second,
		Pipeline:       core.Pipeline,
		Clock:          core.Clock,
		Hub:            hub,
		Checks:         map[string]api.HealthCheck{"database": repo.Ping},
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"port":     cfg.HTTPPort,
		"data_dir": cfg.DataDir,
	}).Info("Starting patient risk monitor (lite)")
	return server.Start(ctx)
}
