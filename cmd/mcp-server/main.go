// Command mcp-server exposes the monitor as MCP tools over stdio, backed by
// a local SQLite file. Logs go to stderr so stdout stays protocol only.
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
	"github.com/patient-risk-monitor/internal/config"
	"github.com/patient-risk-monitor/internal/domain"
	"github.com/patient-risk-monitor/internal/logging"
	"github.com/patient-risk-monitor/internal/mcp"
	"github.com/patient-risk-monitor/internal/repository"
)

func main() {
	cfg := config.LoadLiteConfig()
	if err := cfg.EnsureDataDir(); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	logCfg := cfg.Logging()
	if logCfg.Output == "" || logCfg.Output == "stdout" {
		logCfg.Output = "stderr"
	}
	logger, logCloser, err := logging.New(logCfg)
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
		logger.Info("Shutdown signal received, gracefully shutting down MCP server...")
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("MCP server failed")
	}
	logger.Info("MCP server stopped")
}

func run(ctx context.Context, cfg *config.LiteConfig, logger *logrus.Logger) error {
	repo, err := repository.NewSQLiteRepository(cfg.DatabasePath(), logger)
	if err != nil {
		return err
	}

	core, err := app.New(app.Options{
		Repository: repo,
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

	server, err := mcp.NewServer(mcp.Options{
		Version:   api.Version,
		Pipeline:  core.Pipeline,
		Clock:     core.Clock,
		ExportDir: cfg.ExportDir(),
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	logger.WithField("data_dir", cfg.DataDir).Info("Starting patient risk monitor MCP server")
	return server.Run(ctx)
}
