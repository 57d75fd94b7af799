package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/patient-risk-monitor/internal/database"
	"github.com/patient-risk-monitor/internal/domain"
)

func TestPostgresRepository(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("vitals"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	config := database.Config{
		Host: host, Port: port.Int(), Database: "vitals",
		Username: "testuser", Password: "testpass", SSLMode: "disable",
		MaxConns: 10,
	}

	runner, err := database.NewMigrationRunner(config.URL(), "", testLogger())
	require.NoError(t, err)
	require.NoError(t, runner.Up(ctx))
	require.NoError(t, runner.Close())

	db, err := database.NewConnection(ctx, config, testLogger())
	require.NoError(t, err)
	defer db.Close()

	runContract(t, func(t *testing.T) domain.Repository {
		_, err := db.Pool.Exec(ctx, `TRUNCATE assessments, readings, patients, retired_patient_ids`)
		require.NoError(t, err)
		return NewPostgresRepository(db.Pool, testLogger())
	})
}
